// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/bytev/docdriver/address"
	"github.com/bytev/docdriver/description"
)

var (
	// minSupportedServerVersion is the version string for the lowest server version supported by
	// the driver.
	minSupportedServerVersion = "3.6"

	// supportedWireVersions is the range of wire versions supported by the driver.
	supportedWireVersions = description.NewVersionRange(6, 25)
)

type fsm struct {
	description.Topology
	maxElectionID    primitive.ObjectID
	maxSetVersion    uint32
	compatible       atomic.Value
	compatibilityErr error
}

func newFSM() *fsm {
	f := fsm{}
	f.compatible.Store(true)
	return &f
}

// compareInt64Ptrs compares two int64 pointers. It returns -2 if ptr1 is nil and ptr2 is not, 2 if
// ptr1 is non-nil and ptr2 is nil, and otherwise the result of comparing the pointed-to values:
// -1, 0, or 1.
func compareInt64Ptrs(ptr1, ptr2 *int64) int {
	if ptr1 == nil && ptr2 == nil {
		return 0
	}
	if ptr1 == nil {
		return -2
	}
	if ptr2 == nil {
		return 2
	}

	switch {
	case *ptr1 < *ptr2:
		return -1
	case *ptr1 > *ptr2:
		return 1
	}
	return 0
}

// selectFSMSessionTimeout selects the timeout to return for the topology's
// finite state machine. If the server is in a data-bearing state, then we
// determine this value by returning
//
//	min{server timeout, FSM timeout}
//
// where a non-nil timeout compares less than a nil timeout. If the server is
// not data-bearing, then we keep the FSM timeout.
func selectFSMSessionTimeout(f *fsm, s description.Server) *int64 {
	oldMinutes := f.SessionTimeoutMinutes
	comp := compareInt64Ptrs(oldMinutes, s.SessionTimeoutMinutes)

	// If the server is data-bearing and the current timeout exists and is
	// either:
	//
	// 1. larger than the server timeout, or
	// 2. non-nil while the server timeout is nil
	//
	// then return the server timeout.
	if s.DataBearing() && (comp == 1 || comp == 2) {
		return s.SessionTimeoutMinutes
	}

	// If the server is not data-bearing OR both timeouts are non-nil and the
	// current timeout is less than the server timeout, then return the current
	// timeout.
	return oldMinutes
}

// apply takes a new server description and modifies the FSM's topology description based on it. It returns the
// updated topology description as well as a server description. The returned server description is either the same
// one that was passed in, or a new one in the case that it had to be changed.
//
// apply should operate on immutable descriptions so we don't have to lock for the entire time we're applying the
// server description.
func (f *fsm) apply(s description.Server) (description.Topology, description.Server) {
	newServers := make([]description.Server, len(f.Servers))
	copy(newServers, f.Servers)

	// Reset the logicalSessionTimeoutMinutes to the minimum of the FSM
	// and the description.server.
	serverTimeoutMinutes := selectFSMSessionTimeout(f, s)

	f.Topology = description.Topology{
		Kind:    f.Kind,
		Servers: newServers,
		SetName: f.SetName,
	}

	f.Topology.SessionTimeoutMinutes = serverTimeoutMinutes

	if _, ok := f.findServer(s.Addr); !ok {
		return f.Topology, s
	}

	updatedDesc := s
	switch f.Kind {
	case description.Unknown:
		updatedDesc = f.applyToUnknown(s)
	case description.TopologyKindSharded:
		updatedDesc = f.applyToSharded(s)
	case description.TopologyKindReplicaSetNoPrimary:
		updatedDesc = f.applyToReplicaSetNoPrimary(s)
	case description.TopologyKindReplicaSetWithPrimary:
		updatedDesc = f.applyToReplicaSetWithPrimary(s)
	case description.TopologyKindSingle:
		updatedDesc = f.applyToSingle(s)
	}

	for _, server := range f.Servers {
		if server.WireVersion != nil {
			if server.WireVersion.Max < supportedWireVersions.Min {
				f.compatible.Store(false)
				f.compatibilityErr = fmt.Errorf(
					"server at %s reports wire version %d, but this version of the driver requires "+
						"at least %d (server version %s)",
					server.Addr.String(),
					server.WireVersion.Max,
					supportedWireVersions.Min,
					minSupportedServerVersion,
				)
				f.Topology.CompatibilityErr = f.compatibilityErr
				return f.Topology, updatedDesc
			}

			if server.WireVersion.Min > supportedWireVersions.Max {
				f.compatible.Store(false)
				f.compatibilityErr = fmt.Errorf(
					"server at %s requires wire version %d, but this version of the driver only supports up to %d",
					server.Addr.String(),
					server.WireVersion.Min,
					supportedWireVersions.Max,
				)
				f.Topology.CompatibilityErr = f.compatibilityErr
				return f.Topology, updatedDesc
			}
		}
	}

	f.compatible.Store(true)
	f.compatibilityErr = nil
	f.Topology.CompatibilityErr = nil
	return f.Topology, updatedDesc
}

func (f *fsm) applyToReplicaSetNoPrimary(s description.Server) description.Server {
	switch s.Kind {
	case description.ServerKindStandalone, description.ServerKindMongos:
		f.removeServerByAddr(s.Addr)
	case description.ServerKindRSPrimary:
		f.updateRSFromPrimary(s)
	case description.ServerKindRSSecondary, description.ServerKindRSArbiter, description.ServerKindRSMember:
		f.updateRSWithoutPrimary(s)
	case description.Unknown, description.ServerKindRSGhost:
		f.replaceServer(s)
	}

	return s
}

func (f *fsm) applyToReplicaSetWithPrimary(s description.Server) description.Server {
	switch s.Kind {
	case description.ServerKindStandalone, description.ServerKindMongos:
		f.removeServerByAddr(s.Addr)
		f.checkIfHasPrimary()
	case description.ServerKindRSPrimary:
		f.updateRSFromPrimary(s)
	case description.ServerKindRSSecondary, description.ServerKindRSArbiter, description.ServerKindRSMember:
		f.updateRSWithPrimaryFromMember(s)
	case description.Unknown, description.ServerKindRSGhost:
		f.replaceServer(s)
		f.checkIfHasPrimary()
	}

	return s
}

func (f *fsm) applyToSharded(s description.Server) description.Server {
	switch s.Kind {
	case description.ServerKindMongos, description.Unknown:
		f.replaceServer(s)
	case description.ServerKindStandalone, description.ServerKindRSPrimary, description.ServerKindRSSecondary,
		description.ServerKindRSArbiter, description.ServerKindRSMember, description.ServerKindRSGhost:
		f.removeServerByAddr(s.Addr)
	}

	return s
}

func (f *fsm) applyToSingle(s description.Server) description.Server {
	switch s.Kind {
	case description.Unknown:
		f.replaceServer(s)
	case description.ServerKindStandalone, description.ServerKindMongos:
		if f.SetName != "" {
			f.removeServerByAddr(s.Addr)
			return s
		}

		f.replaceServer(s)
	case description.ServerKindRSPrimary, description.ServerKindRSSecondary, description.ServerKindRSArbiter,
		description.ServerKindRSMember, description.ServerKindRSGhost:
		// A replica set name can be provided when creating a direct connection. In this case, if the set name returned
		// by the hello response doesn't match up with the one provided during configuration, the server description
		// is replaced with a default Unknown description.
		//
		// We create a new server description rather than doing s.Kind = description.Unknown because the other fields,
		// such as RTT, need to be cleared for Unknown descriptions as well.
		if f.SetName != "" && f.SetName != s.SetName {
			s = description.Server{
				Addr:      s.Addr,
				LastError: fmt.Errorf("server type %s does not match topology kind %s", s.Kind, f.Kind),
				Kind:      description.Unknown,
			}
		}

		f.replaceServer(s)
	}

	return s
}

func (f *fsm) applyToUnknown(s description.Server) description.Server {
	switch s.Kind {
	case description.ServerKindMongos:
		f.setKind(description.TopologyKindSharded)
		f.replaceServer(s)
	case description.ServerKindRSPrimary:
		f.updateRSFromPrimary(s)
	case description.ServerKindRSSecondary, description.ServerKindRSArbiter, description.ServerKindRSMember:
		f.setKind(description.TopologyKindReplicaSetNoPrimary)
		f.updateRSWithoutPrimary(s)
	case description.ServerKindStandalone:
		f.updateUnknownWithStandalone(s)
	case description.Unknown, description.ServerKindRSGhost:
		f.replaceServer(s)
	}

	return s
}

func (f *fsm) checkIfHasPrimary() {
	if _, ok := f.findPrimary(); ok {
		f.setKind(description.TopologyKindReplicaSetWithPrimary)
	} else {
		f.setKind(description.TopologyKindReplicaSetNoPrimary)
	}
}

// hasStalePrimary returns true if the topology has a primary that is "stale".
func hasStalePrimary(fsm fsm, srv description.Server) bool {
	// Compare the election ID values of the server and the topology lexicographically.
	compRes := bytes.Compare(srv.ElectionID[:], fsm.maxElectionID[:])

	if wireVersion := srv.WireVersion; wireVersion != nil && wireVersion.Max >= 17 {
		// In the post-6.0 case, a primary is considered "stale" if the server's election ID is
		// greater than the topology's max election ID. In these versions, the primary is also
		// considered "stale" if the server's election ID is LTE to the topology's election ID and
		// the server's "setVersion" is less than the topology's max "setVersion".
		return compRes == -1 || (compRes != 1 && srv.SetVersion < fsm.maxSetVersion)
	}

	// If the server's election ID is less than the topology's max election ID, the primary is
	// considered "stale". Similarly, if the server's "setVersion" is less than the topology's max
	// "setVersion", the primary is considered stale.
	return compRes == -1 || fsm.maxSetVersion > srv.SetVersion
}

func (f *fsm) updateRSFromPrimary(srv description.Server) {
	if f.SetName == "" {
		f.SetName = srv.SetName
	} else if f.SetName != srv.SetName {
		f.removeServerByAddr(srv.Addr)
		f.checkIfHasPrimary()

		return
	}

	if hasStalePrimary(*f, srv) {
		f.replaceServer(description.Server{
			Addr:      srv.Addr,
			LastError: fmt.Errorf("was a primary, but its set version or election id is stale"),
		})
		f.checkIfHasPrimary()

		return
	}

	// Transfer the ("ElectionID", "SetVersion") tuple from the server to the topology. Pre-6.0
	// servers expose a setVersion that can move independently of elections, so the election ID is
	// only transferred when both values are reported.
	if wireVersion := srv.WireVersion; wireVersion != nil && wireVersion.Max >= 17 {
		f.maxElectionID = srv.ElectionID
		f.maxSetVersion = srv.SetVersion
	} else {
		if srv.SetVersion != 0 && !srv.ElectionID.IsZero() {
			f.maxElectionID = srv.ElectionID
		}
		if srv.SetVersion > f.maxSetVersion {
			f.maxSetVersion = srv.SetVersion
		}
	}

	for j := range f.Servers {
		if f.Servers[j].Addr.String() == srv.Addr.String() {
			continue
		}
		if f.Servers[j].Kind != description.ServerKindRSPrimary {
			continue
		}

		// A previous primary is still reported as such, so invalidate it.
		f.setServer(j, description.Server{
			Addr:      f.Servers[j].Addr,
			LastError: fmt.Errorf("was a primary, but a newer primary was discovered"),
		})
	}

	f.replaceServer(srv)

	m := make(map[address.Address]bool, len(srv.Hosts)+len(srv.Passives)+len(srv.Arbiters))
	for _, host := range srv.Hosts {
		m[address.Address(host).Canonicalize()] = true
	}
	for _, passive := range srv.Passives {
		m[address.Address(passive).Canonicalize()] = true
	}
	for _, arbiter := range srv.Arbiters {
		m[address.Address(arbiter).Canonicalize()] = true
	}

	for addr := range m {
		if _, ok := f.findServer(addr); !ok {
			f.addServer(addr)
		}
	}

	for i := len(f.Servers) - 1; i >= 0; i-- {
		server := f.Servers[i]
		if _, ok := m[server.Addr]; !ok {
			f.removeServerByAddr(server.Addr)
		}
	}

	f.checkIfHasPrimary()
}

func (f *fsm) updateRSWithPrimaryFromMember(s description.Server) {
	if f.SetName != s.SetName {
		f.removeServerByAddr(s.Addr)
		f.checkIfHasPrimary()

		return
	}

	if s.Addr != s.CanonicalAddr {
		f.removeServerByAddr(s.Addr)
		f.checkIfHasPrimary()

		return
	}

	f.replaceServer(s)

	if _, ok := f.findPrimary(); !ok {
		f.setKind(description.TopologyKindReplicaSetNoPrimary)
	}
}

func (f *fsm) updateRSWithoutPrimary(s description.Server) {
	if f.SetName == "" {
		f.SetName = s.SetName
	} else if f.SetName != s.SetName {
		f.removeServerByAddr(s.Addr)

		return
	}

	for _, host := range s.Hosts {
		addr := address.Address(host).Canonicalize()
		if _, ok := f.findServer(addr); !ok {
			f.addServer(addr)
		}
	}
	for _, passive := range s.Passives {
		addr := address.Address(passive).Canonicalize()
		if _, ok := f.findServer(addr); !ok {
			f.addServer(addr)
		}
	}
	for _, arbiter := range s.Arbiters {
		addr := address.Address(arbiter).Canonicalize()
		if _, ok := f.findServer(addr); !ok {
			f.addServer(addr)
		}
	}

	if s.Addr != s.CanonicalAddr {
		f.removeServerByAddr(s.Addr)

		return
	}

	f.replaceServer(s)
}

// updateUnknownWithStandalone commits the topology to a single standalone
// server. Any other seeds are dropped so their monitors can be stopped.
func (f *fsm) updateUnknownWithStandalone(s description.Server) {
	f.setKind(description.TopologyKindSingle)
	f.Servers = []description.Server{s}
}

func (f *fsm) addServer(addr address.Address) {
	f.Servers = append(f.Servers, description.Server{
		Addr: addr.Canonicalize(),
	})
}

func (f *fsm) findPrimary() (int, bool) {
	for i, s := range f.Servers {
		if s.Kind == description.ServerKindRSPrimary {
			return i, true
		}
	}

	return 0, false
}

func (f *fsm) findServer(addr address.Address) (int, bool) {
	canon := addr.Canonicalize()
	for i, s := range f.Servers {
		if canon == s.Addr {
			return i, true
		}
	}

	return 0, false
}

func (f *fsm) removeServerByAddr(addr address.Address) {
	if i, ok := f.findServer(addr); ok {
		f.Servers = append(f.Servers[:i], f.Servers[i+1:]...)
	}
}

func (f *fsm) replaceServer(s description.Server) {
	if i, ok := f.findServer(s.Addr); ok {
		f.setServer(i, s)
	}
}

func (f *fsm) setServer(i int, s description.Server) {
	f.Servers[i] = s
}

func (f *fsm) setKind(k description.TopologyKind) {
	f.Kind = k
}
