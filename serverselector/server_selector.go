// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package serverselector implements the selectors that narrow a topology's
// servers down to the ones eligible to run an operation.
package serverselector

import (
	"fmt"
	"math"
	"time"

	"github.com/bytev/docdriver/description"
	"github.com/bytev/docdriver/readpref"
	"github.com/bytev/docdriver/tag"
)

// Composite chains selectors: the candidate list produced by one selector is
// fed to the next, so the final result is the intersection of all of them in
// order.
type Composite struct {
	Selectors []description.ServerSelector
}

var _ description.ServerSelector = &Composite{}

// SelectServer applies each selector in turn, stopping at the first error.
func (selector *Composite) SelectServer(
	topo description.Topology,
	candidates []description.Server,
) ([]description.Server, error) {
	var err error
	for _, sel := range selector.Selectors {
		candidates, err = sel.SelectServer(topo, candidates)
		if err != nil {
			return nil, err
		}
	}

	return candidates, nil
}

// Latency keeps only the servers whose average RTT falls within a window
// above the fastest candidate. A negative Latency disables the window.
type Latency struct {
	Latency time.Duration
}

var _ description.ServerSelector = &Latency{}

// SelectServer filters candidates by the latency window.
func (selector *Latency) SelectServer(
	topo description.Topology,
	candidates []description.Server,
) ([]description.Server, error) {
	if selector.Latency < 0 {
		return candidates, nil
	}
	if topo.Kind == description.TopologyKindLoadBalanced {
		// A load balanced topology has a single server and it is always
		// eligible.
		return candidates, nil
	}

	switch len(candidates) {
	case 0, 1:
		return candidates, nil
	default:
		lowest := time.Duration(math.MaxInt64)
		for _, candidate := range candidates {
			if candidate.AverageRTTSet && candidate.AverageRTT < lowest {
				lowest = candidate.AverageRTT
			}
		}

		// No candidate has an RTT sample yet, so there is nothing to rank by.
		if lowest == math.MaxInt64 {
			return candidates, nil
		}

		limit := lowest + selector.Latency

		keep := make([]int, 0, len(candidates))
		for i, candidate := range candidates {
			if candidate.AverageRTTSet && candidate.AverageRTT <= limit {
				keep = append(keep, i)
			}
		}
		if len(keep) == len(candidates) {
			return candidates, nil
		}
		within := make([]description.Server, len(keep))
		for i, idx := range keep {
			within[i] = candidates[idx]
		}
		return within, nil
	}
}

// ReadPref selects servers eligible under a read preference.
type ReadPref struct {
	ReadPref          *readpref.ReadPref
	IsOutputAggregate bool
}

var _ description.ServerSelector = &ReadPref{}

// SelectServer filters candidates by the read preference. Single and load
// balanced topologies ignore the preference entirely, and sharded topologies
// reduce it to "any mongos".
func (selector *ReadPref) SelectServer(
	topo description.Topology,
	candidates []description.Server,
) ([]description.Server, error) {
	if topo.Kind == description.TopologyKindLoadBalanced {
		// Checked before max staleness validation: there is no monitoring
		// behind a load balancer, so the server has no wire version and the
		// staleness check would fail spuriously.
		return candidates, nil
	}

	switch topo.Kind {
	case description.TopologyKindSingle:
		return candidates, nil
	case description.TopologyKindReplicaSetNoPrimary, description.TopologyKindReplicaSetWithPrimary:
		return selectReplicaSetMembers(selector.ReadPref, selector.IsOutputAggregate, topo, candidates)
	case description.TopologyKindSharded:
		return filterByKind(candidates, description.ServerKindMongos), nil
	}

	return nil, nil
}

// Write selects the servers that can accept writes.
type Write struct{}

var _ description.ServerSelector = &Write{}

// SelectServer keeps primaries, mongoses, and standalones.
func (selector *Write) SelectServer(
	topo description.Topology,
	candidates []description.Server,
) ([]description.Server, error) {
	switch topo.Kind {
	case description.TopologyKindSingle, description.TopologyKindLoadBalanced:
		return candidates, nil
	default:
		writable := make([]description.Server, 0, len(candidates))
		for _, candidate := range candidates {
			switch candidate.Kind {
			case description.ServerKindMongos, description.ServerKindRSPrimary, description.ServerKindStandalone:
				writable = append(writable, candidate)
			}
		}
		return writable, nil
	}
}

// Func adapts a plain function into a ServerSelector.
type Func func(description.Topology, []description.Server) ([]description.Server, error)

// SelectServer calls the underlying function.
func (ssf Func) SelectServer(
	t description.Topology,
	s []description.Server,
) ([]description.Server, error) {
	return ssf(t, s)
}

func validateMaxStaleness(rp *readpref.ReadPref, topo description.Topology) error {
	maxStaleness, set := rp.MaxStaleness()
	if !set {
		return nil
	}

	if maxStaleness < 90*time.Second {
		return fmt.Errorf("max staleness (%s) must be greater than or equal to 90s", maxStaleness)
	}

	if len(topo.Servers) < 1 {
		return nil
	}

	// Heartbeat interval is a client setting, so every member reports the
	// same value. Use the first one.
	s := topo.Servers[0]
	idleWritePeriod := 10 * time.Second

	if maxStaleness < s.HeartbeatInterval+idleWritePeriod {
		return fmt.Errorf(
			"max staleness (%s) must be greater than or equal to the heartbeat interval (%s) plus idle write period (%s)",
			maxStaleness, s.HeartbeatInterval, idleWritePeriod,
		)
	}

	return nil
}

func filterByKind(candidates []description.Server, kind description.ServerKind) []description.Server {
	// Track indexes instead of copying Server values while scanning; the
	// structs are large and most filters keep everything.
	keep := make([]int, 0, len(candidates))
	for i, s := range candidates {
		if s.Kind == kind {
			keep = append(keep, i)
		}
	}
	if len(keep) == len(candidates) {
		return candidates
	}
	matched := make([]description.Server, len(keep))
	for i, idx := range keep {
		matched[i] = candidates[idx]
	}
	return matched
}

func filterSecondaries(rp *readpref.ReadPref, candidates []description.Server) []description.Server {
	secondaries := filterByKind(candidates, description.ServerKindRSSecondary)
	if len(secondaries) == 0 {
		return secondaries
	}

	maxStaleness, set := rp.MaxStaleness()
	if !set {
		return secondaries
	}

	primaries := filterByKind(candidates, description.ServerKindRSPrimary)
	if len(primaries) == 0 {
		// Without a primary, staleness is estimated against the secondary
		// with the most recent write.
		newest := secondaries[0].LastWriteTime
		for i := 1; i < len(secondaries); i++ {
			if secondaries[i].LastWriteTime.After(newest) {
				newest = secondaries[i].LastWriteTime
			}
		}

		var fresh []description.Server
		for _, secondary := range secondaries {
			staleness := newest.Sub(secondary.LastWriteTime) + secondary.HeartbeatInterval
			if staleness <= maxStaleness {
				fresh = append(fresh, secondary)
			}
		}

		return fresh
	}

	primary := primaries[0]

	var fresh []description.Server
	for _, secondary := range secondaries {
		staleness := secondary.LastUpdateTime.Sub(secondary.LastWriteTime) -
			primary.LastUpdateTime.Sub(primary.LastWriteTime) + secondary.HeartbeatInterval
		if staleness <= maxStaleness {
			fresh = append(fresh, secondary)
		}
	}
	return fresh
}

func filterByTagSets(candidates []description.Server, tagSets []tag.Set) []description.Server {
	if len(tagSets) == 0 {
		return candidates
	}

	for _, ts := range tagSets {
		// The empty tag set matches every server.
		if len(ts) == 0 {
			return candidates
		}

		var matched []description.Server
		for _, s := range candidates {
			if len(s.Tags) > 0 && s.Tags.ContainsAll(ts) {
				matched = append(matched, s)
			}
		}

		// Tag sets are tried in order; the first one with any matches wins.
		if len(matched) > 0 {
			return matched
		}
	}

	return []description.Server{}
}

func selectReplicaSetMembers(
	rp *readpref.ReadPref,
	isOutputAggregate bool,
	topo description.Topology,
	candidates []description.Server,
) ([]description.Server, error) {
	if err := validateMaxStaleness(rp, topo); err != nil {
		return nil, err
	}

	// Aggregates with an output stage only honor the read preference when
	// every candidate is 5.0+; otherwise they must run on the primary.
	if isOutputAggregate {
		for _, s := range candidates {
			if s.WireVersion.Max < 13 {
				return filterByKind(candidates, description.ServerKindRSPrimary), nil
			}
		}
	}

	switch rp.Mode() {
	case readpref.PrimaryMode:
		return filterByKind(candidates, description.ServerKindRSPrimary), nil
	case readpref.PrimaryPreferredMode:
		eligible := filterByKind(candidates, description.ServerKindRSPrimary)

		if len(eligible) == 0 {
			eligible = filterSecondaries(rp, candidates)
			return filterByTagSets(eligible, rp.TagSets()), nil
		}

		return eligible, nil
	case readpref.SecondaryPreferredMode:
		eligible := filterByTagSets(filterSecondaries(rp, candidates), rp.TagSets())
		if len(eligible) > 0 {
			return eligible, nil
		}
		return filterByKind(candidates, description.ServerKindRSPrimary), nil
	case readpref.SecondaryMode:
		return filterByTagSets(filterSecondaries(rp, candidates), rp.TagSets()), nil
	case readpref.NearestMode:
		eligible := filterByKind(candidates, description.ServerKindRSPrimary)
		eligible = append(eligible, filterSecondaries(rp, candidates)...)
		return filterByTagSets(eligible, rp.TagSets()), nil
	}

	return nil, fmt.Errorf("unsupported mode: %d", rp.Mode())
}
