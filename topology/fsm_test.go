// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"testing"

	"github.com/bytev/docdriver/address"
	"github.com/bytev/docdriver/description"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func newFSMWithSeeds(addrs ...address.Address) *fsm {
	f := newFSM()
	for _, addr := range addrs {
		f.Servers = append(f.Servers, description.NewDefaultServer(addr.Canonicalize()))
	}
	return f
}

func int64ToPtr(i64 int64) *int64 { return &i64 }

func TestCompareInt64Ptrs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ptr1 *int64
		ptr2 *int64
		want int
	}{
		{name: "both nil", ptr1: nil, ptr2: nil, want: 0},
		{name: "first nil", ptr1: nil, ptr2: int64ToPtr(1), want: -2},
		{name: "second nil", ptr1: int64ToPtr(1), ptr2: nil, want: 2},
		{name: "less than", ptr1: int64ToPtr(1), ptr2: int64ToPtr(2), want: -1},
		{name: "greater than", ptr1: int64ToPtr(2), ptr2: int64ToPtr(1), want: 1},
		{name: "equal", ptr1: int64ToPtr(1), ptr2: int64ToPtr(1), want: 0},
	}

	for _, test := range tests {
		test := test

		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, test.want, compareInt64Ptrs(test.ptr1, test.ptr2))
		})
	}
}

func TestSelectFSMSessionTimeout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		f       *fsm
		s       description.Server
		want    *int64
		wantNil bool
	}{
		{
			name:    "server not data bearing",
			f:       newFSM(),
			s:       description.Server{Kind: description.ServerKindRSArbiter, SessionTimeoutMinutes: int64ToPtr(30)},
			wantNil: true,
		},
		{
			name: "data bearing server with smaller timeout",
			f: func() *fsm {
				f := newFSM()
				f.SessionTimeoutMinutes = int64ToPtr(30)
				return f
			}(),
			s:    description.Server{Kind: description.ServerKindRSPrimary, SessionTimeoutMinutes: int64ToPtr(20)},
			want: int64ToPtr(20),
		},
		{
			name: "data bearing server with larger timeout",
			f: func() *fsm {
				f := newFSM()
				f.SessionTimeoutMinutes = int64ToPtr(10)
				return f
			}(),
			s:    description.Server{Kind: description.ServerKindRSPrimary, SessionTimeoutMinutes: int64ToPtr(20)},
			want: int64ToPtr(10),
		},
		{
			name: "data bearing server with nil timeout",
			f: func() *fsm {
				f := newFSM()
				f.SessionTimeoutMinutes = int64ToPtr(10)
				return f
			}(),
			s:       description.Server{Kind: description.ServerKindRSPrimary},
			wantNil: true,
		},
	}

	for _, test := range tests {
		test := test

		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			got := selectFSMSessionTimeout(test.f, test.s)
			if test.wantNil {
				assert.Nil(t, got)
				return
			}

			require.NotNil(t, got)
			assert.Equal(t, *test.want, *got)
		})
	}
}

func TestFSMSharded(t *testing.T) {
	t.Parallel()

	addr1 := address.Address("a:27017")
	addr2 := address.Address("b:27017")

	t.Run("mongos transitions unknown topology to sharded", func(t *testing.T) {
		t.Parallel()

		f := newFSMWithSeeds(addr1)
		current, _ := f.apply(description.Server{Addr: addr1, Kind: description.ServerKindMongos})

		assert.Equal(t, description.TopologyKindSharded, current.Kind)
	})

	t.Run("replica set member is removed from sharded topology", func(t *testing.T) {
		t.Parallel()

		f := newFSMWithSeeds(addr1, addr2)
		f.setKind(description.TopologyKindSharded)

		current, _ := f.apply(description.Server{Addr: addr2, Kind: description.ServerKindRSSecondary, SetName: "rs"})

		assert.Len(t, current.Servers, 1)
		assert.Equal(t, addr1, current.Servers[0].Addr)
	})
}

func TestFSMReplicaSetDiscovery(t *testing.T) {
	t.Parallel()

	addr1 := address.Address("a:27017")
	addr2 := address.Address("b:27017")
	addr3 := address.Address("c:27017")

	t.Run("primary discovers all hosts", func(t *testing.T) {
		t.Parallel()

		f := newFSMWithSeeds(addr1)
		current, _ := f.apply(description.Server{
			Addr:    addr1,
			Kind:    description.ServerKindRSPrimary,
			SetName: "rs",
			Hosts:   []string{"a:27017", "b:27017", "c:27017"},
		})

		assert.Equal(t, description.TopologyKindReplicaSetWithPrimary, current.Kind)
		assert.Equal(t, "rs", current.SetName)
		assert.Len(t, current.Servers, 3)
	})

	t.Run("secondary discovers hosts but topology stays without primary", func(t *testing.T) {
		t.Parallel()

		f := newFSMWithSeeds(addr2)
		current, _ := f.apply(description.Server{
			Addr:          addr2,
			CanonicalAddr: addr2,
			Kind:          description.ServerKindRSSecondary,
			SetName:       "rs",
			Hosts:         []string{"a:27017", "b:27017"},
		})

		assert.Equal(t, description.TopologyKindReplicaSetNoPrimary, current.Kind)
		assert.Len(t, current.Servers, 2)
	})

	t.Run("standalone is removed during replica set discovery", func(t *testing.T) {
		t.Parallel()

		f := newFSMWithSeeds(addr1, addr2)
		f.setKind(description.TopologyKindReplicaSetNoPrimary)

		current, _ := f.apply(description.Server{Addr: addr1, Kind: description.ServerKindStandalone})

		assert.Len(t, current.Servers, 1)
		assert.Equal(t, addr2, current.Servers[0].Addr)
	})

	t.Run("set name mismatch removes the member", func(t *testing.T) {
		t.Parallel()

		f := newFSMWithSeeds(addr1, addr2)
		f.setKind(description.TopologyKindReplicaSetNoPrimary)
		f.SetName = "rs"

		current, _ := f.apply(description.Server{
			Addr:          addr1,
			CanonicalAddr: addr1,
			Kind:          description.ServerKindRSSecondary,
			SetName:       "other",
		})

		assert.Len(t, current.Servers, 1)
		assert.Equal(t, addr2, current.Servers[0].Addr)
	})

	t.Run("member not in primary host list is removed", func(t *testing.T) {
		t.Parallel()

		f := newFSMWithSeeds(addr1, addr2, addr3)
		current, _ := f.apply(description.Server{
			Addr:    addr1,
			Kind:    description.ServerKindRSPrimary,
			SetName: "rs",
			Hosts:   []string{"a:27017", "b:27017"},
		})

		assert.Len(t, current.Servers, 2)
		for _, s := range current.Servers {
			assert.NotEqual(t, addr3, s.Addr)
		}
	})

	t.Run("applying the same descriptions is deterministic", func(t *testing.T) {
		t.Parallel()

		apply := func() description.Topology {
			f := newFSMWithSeeds(addr1)
			_, _ = f.apply(description.Server{
				Addr:    addr1,
				Kind:    description.ServerKindRSPrimary,
				SetName: "rs",
				Hosts:   []string{"a:27017", "b:27017"},
			})
			current, _ := f.apply(description.Server{
				Addr:          addr2,
				CanonicalAddr: addr2,
				Kind:          description.ServerKindRSSecondary,
				SetName:       "rs",
				Hosts:         []string{"a:27017", "b:27017"},
			})
			return current
		}

		assert.True(t, apply().Equal(apply()))
	})
}

func TestFSMStalePrimary(t *testing.T) {
	t.Parallel()

	addr1 := address.Address("a:27017")
	addr2 := address.Address("b:27017")

	oidOld := primitive.ObjectID{0x01}
	oidNew := primitive.ObjectID{0x02}

	wireV17 := description.NewVersionRange(6, 17)

	t.Run("primary with older election id is marked unknown", func(t *testing.T) {
		t.Parallel()

		f := newFSMWithSeeds(addr1, addr2)
		_, _ = f.apply(description.Server{
			Addr:        addr1,
			Kind:        description.ServerKindRSPrimary,
			SetName:     "rs",
			Hosts:       []string{"a:27017", "b:27017"},
			ElectionID:  oidNew,
			SetVersion:  1,
			WireVersion: &wireV17,
		})

		current, _ := f.apply(description.Server{
			Addr:        addr2,
			Kind:        description.ServerKindRSPrimary,
			SetName:     "rs",
			Hosts:       []string{"a:27017", "b:27017"},
			ElectionID:  oidOld,
			SetVersion:  1,
			WireVersion: &wireV17,
		})

		// The stale primary is replaced with an Unknown description and the
		// topology retains the previous primary.
		assert.Equal(t, description.TopologyKindReplicaSetWithPrimary, current.Kind)
		for _, s := range current.Servers {
			if s.Addr == addr2 {
				assert.EqualValues(t, description.Unknown, s.Kind)
				assert.Error(t, s.LastError)
			}
			if s.Addr == addr1 {
				assert.Equal(t, description.ServerKindRSPrimary, s.Kind)
			}
		}
	})

	t.Run("newer primary invalidates the previous one", func(t *testing.T) {
		t.Parallel()

		f := newFSMWithSeeds(addr1, addr2)
		_, _ = f.apply(description.Server{
			Addr:        addr1,
			Kind:        description.ServerKindRSPrimary,
			SetName:     "rs",
			Hosts:       []string{"a:27017", "b:27017"},
			ElectionID:  oidOld,
			SetVersion:  1,
			WireVersion: &wireV17,
		})

		current, _ := f.apply(description.Server{
			Addr:        addr2,
			Kind:        description.ServerKindRSPrimary,
			SetName:     "rs",
			Hosts:       []string{"a:27017", "b:27017"},
			ElectionID:  oidNew,
			SetVersion:  1,
			WireVersion: &wireV17,
		})

		assert.Equal(t, description.TopologyKindReplicaSetWithPrimary, current.Kind)
		for _, s := range current.Servers {
			if s.Addr == addr1 {
				assert.Error(t, s.LastError)
			}
			if s.Addr == addr2 {
				assert.Equal(t, description.ServerKindRSPrimary, s.Kind)
			}
		}
	})

	t.Run("stale set version on modern wire versions", func(t *testing.T) {
		t.Parallel()

		f := newFSMWithSeeds(addr1, addr2)
		_, _ = f.apply(description.Server{
			Addr:        addr1,
			Kind:        description.ServerKindRSPrimary,
			SetName:     "rs",
			Hosts:       []string{"a:27017", "b:27017"},
			ElectionID:  oidNew,
			SetVersion:  2,
			WireVersion: &wireV17,
		})

		current, _ := f.apply(description.Server{
			Addr:        addr2,
			Kind:        description.ServerKindRSPrimary,
			SetName:     "rs",
			Hosts:       []string{"a:27017", "b:27017"},
			ElectionID:  oidNew,
			SetVersion:  1,
			WireVersion: &wireV17,
		})

		for _, s := range current.Servers {
			if s.Addr == addr2 {
				assert.Error(t, s.LastError)
			}
		}
	})
}

func TestFSMCompatibility(t *testing.T) {
	t.Parallel()

	addr1 := address.Address("a:27017")

	t.Run("server wire version too low", func(t *testing.T) {
		t.Parallel()

		wireRange := description.NewVersionRange(0, 5)

		f := newFSMWithSeeds(addr1)
		current, _ := f.apply(description.Server{
			Addr:        addr1,
			Kind:        description.ServerKindStandalone,
			WireVersion: &wireRange,
		})

		assert.Error(t, current.CompatibilityErr)
	})

	t.Run("server wire version too high", func(t *testing.T) {
		t.Parallel()

		wireRange := description.NewVersionRange(30, 40)

		f := newFSMWithSeeds(addr1)
		current, _ := f.apply(description.Server{
			Addr:        addr1,
			Kind:        description.ServerKindStandalone,
			WireVersion: &wireRange,
		})

		assert.Error(t, current.CompatibilityErr)
	})

	t.Run("compatibility error is cleared after a compatible description", func(t *testing.T) {
		t.Parallel()

		lowRange := description.NewVersionRange(0, 5)
		okRange := description.NewVersionRange(6, 17)

		f := newFSMWithSeeds(addr1)
		current, _ := f.apply(description.Server{
			Addr:        addr1,
			Kind:        description.ServerKindStandalone,
			WireVersion: &lowRange,
		})
		require.Error(t, current.CompatibilityErr)

		current, _ = f.apply(description.Server{
			Addr:        addr1,
			Kind:        description.ServerKindStandalone,
			WireVersion: &okRange,
		})
		assert.NoError(t, current.CompatibilityErr)
	})
}

func TestFSMDirectConnection(t *testing.T) {
	t.Parallel()

	addr1 := address.Address("a:27017")

	t.Run("set name mismatch marks the server unknown", func(t *testing.T) {
		t.Parallel()

		f := newFSMWithSeeds(addr1)
		f.setKind(description.TopologyKindSingle)
		f.SetName = "rs"

		_, updated := f.apply(description.Server{
			Addr:    addr1,
			Kind:    description.ServerKindRSSecondary,
			SetName: "other",
		})

		assert.EqualValues(t, description.Unknown, updated.Kind)
		assert.Error(t, updated.LastError)
	})

	t.Run("matching set name keeps the server", func(t *testing.T) {
		t.Parallel()

		f := newFSMWithSeeds(addr1)
		f.setKind(description.TopologyKindSingle)
		f.SetName = "rs"

		current, updated := f.apply(description.Server{
			Addr:    addr1,
			Kind:    description.ServerKindRSSecondary,
			SetName: "rs",
		})

		assert.Equal(t, description.ServerKindRSSecondary, updated.Kind)
		assert.Equal(t, description.TopologyKindSingle, current.Kind)
	})
}

func TestFSMStandaloneDiscovery(t *testing.T) {
	t.Parallel()

	addr1 := address.Address("a:27017")
	addr2 := address.Address("b:27017")

	t.Run("single seed transitions to single topology", func(t *testing.T) {
		t.Parallel()

		f := newFSMWithSeeds(addr1)
		current, _ := f.apply(description.Server{Addr: addr1, Kind: description.ServerKindStandalone})

		assert.Equal(t, description.TopologyKindSingle, current.Kind)
		assert.Len(t, current.Servers, 1)
	})

	t.Run("other seeds are dropped when a standalone reports", func(t *testing.T) {
		t.Parallel()

		f := newFSMWithSeeds(addr1, addr2)
		current, _ := f.apply(description.Server{Addr: addr1, Kind: description.ServerKindStandalone})

		assert.Equal(t, description.TopologyKindSingle, current.Kind)
		assert.Len(t, current.Servers, 1)
		assert.Equal(t, addr1, current.Servers[0].Addr)
	})
}
