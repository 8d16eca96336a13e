// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package serverselector

import (
	"errors"
	"testing"
	"time"

	"github.com/bytev/docdriver/address"
	"github.com/bytev/docdriver/description"
	"github.com/bytev/docdriver/readpref"
	"github.com/bytev/docdriver/tag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testWireRange = description.NewVersionRange(6, 21)

func newRSTopology() description.Topology {
	return description.Topology{
		Kind: description.TopologyKindReplicaSetWithPrimary,
		Servers: []description.Server{
			{
				Addr:        address.Address("primary:27017"),
				Kind:        description.ServerKindRSPrimary,
				WireVersion: &testWireRange,
				Tags:        tag.Set{{Name: "dc", Value: "east"}},
			},
			{
				Addr:        address.Address("secondary1:27017"),
				Kind:        description.ServerKindRSSecondary,
				WireVersion: &testWireRange,
				Tags:        tag.Set{{Name: "dc", Value: "east"}},
			},
			{
				Addr:        address.Address("secondary2:27017"),
				Kind:        description.ServerKindRSSecondary,
				WireVersion: &testWireRange,
				Tags:        tag.Set{{Name: "dc", Value: "west"}},
			},
		},
	}
}

func addrsOf(servers []description.Server) []address.Address {
	addrs := make([]address.Address, 0, len(servers))
	for _, s := range servers {
		addrs = append(addrs, s.Addr)
	}
	return addrs
}

func TestWriteSelector(t *testing.T) {
	t.Parallel()

	t.Run("replica set selects the primary", func(t *testing.T) {
		t.Parallel()

		topo := newRSTopology()
		got, err := (&Write{}).SelectServer(topo, topo.Servers)
		require.NoError(t, err)

		require.Len(t, got, 1)
		assert.Equal(t, description.ServerKindRSPrimary, got[0].Kind)
	})

	t.Run("sharded selects all mongoses", func(t *testing.T) {
		t.Parallel()

		topo := description.Topology{
			Kind: description.TopologyKindSharded,
			Servers: []description.Server{
				{Addr: address.Address("a:27017"), Kind: description.ServerKindMongos},
				{Addr: address.Address("b:27017"), Kind: description.ServerKindMongos},
			},
		}

		got, err := (&Write{}).SelectServer(topo, topo.Servers)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("single topology selects the only server", func(t *testing.T) {
		t.Parallel()

		topo := description.Topology{
			Kind: description.TopologyKindSingle,
			Servers: []description.Server{
				{Addr: address.Address("a:27017"), Kind: description.ServerKindStandalone},
			},
		}

		got, err := (&Write{}).SelectServer(topo, topo.Servers)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})
}

func TestReadPrefSelector(t *testing.T) {
	t.Parallel()

	t.Run("primary mode selects only the primary", func(t *testing.T) {
		t.Parallel()

		topo := newRSTopology()
		selector := &ReadPref{ReadPref: readpref.Primary()}

		got, err := selector.SelectServer(topo, topo.Servers)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, description.ServerKindRSPrimary, got[0].Kind)
	})

	t.Run("secondary mode selects only secondaries", func(t *testing.T) {
		t.Parallel()

		rp, err := readpref.Secondary()
		require.NoError(t, err)

		topo := newRSTopology()
		got, err := (&ReadPref{ReadPref: rp}).SelectServer(topo, topo.Servers)
		require.NoError(t, err)

		require.Len(t, got, 2)
		for _, s := range got {
			assert.Equal(t, description.ServerKindRSSecondary, s.Kind)
		}
	})

	t.Run("primary preferred falls back to secondaries", func(t *testing.T) {
		t.Parallel()

		rp, err := readpref.PrimaryPreferred()
		require.NoError(t, err)

		topo := newRSTopology()
		topo.Kind = description.TopologyKindReplicaSetNoPrimary
		topo.Servers = topo.Servers[1:] // remove the primary

		got, err := (&ReadPref{ReadPref: rp}).SelectServer(topo, topo.Servers)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("secondary preferred falls back to the primary", func(t *testing.T) {
		t.Parallel()

		rp, err := readpref.SecondaryPreferred()
		require.NoError(t, err)

		topo := newRSTopology()
		topo.Servers = topo.Servers[:1] // primary only

		got, err := (&ReadPref{ReadPref: rp}).SelectServer(topo, topo.Servers)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, description.ServerKindRSPrimary, got[0].Kind)
	})

	t.Run("nearest mode selects all members", func(t *testing.T) {
		t.Parallel()

		rp, err := readpref.Nearest()
		require.NoError(t, err)

		topo := newRSTopology()
		got, err := (&ReadPref{ReadPref: rp}).SelectServer(topo, topo.Servers)
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("tag sets filter secondaries", func(t *testing.T) {
		t.Parallel()

		rp, err := readpref.Secondary(readpref.WithTags("dc", "west"))
		require.NoError(t, err)

		topo := newRSTopology()
		got, err := (&ReadPref{ReadPref: rp}).SelectServer(topo, topo.Servers)
		require.NoError(t, err)

		require.Len(t, got, 1)
		assert.Equal(t, address.Address("secondary2:27017"), got[0].Addr)
	})

	t.Run("max staleness below 90s is invalid", func(t *testing.T) {
		t.Parallel()

		rp, err := readpref.Secondary(readpref.WithMaxStaleness(30 * time.Second))
		require.NoError(t, err)

		topo := newRSTopology()
		_, err = (&ReadPref{ReadPref: rp}).SelectServer(topo, topo.Servers)
		assert.Error(t, err)
	})

	t.Run("sharded topologies ignore the read preference", func(t *testing.T) {
		t.Parallel()

		topo := description.Topology{
			Kind: description.TopologyKindSharded,
			Servers: []description.Server{
				{Addr: address.Address("a:27017"), Kind: description.ServerKindMongos},
			},
		}

		rp, err := readpref.Secondary()
		require.NoError(t, err)

		got, err := (&ReadPref{ReadPref: rp}).SelectServer(topo, topo.Servers)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("load balanced topologies select the only server", func(t *testing.T) {
		t.Parallel()

		topo := description.Topology{
			Kind: description.TopologyKindLoadBalanced,
			Servers: []description.Server{
				{Addr: address.Address("lb:27017"), Kind: description.ServerKindLoadBalancer},
			},
		}

		got, err := (&ReadPref{ReadPref: readpref.Primary()}).SelectServer(topo, topo.Servers)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})
}

func TestLatencySelector(t *testing.T) {
	t.Parallel()

	t.Run("keeps servers within the latency window", func(t *testing.T) {
		t.Parallel()

		topo := description.Topology{
			Kind: description.TopologyKindReplicaSetWithPrimary,
			Servers: []description.Server{
				{Addr: address.Address("a:27017"), AverageRTT: 5 * time.Millisecond, AverageRTTSet: true},
				{Addr: address.Address("b:27017"), AverageRTT: 8 * time.Millisecond, AverageRTTSet: true},
				{Addr: address.Address("c:27017"), AverageRTT: 25 * time.Millisecond, AverageRTTSet: true},
			},
		}

		got, err := (&Latency{Latency: 15 * time.Millisecond}).SelectServer(topo, topo.Servers)
		require.NoError(t, err)

		assert.ElementsMatch(t,
			[]address.Address{"a:27017", "b:27017"},
			addrsOf(got))
	})

	t.Run("negative latency disables the window", func(t *testing.T) {
		t.Parallel()

		topo := newRSTopology()
		got, err := (&Latency{Latency: -1}).SelectServer(topo, topo.Servers)
		require.NoError(t, err)
		assert.Len(t, got, len(topo.Servers))
	})

	t.Run("servers without an average RTT are not filtered", func(t *testing.T) {
		t.Parallel()

		topo := description.Topology{
			Servers: []description.Server{
				{Addr: address.Address("a:27017")},
				{Addr: address.Address("b:27017")},
			},
		}

		got, err := (&Latency{Latency: 15 * time.Millisecond}).SelectServer(topo, topo.Servers)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})
}

func TestCompositeSelector(t *testing.T) {
	t.Parallel()

	t.Run("applies selectors in order", func(t *testing.T) {
		t.Parallel()

		first := Func(func(_ description.Topology, candidates []description.Server) ([]description.Server, error) {
			return candidates[:2], nil
		})
		second := Func(func(_ description.Topology, candidates []description.Server) ([]description.Server, error) {
			return candidates[1:], nil
		})

		topo := newRSTopology()
		got, err := (&Composite{Selectors: []description.ServerSelector{first, second}}).SelectServer(topo, topo.Servers)
		require.NoError(t, err)

		require.Len(t, got, 1)
		assert.Equal(t, topo.Servers[1].Addr, got[0].Addr)
	})

	t.Run("stops on the first error", func(t *testing.T) {
		t.Parallel()

		wantErr := errors.New("selector error")
		failing := Func(func(description.Topology, []description.Server) ([]description.Server, error) {
			return nil, wantErr
		})

		topo := newRSTopology()
		_, err := (&Composite{Selectors: []description.ServerSelector{failing}}).SelectServer(topo, topo.Servers)
		assert.ErrorIs(t, err, wantErr)
	})
}
