// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytev/docdriver/address"
	"github.com/bytev/docdriver/description"
	"github.com/bytev/docdriver/serverselector"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTopology(t *testing.T, opts ...Option) *Topology {
	t.Helper()

	cfg, err := NewConfig(opts...)
	require.NoError(t, err, "NewConfig error")

	topo, err := New(cfg)
	require.NoError(t, err, "New error")

	return topo
}

// setTopologyDescription stores the given description on the topology and registers a monitored
// server for each member so FindServer can resolve selected descriptions.
func setTopologyDescription(topo *Topology, desc description.Topology) {
	topo.desc.Store(desc)
	topo.serversLock.Lock()
	for _, s := range desc.Servers {
		if _, ok := topo.servers[s.Addr]; !ok {
			topo.servers[s.Addr] = NewServer(s.Addr, topo.id)
		}
	}
	topo.serversLock.Unlock()
}

func TestTopologyConnectAndDisconnect(t *testing.T) {
	t.Parallel()

	t.Run("connect and disconnect lifecycle", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t)

		require.NoError(t, topo.Connect())
		assert.Equal(t, connected, atomic.LoadInt64(&topo.state))

		assert.ErrorIs(t, topo.Connect(), ErrTopologyConnected)

		require.NoError(t, topo.Disconnect(context.Background()))
		assert.ErrorIs(t, topo.Disconnect(context.Background()), ErrTopologyClosed)
	})

	t.Run("replica set name seeds the FSM", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t, WithReplicaSetName(func(string) string { return "rs0" }))
		require.NoError(t, topo.Connect())
		defer func() { _ = topo.Disconnect(context.Background()) }()

		assert.Equal(t, description.TopologyKindReplicaSetNoPrimary, topo.Kind())
	})

	t.Run("single mode forces a single topology", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t, WithMode(func(MonitorMode) MonitorMode { return SingleMode }))
		require.NoError(t, topo.Connect())
		defer func() { _ = topo.Disconnect(context.Background()) }()

		assert.Equal(t, description.TopologyKindSingle, topo.Kind())
	})
}

func TestTopologySubscribe(t *testing.T) {
	t.Parallel()

	t.Run("subscription is seeded with the current description", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t)
		require.NoError(t, topo.Connect())
		defer func() { _ = topo.Disconnect(context.Background()) }()

		sub, err := topo.Subscribe()
		require.NoError(t, err)

		select {
		case desc := <-sub.Updates:
			assert.True(t, desc.Equal(topo.Description()))
		default:
			t.Fatal("expected a buffered description on the subscription channel")
		}

		require.NoError(t, topo.Unsubscribe(sub))
	})

	t.Run("subscribe before connect returns an error", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t)

		_, err := topo.Subscribe()
		assert.Error(t, err)
	})
}

func TestTopologySelectServer(t *testing.T) {
	t.Parallel()

	primaryAddr := address.Address("a:27017")
	secondaryAddr := address.Address("b:27017")

	rsTopology := description.Topology{
		Kind: description.TopologyKindReplicaSetWithPrimary,
		Servers: []description.Server{
			{Addr: primaryAddr, Kind: description.ServerKindRSPrimary},
			{Addr: secondaryAddr, Kind: description.ServerKindRSSecondary},
		},
	}

	t.Run("selects the primary for writes", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t)
		require.NoError(t, topo.Connect())
		defer func() { _ = topo.Disconnect(context.Background()) }()

		setTopologyDescription(topo, rsTopology)

		srv, err := topo.SelectServer(context.Background(), &serverselector.Write{})
		require.NoError(t, err)

		selected, ok := srv.(*SelectedServer)
		require.True(t, ok)
		assert.Equal(t, primaryAddr, selected.address)
	})

	t.Run("times out when no server is suitable", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t,
			WithServerSelectionTimeout(func(time.Duration) time.Duration { return 100 * time.Millisecond }))
		require.NoError(t, topo.Connect())
		defer func() { _ = topo.Disconnect(context.Background()) }()

		start := time.Now()
		_, err := topo.SelectServer(context.Background(), &serverselector.Write{})
		require.Error(t, err)

		var ssErr ServerSelectionError
		require.True(t, errors.As(err, &ssErr), "expected a ServerSelectionError, got %v", err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("context deadline takes precedence when shorter", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t,
			WithServerSelectionTimeout(func(time.Duration) time.Duration { return time.Minute }))
		require.NoError(t, topo.Connect())
		defer func() { _ = topo.Disconnect(context.Background()) }()

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := topo.SelectServer(ctx, &serverselector.Write{})
		require.Error(t, err)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("select server on a closed topology errors", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t)

		_, err := topo.SelectServer(context.Background(), &serverselector.Write{})
		assert.ErrorIs(t, err, ErrTopologyClosed)
	})
}

func TestTopologySelectServerFromDescription(t *testing.T) {
	t.Parallel()

	t.Run("unknown servers are not candidates", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t)

		desc := description.Topology{
			Kind: description.TopologyKindReplicaSetWithPrimary,
			Servers: []description.Server{
				{Addr: address.Address("a:27017"), Kind: description.ServerKindRSPrimary},
				{Addr: address.Address("b:27017"), Kind: description.Unknown},
			},
		}

		var candidates []description.Server
		selector := serverselector.Func(func(_ description.Topology, s []description.Server) ([]description.Server, error) {
			candidates = s
			return s, nil
		})

		_, err := topo.selectServerFromDescription(desc, selector)
		require.NoError(t, err)
		require.Len(t, candidates, 1)
		assert.Equal(t, address.Address("a:27017"), candidates[0].Addr)
	})

	t.Run("compatibility errors fail selection", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t)

		compatErr := errors.New("incompatible server")
		desc := description.Topology{CompatibilityErr: compatErr}

		_, err := topo.selectServerFromDescription(desc, &serverselector.Write{})
		assert.ErrorIs(t, err, compatErr)
	})

	t.Run("selector errors are wrapped", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t)

		selectorErr := errors.New("selector failed")
		selector := serverselector.Func(func(description.Topology, []description.Server) ([]description.Server, error) {
			return nil, selectorErr
		})

		_, err := topo.selectServerFromDescription(description.Topology{}, selector)
		require.Error(t, err)

		var ssErr ServerSelectionError
		require.True(t, errors.As(err, &ssErr))
		assert.ErrorIs(t, err, selectorErr)
	})

	t.Run("load balanced topologies skip selectors", func(t *testing.T) {
		t.Parallel()

		topo := newTestTopology(t)

		desc := description.Topology{
			Kind: description.TopologyKindLoadBalanced,
			Servers: []description.Server{
				{Addr: address.Address("lb:27017"), Kind: description.ServerKindLoadBalancer},
			},
		}

		selector := serverselector.Func(func(description.Topology, []description.Server) ([]description.Server, error) {
			return nil, errors.New("selector should not run")
		})

		suitable, err := topo.selectServerFromDescription(desc, selector)
		require.NoError(t, err)
		assert.Len(t, suitable, 1)
	})
}

func TestPick2(t *testing.T) {
	t.Parallel()

	descs := []description.Server{
		{Addr: address.Address("a:27017")},
		{Addr: address.Address("b:27017")},
		{Addr: address.Address("c:27017")},
	}

	for i := 0; i < 100; i++ {
		d1, d2 := pick2(descs)
		assert.NotEqual(t, d1.Addr, d2.Addr)
	}
}

func TestTopologyFindServer(t *testing.T) {
	t.Parallel()

	topo := newTestTopology(t)
	require.NoError(t, topo.Connect())
	defer func() { _ = topo.Disconnect(context.Background()) }()

	addr := address.Address("a:27017")
	setTopologyDescription(topo, description.Topology{
		Kind:    description.TopologyKindSingle,
		Servers: []description.Server{{Addr: addr, Kind: description.ServerKindStandalone}},
	})

	t.Run("returns the monitored server", func(t *testing.T) {
		selected, err := topo.FindServer(description.Server{Addr: addr})
		require.NoError(t, err)
		require.NotNil(t, selected)
		assert.Equal(t, description.TopologyKindSingle, selected.Kind)
	})

	t.Run("returns nil for an unknown address", func(t *testing.T) {
		selected, err := topo.FindServer(description.Server{Addr: address.Address("x:27017")})
		require.NoError(t, err)
		assert.Nil(t, selected)
	})
}

func TestTopologyApplyIgnoresUnknownServers(t *testing.T) {
	t.Parallel()

	topo := newTestTopology(t)
	require.NoError(t, topo.Connect())
	defer func() { _ = topo.Disconnect(context.Background()) }()

	desc := description.Server{
		Addr: address.Address("unknown:27017"),
		Kind: description.ServerKindStandalone,
	}

	got := topo.apply(context.Background(), desc)
	assert.True(t, got.Equal(desc), "expected apply to return the description unchanged")
}

func TestDiffTopology(t *testing.T) {
	t.Parallel()

	old := description.Topology{Servers: []description.Server{
		{Addr: address.Address("a:27017")},
		{Addr: address.Address("b:27017")},
	}}
	updated := description.Topology{Servers: []description.Server{
		{Addr: address.Address("b:27017")},
		{Addr: address.Address("c:27017")},
	}}

	diff := diffTopology(old, updated)

	if d := cmp.Diff([]description.Server{{Addr: address.Address("c:27017")}}, diff.Added); d != "" {
		t.Errorf("added servers mismatch (-want +got):\n%s", d)
	}
	if d := cmp.Diff([]description.Server{{Addr: address.Address("a:27017")}}, diff.Removed); d != "" {
		t.Errorf("removed servers mismatch (-want +got):\n%s", d)
	}
}
