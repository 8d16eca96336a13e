// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"sync"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// generationStats pairs a generation number with the count of live
// connections created under it.
type generationStats struct {
	generation uint64
	numConns   uint64
}

// poolGenerationMap keeps a generation per service ID. Outside of
// load-balanced mode everything lives under primitive.NilObjectID; behind a
// load balancer each backing server has its own service ID and so its own
// generation.
type poolGenerationMap struct {
	// Accessed atomically.
	state         int64
	generationMap map[primitive.ObjectID]*generationStats

	sync.Mutex
}

func newPoolGenerationMap() *poolGenerationMap {
	pgm := &poolGenerationMap{
		generationMap: make(map[primitive.ObjectID]*generationStats),
	}
	pgm.generationMap[primitive.NilObjectID] = &generationStats{}
	return pgm
}

func (p *poolGenerationMap) connect() {
	atomic.StoreInt64(&p.state, connected)
}

func (p *poolGenerationMap) disconnect() {
	atomic.StoreInt64(&p.state, disconnected)
}

// addConnection records a new connection under the service ID's current
// generation and returns that generation to stamp the connection with.
func (p *poolGenerationMap) addConnection(serviceIDPtr *primitive.ObjectID) uint64 {
	serviceID := getServiceID(serviceIDPtr)
	p.Lock()
	defer p.Unlock()

	stats, ok := p.generationMap[serviceID]
	if ok {
		stats.numConns++
		return stats.generation
	}

	// First sighting of this service ID; generations start at 0.
	stats = &generationStats{
		numConns: 1,
	}
	p.generationMap[serviceID] = stats
	return 0
}

func (p *poolGenerationMap) removeConnection(serviceIDPtr *primitive.ObjectID) {
	serviceID := getServiceID(serviceIDPtr)
	p.Lock()
	defer p.Unlock()

	stats, ok := p.generationMap[serviceID]
	if !ok {
		return
	}

	// Drop a service ID's entry once its last connection is gone so the map
	// cannot grow without bound as servers come and go behind a load
	// balancer. The NilObjectID entry holds the pool-wide generation outside
	// load-balanced mode and must survive, or a clear would be forgotten.
	stats.numConns--
	if stats.numConns == 0 && serviceID != primitive.NilObjectID {
		delete(p.generationMap, serviceID)
	}
}

func (p *poolGenerationMap) clear(serviceIDPtr *primitive.ObjectID) {
	serviceID := getServiceID(serviceIDPtr)
	p.Lock()
	defer p.Unlock()

	if stats, ok := p.generationMap[serviceID]; ok {
		stats.generation++
	}
}

func (p *poolGenerationMap) stale(serviceIDPtr *primitive.ObjectID, knownGeneration uint64) bool {
	// After disconnect every connection is stale so that it gets closed.
	if atomic.LoadInt64(&p.state) == disconnected {
		return true
	}

	if generation, ok := p.getGeneration(serviceIDPtr); ok {
		return knownGeneration < generation
	}
	return false
}

func (p *poolGenerationMap) getGeneration(serviceIDPtr *primitive.ObjectID) (uint64, bool) {
	serviceID := getServiceID(serviceIDPtr)
	p.Lock()
	defer p.Unlock()

	if stats, ok := p.generationMap[serviceID]; ok {
		return stats.generation, true
	}
	return 0, false
}

func getServiceID(oid *primitive.ObjectID) primitive.ObjectID {
	if oid == nil {
		return primitive.NilObjectID
	}
	return *oid
}
