// Copyright (C) MongoDB, Inc. 2022-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package randutil supplies seeded pseudo-random sources for jitter and
// shuffling.
package randutil

import (
	crand "crypto/rand"
	"fmt"
	"io"
	"math/rand"
	"sync"
)

// NewLockedRand returns a new "math/rand" pseudo-random number generator
// seeded with a cryptographically-secure random number. It is safe to use
// from multiple goroutines.
func NewLockedRand() *rand.Rand {
	var randSrc = new(lockedSource)
	randSrc.src = rand.NewSource(cryptoSeed())
	return rand.New(randSrc)
}

// cryptoSeed returns a random int64 read from the "crypto/rand" random number
// generator. It is intended to be used to seed pseudorandom number generators
// at package initialization. It panics if it encounters any errors.
func cryptoSeed() int64 {
	var b [8]byte
	_, err := io.ReadFull(crand.Reader, b[:])
	if err != nil {
		panic(fmt.Errorf("failed to read 8 bytes from a \"crypto/rand\".Reader: %w", err))
	}

	return (int64(b[0]) << 0) | (int64(b[1]) << 8) | (int64(b[2]) << 16) | (int64(b[3]) << 24) |
		(int64(b[4]) << 32) | (int64(b[5]) << 40) | (int64(b[6]) << 48) | (int64(b[7]) << 56)
}

// lockedSource is a rand.Source that is safe for concurrent use by multiple
// goroutines. The code is modeled after
// https://cs.opensource.google/go/go/+/refs/tags/go1.20.1:src/math/rand/rand.go;l=387-411.
type lockedSource struct {
	mu  sync.Mutex
	src rand.Source
}

func (s *lockedSource) Int63() (n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Int63()
}

func (s *lockedSource) Seed(seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.src.Seed(seed)
}
