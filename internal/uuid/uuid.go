// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package uuid generates random version-4 UUIDs used for session and client
// identifiers.
package uuid

import (
	"crypto/rand"
	"fmt"
	"io"
)

// UUID is a 16-byte universally unique identifier.
type UUID [16]byte

// New returns a random UUIDv4. It uses the "crypto/rand" reader directly so
// that concurrent callers never share or exhaust a buffered source.
func New() (UUID, error) {
	var uuid UUID
	if _, err := io.ReadFull(rand.Reader, uuid[:]); err != nil {
		return UUID{}, fmt.Errorf("failed to read random bytes for a UUID: %w", err)
	}
	uuid[6] = (uuid[6] & 0x0f) | 0x40 // Version 4
	uuid[8] = (uuid[8] & 0x3f) | 0x80 // Variant is 10

	return uuid, nil
}

// Equal reports whether uuid and uuid2 are the same value.
func (uuid UUID) Equal(uuid2 UUID) bool {
	return uuid == uuid2
}
