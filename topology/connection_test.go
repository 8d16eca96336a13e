// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"testing"

	"github.com/bytev/docdriver/address"
	"github.com/stretchr/testify/assert"
)

func TestConnectionID(t *testing.T) {
	t.Parallel()

	addr := address.Address("localhost:27017")
	conn := newConnection(addr)

	assert.Equal(t, conn.id, conn.ID())
	assert.Contains(t, conn.ID(), addr.String())

	other := newConnection(addr)
	assert.NotEqual(t, conn.ID(), other.ID(), "connection IDs must be unique")
}
