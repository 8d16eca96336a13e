// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package address

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddressNetwork(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "tcp", Address("localhost:27017").Network())
	assert.Equal(t, "unix", Address("/tmp/db.sock").Network())
}

func TestAddressString(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		addr Address
		want string
	}{
		{name: "missing port gets the default", addr: Address("localhost"), want: "localhost:27017"},
		{name: "existing port is kept", addr: Address("localhost:27018"), want: "localhost:27018"},
		{name: "host is lowercased", addr: Address("LOCALHOST:27017"), want: "localhost:27017"},
		{name: "unix socket is unchanged", addr: Address("/tmp/db.sock"), want: "/tmp/db.sock"},
		{name: "empty address", addr: Address(""), want: ""},
	}

	for _, tc := range testCases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.want, tc.addr.String())
			assert.Equal(t, Address(tc.want), tc.addr.Canonicalize())
		})
	}
}
