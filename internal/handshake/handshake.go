// Copyright (C) MongoDB, Inc. 2022-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package handshake contains the constants for the handshake commands.
package handshake

const (
	// LegacyHello is the legacy version of the hello command.
	LegacyHello = "isMaster"

	// LegacyHelloLowercase is the lowercase, legacy version of the hello
	// command.
	LegacyHelloLowercase = "ismaster"
)
