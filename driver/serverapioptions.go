// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

// ServerAPIOptions declares the stable API version that every command sends
// to the server.
type ServerAPIOptions struct {
	ServerAPIVersion  string
	Strict            *bool
	DeprecationErrors *bool
}

// ServerAPI returns an empty ServerAPIOptions.
func ServerAPI() *ServerAPIOptions {
	return &ServerAPIOptions{}
}

// SetServerAPIVersion sets the declared API version string. A version is
// required for the options to take effect.
func (s *ServerAPIOptions) SetServerAPIVersion(serverAPIVersion string) *ServerAPIOptions {
	s.ServerAPIVersion = serverAPIVersion
	return s
}

// SetStrict controls whether the server rejects features outside the declared
// API version.
func (s *ServerAPIOptions) SetStrict(strict bool) *ServerAPIOptions {
	s.Strict = &strict
	return s
}

// SetDeprecationErrors controls whether the server errors on deprecated
// features.
func (s *ServerAPIOptions) SetDeprecationErrors(deprecationErrors bool) *ServerAPIOptions {
	s.DeprecationErrors = &deprecationErrors
	return s
}
