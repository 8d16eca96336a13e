// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

// ServerSelector filters a topology's candidate servers down to the suitable
// ones.
type ServerSelector interface {
	SelectServer(Topology, []Server) ([]Server, error)
}

// ServerSelectorFunc adapts a plain function into a ServerSelector.
type ServerSelectorFunc func(Topology, []Server) ([]Server, error)

// SelectServer calls ssf.
func (ssf ServerSelectorFunc) SelectServer(topo Topology, candidates []Server) ([]Server, error) {
	return ssf(topo, candidates)
}
