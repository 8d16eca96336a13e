// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package tag provides types for filtering replica set members using tags.
package tag

// Tag is a single name/value label on a replica set member.
type Tag struct {
	Name  string
	Value string
}

// String renders the tag as name=value.
func (tag Tag) String() string {
	return tag.Name + "=" + tag.Value
}

// NewTagSetFromMap converts a map into a Set. Ordering of the result is not
// defined.
func NewTagSetFromMap(m map[string]string) Set {
	var set Set
	for k, v := range m {
		set = append(set, Tag{Name: k, Value: v})
	}

	return set
}

// NewTagSetsFromMaps converts each map into its own Set.
func NewTagSetsFromMaps(maps []map[string]string) []Set {
	sets := make([]Set, 0, len(maps))
	for _, m := range maps {
		sets = append(sets, NewTagSetFromMap(m))
	}
	return sets
}

// Set is an ordered collection of Tags.
type Set []Tag

// Contains reports whether the set holds the given name/value pair.
func (ts Set) Contains(name, value string) bool {
	for _, t := range ts {
		if t.Name == name && t.Value == value {
			return true
		}
	}

	return false
}

// ContainsAll reports whether every tag in other is present in the set.
func (ts Set) ContainsAll(other []Tag) bool {
	for _, ot := range other {
		if !ts.Contains(ot.Name, ot.Value) {
			return false
		}
	}

	return true
}

// String renders the set as comma-separated name=value pairs.
func (ts Set) String() string {
	var b []byte
	for i, tag := range ts {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, tag.String()...)
	}
	return string(b)
}
