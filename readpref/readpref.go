// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package readpref defines read preferences for deployments. A read
// preference describes which servers are eligible to service a read
// operation.
package readpref

import (
	"fmt"
	"time"

	"github.com/bytev/docdriver/tag"
)

// Primary returns a primary-only read preference.
func Primary() *ReadPref {
	return &ReadPref{mode: PrimaryMode}
}

// PrimaryPreferred returns a read preference using PrimaryPreferredMode.
func PrimaryPreferred(opts ...Option) (*ReadPref, error) {
	return New(PrimaryPreferredMode, opts...)
}

// SecondaryPreferred returns a read preference using SecondaryPreferredMode.
func SecondaryPreferred(opts ...Option) (*ReadPref, error) {
	return New(SecondaryPreferredMode, opts...)
}

// Secondary returns a secondary-only read preference.
func Secondary(opts ...Option) (*ReadPref, error) {
	return New(SecondaryMode, opts...)
}

// Nearest returns a read preference using NearestMode.
func Nearest(opts ...Option) (*ReadPref, error) {
	return New(NearestMode, opts...)
}

// New builds a ReadPref with the given mode and options. Options are rejected
// for PrimaryMode, which permits none.
func New(mode Mode, opts ...Option) (*ReadPref, error) {
	rp := &ReadPref{
		mode: mode,
	}

	if mode == PrimaryMode && len(opts) != 0 {
		return nil, fmt.Errorf("can not specify options with mode primary")
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(rp); err != nil {
			return nil, err
		}
	}

	return rp, nil
}

// ReadPref describes which servers may service a read and under what
// staleness and tag constraints.
type ReadPref struct {
	maxStaleness    time.Duration
	maxStalenessSet bool
	mode            Mode
	tagSets         []tag.Set
}

// MaxStaleness returns how far a secondary may lag the primary and still be
// eligible, along with whether the bound was set at all.
func (r *ReadPref) MaxStaleness() (time.Duration, bool) {
	return r.maxStaleness, r.maxStalenessSet
}

// Mode returns the read preference's mode.
func (r *ReadPref) Mode() Mode {
	return r.mode
}

// TagSets returns the tag sets a server must match, in preference order.
func (r *ReadPref) TagSets() []tag.Set {
	return r.tagSets
}

// String renders the read preference in a compact debug form.
func (r *ReadPref) String() string {
	var b []byte
	b = append(b, r.mode.String()...)
	delim := "("
	if r.maxStalenessSet {
		b = append(b, fmt.Sprintf("%smaxStaleness=%v", delim, r.maxStaleness)...)
		delim = " "
	}
	for _, tagSet := range r.tagSets {
		b = append(b, fmt.Sprintf("%stagSet=%s", delim, tagSet.String())...)
		delim = " "
	}
	if delim != "(" {
		b = append(b, ')')
	}
	return string(b)
}
