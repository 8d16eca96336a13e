// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package readpref

import (
	"fmt"
	"strings"
)

// Mode selects which server kinds a read may target.
type Mode uint8

const (
	_ Mode = iota
	// PrimaryMode routes reads to the primary only. This is the default.
	PrimaryMode
	// PrimaryPreferredMode routes reads to the primary when one is
	// available, falling back to eligible secondaries.
	PrimaryPreferredMode
	// SecondaryMode routes reads to secondaries only.
	SecondaryMode
	// SecondaryPreferredMode routes reads to eligible secondaries, falling
	// back to the primary when none are available.
	SecondaryPreferredMode
	// NearestMode routes reads to any primary or secondary.
	NearestMode
)

// ModeFromString parses a mode name, case-insensitively.
func ModeFromString(mode string) (Mode, error) {
	switch strings.ToLower(mode) {
	case "primary":
		return PrimaryMode, nil
	case "primarypreferred":
		return PrimaryPreferredMode, nil
	case "secondary":
		return SecondaryMode, nil
	case "secondarypreferred":
		return SecondaryPreferredMode, nil
	case "nearest":
		return NearestMode, nil
	}
	return Mode(0), fmt.Errorf("unknown read preference %v", mode)
}

// IsValid reports whether the mode is one of the defined constants.
func (mode Mode) IsValid() bool {
	return mode == PrimaryMode ||
		mode == PrimaryPreferredMode ||
		mode == SecondaryMode ||
		mode == SecondaryPreferredMode ||
		mode == NearestMode
}

// String returns the mode's canonical name.
func (mode Mode) String() string {
	switch mode {
	case PrimaryMode:
		return "primary"
	case PrimaryPreferredMode:
		return "primaryPreferred"
	case SecondaryMode:
		return "secondary"
	case SecondaryPreferredMode:
		return "secondaryPreferred"
	case NearestMode:
		return "nearest"
	default:
		return "unknown"
	}
}
