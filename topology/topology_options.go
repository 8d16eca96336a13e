// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"time"

	"github.com/bytev/docdriver/internal/logger"
)

// MonitorMode selects how a topology discovers and monitors members.
type MonitorMode uint8

const (
	// AutomaticMode discovers the deployment from the seed list and monitors
	// every member it finds.
	AutomaticMode MonitorMode = iota
	// SingleMode monitors only the first seed list host, whatever type it
	// reports.
	SingleMode
)

const defaultServerSelectionTimeout = 30 * time.Second

// Config holds the settings a Topology is built from.
type Config struct {
	Mode                   MonitorMode
	ReplicaSetName         string
	SeedList               []string
	ServerOpts             []ServerOption
	URI                    string
	ServerSelectionTimeout time.Duration
	Timeout                *time.Duration
	LoadBalanced           bool

	logger *logger.Logger
}

// Option mutates one Config setting.
type Option func(*Config) error

// NewConfig folds the options into a Config with defaults applied.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		ServerSelectionTimeout: defaultServerSelectionTimeout,
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// WithMode sets the monitoring mode.
func WithMode(fn func(MonitorMode) MonitorMode) Option {
	return func(cfg *Config) error {
		cfg.Mode = fn(cfg.Mode)
		return nil
	}
}

// WithReplicaSetName sets the replica set name the topology expects members
// to report.
func WithReplicaSetName(fn func(string) string) Option {
	return func(cfg *Config) error {
		cfg.ReplicaSetName = fn(cfg.ReplicaSetName)
		return nil
	}
}

// WithSeedList sets the initial hosts the topology contacts.
func WithSeedList(fn func(...string) []string) Option {
	return func(cfg *Config) error {
		cfg.SeedList = fn(cfg.SeedList...)
		return nil
	}
}

// WithServerOptions sets the options applied to each server the topology
// creates.
func WithServerOptions(fn func(...ServerOption) []ServerOption) Option {
	return func(cfg *Config) error {
		cfg.ServerOpts = fn(cfg.ServerOpts...)
		return nil
	}
}

// WithServerSelectionTimeout bounds how long server selection may block.
// Zero disables the bound.
func WithServerSelectionTimeout(fn func(time.Duration) time.Duration) Option {
	return func(cfg *Config) error {
		cfg.ServerSelectionTimeout = fn(cfg.ServerSelectionTimeout)
		return nil
	}
}

// WithTimeout configures the client-level operation timeout that is applied to
// operations executed against this topology when they don't carry a deadline of
// their own.
func WithTimeout(fn func(*time.Duration) *time.Duration) Option {
	return func(cfg *Config) error {
		cfg.Timeout = fn(cfg.Timeout)
		return nil
	}
}

// WithURI records the connection string the topology was built from.
func WithURI(fn func(string) string) Option {
	return func(cfg *Config) error {
		cfg.URI = fn(cfg.URI)
		return nil
	}
}

// WithLoadBalanced marks the deployment as sitting behind a load balancer.
func WithLoadBalanced(fn func(bool) bool) Option {
	return func(cfg *Config) error {
		cfg.LoadBalanced = fn(cfg.LoadBalanced)
		return nil
	}
}

// WithTopologyLogger configures the logger used by the topology and the servers
// and connection pools it creates.
func WithTopologyLogger(fn func() *logger.Logger) Option {
	return func(cfg *Config) error {
		cfg.logger = fn()
		cfg.ServerOpts = append(cfg.ServerOpts, withLogger(fn))
		return nil
	}
}
