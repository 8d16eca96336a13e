// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package auth contains the connection authentication machinery: the SASL
// conversation driver, the supported mechanisms, and a Handshaker that merges
// authentication with the connection handshake.
package auth

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/bytev/docdriver/address"
	"github.com/bytev/docdriver/description"
	"github.com/bytev/docdriver/driver"
	"github.com/bytev/docdriver/driver/operation"
	"github.com/bytev/docdriver/driver/session"
)

// AuthenticatorFactory builds an Authenticator from a credential.
type AuthenticatorFactory func(cred *Cred) (Authenticator, error)

var authFactories = make(map[string]AuthenticatorFactory)

func init() {
	RegisterAuthenticatorFactory("", newDefaultAuthenticator)
	RegisterAuthenticatorFactory(SCRAMSHA1, newScramSHA1Authenticator)
	RegisterAuthenticatorFactory(SCRAMSHA256, newScramSHA256Authenticator)
	RegisterAuthenticatorFactory(PLAIN, newPlainAuthenticator)
}

// CreateAuthenticator builds an authenticator for the named mechanism. The
// empty name selects mechanism negotiation.
func CreateAuthenticator(name string, cred *Cred) (Authenticator, error) {
	if f, ok := authFactories[name]; ok {
		return f(cred)
	}
	return nil, newAuthError(fmt.Sprintf("unknown authenticator: %s", name), nil)
}

// RegisterAuthenticatorFactory associates a mechanism name with a factory.
func RegisterAuthenticatorFactory(name string, factory AuthenticatorFactory) {
	authFactories[name] = factory
}

// HandshakeOptions configures the Handshaker. A non-empty DBUser, formatted
// as <dbname.username>, makes the handshake ask the server which SASL
// mechanisms that user supports.
type HandshakeOptions struct {
	AppName               string
	Authenticator         Authenticator
	Compressors           []string
	DBUser                string
	PerformAuthentication func(description.Server) bool
	ClusterClock          *session.ClusterClock
	ServerAPI             *driver.ServerAPIOptions
	LoadBalanced          bool
}

type authHandshaker struct {
	wrapped driver.Handshaker
	options *HandshakeOptions

	handshakeInfo driver.HandshakeInformation
	conversation  SpeculativeConversation
}

var _ driver.Handshaker = (*authHandshaker)(nil)

// GetHandshakeInformation runs the initial hello, attaching a speculative
// authentication payload when the authenticator supports one.
func (ah *authHandshaker) GetHandshakeInformation(ctx context.Context, addr address.Address, conn driver.Connection) (driver.HandshakeInformation, error) {
	if ah.wrapped != nil {
		return ah.wrapped.GetHandshakeInformation(ctx, addr, conn)
	}

	op := operation.NewHello().
		AppName(ah.options.AppName).
		Compressors(ah.options.Compressors).
		SASLSupportedMechs(ah.options.DBUser).
		ClusterClock(ah.options.ClusterClock).
		ServerAPI(ah.options.ServerAPI).
		LoadBalanced(ah.options.LoadBalanced)

	if speculativeAuth, ok := ah.options.Authenticator.(SpeculativeAuthenticator); ok {
		var err error
		if ah.conversation, err = speculativeAuth.CreateSpeculativeConversation(); err != nil {
			return driver.HandshakeInformation{}, newAuthError("failed to create conversation", err)
		}

		// A nil conversation with a nil error means the authenticator declined
		// to attempt speculative authentication.
		if ah.conversation != nil {
			firstMsg, err := ah.conversation.FirstMessage()
			if err != nil {
				return driver.HandshakeInformation{}, newAuthError("failed to create speculative authentication message", err)
			}

			op = op.SpeculativeAuthenticate(firstMsg)
		}
	}

	var err error
	if ah.handshakeInfo, err = op.GetHandshakeInformation(ctx, addr, conn); err != nil {
		return driver.HandshakeInformation{}, newAuthError("handshake failure", err)
	}
	return ah.handshakeInfo, nil
}

// FinishHandshake authenticates conn when the server type requires it.
func (ah *authHandshaker) FinishHandshake(ctx context.Context, conn driver.Connection) error {
	performAuth := ah.options.PerformAuthentication
	if performAuth == nil {
		performAuth = func(serv description.Server) bool {
			// Arbiters do not support authentication.
			return serv.Kind != description.ServerKindRSArbiter
		}
	}

	desc := conn.Description()
	if performAuth(desc) && ah.options.Authenticator != nil {
		cfg := &Config{
			Description:   desc,
			Connection:    conn,
			ClusterClock:  ah.options.ClusterClock,
			HandshakeInfo: ah.handshakeInfo,
			ServerAPI:     ah.options.ServerAPI,
		}

		if err := ah.authenticate(ctx, cfg); err != nil {
			return newAuthError("auth error", err)
		}
	}

	if ah.wrapped == nil {
		return nil
	}
	return ah.wrapped.FinishHandshake(ctx, conn)
}

func (ah *authHandshaker) authenticate(ctx context.Context, cfg *Config) error {
	// If the initial handshake included a speculative authentication attempt and the server responded, then the
	// conversation can be a continuation of that attempt rather than a restart.
	if ah.conversation != nil && cfg.HandshakeInfo.SpeculativeAuthenticate != nil {
		return ah.conversation.Finish(ctx, cfg, cfg.HandshakeInfo.SpeculativeAuthenticate)
	}

	return ah.options.Authenticator.Auth(ctx, cfg)
}

// Handshaker wraps h so the handshake also authenticates the connection.
func Handshaker(h driver.Handshaker, options *HandshakeOptions) driver.Handshaker {
	return &authHandshaker{
		wrapped: h,
		options: options,
	}
}

// Config carries everything an authentication attempt needs.
type Config struct {
	Description   description.Server
	Connection    driver.Connection
	ClusterClock  *session.ClusterClock
	HandshakeInfo driver.HandshakeInformation
	ServerAPI     *driver.ServerAPIOptions
}

// Authenticator authenticates a single connection.
type Authenticator interface {
	Auth(context.Context, *Config) error
}

// SpeculativeAuthenticator is implemented by authenticators that can fold
// their first message into the connection handshake.
type SpeculativeAuthenticator interface {
	CreateSpeculativeConversation() (SpeculativeConversation, error)
}

// SpeculativeConversation is an authentication conversation started inside
// the initial hello. FirstMessage produces the payload embedded in the hello
// command; Finish takes the server's response to it and completes the rest of
// the conversation.
type SpeculativeConversation interface {
	FirstMessage() (bsoncore.Document, error)
	Finish(ctx context.Context, cfg *Config, firstResponse bsoncore.Document) error
}

// Cred holds a user's credential and mechanism properties.
type Cred struct {
	Source      string
	Username    string
	Password    string
	PasswordSet bool
	Props       map[string]string
}

// Error wraps a failure that occurred while authenticating.
type Error struct {
	message string
	inner   error
}

func (e *Error) Error() string {
	if e.inner == nil {
		return e.message
	}
	return fmt.Sprintf("%s: %s", e.message, e.inner)
}

// Inner returns the wrapped error.
func (e *Error) Inner() error {
	return e.inner
}

// Unwrap supports errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.inner
}

// Message returns the error's message without the wrapped cause.
func (e *Error) Message() string {
	return e.message
}

func newAuthError(msg string, inner error) error {
	return &Error{
		message: msg,
		inner:   inner,
	}
}

func newError(err error, mech string) error {
	return &Error{
		message: fmt.Sprintf("unable to authenticate using mechanism \"%s\"", mech),
		inner:   err,
	}
}
