// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/bytev/docdriver/driver"
	"github.com/bytev/docdriver/driver/operation"
)

// SaslClient drives the client side of a SASL conversation.
type SaslClient interface {
	Start() (string, []byte, error)
	Next(challenge []byte) ([]byte, error)
	Completed() bool
}

// SaslClientCloser is a SaslClient holding resources that need cleanup.
type SaslClientCloser interface {
	SaslClient
	Close()
}

// ExtraOptionsSaslClient contributes an options document to saslStart.
type ExtraOptionsSaslClient interface {
	StartCommandOptions() bsoncore.Document
}

// saslConversation holds the state of one SASL exchange. It implements
// SpeculativeConversation so the first round trip can piggyback on the
// handshake.
type saslConversation struct {
	client      SaslClient
	source      string
	mechanism   string
	speculative bool
}

var _ SpeculativeConversation = (*saslConversation)(nil)

func newSaslConversation(client SaslClient, source string, speculative bool) *saslConversation {
	authSource := source
	if authSource == "" {
		authSource = defaultAuthDB
	}
	return &saslConversation{
		client:      client,
		source:      authSource,
		speculative: speculative,
	}
}

// FirstMessage builds the saslStart command that opens the conversation.
func (sc *saslConversation) FirstMessage() (bsoncore.Document, error) {
	var payload []byte
	var err error
	sc.mechanism, payload, err = sc.client.Start()
	if err != nil {
		return nil, err
	}

	saslCmdElements := [][]byte{
		bsoncore.AppendInt32Element(nil, "saslStart", 1),
		bsoncore.AppendStringElement(nil, "mechanism", sc.mechanism),
		bsoncore.AppendBinaryElement(nil, "payload", 0x00, payload),
	}
	if sc.speculative {
		// A speculative attempt rides on the hello command, which runs
		// against admin, so the auth source has to travel in a "db" field.
		// Non-speculative SASL commands run against the auth source directly.
		saslCmdElements = append(saslCmdElements, bsoncore.AppendStringElement(nil, "db", sc.source))
	}
	if extraOptionsClient, ok := sc.client.(ExtraOptionsSaslClient); ok {
		optionsDoc := extraOptionsClient.StartCommandOptions()
		saslCmdElements = append(saslCmdElements, bsoncore.AppendDocumentElement(nil, "options", optionsDoc))
	}

	return bsoncore.BuildDocumentFromElements(nil, saslCmdElements...), nil
}

type saslResponse struct {
	ConversationID int
	Code           int
	Done           bool
	Payload        []byte
}

func parseSaslResponse(doc bsoncore.Document) (saslResponse, error) {
	var response saslResponse

	if cid, ok := doc.Lookup("conversationId").AsInt64OK(); ok {
		response.ConversationID = int(cid)
	}
	if code, ok := doc.Lookup("code").AsInt64OK(); ok {
		response.Code = int(code)
	}
	if done, ok := doc.Lookup("done").BooleanOK(); ok {
		response.Done = done
	}
	if _, payload, ok := doc.Lookup("payload").BinaryOK(); ok {
		response.Payload = payload
	}

	return response, nil
}

// Finish runs the remaining saslContinue round trips, starting from the
// server's response to the first message.
func (sc *saslConversation) Finish(ctx context.Context, cfg *Config, firstResponse bsoncore.Document) error {
	saslResp, err := parseSaslResponse(firstResponse)
	if err != nil {
		fullErr := fmt.Errorf("unmarshal error: %w", err)
		return newError(fullErr, sc.mechanism)
	}

	cid := saslResp.ConversationID
	var payload []byte
	var rdr bsoncore.Document
	for {
		if saslResp.Code != 0 {
			return newError(err, sc.mechanism)
		}

		if saslResp.Done && sc.client.Completed() {
			return nil
		}

		payload, err = sc.client.Next(saslResp.Payload)
		if err != nil {
			return newError(err, sc.mechanism)
		}

		if saslResp.Done && sc.client.Completed() {
			return nil
		}

		doc := bsoncore.BuildDocumentFromElements(nil,
			bsoncore.AppendInt32Element(nil, "saslContinue", 1),
			bsoncore.AppendInt32Element(nil, "conversationId", int32(cid)),
			bsoncore.AppendBinaryElement(nil, "payload", 0x00, payload),
		)
		saslContinueCmd := &operation.Command{
			Command:    doc,
			Database:   sc.source,
			Deployment: driver.SingleConnectionDeployment{C: cfg.Connection},
			Clock:      cfg.ClusterClock,
			ServerAPI:  cfg.ServerAPI,
		}

		err = saslContinueCmd.Execute(ctx)
		if err != nil {
			return newError(err, sc.mechanism)
		}
		rdr = saslContinueCmd.Result()

		saslResp, err = parseSaslResponse(rdr)
		if err != nil {
			fullErr := fmt.Errorf("unmarshal error: %w", err)
			return newError(fullErr, sc.mechanism)
		}
	}
}

// ConductSaslConversation authenticates the connection with a full,
// non-speculative SASL conversation.
func ConductSaslConversation(ctx context.Context, cfg *Config, authSource string, client SaslClient) error {
	if closer, ok := client.(SaslClientCloser); ok {
		defer closer.Close()
	}

	conversation := newSaslConversation(client, authSource, false)

	saslStartDoc, err := conversation.FirstMessage()
	if err != nil {
		return newError(err, conversation.mechanism)
	}
	saslStartCmd := &operation.Command{
		Command:    saslStartDoc,
		Database:   conversation.source,
		Deployment: driver.SingleConnectionDeployment{C: cfg.Connection},
		Clock:      cfg.ClusterClock,
		ServerAPI:  cfg.ServerAPI,
	}
	if err := saslStartCmd.Execute(ctx); err != nil {
		return newError(err, conversation.mechanism)
	}

	return conversation.Finish(ctx, cfg, saslStartCmd.Result())
}
