// Copyright (C) MongoDB, Inc. 2022-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"io"
	"strconv"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/bytev/docdriver/driver/wiremessage"
)

// Batches tracks the documents of a write operation that must be split across
// multiple commands, along with how far encoding has progressed.
type Batches struct {
	Identifier string
	Documents  []bsoncore.Document
	Ordered    *bool

	offset int
}

var _ OperationBatches = &Batches{}

// AppendBatchSequence encodes as many remaining documents as fit under the
// count and size limits into a document sequence section appended to dst. It
// reports how many documents were encoded; zero with a nil error means the
// next document alone exceeds the size limit, and dst is returned untouched.
func (b *Batches) AppendBatchSequence(dst []byte, maxCount, totalSize int) (int, []byte, error) {
	if b.Size() == 0 {
		return 0, dst, io.EOF
	}

	start := len(dst)
	var lenIdx int32
	dst = wiremessage.AppendMsgSectionType(dst, wiremessage.DocumentSequence)
	lenIdx, dst = bsoncore.ReserveLength(dst)
	dst = append(dst, b.Identifier...)
	dst = append(dst, 0x00)

	var used, encoded int
	for i := b.offset; i < len(b.Documents); i++ {
		if encoded == maxCount {
			break
		}
		doc := b.Documents[i]
		used += len(doc)
		if used > totalSize {
			break
		}
		dst = append(dst, doc...)
		encoded++
	}
	if encoded == 0 {
		return 0, dst[:start], nil
	}

	dst = bsoncore.UpdateLength(dst, lenIdx, int32(len(dst[lenIdx:])))
	return encoded, dst, nil
}

// AppendBatchArray is AppendBatchSequence for servers that take the documents
// as a BSON array element inside the command body instead of a document
// sequence section.
func (b *Batches) AppendBatchArray(dst []byte, maxCount, totalSize int) (int, []byte, error) {
	if b.Size() == 0 {
		return 0, dst, io.EOF
	}

	start := len(dst)
	arrIdx, dst := bsoncore.AppendArrayElementStart(dst, b.Identifier)

	var used, encoded int
	for i := b.offset; i < len(b.Documents); i++ {
		if encoded == maxCount {
			break
		}
		doc := b.Documents[i]
		used += len(doc)
		if used > totalSize {
			break
		}
		dst = bsoncore.AppendDocumentElement(dst, strconv.Itoa(encoded), doc)
		encoded++
	}
	if encoded == 0 {
		return 0, dst[:start], nil
	}

	dst, err := bsoncore.AppendArrayEnd(dst, arrIdx)
	if err != nil {
		return 0, nil, err
	}
	return encoded, dst, nil
}

// IsOrdered returns the operation's ordered flag.
func (b *Batches) IsOrdered() *bool {
	return b.Ordered
}

// AdvanceBatches marks n documents as successfully written.
func (b *Batches) AdvanceBatches(n int) {
	b.offset += n
	if b.offset > len(b.Documents) {
		b.offset = len(b.Documents)
	}
}

// Size returns how many documents remain to be written.
func (b *Batches) Size() int {
	if b.offset > len(b.Documents) {
		return 0
	}
	return len(b.Documents) - b.offset
}
