// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"go.mongodb.org/mongo-driver/x/mongo/driver/wiremessage"
)

// globalRequestID is the counter for wire message request ids. Monitoring
// traffic shares one sequence across all scanners in the process.
var globalRequestID int32

func nextRequestID() int32 { return atomic.AddInt32(&globalRequestID, 1) }

// createQueryWireMessage frames cmd as an OP_QUERY against the $cmd
// collection of db. Hello must be sent as OP_QUERY because the server's
// reply to it is what tells us whether newer opcodes are supported.
func createQueryWireMessage(reqid int32, db string, cmd bsoncore.Document) []byte {
	var dst []byte
	idx, dst := wiremessage.AppendHeaderStart(dst, reqid, 0, wiremessage.OpQuery)
	dst = wiremessage.AppendQueryFlags(dst, wiremessage.SecondaryOK)

	dollarCmd := [...]byte{'.', '$', 'c', 'm', 'd'}

	// FullCollectionName
	dst = append(dst, db...)
	dst = append(dst, dollarCmd[:]...)
	dst = append(dst, 0x00)

	dst = wiremessage.AppendQueryNumberToSkip(dst, 0)
	dst = wiremessage.AppendQueryNumberToReturn(dst, -1)
	dst = append(dst, cmd...)
	return bsoncore.UpdateLength(dst, idx, int32(len(dst[idx:])))
}

// decodeReplyWireMessage extracts the single result document from an
// OP_REPLY message, excluding the header.
func decodeReplyWireMessage(wm []byte) (bsoncore.Document, error) {
	flags, wm, ok := wiremessage.ReadReplyFlags(wm)
	if !ok {
		return nil, errors.New("malformed OP_REPLY: missing flags")
	}
	_, wm, ok = wiremessage.ReadReplyCursorID(wm)
	if !ok {
		return nil, errors.New("malformed OP_REPLY: missing cursorID")
	}
	_, wm, ok = wiremessage.ReadReplyStartingFrom(wm)
	if !ok {
		return nil, errors.New("malformed OP_REPLY: missing startingFrom")
	}
	numReturned, wm, ok := wiremessage.ReadReplyNumberReturned(wm)
	if !ok {
		return nil, errors.New("malformed OP_REPLY: missing numberReturned")
	}
	docs, _, ok := wiremessage.ReadReplyDocuments(wm)
	if !ok {
		return nil, errors.New("malformed OP_REPLY: could not read documents")
	}

	if numReturned == 0 || len(docs) == 0 {
		return nil, errors.New("no command response in OP_REPLY")
	}
	if numReturned > 1 {
		return nil, errors.New("multiple command responses in OP_REPLY")
	}
	if flags&wiremessage.QueryFailure == wiremessage.QueryFailure {
		return nil, errors.Errorf("command failure: %v", docs[0].String())
	}
	if flags&wiremessage.CursorNotFound == wiremessage.CursorNotFound {
		return nil, errors.New("cursor not found in OP_REPLY")
	}

	doc := docs[0]
	if err := doc.Validate(); err != nil {
		return nil, errors.Wrap(err, "malformed command response")
	}
	return doc, nil
}

// parseReplyHeader strips the header off a complete wire message and
// returns the body, verifying the reply answers reqid with OP_REPLY.
func parseReplyHeader(wm []byte, reqid int32) ([]byte, error) {
	_, _, responseTo, opcode, body, ok := wiremessage.ReadHeader(wm)
	if !ok {
		return nil, errors.New("malformed wire message: insufficient bytes for header")
	}
	if opcode != wiremessage.OpReply {
		return nil, errors.Errorf("unexpected opcode %v in response", opcode)
	}
	if responseTo != reqid {
		return nil, errors.Errorf("wire message responds to %d, expected %d", responseTo, reqid)
	}
	return body, nil
}
