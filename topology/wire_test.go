// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/x/mongo/driver/wiremessage"
)

func TestCreateQueryWireMessage(t *testing.T) {
	reqid := nextRequestID()
	wm := createQueryWireMessage(reqid, "admin", helloCommand())

	length, gotReqID, respTo, opcode, body, ok := wiremessage.ReadHeader(wm)
	require.True(t, ok)
	assert.EqualValues(t, len(wm), length)
	assert.Equal(t, reqid, gotReqID)
	assert.EqualValues(t, 0, respTo)
	assert.Equal(t, wiremessage.OpQuery, opcode)

	flags, body, ok := wiremessage.ReadQueryFlags(body)
	require.True(t, ok)
	assert.Equal(t, wiremessage.SecondaryOK, flags)

	coll, body, ok := wiremessage.ReadQueryFullCollectionName(body)
	require.True(t, ok)
	assert.Equal(t, "admin.$cmd", coll)

	skip, body, ok := wiremessage.ReadQueryNumberToSkip(body)
	require.True(t, ok)
	assert.EqualValues(t, 0, skip)

	ret, body, ok := wiremessage.ReadQueryNumberToReturn(body)
	require.True(t, ok)
	assert.EqualValues(t, -1, ret)

	query, _, ok := wiremessage.ReadQueryQuery(body)
	require.True(t, ok)
	if diff := cmp.Diff(helloCommand(), query); diff != "" {
		t.Errorf("command document mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeReplyWireMessage(t *testing.T) {
	reqid := nextRequestID()
	wm := makeReply(reqid, helloReply())

	body, err := parseReplyHeader(wm, reqid)
	require.NoError(t, err)

	doc, err := decodeReplyWireMessage(body)
	require.NoError(t, err)
	if diff := cmp.Diff(helloReply(), doc); diff != "" {
		t.Errorf("reply document mismatch (-want +got):\n%s", diff)
	}
}

func TestParseReplyHeaderMismatchedResponseTo(t *testing.T) {
	reqid := nextRequestID()
	wm := makeReply(reqid, helloReply())

	_, err := parseReplyHeader(wm, reqid+1)
	assert.Error(t, err)
}

func TestDecodeReplyTruncated(t *testing.T) {
	reqid := nextRequestID()
	wm := makeReply(reqid, helloReply())

	body, err := parseReplyHeader(wm, reqid)
	require.NoError(t, err)

	_, err = decodeReplyWireMessage(body[:8])
	assert.Error(t, err)
}

func TestNextRequestIDMonotonic(t *testing.T) {
	a := nextRequestID()
	b := nextRequestID()
	assert.Greater(t, b, a)
}
