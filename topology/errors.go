// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"fmt"
	"strings"
)

// NodeError records a failed hello attempt against a single node. Timeout
// distinguishes a deadline expiry from other connection errors.
type NodeError struct {
	Host    string
	Timeout bool
	Err     error
}

func (e *NodeError) Error() string {
	kind := "connection error"
	if e.Timeout {
		kind = "connection timeout"
	}
	return fmt.Sprintf("%s calling hello on '%s'", kind, e.Host)
}

// Unwrap returns the underlying network error, if any.
func (e *NodeError) Unwrap() error { return e.Err }

// ScanError summarizes the last errors of every node after a scan
// finishes. Last holds the error of whichever failed node was visited
// last, for callers that need a concrete domain and code; callers needing
// per-node detail consult node state directly.
type ScanError struct {
	Message string
	Last    error
}

func (e *ScanError) Error() string { return e.Message }

// Unwrap returns the last node's error.
func (e *ScanError) Unwrap() error { return e.Last }

// newScanError combines per-node error messages in the "[msg] [msg]" form.
func newScanError(msgs []string, last error) *ScanError {
	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteByte('[')
		sb.WriteString(m)
		sb.WriteByte(']')
	}
	return &ScanError{Message: sb.String(), Last: last}
}
