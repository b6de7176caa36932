// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package handshake builds the client metadata document sent with the
// first hello command on every monitoring connection. The encoded document
// is capped at MaxDocumentSize bytes; the free-form platform field absorbs
// whatever space the fixed fields leave and is truncated to fit exactly.
package handshake

import (
	"runtime"
	"sync"
	"unicode/utf8"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/puppyofkosh/mongo-topology/internal/latch"
	"github.com/puppyofkosh/mongo-topology/version"
)

// MaxDocumentSize is the maximum encoded size (bytes) of the metadata
// document. If the document cannot be brought under this cap it is omitted
// from the handshake entirely; the hello command is still sent.
const MaxDocumentSize = 512

// MetadataKey is the field under which the metadata document is embedded
// in the hello command.
const MetadataKey = "meta"

// DriverName is reported as driver.name during the handshake.
const DriverName = "mongo-go-driver"

const (
	driverNameMax    = 64
	driverVersionMax = 32
	osNameMax        = 32
	osVersionMax     = 32
	osArchMax        = 32
	appNameMax       = 128

	platformKey = "platform"
)

// State holds the handshake metadata for one topology. It is mutable until
// frozen; the first use in an actual handshake freezes it permanently.
// All methods are safe for concurrent use.
type State struct {
	mu sync.Mutex

	driverName    string
	driverVersion string

	osName    string
	osVersion string
	osArch    string

	platform string

	appName latch.Value[string]
	frozen  bool
}

// NewState returns a State populated with the driver identity and the
// OS identity reported by d. A nil d leaves the OS fields unknown.
func NewState(d Descriptor) *State {
	s := &State{
		driverName:    DriverName,
		driverVersion: truncate(version.Driver, driverVersionMax),
		platform:      runtime.Version(),
	}
	if d != nil {
		s.osName = truncate(d.OSName(), osNameMax)
		s.osVersion = truncate(d.OSVersion(), osVersionMax)
		s.osArch = truncate(d.OSArchitecture(), osArchMax)
	}
	return s
}

// SetApplication stores the application name reported under
// application.name. It may be called at most once, before the state is
// frozen, with a name no longer than 128 bytes; otherwise it returns false
// and stores nothing.
func (s *State) SetApplication(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen || len(name) > appNameMax {
		return false
	}
	return s.appName.Set(name)
}

// Append concatenates the given fragments onto the stored driver name,
// driver version and platform using a " / " delimiter. Empty arguments
// leave the corresponding field untouched. Name and version are truncated
// to their fixed caps; platform stays unbounded until the next Build. A
// successful Append freezes the state, so it can succeed at most once.
func (s *State) Append(name, version, platform string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		return false
	}

	s.driverName = truncate(join(s.driverName, name), driverNameMax)
	s.driverVersion = truncate(join(s.driverVersion, version), driverVersionMax)
	s.platform = join(s.platform, platform)

	s.frozen = true
	return true
}

// Freeze permanently locks the state against further mutation. It is
// called by the scanner when the metadata is first used in a handshake.
func (s *State) Freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

// Frozen reports whether the state has been frozen.
func (s *State) Frozen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen
}

// Build encodes the metadata document. The second return value is false
// when no document small enough to send could be built; the caller must
// then omit the metadata from the handshake rather than send an oversized
// document.
func (s *State) Build() (bsoncore.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fixed, err := s.encode("", false)
	if err != nil || len(fixed) > MaxDocumentSize {
		// The fixed fields are individually capped, so this only happens
		// with a pathological application name plus long fields.
		return nil, false
	}

	// Element overhead for the platform field: 1 type byte, key bytes plus
	// null terminator, and the 4-byte length prefix of the value.
	budget := MaxDocumentSize - len(fixed) - (1 + len(platformKey) + 1 + 4)
	if budget <= 0 {
		return nil, false
	}

	platform := s.platform
	if len(platform) > budget-1 {
		platform = truncate(platform, budget-1)
	}

	doc, err := s.encode(platform, true)
	if err != nil {
		return nil, false
	}
	if len(doc) > MaxDocumentSize {
		panic("handshake: truncated metadata document exceeds the size cap")
	}
	return doc, true
}

// encode builds the document under the lock. The os name is always
// present, defaulting to "unknown"; the other os fields are omitted when
// unknown rather than written empty.
func (s *State) encode(platform string, includePlatform bool) (bsoncore.Document, error) {
	idx, dst := bsoncore.AppendDocumentStart(nil)

	if app, ok := s.appName.Get(); ok {
		var aidx int32
		aidx, dst = bsoncore.AppendDocumentElementStart(dst, "application")
		dst = bsoncore.AppendStringElement(dst, "name", app)
		dst, _ = bsoncore.AppendDocumentEnd(dst, aidx)
	}

	var didx int32
	didx, dst = bsoncore.AppendDocumentElementStart(dst, "driver")
	dst = bsoncore.AppendStringElement(dst, "name", s.driverName)
	dst = bsoncore.AppendStringElement(dst, "version", s.driverVersion)
	dst, _ = bsoncore.AppendDocumentEnd(dst, didx)

	var oidx int32
	oidx, dst = bsoncore.AppendDocumentElementStart(dst, "os")
	osName := s.osName
	if osName == "" {
		osName = "unknown"
	}
	dst = bsoncore.AppendStringElement(dst, "name", osName)
	if s.osVersion != "" {
		dst = bsoncore.AppendStringElement(dst, "version", s.osVersion)
	}
	if s.osArch != "" {
		dst = bsoncore.AppendStringElement(dst, "architecture", s.osArch)
	}
	dst, _ = bsoncore.AppendDocumentEnd(dst, oidx)

	if includePlatform {
		dst = bsoncore.AppendStringElement(dst, platformKey, platform)
	}

	return bsoncore.AppendDocumentEnd(dst, idx)
}

// truncate shortens s to at most max bytes without splitting a multi-byte
// character.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

func join(base, extra string) string {
	if extra == "" {
		return base
	}
	if base == "" {
		return extra
	}
	return base + " / " + extra
}
