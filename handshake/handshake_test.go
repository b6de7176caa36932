// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package handshake

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDefault(t *testing.T) {
	s := NewState(StaticDescriptor("Linux", "4.4", "x86_64"))

	doc, ok := s.Build()
	require.True(t, ok)
	require.NoError(t, doc.Validate())
	assert.True(t, len(doc) <= MaxDocumentSize)

	assert.Equal(t, DriverName, doc.Lookup("driver", "name").StringValue())
	assert.NotEmpty(t, doc.Lookup("driver", "version").StringValue())
	assert.Equal(t, "Linux", doc.Lookup("os", "name").StringValue())
	assert.Equal(t, "4.4", doc.Lookup("os", "version").StringValue())
	assert.Equal(t, "x86_64", doc.Lookup("os", "architecture").StringValue())
	assert.NotEmpty(t, doc.Lookup("platform").StringValue())

	// No application name was configured.
	_, err := doc.LookupErr("application")
	assert.Error(t, err)
}

func TestBuildUnknownOS(t *testing.T) {
	s := NewState(nil)

	doc, ok := s.Build()
	require.True(t, ok)

	assert.Equal(t, "unknown", doc.Lookup("os", "name").StringValue())
	_, err := doc.LookupErr("os", "version")
	assert.Error(t, err)
	_, err = doc.LookupErr("os", "architecture")
	assert.Error(t, err)
}

func TestAppend(t *testing.T) {
	s := NewState(StaticDescriptor("Linux", "4.4", "x86_64"))

	require.True(t, s.Append("php driver", "version abc", "./configure -nottoomanyflags"))
	assert.True(t, s.Frozen())

	// A successful append freezes the state, so a second one is refused.
	assert.False(t, s.Append("c driver", "1.0", ""))

	doc, ok := s.Build()
	require.True(t, ok)

	assert.Equal(t, DriverName+" / php driver", doc.Lookup("driver", "name").StringValue())
	assert.True(t, strings.HasSuffix(doc.Lookup("driver", "version").StringValue(), " / version abc"))
	assert.True(t, strings.HasSuffix(doc.Lookup("platform").StringValue(), " / ./configure -nottoomanyflags"))
}

func TestAppendEmptyFields(t *testing.T) {
	s := NewState(StaticDescriptor("Linux", "4.4", "x86_64"))
	before, ok := s.Build()
	require.True(t, ok)

	require.True(t, s.Append("", "", ""))
	after, ok := s.Build()
	require.True(t, ok)

	// Empty fragments change nothing except freezing the state.
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("metadata changed by empty append (-want +got):\n%s", diff)
	}
	assert.True(t, s.Frozen())
}

func TestAppendTruncatesNameAndVersion(t *testing.T) {
	s := NewState(StaticDescriptor("Linux", "4.4", "x86_64"))

	require.True(t, s.Append(strings.Repeat("a", 200), strings.Repeat("b", 200), ""))

	doc, ok := s.Build()
	require.True(t, ok)

	assert.Len(t, doc.Lookup("driver", "name").StringValue(), driverNameMax)
	assert.Len(t, doc.Lookup("driver", "version").StringValue(), driverVersionMax)
}

func TestPlatformTruncatedToCap(t *testing.T) {
	s := NewState(StaticDescriptor("Linux", "4.4", "x86_64"))

	require.True(t, s.Append("", "", strings.Repeat("p", 2*MaxDocumentSize)))

	doc, ok := s.Build()
	require.True(t, ok)

	// The platform field absorbs every remaining byte of the budget, so
	// an oversized platform yields a document of exactly the cap.
	assert.Len(t, []byte(doc), MaxDocumentSize)
}

func TestPlatformTruncationKeepsUTF8Valid(t *testing.T) {
	s := NewState(StaticDescriptor("Linux", "4.4", "x86_64"))

	require.True(t, s.Append("", "", strings.Repeat("é", MaxDocumentSize)))

	doc, ok := s.Build()
	require.True(t, ok)
	require.NoError(t, doc.Validate())

	platform := doc.Lookup("platform").StringValue()
	assert.True(t, strings.HasSuffix(platform, "é"))
	assert.True(t, len(doc) <= MaxDocumentSize)
}

func TestSetApplication(t *testing.T) {
	s := NewState(StaticDescriptor("Linux", "4.4", "x86_64"))

	require.True(t, s.SetApplication("my app"))
	assert.False(t, s.SetApplication("other app"))

	doc, ok := s.Build()
	require.True(t, ok)
	assert.Equal(t, "my app", doc.Lookup("application", "name").StringValue())
}

func TestSetApplicationTooLong(t *testing.T) {
	s := NewState(StaticDescriptor("Linux", "4.4", "x86_64"))

	assert.False(t, s.SetApplication(strings.Repeat("a", appNameMax+1)))
	assert.True(t, s.SetApplication(strings.Repeat("a", appNameMax)))
}

func TestSetApplicationAfterFreeze(t *testing.T) {
	s := NewState(StaticDescriptor("Linux", "4.4", "x86_64"))
	s.Freeze()

	assert.False(t, s.SetApplication("late"))
	assert.False(t, s.Append("x", "y", "z"))
}

func TestBuildOmitsOversizedDocument(t *testing.T) {
	// The public setters cap every fixed field, so an oversized fixed
	// document can only be assembled directly.
	s := &State{
		driverName:    strings.Repeat("n", 200),
		driverVersion: strings.Repeat("v", 200),
		osName:        strings.Repeat("o", 200),
		osVersion:     strings.Repeat("o", 200),
		osArch:        strings.Repeat("o", 200),
		platform:      "p",
	}
	s.appName.Set(strings.Repeat("a", 200))

	doc, ok := s.Build()
	assert.False(t, ok)
	assert.Nil(t, doc)
}
