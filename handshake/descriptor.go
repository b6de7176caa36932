// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package handshake

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/puppyofkosh/mongo-topology/internal/distro"
)

// Descriptor supplies the OS identity reported during the handshake. Any
// method may return "" for unknown.
type Descriptor interface {
	OSName() string
	OSVersion() string
	OSArchitecture() string
}

type systemDescriptor struct {
	name    string
	version string
	arch    string
}

func (d *systemDescriptor) OSName() string         { return d.name }
func (d *systemDescriptor) OSVersion() string      { return d.version }
func (d *systemDescriptor) OSArchitecture() string { return d.arch }

// DefaultDescriptor detects the running system. On Linux it consults the
// distribution release files first; elsewhere, and as a fallback, it uses
// the host's platform information and kernel version.
func DefaultDescriptor() Descriptor {
	var name, version string

	if runtime.GOOS == "linux" {
		info := distro.Detect()
		name, version = info.Name, info.Version
	}

	if name == "" || version == "" {
		if platform, _, pver, err := host.PlatformInformation(); err == nil {
			if name == "" {
				name = platform
			}
			if version == "" {
				version = pver
			}
		}
	}

	if name == "" {
		name = runtime.GOOS
	}
	if version == "" {
		if kv, err := host.KernelVersion(); err == nil {
			version = kv
		}
	}

	return &systemDescriptor{name: name, version: version, arch: runtime.GOARCH}
}

// StaticDescriptor returns a Descriptor with fixed values. It is intended
// for callers that gather OS information themselves and for tests.
func StaticDescriptor(name, version, arch string) Descriptor {
	return &systemDescriptor{name: name, version: version, arch: arch}
}
