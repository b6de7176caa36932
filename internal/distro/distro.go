// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package distro performs best-effort detection of the Linux distribution
// name and version for handshake metadata. Reads are bounded: no file is
// read beyond maxLines lines or maxReadBytes bytes, so detection never
// takes longer than a handful of small file reads.
package distro

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
)

const (
	maxLines     = 100
	maxReadBytes = 4096
)

var (
	osReleasePaths = []string{"/etc/os-release", "/usr/lib/os-release"}

	lsbReleasePath = "/etc/lsb-release"

	// Fallback release files used by various distributions. The first one
	// that exists wins; its first line is used verbatim as the OS name
	// since the format is unknown.
	genericReleasePaths = []string{
		"/etc/redhat-release",
		"/etc/novell-release",
		"/etc/gentoo-release",
		"/etc/SuSE-release",
		"/etc/SUSE-release",
		"/etc/sles-release",
		"/etc/debian_release",
		"/etc/slackware-version",
		"/etc/centos-release",
	}

	kernelOSReleasePath = "/proc/sys/kernel/osrelease"
)

// Info is the detected distribution identity. Either field may be empty.
type Info struct {
	Name    string
	Version string
}

// Detect returns the distribution name and version, trying os-release,
// then lsb-release, then generic release files plus the kernel release.
func Detect() Info {
	for _, path := range osReleasePaths {
		name, version := parseKeyValFile(path, "NAME", "VERSION_ID")
		if name != "" || version != "" {
			return Info{Name: unquote(name), Version: unquote(version)}
		}
	}

	name, version := parseKeyValFile(lsbReleasePath, "DISTRIB_ID", "DISTRIB_RELEASE")
	if name != "" || version != "" {
		return Info{Name: unquote(name), Version: unquote(version)}
	}

	var info Info
	for _, path := range genericReleasePaths {
		if line := firstLine(path); line != "" {
			info.Name = line
			break
		}
	}

	info.Version = firstLine(kernelOSReleasePath)
	if info.Version == "" {
		if kv, err := host.KernelVersion(); err == nil {
			info.Version = kv
		}
	}

	return info
}

// parseKeyValFile scans a KEY=VALUE file for nameKey and versionKey. The
// first value found for each key wins; malformed lines are skipped.
func parseKeyValFile(path, nameKey, versionKey string) (name, version string) {
	f, err := os.Open(path)
	if err != nil {
		return "", ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(io.LimitReader(f, maxReadBytes))
	lines := 0
	for scanner.Scan() && lines < maxLines {
		lines++
		line := scanner.Text()

		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}

		key, val := line[:idx], line[idx+1:]
		switch {
		case key == nameKey && name == "":
			name = val
		case key == versionKey && version == "":
			version = val
		}

		if name != "" && version != "" {
			break
		}
	}

	return name, version
}

// firstLine returns the first line of the file at path, or "" if the file
// cannot be read.
func firstLine(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(io.LimitReader(f, maxReadBytes))
	if !scanner.Scan() {
		return ""
	}
	return scanner.Text()
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
