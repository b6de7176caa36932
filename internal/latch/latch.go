// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package latch provides a write-once value container shared by the
// handshake metadata and the pool's one-time configuration setters.
package latch

// Value holds a value that may be written at most once. The zero Value is
// empty and ready for use. Value is not safe for concurrent use; callers
// synchronize externally.
type Value[T any] struct {
	set bool
	v   T
}

// Set stores v and returns true if the latch was empty. Once a value has
// been stored all further calls return false and leave the stored value
// unchanged.
func (l *Value[T]) Set(v T) bool {
	if l.set {
		return false
	}
	l.v = v
	l.set = true
	return true
}

// Get returns the stored value and whether one has been set.
func (l *Value[T]) Get() (T, bool) {
	return l.v, l.set
}

// IsSet reports whether a value has been stored.
func (l *Value[T]) IsSet() bool {
	return l.set
}
