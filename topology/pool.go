// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"crypto/tls"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"

	"github.com/puppyofkosh/mongo-topology/event"
	"github.com/puppyofkosh/mongo-topology/handshake"
	"github.com/puppyofkosh/mongo-topology/internal/latch"
)

const (
	defaultMinPoolSize = 0
	defaultMaxPoolSize = 100
)

// ErrorAPIVersion selects which error code convention surfaced errors
// follow. It exists for wire compatibility with older callers; the pool
// itself behaves identically under both.
type ErrorAPIVersion int32

const (
	ErrorAPILegacy   ErrorAPIVersion = 1
	ErrorAPIVersion2 ErrorAPIVersion = 2
)

// Client is one pooled handle. All clients of a pool share the pool's
// topology; a client carries no connection state of its own beyond its
// identity.
type Client struct {
	id   uint64
	pool *Pool
}

// Topology returns the shared topology the client observes.
func (c *Client) Topology() *Topology { return c.pool.topology }

// Pool hands out clients against a single topology. Checked-in clients
// form a stack, so the most recently used client is reused first; when a
// minimum size is configured, Push disposes one idle client while the
// pool holds more than that minimum.
type Pool struct {
	topology *Topology
	log      logrus.FieldLogger

	mu   sync.Mutex
	cond *sync.Cond

	idle    []*Client
	size    int
	minSize int
	maxSize int
	nextID  uint64

	scannerStarted bool
	closed         bool

	apm      latch.Value[*event.ServerMonitor]
	errorAPI latch.Value[ErrorAPIVersion]
	minSet   latch.Value[int]
	maxSet   latch.Value[int]
}

// PoolConfig carries optional pieces for NewPoolWithConfig.
type PoolConfig struct {
	Clock  clock.Clock
	Logger logrus.FieldLogger
}

// NewPool builds a pool from a connection string. The URI's minPoolSize
// and maxPoolSize options set the pool bounds; its host list seeds the
// topology. The topology scanner stays idle until the first pop.
func NewPool(uri string) (*Pool, error) {
	return NewPoolWithConfig(uri, PoolConfig{})
}

func NewPoolWithConfig(uri string, cfg PoolConfig) (*Pool, error) {
	cs, err := connstring.ParseAndValidate(uri)
	if err != nil {
		return nil, errors.Wrap(err, "parsing connection string")
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	meta := handshake.NewState(handshake.DefaultDescriptor())
	if cs.AppName != "" {
		meta.SetApplication(cs.AppName)
	}

	topo := New(Config{
		ConnString: cs,
		Metadata:   meta,
		Clock:      cfg.Clock,
		Logger:     log,
	})

	p := &Pool{
		topology: topo,
		log:      log,
		minSize:  defaultMinPoolSize,
		maxSize:  defaultMaxPoolSize,
	}
	p.cond = sync.NewCond(&p.mu)

	if cs.MinPoolSizeSet {
		p.minSize = int(cs.MinPoolSize)
	}
	if cs.MaxPoolSizeSet {
		p.maxSize = int(cs.MaxPoolSize)
	}
	if p.maxSize < 1 {
		p.maxSize = 1
	}
	return p, nil
}

// Topology returns the pool's shared topology.
func (p *Pool) Topology() *Topology { return p.topology }

// Pop blocks until a client is available: it reuses the most recently
// pushed idle client, creates a new one while the pool is under its
// maximum, and otherwise waits for a push. The first pop starts the
// background scanner. Returns nil once the pool is closed.
func (p *Pool) Pop() *Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.startScannerLocked()

	for {
		if p.closed {
			return nil
		}
		if c := p.popIdleLocked(); c != nil {
			return c
		}
		if p.size < p.maxSize {
			return p.newClientLocked()
		}
		p.cond.Wait()
	}
}

// TryPop is the non-blocking Pop: when the pool is at its maximum with no
// idle client, it returns nil instead of waiting.
func (p *Pool) TryPop() *Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.startScannerLocked()

	if p.closed {
		return nil
	}
	if c := p.popIdleLocked(); c != nil {
		return c
	}
	if p.size < p.maxSize {
		return p.newClientLocked()
	}
	return nil
}

// Push returns a client to the pool. With a minimum pool size configured,
// a push while the pool holds more clients than that minimum disposes the
// most recently pushed idle client, so a burst of checkouts drains back
// down to minSize. Without a configured minimum nothing is disposed.
func (p *Pool) Push(c *Client) {
	if c == nil || c.pool != p {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.size--
		return
	}

	if p.minSize > 0 && p.size > p.minSize && len(p.idle) > 0 {
		p.idle = p.idle[:len(p.idle)-1]
		p.size--
	}

	p.idle = append(p.idle, c)
	p.cond.Signal()
}

// Size returns the number of live clients, checked out ones included.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// IdleCount returns the number of checked-in clients.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close tears the pool down: waiting pops return nil, idle clients are
// discarded and the topology is shut down.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.size -= len(p.idle)
	p.idle = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	p.topology.Close()
}

// MetadataDocument returns the handshake metadata document the pool's
// connections present, or false when the metadata exceeds its size cap
// and is omitted from handshakes.
func (p *Pool) MetadataDocument() (bsoncore.Document, bool) {
	return p.topology.Metadata().Build()
}

// configurableLocked reports whether pool configuration is still open,
// logging the rejection when monitoring has already started. Caller holds
// p.mu.
func (p *Pool) configurableLocked(setter string) bool {
	if !p.scannerStarted {
		return true
	}
	p.log.WithField("setter", setter).Warn("pool is already monitoring; configuration rejected")
	return false
}

// SetApplication stores the application name sent during handshakes. Like
// all pool configuration it succeeds at most once, and only before the
// first pop.
func (p *Pool) SetApplication(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.configurableLocked("application") {
		return false
	}
	return p.topology.Metadata().SetApplication(name)
}

// SetMetadata appends to the driver name, version and platform reported
// during handshakes, for wrapping libraries that want to identify
// themselves. Succeeds at most once, before the first pop.
func (p *Pool) SetMetadata(name, version, platform string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.configurableLocked("metadata") {
		return false
	}
	return p.topology.Metadata().Append(name, version, platform)
}

// SetTLSConfig installs the TLS configuration for monitoring connections.
// Unlike the other setters it may be called repeatedly, replacing prior
// options, but still only before the first pop.
func (p *Pool) SetTLSConfig(cfg *tls.Config) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.configurableLocked("tls") {
		return false
	}
	p.topology.Scanner().SetTLSConfig(cfg)
	return true
}

// SetAPMCallbacks installs heartbeat event callbacks. Succeeds at most
// once, before the first pop.
func (p *Pool) SetAPMCallbacks(monitor *event.ServerMonitor) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.configurableLocked("apm") || !p.apm.Set(monitor) {
		return false
	}
	p.topology.SetMonitor(monitor)
	return true
}

// SetErrorAPI selects the error code convention. Succeeds at most once,
// before the first pop, and only with a known version.
func (p *Pool) SetErrorAPI(version ErrorAPIVersion) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.configurableLocked("error api") {
		return false
	}
	if version != ErrorAPILegacy && version != ErrorAPIVersion2 {
		return false
	}
	return p.errorAPI.Set(version)
}

// SetMinSize overrides the URI's minPoolSize. Succeeds at most once,
// before the first pop.
func (p *Pool) SetMinSize(n int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.configurableLocked("min size") || n < 0 || !p.minSet.Set(n) {
		return false
	}
	p.minSize = n
	return true
}

// SetMaxSize overrides the URI's maxPoolSize. Succeeds at most once,
// before the first pop, with a value of at least one.
func (p *Pool) SetMaxSize(n int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.configurableLocked("max size") || n < 1 || !p.maxSet.Set(n) {
		return false
	}
	p.maxSize = n
	return true
}

// ErrorAPI returns the configured error code convention, defaulting to
// the legacy one.
func (p *Pool) ErrorAPI() ErrorAPIVersion {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok := p.errorAPI.Get(); ok {
		return v
	}
	return ErrorAPILegacy
}

// startScannerLocked launches the background scanner on the first pop.
// Caller holds p.mu.
func (p *Pool) startScannerLocked() {
	if p.scannerStarted || p.closed {
		return
	}
	p.scannerStarted = true
	p.topology.StartBackgroundScanner()
}

// popIdleLocked removes and returns the top of the idle stack, or nil.
// Caller holds p.mu.
func (p *Pool) popIdleLocked() *Client {
	if len(p.idle) == 0 {
		return nil
	}
	c := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	return c
}

// newClientLocked creates a client against the shared topology. Caller
// holds p.mu.
func (p *Pool) newClientLocked() *Client {
	p.size++
	p.nextID++
	return &Client{id: p.nextID, pool: p}
}
