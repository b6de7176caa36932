// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package topology implements server discovery for the client pool: a
// scanner that runs hello exchanges against every known server, an async
// command runner underneath it, and a background monitor that repeats the
// scan at the heartbeat interval.
package topology

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo/address"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"

	"github.com/puppyofkosh/mongo-topology/event"
	"github.com/puppyofkosh/mongo-topology/handshake"
)

// defaultHeartbeatInterval is how often the background monitor rescans
// when the URI does not carry heartbeatFrequencyMS.
const defaultHeartbeatInterval = 10 * time.Second

// ServerState is a snapshot of what the monitor knows about one server.
type ServerState struct {
	ID         uint32
	Addr       address.Address
	LastReply  bsoncore.Document
	LastError  error
	AverageRTT time.Duration
}

// Config carries the pieces a Topology needs. ConnString supplies the
// seed list, timeouts and heartbeat interval.
type Config struct {
	ConnString connstring.ConnString
	Metadata   *handshake.State
	Monitor    *event.ServerMonitor
	Clock      clock.Clock
	Logger     logrus.FieldLogger
}

// Topology owns a scanner and drives it. Scans happen either on demand
// through ScanOnce or continuously on a background goroutine started by
// StartBackgroundScanner.
type Topology struct {
	scanner  *Scanner
	meta     *handshake.State
	monitor  *event.ServerMonitor
	clk      clock.Clock
	log      logrus.FieldLogger
	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	servers map[uint32]*ServerState
	nextID  uint32
	active  bool

	checkNow chan struct{}
	done     chan struct{}
	loopWG   sync.WaitGroup
}

// New builds a Topology seeded with the hosts of cfg.ConnString. The
// background monitor does not start until StartBackgroundScanner.
func New(cfg Config) *Topology {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	meta := cfg.Metadata
	if meta == nil {
		meta = handshake.NewState(handshake.DefaultDescriptor())
	}

	interval := defaultHeartbeatInterval
	if cfg.ConnString.HeartbeatIntervalSet {
		interval = cfg.ConnString.HeartbeatInterval
	}
	timeout := time.Duration(0)
	if cfg.ConnString.ConnectTimeoutSet {
		timeout = cfg.ConnString.ConnectTimeout
	}

	t := &Topology{
		meta:     meta,
		monitor:  cfg.Monitor,
		clk:      clk,
		log:      log,
		interval: interval,
		timeout:  timeout,
		servers:  make(map[uint32]*ServerState),
		checkNow: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	t.scanner = NewScanner(ScannerConfig{
		Metadata:       meta,
		Callback:       t.processResult,
		OnStart:        t.processStart,
		ConnectTimeout: timeout,
		Clock:          clk,
		Logger:         log,
	})

	for _, host := range cfg.ConnString.Hosts {
		t.AddServer(address.Address(host))
	}
	return t
}

// Scanner exposes the underlying scanner for configuration, such as TLS
// and stream initiator overrides.
func (t *Topology) Scanner() *Scanner { return t.scanner }

// Metadata returns the handshake metadata shared with the scanner.
func (t *Topology) Metadata() *handshake.State { return t.meta }

// SetMonitor installs the heartbeat event callbacks. It only makes sense
// before the background monitor starts.
func (t *Topology) SetMonitor(m *event.ServerMonitor) {
	t.mu.Lock()
	t.monitor = m
	t.mu.Unlock()
}

func (t *Topology) currentMonitor() *event.ServerMonitor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.monitor
}

// AddServer registers a new server and returns its id. If the background
// monitor is running the server is scanned right away.
func (t *Topology) AddServer(addr address.Address) uint32 {
	addr = address.Address(addr.String())

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.servers[id] = &ServerState{ID: id, Addr: addr}
	active := t.active
	t.mu.Unlock()

	if active {
		t.scanner.AddAndScan(id, addr)
		t.RequestScan()
	} else {
		t.scanner.Add(id, addr)
	}
	return id
}

// RemoveServer retires the server registered under id.
func (t *Topology) RemoveServer(id uint32) {
	t.mu.Lock()
	delete(t.servers, id)
	t.mu.Unlock()

	t.scanner.Retire(id)
}

// Server returns a copy of the monitor's state for id, or false if no
// such server is registered.
func (t *Topology) Server(id uint32) (ServerState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.servers[id]
	if !ok {
		return ServerState{}, false
	}
	return *s, true
}

// ScanOnce runs one full scan synchronously: every server outside its
// cooldown window is checked and the aggregated error, if any, returned.
func (t *Topology) ScanOnce(obeyCooldown bool) error {
	t.scanner.Start(obeyCooldown)
	t.scanner.Work(t.workTimeout())
	return t.scanner.Error()
}

// StartBackgroundScanner launches the monitor goroutine. Calling it again
// while the monitor runs is a no-op.
func (t *Topology) StartBackgroundScanner() {
	t.mu.Lock()
	if t.active {
		t.mu.Unlock()
		return
	}
	t.active = true
	t.mu.Unlock()

	t.loopWG.Add(1)
	go t.monitorLoop()
}

// ScannerActive reports whether the background monitor is running.
func (t *Topology) ScannerActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// RequestScan asks the background monitor to scan now instead of waiting
// out the heartbeat interval. Requests while a scan is pending coalesce.
func (t *Topology) RequestScan() {
	select {
	case t.checkNow <- struct{}{}:
	default:
	}
}

// Close stops the background monitor, cancels in-flight exchanges and
// closes every monitoring connection.
func (t *Topology) Close() {
	t.mu.Lock()
	if t.active {
		t.active = false
		close(t.done)
	}
	t.mu.Unlock()

	t.loopWG.Wait()
	t.scanner.Close()
}

func (t *Topology) monitorLoop() {
	defer t.loopWG.Done()

	ticker := t.clk.Ticker(t.interval)
	defer ticker.Stop()

	for {
		t.scanner.Start(true)
		t.scanner.Work(t.workTimeout())

		select {
		case <-t.done:
			return
		case <-ticker.C:
		case <-t.checkNow:
		}
	}
}

// workTimeout bounds one scan pass. Connect timeouts fire per node; the
// extra headroom covers callback dispatch.
func (t *Topology) workTimeout() time.Duration {
	timeout := t.timeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	return timeout + 1*time.Second
}

func (t *Topology) processStart(id uint32, addr address.Address) {
	if m := t.currentMonitor(); m != nil && m.ServerHeartbeatStarted != nil {
		m.ServerHeartbeatStarted(&event.ServerHeartbeatStartedEvent{
			ConnectionID: addr.String(),
		})
	}
}

// processResult records a scan outcome and emits the heartbeat event.
func (t *Topology) processResult(id uint32, addr address.Address, reply bsoncore.Document, rtt time.Duration, err error) {
	var avgRTT time.Duration
	if n := t.scanner.Node(id); n != nil {
		avgRTT = n.RTT().EWMA()
	}

	t.mu.Lock()
	if s, ok := t.servers[id]; ok {
		s.LastError = err
		if err == nil {
			s.LastReply = reply
		}
		s.AverageRTT = avgRTT
	}
	t.mu.Unlock()

	m := t.currentMonitor()
	if m == nil {
		return
	}
	if err != nil {
		if m.ServerHeartbeatFailed != nil {
			m.ServerHeartbeatFailed(&event.ServerHeartbeatFailedEvent{
				DurationNanos: rtt.Nanoseconds(),
				Failure:       err,
				ConnectionID:  addr.String(),
			})
		}
		return
	}
	if m.ServerHeartbeatSucceeded != nil {
		m.ServerHeartbeatSucceeded(&event.ServerHeartbeatSucceededEvent{
			DurationNanos: rtt.Nanoseconds(),
			Reply:         reply,
			ConnectionID:  addr.String(),
		})
	}
}
