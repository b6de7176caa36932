// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"crypto/tls"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo/address"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/puppyofkosh/mongo-topology/handshake"
)

// legacyHello is the handshake command understood by every server version.
// Monitoring runs over OP_QUERY, which only supports the legacy form.
const legacyHello = "isMaster"

// cooldownPeriod is how long a node that failed to connect is skipped by
// cooldown-obeying scans. It is deliberately not configurable.
const cooldownPeriod = 5 * time.Second

// defaultConnectTimeout bounds a single hello exchange, connection
// establishment included, when the URI does not say otherwise.
const defaultConnectTimeout = 10 * time.Second

// NodeCallback receives the outcome of one node's hello exchange during a
// scan. It runs on the goroutine driving Work; err is a *NodeError on
// failure and nil on success.
type NodeCallback func(id uint32, host address.Address, reply bsoncore.Document, rtt time.Duration, err error)

// MetadataSource supplies the client metadata embedded in handshake
// hellos. *handshake.State is the production implementation; Build
// reporting false means no document small enough to send exists and the
// hello goes out without one.
type MetadataSource interface {
	Freeze()
	Build() (bsoncore.Document, bool)
}

// Node is one scanned member of the topology. All state transitions happen
// under the owning scanner's lock.
type Node struct {
	id   uint32
	addr address.Address

	stream     net.Conn
	cmd        *asyncCmd
	rtt        *rttTracker
	lastError  error
	lastUsed   time.Time
	lastFailed time.Time
	retired    bool
}

// ID returns the node's caller-assigned identifier.
func (n *Node) ID() uint32 { return n.id }

// Address returns the host the node scans.
func (n *Node) Address() address.Address { return n.addr }

// RTT returns the node's round trip statistics tracker.
func (n *Node) RTT() *rttTracker { return n.rtt }

// inCooldown reports whether the node failed recently enough that a
// cooldown-obeying scan must skip it.
func (n *Node) inCooldown(now time.Time) bool {
	return !n.lastFailed.IsZero() && n.lastFailed.After(now.Add(-cooldownPeriod))
}

// needsHandshake reports whether the next hello must carry the client
// metadata: the first command on a node, and every command after a
// failure, reintroduce the client to the server.
func (n *Node) needsHandshake() bool {
	return n.lastUsed.IsZero() || !n.lastFailed.IsZero()
}

// Scanner drives hello exchanges against a set of nodes. Connections are
// kept between scans; a node that failed is reconnected on its next
// eligible scan. Add, Retire and the setters may be called from any
// goroutine, but Start and Work must be called from one goroutine at a
// time.
type Scanner struct {
	clk     clock.Clock
	runner  *asyncRunner
	dialer  *dialer
	meta    MetadataSource
	cb      NodeCallback
	onStart StartCallback
	timeout time.Duration
	log     logrus.FieldLogger

	mu     sync.Mutex
	nodes  map[uint32]*Node
	closed bool
}

// StartCallback is invoked as each node's exchange is enqueued. It runs
// under the scanner's lock and must not call back into the scanner.
type StartCallback func(id uint32, addr address.Address)

// ScannerConfig carries the knobs for NewScanner. Zero values select the
// defaults; Metadata and Callback are required.
type ScannerConfig struct {
	Metadata       MetadataSource
	Callback       NodeCallback
	OnStart        StartCallback
	ConnectTimeout time.Duration
	Clock          clock.Clock
	Logger         logrus.FieldLogger
}

func NewScanner(cfg ScannerConfig) *Scanner {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scanner{
		clk:     clk,
		runner:  newAsyncRunner(clk),
		dialer:  newDialer(),
		meta:    cfg.Metadata,
		cb:      cfg.Callback,
		onStart: cfg.OnStart,
		timeout: timeout,
		log:     log,
	}
}

// SetTLSConfig installs the TLS configuration for subsequent connections.
// Existing connections are unaffected.
func (s *Scanner) SetTLSConfig(cfg *tls.Config) {
	s.mu.Lock()
	s.dialer.tlsConfig = cfg
	s.mu.Unlock()
}

// SetStreamInitiator overrides how monitoring streams are established.
func (s *Scanner) SetStreamInitiator(initiator StreamInitiator) {
	s.mu.Lock()
	s.dialer.initiator = initiator
	s.mu.Unlock()
}

// Add registers a node under id. Adding an id twice is a no-op.
func (s *Scanner) Add(id uint32, addr address.Address) *Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nodes == nil {
		s.nodes = make(map[uint32]*Node)
	}
	if n, ok := s.nodes[id]; ok {
		return n
	}
	n := &Node{id: id, addr: addr, rtt: newRTTTracker()}
	s.nodes[id] = n
	return n
}

// AddAndScan registers a node and immediately begins its hello exchange,
// for members discovered while a scan is already running. The result is
// delivered by the Work call that drains it.
func (s *Scanner) AddAndScan(id uint32, addr address.Address) {
	n := s.Add(id, addr)

	s.mu.Lock()
	defer s.mu.Unlock()
	if n.cmd == nil && !n.retired && !s.closed {
		s.startNode(n, &helloDocs{})
	}
}

// Node returns the node registered under id, or nil.
func (s *Scanner) Node(id uint32) *Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes[id]
}

// HasNodeForHost reports whether any live node scans addr.
func (s *Scanner) HasNodeForHost(addr address.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.nodes {
		if !n.retired && n.addr == addr {
			return true
		}
	}
	return false
}

// Start begins a scan: every live node outside its cooldown window gets a
// hello exchange enqueued. Metadata is frozen on the first Start that
// reaches a node. Results arrive through Work. A Start while a scan is
// still in progress is a no-op.
func (s *Scanner) Start(obeyCooldown bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.runner.inFlight() > 0 {
		return
	}

	// Both forms of the command are identical across nodes, so build
	// each at most once per scan.
	var hellos helloDocs

	now := s.clk.Now()
	for _, id := range s.sortedIDs() {
		n := s.nodes[id]
		if n.retired || n.cmd != nil {
			continue
		}
		if obeyCooldown && n.inCooldown(now) {
			continue
		}
		s.startNode(n, &hellos)
	}
}

// helloDocs lazily caches the two command variants for one scan pass.
type helloDocs struct {
	bare     bsoncore.Document
	withMeta bsoncore.Document
}

// startNode enqueues the hello exchange for n. Caller holds s.mu.
func (s *Scanner) startNode(n *Node, hellos *helloDocs) {
	cmd := &asyncCmd{
		host:     n.addr.String(),
		database: "admin",
		command:  s.helloFor(n, hellos),
		timeout:  s.timeout,
		setup: func(ctx context.Context) (net.Conn, error) {
			return s.dialer.connect(ctx, n.addr)
		},
	}
	cmd.conn = n.stream
	n.stream = nil
	cmd.cb = func(reply bsoncore.Document, rtt time.Duration, err error, isTimeout bool) {
		s.finishNode(n, cmd, reply, rtt, err, isTimeout)
	}
	n.cmd = cmd
	if s.onStart != nil {
		s.onStart(n.id, n.addr)
	}
	s.runner.enqueue(cmd)
}

// helloFor picks the node's next hello command, embedding the client
// metadata when the node needs a full handshake. Caller holds s.mu.
func (s *Scanner) helloFor(n *Node, hellos *helloDocs) bsoncore.Document {
	withMeta := s.meta != nil && n.needsHandshake()

	if withMeta && hellos.withMeta != nil {
		return hellos.withMeta
	}
	if !withMeta && hellos.bare != nil {
		return hellos.bare
	}

	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt32Element(dst, legacyHello, 1)

	if withMeta {
		s.meta.Freeze()
		if doc, ok := s.meta.Build(); ok {
			dst = bsoncore.AppendDocumentElement(dst, handshake.MetadataKey, doc)
		}
	}

	doc, _ := bsoncore.AppendDocumentEnd(dst, idx)
	if withMeta {
		hellos.withMeta = doc
	} else {
		hellos.bare = doc
	}
	return doc
}

// finishNode folds one exchange's outcome into node state. Runs on the
// goroutine driving Work.
func (s *Scanner) finishNode(n *Node, cmd *asyncCmd, reply bsoncore.Document, rtt time.Duration, err error, isTimeout bool) {
	s.mu.Lock()

	now := s.clk.Now()
	n.cmd = nil
	n.lastUsed = now

	if n.retired {
		s.mu.Unlock()
		return
	}

	var nodeErr error
	if err != nil {
		nodeErr = &NodeError{Host: n.addr.String(), Timeout: isTimeout, Err: err}
		n.lastError = nodeErr
		n.lastFailed = now
		n.rtt.reset()
		s.log.WithFields(logrus.Fields{
			"host":    n.addr.String(),
			"timeout": isTimeout,
		}).WithError(err).Debug("hello failed")
	} else {
		n.lastError = nil
		n.lastFailed = time.Time{}
		n.stream = cmd.currentConn()
		n.rtt.addSample(rtt)
	}

	id, addr := n.id, n.addr
	cb := s.cb
	s.mu.Unlock()

	if cb != nil {
		cb(id, addr, reply, rtt, nodeErr)
	}
}

// Work drains the scan started by Start, invoking node callbacks on this
// goroutine, until every exchange finishes or timeout elapses. It reports
// whether any exchange is still outstanding.
func (s *Scanner) Work(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.runner.run(ctx) > 0
}

// InProgress reports whether any node still has an exchange in flight.
func (s *Scanner) InProgress() bool {
	return s.runner.inFlight() > 0
}

// Error aggregates the last error of every failed node, or returns nil if
// the most recent scan left no node in a failed state.
func (s *Scanner) Error() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var msgs []string
	var last error
	for _, id := range s.sortedIDs() {
		n := s.nodes[id]
		if n.retired || n.lastError == nil {
			continue
		}
		msgs = append(msgs, n.lastError.Error())
		last = n.lastError
	}
	if len(msgs) == 0 {
		return nil
	}
	return newScanError(msgs, last)
}

// Reset disconnects the node registered under id. Its next eligible scan
// dials a fresh connection and repeats the metadata handshake.
func (s *Scanner) Reset(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return
	}
	s.disconnectLocked(n)
	n.lastUsed = time.Time{}
	n.lastFailed = time.Time{}
	n.lastError = nil
}

// Retire removes the node registered under id. An in-flight exchange is
// canceled; its result is discarded without invoking the callback.
func (s *Scanner) Retire(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return
	}
	n.retired = true
	s.disconnectLocked(n)
	delete(s.nodes, id)
}

// disconnectLocked severs the node's connection and in-flight exchange.
// Caller holds s.mu.
func (s *Scanner) disconnectLocked(n *Node) {
	if n.cmd != nil {
		n.cmd.cancel()
	}
	if n.stream != nil {
		n.stream.Close()
		n.stream = nil
	}
	n.rtt.reset()
}

// Close cancels all in-flight exchanges, closes every connection and
// releases the runner. The scanner cannot be reused.
func (s *Scanner) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	for id, n := range s.nodes {
		s.disconnectLocked(n)
		delete(s.nodes, id)
	}
	s.runner.close()
}

// sortedIDs returns the node ids in ascending order so scans visit nodes
// deterministically. Caller holds s.mu.
func (s *Scanner) sortedIDs() []uint32 {
	ids := make([]uint32, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
