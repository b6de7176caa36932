// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"golang.org/x/sync/semaphore"
)

// maxMessageSize bounds replies read off a monitoring connection. Hello
// responses are small; anything larger is a framing error.
const maxMessageSize = 16 * 1024 * 1024

// defaultMaxConcurrency caps the number of in-flight command exchanges per
// runner so a scan of a large topology does not open every socket at once.
const defaultMaxConcurrency = 64

// CommandCallback receives the outcome of one async command. Exactly one
// of reply and err is meaningful; isTimeout distinguishes a deadline expiry
// from other failures.
type CommandCallback func(reply bsoncore.Document, rtt time.Duration, err error, isTimeout bool)

// setupFunc establishes the stream a command runs over. It is invoked on
// the command's own goroutine so slow dials overlap across commands.
type setupFunc func(ctx context.Context) (net.Conn, error)

// asyncCmd is one command exchange in flight. The connection is owned by
// the command until its callback runs, at which point the scanner either
// adopts it for reuse or lets it close.
type asyncCmd struct {
	host     string
	database string
	command  bsoncore.Document
	timeout  time.Duration
	setup    setupFunc
	cb       CommandCallback

	mu       sync.Mutex
	conn     net.Conn
	canceled bool
}

// attach records the live connection so a later cancel can interrupt
// blocked IO. Returns false when the command was canceled while dialing,
// in which case the caller must close conn itself.
func (c *asyncCmd) attach(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.canceled {
		return false
	}
	c.conn = conn
	return true
}

// cancel marks the command dead and severs its connection to unblock any
// pending read or write. The callback will not be invoked.
func (c *asyncCmd) cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.canceled {
		return
	}
	c.canceled = true
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *asyncCmd) currentConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *asyncCmd) isCanceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}

// asyncResult is posted by a command goroutine when its exchange finishes.
type asyncResult struct {
	cmd     *asyncCmd
	reply   bsoncore.Document
	conn    net.Conn
	rtt     time.Duration
	err     error
	timeout bool
}

// asyncRunner executes command exchanges on their own goroutines and
// delivers the callbacks serially on whichever goroutine calls run. That
// keeps node state single-threaded even though the network IO is not.
type asyncRunner struct {
	clk clock.Clock
	sem *semaphore.Weighted

	mu      sync.Mutex
	pending int
	results chan *asyncResult
	done    chan struct{}
}

func newAsyncRunner(clk clock.Clock) *asyncRunner {
	return &asyncRunner{
		clk:     clk,
		sem:     semaphore.NewWeighted(defaultMaxConcurrency),
		results: make(chan *asyncResult, defaultMaxConcurrency),
		done:    make(chan struct{}),
	}
}

// close releases any command goroutines still blocked posting results. No
// further callbacks are delivered after close.
func (r *asyncRunner) close() {
	close(r.done)
}

// enqueue starts the exchange for cmd. The callback fires during a later
// run call, never from this goroutine.
func (r *asyncRunner) enqueue(cmd *asyncCmd) {
	r.mu.Lock()
	r.pending++
	r.mu.Unlock()

	go r.exchange(cmd)
}

// inFlight reports how many enqueued commands have not yet had their
// results dispatched.
func (r *asyncRunner) inFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// run dispatches completion callbacks until every enqueued command has
// finished or ctx is done. It returns the number of commands still in
// flight, which is zero on a full drain.
func (r *asyncRunner) run(ctx context.Context) int {
	for r.inFlight() > 0 {
		select {
		case res := <-r.results:
			r.dispatch(res)
		case <-ctx.Done():
			return r.inFlight()
		}
	}
	return 0
}

// dispatch invokes the callback for one result. Canceled commands are
// dropped and their connections closed without notifying anyone.
func (r *asyncRunner) dispatch(res *asyncResult) {
	r.mu.Lock()
	r.pending--
	r.mu.Unlock()

	if res.cmd.isCanceled() {
		if res.conn != nil {
			res.conn.Close()
		}
		return
	}
	res.cmd.cb(res.reply, res.rtt, res.err, res.timeout)
}

// exchange performs the full command round trip: setup if needed, write
// the query, read the reply. Runs on its own goroutine.
func (r *asyncRunner) exchange(cmd *asyncCmd) {
	start := r.clk.Now()

	// The injectable clock serves timestamps only. IO deadlines stay on
	// the wall clock so they work under a mocked clock in tests.
	deadline := time.Now().Add(cmd.timeout)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.fail(cmd, start, errors.Wrap(err, "waiting for connection slot"), true)
		return
	}
	defer r.sem.Release(1)

	conn := cmd.currentConn()
	if conn == nil {
		var err error
		conn, err = cmd.setup(ctx)
		if err != nil {
			r.fail(cmd, start, err, ctx.Err() != nil)
			return
		}
		if !cmd.attach(conn) {
			conn.Close()
			r.post(&asyncResult{cmd: cmd})
			return
		}
	}

	reply, err := roundTrip(conn, deadline, cmd.database, cmd.command)
	if err != nil {
		conn.Close()
		r.fail(cmd, start, err, isTimeoutError(err))
		return
	}

	r.post(&asyncResult{
		cmd:   cmd,
		reply: reply,
		conn:  conn,
		rtt:   r.clk.Since(start),
	})
}

func (r *asyncRunner) fail(cmd *asyncCmd, start time.Time, err error, timeout bool) {
	r.post(&asyncResult{cmd: cmd, rtt: r.clk.Since(start), err: err, timeout: timeout})
}

func (r *asyncRunner) post(res *asyncResult) {
	select {
	case r.results <- res:
	case <-r.done:
		if res.conn != nil {
			res.conn.Close()
		}
	}
}

// roundTrip writes one OP_QUERY and reads the matching OP_REPLY.
func roundTrip(conn net.Conn, deadline time.Time, db string, cmd bsoncore.Document) (bsoncore.Document, error) {
	reqid := nextRequestID()
	wm := createQueryWireMessage(reqid, db, cmd)

	if err := conn.SetDeadline(deadline); err != nil {
		return nil, errors.Wrap(err, "setting connection deadline")
	}
	if _, err := conn.Write(wm); err != nil {
		return nil, errors.Wrap(err, "writing wire message")
	}

	body, err := readWireMessage(conn)
	if err != nil {
		return nil, err
	}
	body, err = parseReplyHeader(body, reqid)
	if err != nil {
		return nil, err
	}
	return decodeReplyWireMessage(body)
}

// readWireMessage reads one length-prefixed wire message, header included.
func readWireMessage(conn net.Conn) ([]byte, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(conn, sizeBuf[:]); err != nil {
		return nil, errors.Wrap(err, "reading message length")
	}

	size := int32(binary.LittleEndian.Uint32(sizeBuf[:]))
	if size < 16 || size > maxMessageSize {
		return nil, errors.Errorf("invalid message length %d", size)
	}

	buf := make([]byte, size)
	copy(buf, sizeBuf[:])
	if _, err := io.ReadFull(conn, buf[4:]); err != nil {
		return nil, errors.Wrap(err, "reading message body")
	}
	return buf, nil
}

// isTimeoutError reports whether err stems from a deadline expiry.
func isTimeoutError(err error) bool {
	var ne net.Error
	if stderrors.As(err, &ne) {
		return ne.Timeout()
	}
	return stderrors.Is(err, context.DeadlineExceeded)
}
