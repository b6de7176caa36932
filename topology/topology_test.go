// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo/address"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"

	"github.com/puppyofkosh/mongo-topology/event"
)

type eventRecorder struct {
	mu        sync.Mutex
	started   []string
	succeeded []string
	failed    []string
	notify    chan struct{}
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{notify: make(chan struct{}, 64)}
}

func (r *eventRecorder) monitor() *event.ServerMonitor {
	return &event.ServerMonitor{
		ServerHeartbeatStarted: func(e *event.ServerHeartbeatStartedEvent) {
			r.mu.Lock()
			r.started = append(r.started, e.ConnectionID)
			r.mu.Unlock()
		},
		ServerHeartbeatSucceeded: func(e *event.ServerHeartbeatSucceededEvent) {
			r.mu.Lock()
			r.succeeded = append(r.succeeded, e.ConnectionID)
			r.mu.Unlock()
			r.notify <- struct{}{}
		},
		ServerHeartbeatFailed: func(e *event.ServerHeartbeatFailedEvent) {
			r.mu.Lock()
			r.failed = append(r.failed, e.ConnectionID)
			r.mu.Unlock()
			r.notify <- struct{}{}
		},
	}
}

func (r *eventRecorder) counts() (started, succeeded, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started), len(r.succeeded), len(r.failed)
}

func newTestTopology(t *testing.T, uri string, rec *eventRecorder) *Topology {
	t.Helper()

	cs, err := connstring.ParseAndValidate(uri)
	require.NoError(t, err)

	cfg := Config{ConnString: cs}
	if rec != nil {
		cfg.Monitor = rec.monitor()
	}
	topo := New(cfg)
	t.Cleanup(topo.Close)
	return topo
}

func TestTopologyScanOnce(t *testing.T) {
	rec := newEventRecorder()
	topo := newTestTopology(t, "mongodb://host1:27017,host2:27017/", rec)
	topo.Scanner().SetStreamInitiator(pipeInitiator(helloReply(), nil))

	require.NoError(t, topo.ScanOnce(false))

	for id := uint32(0); id < 2; id++ {
		state, ok := topo.Server(id)
		require.True(t, ok)
		assert.NoError(t, state.LastError)
		assert.EqualValues(t, 1, state.LastReply.Lookup("ok").Int32())
	}

	started, succeeded, failed := rec.counts()
	assert.Equal(t, 2, started)
	assert.Equal(t, 2, succeeded)
	assert.Zero(t, failed)
}

func TestTopologyScanOnceFailure(t *testing.T) {
	rec := newEventRecorder()
	topo := newTestTopology(t, "mongodb://host1:27017/", rec)
	topo.Scanner().SetStreamInitiator(failingInitiator(assert.AnError))

	err := topo.ScanOnce(false)
	require.Error(t, err)

	state, ok := topo.Server(0)
	require.True(t, ok)
	assert.Error(t, state.LastError)
	assert.Nil(t, state.LastReply)

	_, succeeded, failed := rec.counts()
	assert.Zero(t, succeeded)
	assert.Equal(t, 1, failed)
}

func TestTopologyAddRemoveServer(t *testing.T) {
	topo := newTestTopology(t, "mongodb://host1:27017/", nil)
	topo.Scanner().SetStreamInitiator(pipeInitiator(helloReply(), nil))

	addr := address.Address("host2:27017")
	id := topo.AddServer(addr)
	assert.True(t, topo.Scanner().HasNodeForHost(addr))

	_, ok := topo.Server(id)
	assert.True(t, ok)

	topo.RemoveServer(id)
	assert.False(t, topo.Scanner().HasNodeForHost(addr))
	_, ok = topo.Server(id)
	assert.False(t, ok)
}

func TestTopologyBackgroundScanner(t *testing.T) {
	rec := newEventRecorder()
	topo := newTestTopology(t, "mongodb://host1:27017/", rec)
	topo.Scanner().SetStreamInitiator(pipeInitiator(helloReply(), nil))

	assert.False(t, topo.ScannerActive())
	topo.StartBackgroundScanner()
	assert.True(t, topo.ScannerActive())

	select {
	case <-rec.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("no heartbeat within the deadline")
	}

	_, succeeded, _ := rec.counts()
	assert.GreaterOrEqual(t, succeeded, 1)

	topo.Close()
	assert.False(t, topo.ScannerActive())
}

func TestTopologyRequestScanCoalesces(t *testing.T) {
	topo := newTestTopology(t, "mongodb://host1:27017/", nil)

	// Requests before and during a pending scan collapse into one.
	topo.RequestScan()
	topo.RequestScan()
	assert.Len(t, topo.checkNow, 1)
}

func TestTopologyRTTRecorded(t *testing.T) {
	topo := newTestTopology(t, "mongodb://host1:27017/", nil)
	topo.Scanner().SetStreamInitiator(pipeInitiator(helloReply(), nil))

	require.NoError(t, topo.ScanOnce(false))

	state, ok := topo.Server(0)
	require.True(t, ok)
	assert.NotZero(t, state.AverageRTT)
}
