// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package event contains the callback sets an application can register to
// observe server monitoring activity.
package event

import (
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// ServerHeartbeatStartedEvent is generated when a hello command is sent
// to a monitored server.
type ServerHeartbeatStartedEvent struct {
	ConnectionID string // The address this heartbeat was sent to.
}

// ServerHeartbeatSucceededEvent is generated when a hello succeeds.
type ServerHeartbeatSucceededEvent struct {
	DurationNanos int64
	Reply         bsoncore.Document
	ConnectionID  string
}

// ServerHeartbeatFailedEvent is generated when a hello fails, either with
// a network error or a timeout.
type ServerHeartbeatFailedEvent struct {
	DurationNanos int64
	Failure       error
	ConnectionID  string
}

// ServerMonitor represents a monitor that is triggered for different
// server monitoring events. The client pool accepts one ServerMonitor at
// most, set before monitoring begins.
type ServerMonitor struct {
	ServerHeartbeatStarted   func(*ServerHeartbeatStartedEvent)
	ServerHeartbeatSucceeded func(*ServerHeartbeatSucceededEvent)
	ServerHeartbeatFailed    func(*ServerHeartbeatFailedEvent)
}
