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
	"sync"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo/address"
)

// StreamInitiator replaces the transport used for monitoring connections.
// When set, it is responsible for the entire stream, including any TLS; no
// further wrapping is applied.
type StreamInitiator func(ctx context.Context, addr address.Address) (net.Conn, error)

// dialer establishes monitoring connections. Hostname lookups are cached
// across connection attempts so that a rescan of a flapping node does not
// pay for resolution again; a failed connection invalidates its entry.
type dialer struct {
	tlsConfig *tls.Config
	initiator StreamInitiator

	mu       sync.Mutex
	dnsCache map[string][]string
}

func newDialer() *dialer {
	return &dialer{dnsCache: make(map[string][]string)}
}

// connect opens a stream to addr, honoring the initiator override and the
// TLS configuration. The caller owns the returned connection.
func (d *dialer) connect(ctx context.Context, addr address.Address) (net.Conn, error) {
	if d.initiator != nil {
		return d.initiator(ctx, addr)
	}

	conn, err := d.dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	if d.tlsConfig != nil {
		conn, err = d.wrapTLS(ctx, conn, addr)
		if err != nil {
			return nil, err
		}
	}
	return conn, nil
}

func (d *dialer) dial(ctx context.Context, addr address.Address) (net.Conn, error) {
	var nd net.Dialer

	if addr.Network() == "unix" {
		conn, err := nd.DialContext(ctx, "unix", addr.String())
		if err != nil {
			return nil, errors.Wrapf(err, "dialing %s", addr)
		}
		return conn, nil
	}

	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, errors.Wrapf(err, "parsing address %s", addr)
	}

	ips, err := d.resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := nd.DialContext(ctx, "tcp", net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}

	d.invalidate(host)
	return nil, errors.Wrapf(lastErr, "dialing %s", addr)
}

// resolve returns the addresses for host, consulting the cache first. IP
// literals bypass the resolver.
func (d *dialer) resolve(ctx context.Context, host string) ([]string, error) {
	if net.ParseIP(host) != nil {
		return []string{host}, nil
	}

	d.mu.Lock()
	cached, ok := d.dnsCache[host]
	d.mu.Unlock()
	if ok {
		return cached, nil
	}

	ips, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", host)
	}

	d.mu.Lock()
	d.dnsCache[host] = ips
	d.mu.Unlock()
	return ips, nil
}

func (d *dialer) invalidate(host string) {
	d.mu.Lock()
	delete(d.dnsCache, host)
	d.mu.Unlock()
}

// wrapTLS upgrades conn and runs the handshake before returning, so a
// connection handed to the async runner is ready for the first write.
func (d *dialer) wrapTLS(ctx context.Context, conn net.Conn, addr address.Address) (net.Conn, error) {
	cfg := d.tlsConfig
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			host = addr.String()
		}
		cfg = cfg.Clone()
		cfg.ServerName = host
	}

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "tls handshake with %s", addr)
	}
	return tlsConn, nil
}
