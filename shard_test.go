/************************************************************************************
 *
 * goda (Golang Optimized Discord API), A Lightweight Go library for Discord API
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 Marouane Souiri
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package speedcord

import (
	"testing"
	"time"
)

func newTestShard(client *Client) *Shard {
	logger := NewDefaultLogger(nil, LogLevelFatalLevel)
	dispatcher := newDispatcher(logger, NewDefaultWorkerPool(logger))
	return newShard(client, 0, 1, "token", GatewayIntentGuilds, logger, dispatcher, NewTimesPer(1, 0))
}

func TestShard_IDAndLatency(t *testing.T) {
	s := newTestShard(nil)

	if s.ID() != 0 {
		t.Fatalf("ID() = %d, want 0", s.ID())
	}
	if s.Latency() != 0 {
		t.Fatalf("Latency() = %d, want 0 before any heartbeat", s.Latency())
	}
}

func TestShard_ShutdownWithNoConnectionIsSafe(t *testing.T) {
	s := newTestShard(nil)

	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown() on an unconnected shard returned an error: %v", err)
	}
	if !s.shutdown.Load() {
		t.Fatal("expected shutdown flag to be set after Shutdown()")
	}
}

func TestShard_ReconnectNoopsAfterShutdown(t *testing.T) {
	s := newTestShard(nil)
	s.Shutdown()

	done := make(chan struct{})
	go func() {
		s.reconnect()
		close(done)
	}()

	// reconnect must return immediately once shutdown is observed, rather
	// than entering the backoff loop.
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconnect did not return promptly after Shutdown")
	}
}
