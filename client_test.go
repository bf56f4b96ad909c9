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
	"context"
	"encoding/json"
	"testing"
)

func newTestClient() *Client {
	logger := NewDefaultLogger(nil, LogLevelFatalLevel)
	return New(context.Background(), WithLogger(logger))
}

func TestWithIntents_CombinesFlags(t *testing.T) {
	c := newTestClient()
	want := GatewayIntentGuilds | GatewayIntentGuildMessages
	WithIntents(GatewayIntentGuilds, GatewayIntentGuildMessages)(c)

	if c.intents != want {
		t.Fatalf("intents = %d, want %d", c.intents, want)
	}
}

func TestClient_HasIntents(t *testing.T) {
	c := newTestClient()
	WithIntents(GatewayIntentGuilds, GatewayIntentGuildMessages)(c)

	if !c.HasIntents(GatewayIntentGuilds) {
		t.Error("expected HasIntents(Guilds) to be true")
	}
	if !c.HasIntents(GatewayIntentGuilds, GatewayIntentGuildMessages) {
		t.Error("expected HasIntents(Guilds, GuildMessages) to be true")
	}
	if c.HasIntents(GatewayIntentGuildPresences) {
		t.Error("expected HasIntents(GuildPresences) to be false")
	}
}

func TestClient_ShardsPinned(t *testing.T) {
	c := newTestClient()
	if c.shardsPinned() {
		t.Error("expected shardsPinned() to be false with no WithShardIDs option")
	}

	WithShardIDs(0, 1)(c)
	if !c.shardsPinned() {
		t.Error("expected shardsPinned() to be true after WithShardIDs")
	}
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	c := newTestClient()

	c.Close()
	c.Close() // must not panic on a second call with no shards
}

func TestClient_ListenRejectsUnsupportedKeyType(t *testing.T) {
	c := newTestClient()

	err := c.Listen(3.14, func(data json.RawMessage, shard *Shard) {})
	if err == nil {
		t.Fatal("expected Listen to reject a float64 key")
	}
}

func TestClient_ReportFatalIsOneShot(t *testing.T) {
	c := newTestClient()

	first := ErrInvalidToken
	second := ErrGatewayNotAuthenticated

	c.reportFatal(first)
	c.reportFatal(second)

	select {
	case <-c.fatalCh:
	default:
		t.Fatal("expected fatalCh to be closed after reportFatal")
	}

	if c.fatalErr != first {
		t.Fatalf("fatalErr = %v, want the first reported error %v", c.fatalErr, first)
	}
}
