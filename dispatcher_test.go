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
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func newTestDispatcher() *dispatcher {
	logger := NewDefaultLogger(nil, LogLevelFatalLevel)
	return newDispatcher(logger, NewDefaultWorkerPool(logger))
}

func TestDispatcher_OnEventPreservesRegistrationOrder(t *testing.T) {
	d := newTestDispatcher()

	var mu sync.Mutex
	var order []int

	for i := 0; i < 5; i++ {
		i := i
		d.onEvent("MESSAGE_CREATE", func(data json.RawMessage, shard *Shard) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	d.dispatchEvent("MESSAGE_CREATE", json.RawMessage(`{}`), nil)

	waitForCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5
	})

	// Dispatched handlers run as separate worker-pool tasks, so their
	// execution order is not fixed; the registry itself keeps the order.
	mu.Lock()
	order = nil
	mu.Unlock()
	for _, h := range d.eventHandlers["MESSAGE_CREATE"] {
		h(nil, nil)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("handlers ran out of registration order: %v", order)
		}
	}
}

func TestDispatcher_EventNameIsCaseInsensitive(t *testing.T) {
	d := newTestDispatcher()

	called := make(chan struct{}, 1)
	d.onEvent("message_create", func(data json.RawMessage, shard *Shard) {
		called <- struct{}{}
	})

	d.dispatchEvent("MESSAGE_CREATE", json.RawMessage(`{}`), nil)

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("handler registered with a lowercase name was not dispatched")
	}
}

func TestDispatcher_UnknownOpcodeDispatchesToNoHandlers(t *testing.T) {
	d := newTestDispatcher()

	called := false
	d.onOpcode(int(gatewayOpcodeHello), func(data json.RawMessage, shard *Shard) {
		called = true
	})

	d.dispatchOpcode(gatewayOpcode(99), json.RawMessage(`{}`), nil)

	time.Sleep(20 * time.Millisecond)
	if called {
		t.Fatal("handler for a different opcode should not have been invoked")
	}
}

func TestDispatcher_UnknownEventDispatchesToNoHandlers(t *testing.T) {
	d := newTestDispatcher()

	called := false
	d.onEvent("READY", func(data json.RawMessage, shard *Shard) {
		called = true
	})

	d.dispatchEvent("GUILD_CREATE", json.RawMessage(`{}`), nil)

	time.Sleep(20 * time.Millisecond)
	if called {
		t.Fatal("handler for a different event name should not have been invoked")
	}
}

func TestDispatcher_PanicInHandlerDoesNotStopOthers(t *testing.T) {
	d := newTestDispatcher()

	var mu sync.Mutex
	secondRan := false

	d.onEvent("READY", func(data json.RawMessage, shard *Shard) {
		panic("boom")
	})
	d.onEvent("READY", func(data json.RawMessage, shard *Shard) {
		mu.Lock()
		secondRan = true
		mu.Unlock()
	})

	d.dispatchEvent("READY", json.RawMessage(`{}`), nil)

	waitForCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return secondRan
	})
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
