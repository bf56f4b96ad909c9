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
	"os"
	"runtime/debug"
	"strings"
	"sync"
)

// RawHandler is the generic event handler signature: the raw JSON
// payload for the event (the gatewayPayload's "d" for opcode handlers,
// or the dispatch's "d" for event-name handlers) and the shard it
// arrived on.
type RawHandler func(data json.RawMessage, shard *Shard)

// dispatcher owns two independent handler registries — one keyed by
// gateway opcode, one keyed by dispatch event name — matching the two
// listen surfaces Client.Listen exposes (int vs string keys).
//
// WARNING: registration is not meant to race dispatch. Register all
// handlers during setup before calling Client.Start.
type dispatcher struct {
	logger     Logger
	workerPool WorkerPool

	mu             sync.RWMutex
	opcodeHandlers map[gatewayOpcode][]RawHandler
	eventHandlers  map[string][]RawHandler
}

func newDispatcher(logger Logger, workerPool WorkerPool) *dispatcher {
	if logger == nil {
		logger = NewDefaultLogger(os.Stdout, LogLevelInfoLevel)
	}
	if workerPool == nil {
		workerPool = NewDefaultWorkerPool(logger)
	}
	return &dispatcher{
		logger:         logger,
		workerPool:     workerPool,
		opcodeHandlers: make(map[gatewayOpcode][]RawHandler, 8),
		eventHandlers:  make(map[string][]RawHandler, 32),
	}
}

// onOpcode registers a handler for every frame carrying the given
// opcode, regardless of event name. Used for opcodes other than
// Dispatch (Hello, Reconnect, InvalidSession, HeartbeatACK, ...).
func (d *dispatcher) onOpcode(op int, h RawHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	op2 := gatewayOpcode(op)
	d.opcodeHandlers[op2] = append(d.opcodeHandlers[op2], h)
}

// onEvent registers a handler for Dispatch frames whose "t" field
// matches name (case-insensitively upper-cased, matching Discord's own
// SCREAMING_SNAKE_CASE event names).
func (d *dispatcher) onEvent(name string, h RawHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := strings.ToUpper(name)
	d.eventHandlers[key] = append(d.eventHandlers[key], h)
}

// dispatchOpcode routes a frame to the handlers registered for its
// opcode. Shard.readLoop calls it for Dispatch frames as well.
func (d *dispatcher) dispatchOpcode(op gatewayOpcode, data json.RawMessage, shard *Shard) {
	d.mu.RLock()
	handlers := d.opcodeHandlers[op]
	d.mu.RUnlock()
	d.submitAll(handlers, data, shard, "opcode")
}

// dispatchEvent routes a Dispatch frame to event-name-keyed handlers.
func (d *dispatcher) dispatchEvent(name string, data json.RawMessage, shard *Shard) {
	d.mu.RLock()
	handlers := d.eventHandlers[strings.ToUpper(name)]
	d.mu.RUnlock()
	d.submitAll(handlers, data, shard, name)
}

// submitAll schedules one worker-pool task per handler, each recovering
// its own panic so one misbehaving handler can't take down others.
func (d *dispatcher) submitAll(handlers []RawHandler, data json.RawMessage, shard *Shard, label string) {
	if len(handlers) == 0 {
		return
	}
	for _, h := range handlers {
		h := h
		if !d.workerPool.Submit(func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.WithField("event", label).
						WithField("panic", r).
						WithField("stack", string(debug.Stack())).
						Error("Recovered from panic while handling event")
				}
			}()
			h(data, shard)
		}) {
			d.logger.Warn("Dispatcher: dropped handler for '" + label + "' due to full queue")
		}
	}
}
