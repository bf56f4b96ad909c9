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
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

/*******************************
 * Shards Identify Rate Limiter
 *******************************/

// ShardsIdentifyRateLimiter defines the interface for a rate limiter
// that controls the frequency of Identify payloads sent per shard.
//
// Implementations block the caller in Wait() until an Identify token is available.
type ShardsIdentifyRateLimiter interface {
	// Wait blocks until the shard is allowed to send an Identify payload.
	Wait()
}

/*************************************
 * Shard: a single Gateway connection
 *************************************/

const (
	gatewayVersion = "10"
	gatewayURL     = "wss://gateway.discord.gg/?v=10&encoding=json"

	// maxFailedHeartbeats is how many consecutive missed ACKs a shard
	// tolerates before it tears down and reconnects.
	maxFailedHeartbeats = 2

	// gatewaySendLimit/gatewaySendWindow bound outgoing frames per shard,
	// mirroring Discord's documented 120 commands / 60s connection limit.
	gatewaySendLimit  = 120
	gatewaySendWindow = 60 * time.Second
)

// Shard manages a single WebSocket connection to Discord Gateway,
// including session state, event handling, heartbeats, and reconnects.
type Shard struct {
	shardID     int           // shard number (zero-based)
	totalShards int           // total number of shards in the bot
	token       string        // Discord bot token
	intents     GatewayIntent // Gateway intents bitmask

	client          *Client                   // owning client, for fatal reporting and rescale
	logger          Logger                    // logger interface for informational and error messages
	dispatcher      *dispatcher               // event dispatcher for received Gateway events
	identifyLimiter ShardsIdentifyRateLimiter // admission gate controlling Identify payloads
	sendLimiter     *TimesPer                 // per-shard outgoing frame limiter

	conn      net.Conn    // websocket connection
	connected atomic.Bool // true once the socket is up, false once torn down
	isReady   atomic.Bool // true once READY has been processed for the current session
	active    atomic.Bool // whether this shard is the live half of a rescale pair

	seq            int64 // last received sequence number from Gateway
	heartbeatCount int64 // last-sent heartbeat counter; -1 before the first beat

	sessMu    sync.Mutex
	sessionID string // current session id for resuming
	resumeURL string // Gateway URL to resume session on

	latency          int64       // heartbeat latency in milliseconds
	lastHeartbeatACK atomic.Bool // true if last heartbeat was acknowledged
	failedHeartbeats int32       // consecutive missed ACKs

	shutdown atomic.Bool
}

// setSession records a new session id and resume URL together, guarding
// against concurrent reads from the heartbeat goroutine.
func (s *Shard) setSession(sessionID, resumeURL string) {
	s.sessMu.Lock()
	s.sessionID = sessionID
	s.resumeURL = resumeURL
	s.sessMu.Unlock()
}

// clearSession drops the session id, keeping the resume URL untouched.
func (s *Shard) clearSession() {
	s.sessMu.Lock()
	s.sessionID = ""
	s.sessMu.Unlock()
}

// clearResumeURL drops the cached resume URL, keeping the session id untouched.
func (s *Shard) clearResumeURL() {
	s.sessMu.Lock()
	s.resumeURL = ""
	s.sessMu.Unlock()
}

func (s *Shard) getSessionID() string {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	return s.sessionID
}

func (s *Shard) getResumeURL() string {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	return s.resumeURL
}

// newShard constructs a new Shard instance with the specified parameters.
func newShard(
	client *Client, shardID, totalShards int, token string, intents GatewayIntent,
	logger Logger, dispatcher *dispatcher, limiter ShardsIdentifyRateLimiter,
) *Shard {
	s := &Shard{
		client:          client,
		shardID:         shardID,
		totalShards:     totalShards,
		token:           token,
		intents:         intents,
		logger:          logger,
		dispatcher:      dispatcher,
		identifyLimiter: limiter,
		sendLimiter:     NewTimesPer(gatewaySendLimit, gatewaySendWindow),
		heartbeatCount:  -1,
	}
	return s
}

// connect establishes or resumes a WebSocket connection to Discord Gateway,
// dialing resumeURL when set (a save-session reconnect) or the default
// gateway endpoint otherwise. It spawns a goroutine to read messages
// asynchronously.
//
// Dial failures are classified: a dial timeout drops the cached gateway
// URL so the next attempt re-resolves it, while a connection-refused style
// failure is unrecoverable and reported as ErrGatewayUnavailable.
func (s *Shard) connect(ctx context.Context) error {
	if s.conn != nil {
		s.conn.Close()
	}

	url := s.getResumeURL()
	if url == "" {
		url = gatewayURL
	}

	dialer := ws.Dialer{}

	conn, _, _, err := dialer.Dial(ctx, url)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			s.logger.Debug("Shard " + strconv.Itoa(s.shardID) + " dial timed out, will re-resolve gateway URL")
			s.clearResumeURL()
			return err
		}
		return &GatewayFault{ShardID: s.shardID, Err: ErrGatewayUnavailable}
	}

	s.logger.Info("Shard " + strconv.Itoa(s.shardID) + " connected")
	s.conn = conn
	s.lastHeartbeatACK.Store(true)
	atomic.StoreInt32(&s.failedHeartbeats, 0)
	atomic.StoreInt64(&s.heartbeatCount, -1)
	s.isReady.Store(false)
	s.connected.Store(true)

	go s.readLoop()
	return nil
}

// readLoop continuously reads messages from the Gateway WebSocket,
// handles Gateway opcodes, dispatches events, and triggers reconnects or
// rescales as needed.
//
// While the shard is inactive (the not-yet-promoted half of a rescale
// pair), the built-in handling of InvalidSession/Hello/HeartbeatACK/
// Reconnect/Heartbeat frames and of the READY/RESUMED dispatch events
// still runs to keep the connection/session machinery going, but nothing is handed to
// user-registered listeners: dispatchOpcode/dispatchEvent only fire
// once active is set.
func (s *Shard) readLoop() {
	for {
		msg, op, err := wsutil.ReadServerData(s.conn)
		if err != nil {
			s.connected.Store(false)
			if s.shutdown.Load() {
				return
			}
			s.onDisconnect(err)
			return
		}

		if op != ws.OpText {
			continue
		}

		var payload gatewayPayload
		if err := sonic.Unmarshal(msg, &payload); err != nil {
			s.logger.Error("Shard " + strconv.Itoa(s.shardID) + " unmarshal error: " + err.Error())
			continue
		}

		active := s.active.Load()

		switch payload.Op {
		case gatewayOpcodeDispatch:
			atomic.StoreInt64(&s.seq, payload.S)

			switch payload.T {
			case "READY":
				var ready struct {
					SessionID string `json:"session_id"`
					ResumeURL string `json:"resume_gateway_url"`
				}
				sonic.Unmarshal(payload.D, &ready)
				s.setSession(ready.SessionID, ready.ResumeURL)
				s.isReady.Store(true)
				s.logger.Debug("Shard " + strconv.Itoa(s.shardID) + " session established")
			case "RESUMED":
				s.isReady.Store(true)
			}

			if active {
				s.dispatcher.dispatchOpcode(payload.Op, payload.D, s)
				s.dispatcher.dispatchEvent(payload.T, payload.D, s)
			}

		case gatewayOpcodeReconnect:
			s.logger.Info("Shard " + strconv.Itoa(s.shardID) + " RECONNECT received")
			if active {
				s.dispatcher.dispatchOpcode(payload.Op, payload.D, s)
			}
			s.reconnect()
			return

		case gatewayOpcodeInvalidSession:
			var resumable bool
			sonic.Unmarshal(payload.D, &resumable)
			if active {
				s.dispatcher.dispatchOpcode(payload.Op, payload.D, s)
			}
			time.Sleep(time.Second)
			if resumable {
				s.logger.Info("Shard " + strconv.Itoa(s.shardID) + " session invalid (resumable), resuming")
				s.sendResume()
			} else {
				s.logger.Info("Shard " + strconv.Itoa(s.shardID) + " session invalid (non-resumable), identifying")
				s.clearSession()
				atomic.StoreInt64(&s.seq, 0)
				s.sendIdentify()
			}

		case gatewayOpcodeHello:
			var hello struct {
				HeartbeatInterval float64 `json:"heartbeat_interval"`
			}
			sonic.Unmarshal(payload.D, &hello)
			interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
			s.logger.Debug("Shard " + strconv.Itoa(s.shardID) + " HELLO received, heartbeat " + interval.String())
			if active {
				s.dispatcher.dispatchOpcode(payload.Op, payload.D, s)
			}
			go s.startHeartbeat(interval)

			if s.getSessionID() != "" && atomic.LoadInt64(&s.seq) > 0 {
				s.logger.Info("Shard " + strconv.Itoa(s.shardID) + " resuming session")
				s.sendResume()
			} else {
				s.logger.Debug("Shard " + strconv.Itoa(s.shardID) + " identifying new session")
				s.sendIdentify()
			}

		case gatewayOpcodeHeartbeatACK:
			s.lastHeartbeatACK.Store(true)
			atomic.StoreInt32(&s.failedHeartbeats, 0)
			if active {
				s.dispatcher.dispatchOpcode(payload.Op, payload.D, s)
			}

		case gatewayOpcodeHeartbeat:
			s.sendHeartbeat()

		default:
			if active {
				s.dispatcher.dispatchOpcode(payload.Op, payload.D, s)
			}
		}
	}
}

// onDisconnect classifies the error that ended readLoop and acts on it:
// reconnect, rescale, or report a fatal error to the owning client.
func (s *Shard) onDisconnect(err error) {
	var closeErr wsutil.ClosedError
	if !errors.As(err, &closeErr) {
		s.logger.Error("Shard " + strconv.Itoa(s.shardID) + " read error: " + err.Error())
		s.reconnect()
		return
	}

	code := GatewayCloseEventCode(closeErr.Code)
	action := classifyClose(code, s.client.shardsPinned())
	s.logger.Info("Shard " + strconv.Itoa(s.shardID) + " closed with code " + strconv.Itoa(int(code)))

	if !action.saveSession {
		s.clearSession()
		atomic.StoreInt64(&s.seq, 0)
	}
	if !action.saveGatewayURL {
		s.clearResumeURL()
	}

	switch action.kind {
	case closeActionFatal:
		s.client.reportFatal(&GatewayFault{ShardID: s.shardID, Code: code, Err: action.err})
	case closeActionRescale:
		s.client.rescaleShards(s.totalShards)
	default:
		s.reconnect()
	}
}

// send encodes payload and writes it as a text frame, gated by the
// per-shard outgoing-frame limiter.
func (s *Shard) send(payload any) error {
	buf, err := sonic.Marshal(payload)
	if err != nil {
		return err
	}
	s.sendLimiter.Trigger()
	return wsutil.WriteClientMessage(s.conn, ws.OpText, buf)
}

// sendIdentify sends an Identify payload to Discord Gateway, authenticating
// the shard as a new session and requesting events based on intents.
// Identify payloads are additionally gated by identifyLimiter, the
// connection-admission controller shared across all shards.
func (s *Shard) sendIdentify() error {
	s.identifyLimiter.Wait()
	return s.send(map[string]any{
		"op": gatewayOpcodeIdentify,
		"d": map[string]any{
			"token": s.token,
			"properties": map[string]string{
				"os":      "linux",
				"browser": LIB_NAME,
				"device":  LIB_NAME,
			},
			"shard":   [2]int{s.shardID, s.totalShards},
			"intents": s.intents,
		},
	})
}

// sendResume attempts to resume a previous session using sessionID and
// the last-seen sequence number.
func (s *Shard) sendResume() error {
	return s.send(map[string]any{
		"op": gatewayOpcodeResume,
		"d": map[string]any{
			"token":      s.token,
			"session_id": s.getSessionID(),
			"seq":        atomic.LoadInt64(&s.seq),
		},
	})
}

// sendHeartbeat sends a Heartbeat payload carrying heartbeatCount: nil
// on the very first beat of a connection, then an incrementing counter
// from 0, matching the original's heartbeat_count semantics rather than
// echoing the last dispatch sequence number.
func (s *Shard) sendHeartbeat() error {
	next := atomic.AddInt64(&s.heartbeatCount, 1)
	var count any
	if next > 0 {
		count = next - 1
	}
	return s.send(map[string]any{
		"op": gatewayOpcodeHeartbeat,
		"d":  count,
	})
}

// startHeartbeat waits for READY, then sends heartbeats at the given
// interval for as long as the connection is up and the session it
// captured at the start hasn't changed underneath it (a resume or a
// fresh identify on the same connection starts its own heartbeat loop
// via a new HELLO). Up to maxFailedHeartbeats consecutive missed ACKs
// are tolerated (network jitter); the shard reconnects on the next miss
// beyond that.
func (s *Shard) startHeartbeat(interval time.Duration) {
	for !s.isReady.Load() {
		if s.shutdown.Load() || !s.connected.Load() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	sessionID := s.getSessionID()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		if !s.connected.Load() || s.getSessionID() != sessionID {
			return
		}

		if !s.lastHeartbeatACK.Load() {
			if atomic.AddInt32(&s.failedHeartbeats, 1) > maxFailedHeartbeats {
				s.logger.Error("Shard " + strconv.Itoa(s.shardID) + " missed more than " + strconv.Itoa(maxFailedHeartbeats) + " heartbeats, reconnecting")
				s.reconnect()
				return
			}
		}

		s.lastHeartbeatACK.Store(false)

		start := MonotonicNow()
		if err := s.sendHeartbeat(); err != nil {
			s.logger.Error("Shard " + strconv.Itoa(s.shardID) + " heartbeat error: " + err.Error())
			s.reconnect()
			return
		}

		atomic.StoreInt64(&s.latency, MonotonicSinceMs(start))
	}
}

// reconnect closes the current connection and attempts to reconnect,
// using linear backoff on dial failures, maxing out at 10 seconds.
func (s *Shard) reconnect() {
	if s.shutdown.Load() {
		return
	}
	if s.conn != nil {
		s.conn.Close()
	}

	backoff := time.Second
	for {
		time.Sleep(backoff)
		if s.shutdown.Load() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.connect(ctx)
		cancel()

		if err == nil {
			s.logger.Debug("Shard " + strconv.Itoa(s.shardID) + " reconnected")
			return
		}

		var fault *GatewayFault
		if errors.As(err, &fault) {
			s.logger.Error("Shard " + strconv.Itoa(s.shardID) + " gateway unreachable, giving up")
			s.client.reportFatal(fault)
			return
		}

		s.logger.Error("Shard " + strconv.Itoa(s.shardID) + " reconnect failed, retrying: " + err.Error())
		backoff += 2 * time.Second
		if backoff > 10*time.Second {
			backoff = 10 * time.Second
		}
	}
}

// Latency returns the current heartbeat latency in milliseconds.
func (s *Shard) Latency() int64 {
	return atomic.LoadInt64(&s.latency)
}

// ID returns the shard's zero-based index.
func (s *Shard) ID() int {
	return s.shardID
}

// Shutdown cleanly closes the shard's websocket connection. Call this
// when you want to stop the shard gracefully rather than letting
// readLoop treat the closure as a disconnect to classify.
func (s *Shard) Shutdown() error {
	s.shutdown.Store(true)
	s.connected.Store(false)
	if s.conn != nil {
		s.logger.Info("Shard " + strconv.Itoa(s.shardID) + " shutting down")
		return s.conn.Close()
	}
	return nil
}
