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
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/xerrors"
)

/*****************************
 *          Client
 *****************************/

// Client manages a Discord connection at a high level, grouping multiple
// shards together under one identity.
//
// It provides:
//   - Central configuration for the bot token, intents, and logger.
//   - REST API access via Request.
//   - Event dispatching via Listen.
//   - Shard lifecycle management, including admission control over the
//     session-start budget and rescaling on an invalid-shard-count close.
//
// Create a Client using speedcord.New() with desired options, then call Start().
type Client struct {
	ctx             context.Context
	Logger          Logger                    // logger used throughout the client
	workerPool      WorkerPool                // worker pool used to run tasks asynchronously
	identifyLimiter ShardsIdentifyRateLimiter // rate limiter controlling Identify payloads per shard
	token           string                    // bot token (without "Bot " prefix)
	intents         GatewayIntent             // configured Gateway intents
	httpClient      *http.Client              // optional caller-supplied REST transport

	shardCount int   // 0 means "use Discord's recommendation"
	shardIDs   []int // non-nil means the caller pinned exact shard IDs

	mu     sync.Mutex
	shards []*Shard

	sessionBudget atomic.Int64 // remaining() SessionStartLimit.Remaining snapshot

	fatalOnce sync.Once
	fatalErr  error
	fatalCh   chan struct{}

	*restApi    // REST API client
	*dispatcher // event dispatcher
}

// clientOption defines a function used to configure Client during creation.
type clientOption func(*Client)

/*****************************
 *       Options
 *****************************/

// WithToken sets the bot token for your client.
//
// Notes:
//   - Logs fatal and exits if token is empty or obviously invalid (< 50 chars).
//   - Removes "Bot " prefix automatically if provided.
func WithToken(token string) clientOption {
	if token == "" {
		log.Fatal("WithToken: token must not be empty")
	}
	if len(token) < 50 {
		log.Fatal("WithToken: token invalid")
	}
	if strings.HasPrefix(token, "Bot ") {
		token = strings.Split(token, " ")[1]
	}
	return func(c *Client) {
		c.token = token
	}
}

// WithLogger sets a custom Logger implementation for your client.
func WithLogger(logger Logger) clientOption {
	if logger == nil {
		log.Fatal("WithLogger: logger must not be nil")
	}
	return func(c *Client) {
		c.Logger = logger
	}
}

// WithWorkerPool sets a custom WorkerPool implementation for your client.
func WithWorkerPool(workerPool WorkerPool) clientOption {
	if workerPool == nil {
		log.Fatal("WithWorkerPool: workerPool must not be nil")
	}
	return func(c *Client) {
		c.workerPool = workerPool
	}
}

// WithShardsIdentifyRateLimiter overrides the admission controller
// gating Identify payloads. By default the client builds a
// TimesPer(max_concurrency, 5s) from the fetched /gateway/bot response.
func WithShardsIdentifyRateLimiter(rateLimiter ShardsIdentifyRateLimiter) clientOption {
	if rateLimiter == nil {
		log.Fatal("WithShardsIdentifyRateLimiter: rateLimiter must not be nil")
	}
	return func(c *Client) {
		c.identifyLimiter = rateLimiter
	}
}

// WithShardCount pins the number of shards instead of using Discord's
// recommended count from /gateway/bot.
func WithShardCount(count int) clientOption {
	return func(c *Client) {
		c.shardCount = count
	}
}

// WithShardIDs pins the exact set of shard IDs this process runs. The
// total shard count sent with each Identify still comes from
// WithShardCount, or from Discord's recommendation when no count is
// set. Pinning shard IDs
// forecloses automatic rescaling on an invalid-shard-count close
// (see classifyClose) since only this process's slice is known here.
func WithShardIDs(ids ...int) clientOption {
	return func(c *Client) {
		c.shardIDs = ids
	}
}

// WithHTTPClient overrides the *http.Client used for REST requests.
func WithHTTPClient(httpClient *http.Client) clientOption {
	if httpClient == nil {
		log.Fatal("WithHTTPClient: httpClient must not be nil")
	}
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithIntents sets Gateway intents for the client's shards.
func WithIntents(intents ...GatewayIntent) clientOption {
	totalIntents := BitFieldAdd(GatewayIntent(0), intents...)
	return func(c *Client) {
		c.intents = totalIntents
	}
}

// HasIntents reports whether every one of the given intents is part of
// the client's configured intent set.
func (c *Client) HasIntents(intents ...GatewayIntent) bool {
	return BitFieldHas(c.intents, intents...)
}

/*****************************
 *       Constructor
 *****************************/

// New creates a new Client instance with the provided options.
//
// Defaults:
//   - Logger: stdout logger at Info level.
//   - Intents: GatewayIntentGuilds | GatewayIntentGuildMessages | GatewayIntentGuildMembers
func New(ctx context.Context, options ...clientOption) *Client {
	if ctx == nil {
		ctx = context.Background()
	}

	client := &Client{
		ctx:    ctx,
		Logger: NewDefaultLogger(os.Stdout, LogLevelInfoLevel),
		intents: GatewayIntentGuilds |
			GatewayIntentGuildMessages |
			GatewayIntentGuildMembers,
		fatalCh: make(chan struct{}),
	}

	for _, option := range options {
		option(client)
	}

	if client.workerPool == nil {
		client.workerPool = NewDefaultWorkerPool(client.Logger)
	}

	client.restApi = newRestApi(
		newRequester(client.httpClient, client.token, client.Logger),
		client.Logger,
	)
	client.dispatcher = newDispatcher(client.Logger, client.workerPool)
	return client
}

/*****************************
 *       Event Listening
 *****************************/

// Listen registers handler for the given key. An int key is treated as
// a gateway opcode (see the gatewayOpcode* constants); a string key is
// treated as a dispatch event name (e.g. "MESSAGE_CREATE"). Any other
// key type is a programmer error and returns an error rather than
// panicking, since registration often happens far from Start.
func (c *Client) Listen(key any, handler func(data json.RawMessage, shard *Shard)) error {
	switch k := key.(type) {
	case int:
		c.dispatcher.onOpcode(k, handler)
	case string:
		c.dispatcher.onEvent(k, handler)
	default:
		return xerrors.Errorf("speedcord: Listen key must be int (opcode) or string (event name), got %T", key)
	}
	return nil
}

// Request issues an authenticated REST call against route, marshaling
// body (if non-nil) and decoding the response into out (if non-nil).
func (c *Client) Request(ctx context.Context, route Route, body, out any, reason string) error {
	return c.restApi.request(route, body, out, reason)
}

/*****************************
 *  Admission control
 *****************************/

func (c *Client) shardsPinned() bool {
	return len(c.shardIDs) > 0
}

// spawnShards creates and connects every shard this process owns,
// enforcing the identify admission controller: a TimesPer(max_concurrency,
// 5s) gate shared by all shards, plus a session-start budget that is
// refreshed from /gateway/bot once it drops to <=1 remaining (the
// original's own off-by-one, which leaves one spare identify for the
// refresh call itself).
func (c *Client) spawnShards(gatewayBotData GatewayBot) error {
	if c.identifyLimiter == nil {
		maxConcurrency := gatewayBotData.SessionStartLimit.MaxConcurrency
		if maxConcurrency <= 0 {
			maxConcurrency = 1
		}
		c.identifyLimiter = NewTimesPer(maxConcurrency, 5*time.Second)
	}
	c.sessionBudget.Store(int64(gatewayBotData.SessionStartLimit.Remaining))

	ids := c.shardIDs
	total := gatewayBotData.Shards
	if c.shardCount > 0 {
		total = c.shardCount
	}
	if len(ids) == 0 {
		ids = make([]int, total)
		for i := range ids {
			ids[i] = i
		}
	}

	for _, id := range ids {
		if err := c.ensureSessionBudget(); err != nil {
			return err
		}

		shard := newShard(
			c, id, total, c.token, c.intents,
			c.Logger, c.dispatcher, c.identifyLimiter,
		)
		shard.active.Store(true)
		if err := shard.connect(c.ctx); err != nil {
			return xerrors.Errorf("speedcord: connecting shard %d: %w", id, err)
		}

		c.mu.Lock()
		c.shards = append(c.shards, shard)
		c.mu.Unlock()

		c.sessionBudget.Add(-1)
	}
	return nil
}

// ensureSessionBudget blocks while the remaining session-start budget
// has dropped to <=1, re-fetching /gateway/bot until budget is restored.
// A refresh that reports no budget at all returns ErrConnectionsExceeded
// instead of waiting.
func (c *Client) ensureSessionBudget() error {
	for c.sessionBudget.Load() <= 1 {
		gatewayBotData, err := c.restApi.FetchGatewayBot()
		if err != nil {
			return xerrors.Errorf("speedcord: refreshing session start limit: %w", err)
		}
		if gatewayBotData.SessionStartLimit.Remaining <= 1 {
			if gatewayBotData.SessionStartLimit.Remaining == 0 {
				return ErrConnectionsExceeded
			}
			c.Logger.Warn("Session start budget nearly exhausted, waiting for reset")
			time.Sleep(time.Duration(gatewayBotData.SessionStartLimit.ResetAfter) * time.Millisecond)
			continue
		}
		c.sessionBudget.Store(int64(gatewayBotData.SessionStartLimit.Remaining))
	}
	return nil
}

// reportFatal records the first fatal error encountered by any shard
// and unblocks Start so it can shut down and return it.
func (c *Client) reportFatal(err error) {
	c.fatalOnce.Do(func() {
		c.fatalErr = err
		close(c.fatalCh)
	})
}

// rescaleShards implements the 4010 rescale path: spawn a full parallel
// shard set at the corrected count, close the old set, and swap, so no
// event window is lost while the new set identifies.
func (c *Client) rescaleShards(oldTotal int) {
	c.Logger.Warn("Rescaling shards away from count " + strconv.Itoa(oldTotal))

	gatewayBotData, err := c.restApi.FetchGatewayBot()
	if err != nil {
		c.reportFatal(xerrors.Errorf("speedcord: rescale fetching /gateway/bot: %w", err))
		return
	}

	newTotal := gatewayBotData.Shards
	if c.shardCount > 0 {
		newTotal = c.shardCount
	}

	newShards := make([]*Shard, 0, newTotal)
	for i := 0; i < newTotal; i++ {
		if err := c.ensureSessionBudget(); err != nil {
			c.reportFatal(err)
			return
		}
		shard := newShard(c, i, newTotal, c.token, c.intents, c.Logger, c.dispatcher, c.identifyLimiter)
		shard.active.Store(false)
		if err := shard.connect(c.ctx); err != nil {
			c.reportFatal(xerrors.Errorf("speedcord: rescale connecting shard %d: %w", i, err))
			return
		}
		newShards = append(newShards, shard)
		c.sessionBudget.Add(-1)
	}

	c.mu.Lock()
	oldShards := c.shards
	c.shards = newShards
	c.mu.Unlock()

	for _, s := range newShards {
		s.active.Store(true)
	}
	for _, s := range oldShards {
		s.Shutdown()
	}
}

/*****************************
 *       Start / Close
 *****************************/

// Start retrieves gateway information, spawns and connects every shard
// this process owns, and blocks until the context is cancelled or a
// shard reports a fatal close code. Either path shuts the client down
// before returning; a fatal error is returned after shutdown completes.
func (c *Client) Start() error {
	gatewayBotData, err := c.restApi.FetchGatewayBot()
	if err != nil {
		return err
	}

	if err := c.spawnShards(gatewayBotData); err != nil {
		c.Close()
		return err
	}

	select {
	case <-c.ctx.Done():
		if err := c.ctx.Err(); err != nil {
			c.Logger.WithField("err", err).Error("Client shutting down due to context error")
		}
		c.Close()
		return nil
	case <-c.fatalCh:
		c.Close()
		return c.fatalErr
	}
}

// Close cleanly shuts down the Client: it stops the REST client and
// every managed shard. Safe to call multiple times.
func (c *Client) Close() {
	c.Logger.Info("Client shutting down")
	c.restApi.Shutdown()

	c.mu.Lock()
	shards := c.shards
	c.shards = nil
	c.mu.Unlock()

	for _, shard := range shards {
		shard.Shutdown()
	}
}
