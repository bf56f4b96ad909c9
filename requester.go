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
	"bytes"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/net/http2"
	"golang.org/x/xerrors"
)

const (
	apiVersion       = "v10"
	baseApiUrl       = "https://discord.com/api/" + apiVersion
	maxRetries       = 5
	headerRetryAfter = "Retry-After"
	headerGlobal     = "X-RateLimit-Global"
	headerRemaining  = "X-RateLimit-Remaining"
	headerResetAfter = "X-RateLimit-Reset-After"
	headerReason     = "X-Audit-Log-Reason"
)

// globalRateLimit stores, as a boolean gate, whether REST traffic may
// proceed. Open (set) means requests pass the preflight wait; cleared
// means every caller blocks until a 429-global responder re-sets it.
type globalRateLimit struct {
	open atomic.Bool
}

func newGlobalRateLimit() *globalRateLimit {
	g := &globalRateLimit{}
	g.open.Store(true)
	return g
}

// wait blocks while the global lock is cleared.
func (g *globalRateLimit) wait() {
	for !g.open.Load() {
		time.Sleep(10 * time.Millisecond)
	}
}

func (g *globalRateLimit) clear() { g.open.Store(false) }
func (g *globalRateLimit) set()   { g.open.Store(true) }

// requester issues signed HTTPS requests against the REST surface,
// enforcing the global lock and per-bucket locks with 429 retry.
type requester struct {
	client    *http.Client
	token     string
	userAgent string
	logger    Logger

	buckets bucketTable
	global  *globalRateLimit
}

func newRequester(client *http.Client, token string, logger Logger) *requester {
	if client == nil {
		transport := &http.Transport{
			Proxy: http.ProxyFromEnvironment,

			MaxIdleConns:        500,
			MaxIdleConnsPerHost: 100,
			MaxConnsPerHost:     200,

			IdleConnTimeout:       120 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,

			DisableKeepAlives: false,
			ForceAttemptHTTP2: true,
		}
		// Explicit HTTP/2 upgrade rather than relying solely on
		// ForceAttemptHTTP2, so a misconfigured proxy in front of the
		// REST surface doesn't silently downgrade us to HTTP/1.1.
		_ = http2.ConfigureTransport(transport)

		client = &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		}
	}

	return &requester{
		client: client,
		token:  "Bot " + token,
		userAgent: fmt.Sprintf("DiscordBot (%s, %s) Go/%s net/http",
			"github.com/TAG-Epic/speedcord", LIB_VERSION, runtime.Version()),
		logger: logger,
		global: newGlobalRateLimit(),
	}
}

// Shutdown gracefully closes the underlying HTTP client's idle connections.
func (r *requester) Shutdown() {
	if r.client != nil {
		if tr, ok := r.client.Transport.(interface{ CloseIdleConnections() }); ok {
			tr.CloseIdleConnections()
		}
	}
}

// do sends one HTTP request, retrying on 429 up to maxRetries times,
// per the pipeline in SPEC_FULL.md §4.2. route's ChannelID/GuildID
// scope the rate-limit bucket alongside its Path, so two routes
// sharing a path but differing in scope land in independent buckets.
func (r *requester) do(route Route, body []byte, authenticateWithToken bool, reason string) (*http.Response, error) {
	method, endpoint := route.Method, route.Path
	bucketKey := route.BucketKey()
	lock := r.buckets.get(bucketKey)

	var lastErr error
	for tries := 0; tries < maxRetries; tries++ {
		r.global.wait()

		lock.Lock()

		req, err := http.NewRequest(method, baseApiUrl+endpoint, bytes.NewReader(body))
		if err != nil {
			lock.Release()
			return nil, xerrors.Errorf("requester: building request for %s %s: %w", method, endpoint, err)
		}

		if authenticateWithToken {
			req.Header.Set("Authorization", r.token)
		}
		req.Header.Set("User-Agent", r.userAgent)
		req.Header.Set("X-RateLimit-Precision", "millisecond")
		if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		if reason != "" {
			req.Header.Set(headerReason, url.QueryEscape(reason))
		}

		resp, err := r.client.Do(req)
		if err != nil {
			lock.Release()
			lastErr = xerrors.Errorf("requester: %s %s: %w", method, endpoint, err)
			r.logger.Warn(lastErr.Error())
			time.Sleep(time.Second)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := parseRetryAfter(resp)
			isGlobal := resp.Header.Get(headerGlobal) == "true"

			r.logger.Debug(fmt.Sprintf("429 on %s (global=%v), retrying after %v", bucketKey, isGlobal, retryAfter))
			resp.Body.Close()

			if isGlobal {
				// The global lock, not the bucket lock, gates the wait:
				// drop the bucket lock now so other bucket traffic isn't
				// blocked behind an outage that has nothing to do with it.
				lock.Release()
				r.global.clear()
				time.Sleep(retryAfter)
				r.global.set()
			} else {
				lock.Defer(retryAfter)
			}
			continue
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			r.logger.Warn(fmt.Sprintf("%s %s returned %d, retrying", method, endpoint, resp.StatusCode))
			resp.Body.Close()
			lock.Release()
			time.Sleep(time.Second)
			continue
		}

		if remaining := resp.Header.Get(headerRemaining); remaining == "0" {
			if resetAfter, err := strconv.ParseFloat(resp.Header.Get(headerResetAfter), 64); err == nil {
				lock.Defer(time.Duration(resetAfter * float64(time.Second)))
				return resp, nil
			}
		}

		lock.Release()
		return resp, nil
	}

	if lastErr == nil {
		lastErr = xerrors.Errorf("requester: %s %s: %w", method, endpoint, errMaxRetries)
	}
	return nil, lastErr
}

func parseRetryAfter(resp *http.Response) time.Duration {
	if h := resp.Header.Get(headerRetryAfter); h != "" {
		if sec, err := strconv.ParseFloat(h, 64); err == nil {
			whole, frac := math.Modf(sec)
			return time.Duration(whole)*time.Second + time.Duration(frac*1000)*time.Millisecond
		}
	}

	var body struct {
		RetryAfter float64 `json:"retry_after"`
	}
	buf := AcquireBytes(512)
	defer ReleaseBytes(buf)
	if n, err := resp.Body.Read((*buf)[:cap(*buf)]); err == nil || n > 0 {
		*buf = (*buf)[:n]
		if sonic.Unmarshal(*buf, &body) == nil && body.RetryAfter > 0 {
			return time.Duration(body.RetryAfter * float64(time.Second))
		}
	}
	return time.Second
}
