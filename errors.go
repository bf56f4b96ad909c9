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

import "errors"

// Sentinel errors returned by this library. HTTP-shaped failures are
// returned as *APIError instead (see below); these cover login and
// gateway failures, which have no per-request body to carry.
var (
	// ErrInvalidToken is returned when the bot token is rejected outright
	// (gateway 4004, or a 401 on the initial /gateway/bot fetch).
	ErrInvalidToken = errors.New("speedcord: invalid token")

	// ErrConnectionsExceeded is returned when the session-start budget
	// (GatewayBot.SessionStartLimit.Remaining) is exhausted and a refresh
	// still reports no budget left.
	ErrConnectionsExceeded = errors.New("speedcord: session start limit exceeded")

	// ErrGatewayClosed reports a closed gateway connection. No code path
	// in this package returns it: classifyClose reports fatal close codes
	// with the more specific sentinels below.
	ErrGatewayClosed = errors.New("speedcord: gateway connection closed")

	// ErrGatewayUnavailable is returned when the gateway cannot be
	// reached: any dial failure other than a timeout, reported at once
	// without retrying.
	ErrGatewayUnavailable = errors.New("speedcord: gateway unavailable")

	// ErrGatewayNotAuthenticated is returned for gateway close code 4003.
	ErrGatewayNotAuthenticated = errors.New("speedcord: gateway not authenticated")

	// ErrInvalidGatewayVersion is returned for gateway close code 4012.
	ErrInvalidGatewayVersion = errors.New("speedcord: invalid gateway version")

	// ErrInvalidShardCount is returned for gateway close code 4010 when
	// the caller pinned explicit shard IDs, so rescaling is not possible.
	ErrInvalidShardCount = errors.New("speedcord: invalid shard count")

	// ErrInvalidIntentNumber is returned for gateway close code 4013.
	ErrInvalidIntentNumber = errors.New("speedcord: invalid intent(s)")

	// ErrIntentNotWhitelisted is returned for gateway close code 4014.
	ErrIntentNotWhitelisted = errors.New("speedcord: disallowed intent(s), not whitelisted for one or more privileged intents")

	// errMaxRetries is returned by requester.do when every attempt ended
	// in a 429 or 5xx response and the retry budget is exhausted.
	errMaxRetries = errors.New("speedcord: max retries exceeded")
)

// APIError represents an error returned by the REST surface as a JSON
// error body, per spec.md §7's "HTTP failures" category.
type APIError struct {
	// Code is the platform's own numeric error code, distinct from the
	// HTTP status.
	Code int `json:"code"`

	// Message is the human-readable error message from the response body.
	Message string `json:"message"`

	// HTTPStatus is the HTTP status code the request failed with.
	HTTPStatus int `json:"-"`

	// Errors contains nested per-field validation errors, when present.
	Errors map[string]interface{} `json:"errors,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}

// IsNotFound reports a 404 Not Found response.
func (e *APIError) IsNotFound() bool { return e.HTTPStatus == 404 }

// IsRateLimited reports a 429 Too Many Requests response that reached
// the caller (exhausted retries rather than being absorbed internally).
func (e *APIError) IsRateLimited() bool { return e.HTTPStatus == 429 }

// IsUnauthorized reports a 401 Unauthorized response.
func (e *APIError) IsUnauthorized() bool { return e.HTTPStatus == 401 }

// IsForbidden reports a 403 Forbidden response.
func (e *APIError) IsForbidden() bool { return e.HTTPStatus == 403 }

// GatewayFault wraps one of the gateway sentinel errors above with the
// shard and close code that produced it, so callers inspecting an error
// returned from Client.Start can recover which shard failed.
type GatewayFault struct {
	ShardID int
	Code    GatewayCloseEventCode
	Err     error
}

func (f *GatewayFault) Error() string {
	return f.Err.Error()
}

func (f *GatewayFault) Unwrap() error {
	return f.Err
}
