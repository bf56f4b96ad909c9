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
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"golang.org/x/xerrors"
)

// restApi is the low-level REST surface: it turns a Route plus a body
// into bytes on the wire, and classifies the response into a Go error.
// Resource-specific helpers (fetch a guild, send a message, ...) are
// out of scope; callers reach the API through Client.Request.
type restApi struct {
	req    *requester
	logger Logger
}

func newRestApi(req *requester, logger Logger) *restApi {
	return &restApi{
		req:    req,
		logger: logger,
	}
}

// Shutdown gracefully shuts down the REST API client.
func (r *restApi) Shutdown() {
	r.logger.Info("RestAPI shutting down")
	r.req.Shutdown()
}

// doRequest issues one request and returns the raw response body,
// classifying non-2xx statuses into *APIError or the sentinel login
// errors spec.md §7 names. route carries the channel/guild scope used
// to pick the right rate-limit bucket, in addition to naming the
// method and path.
func (r *restApi) doRequest(route Route, body []byte, authWithToken bool, reason string) ([]byte, error) {
	r.logger.Debug("Calling endpoint: " + route.Method + " " + route.Path)

	res, err := r.req.do(route, body, authWithToken, reason)
	if err != nil {
		return nil, xerrors.Errorf("restapi: %s %s: %w", route.Method, route.Path, err)
	}
	defer res.Body.Close()

	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, xerrors.Errorf("restapi: reading body for %s %s: %w", route.Method, route.Path, err)
	}

	if res.StatusCode == http.StatusUnauthorized {
		return bodyBytes, ErrInvalidToken
	}

	if res.StatusCode >= 300 {
		apiErr := &APIError{HTTPStatus: res.StatusCode}
		if len(bodyBytes) > 0 {
			sonic.Unmarshal(bodyBytes, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(res.StatusCode)
		}
		return bodyBytes, apiErr
	}

	r.logger.Debug("Successfully called endpoint: " + route.Method + " " + route.Path)
	return bodyBytes, nil
}

// request marshals body (if non-nil) with sonic, issues a Route, and
// unmarshals the response into out (if non-nil). This backs the public
// Client.Request primitive from spec.md §6.
func (r *restApi) request(route Route, body, out any, reason string) error {
	var payload []byte
	if body != nil {
		encoded, err := sonic.Marshal(body)
		if err != nil {
			return xerrors.Errorf("restapi: marshaling request body: %w", err)
		}
		payload = encoded
	}

	respBytes, err := r.doRequest(route, payload, true, reason)
	if err != nil {
		return err
	}

	if out != nil && len(respBytes) > 0 {
		if err := sonic.Unmarshal(respBytes, out); err != nil {
			return xerrors.Errorf("restapi: decoding response body: %w", err)
		}
	}
	return nil
}

// FetchGatewayBot retrieves bot gateway information including the
// recommended shard count and the session-start budget.
func (r *restApi) FetchGatewayBot() (GatewayBot, error) {
	body, err := r.doRequest(Route{Method: "GET", Path: "/gateway/bot"}, nil, true, "")
	if err != nil {
		return GatewayBot{}, err
	}

	var obj GatewayBot
	if err := sonic.Unmarshal(body, &obj); err != nil {
		return GatewayBot{}, xerrors.Errorf("restapi: decoding /gateway/bot: %w", err)
	}
	return obj, nil
}
