// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sourcegraph is a small client for the Sourcegraph instance API:
// GraphQL queries, revision resolution, code search, access tokens, and
// raw file fetches.
package sourcegraph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianXRef/services/xref/telemetry"
)

const (
	// DefaultTimeout bounds a single HTTP round trip.
	DefaultTimeout = 30 * time.Second

	// DefaultRequestsPerSecond is the sustained request rate to the instance.
	DefaultRequestsPerSecond = 20

	// DefaultBurst is the request burst allowed above the sustained rate.
	DefaultBurst = 10

	// DefaultRevisionCacheSize bounds cached revision resolutions.
	DefaultRevisionCacheSize = 1024

	// DefaultRevisionCacheTTL is how long a resolved revision is reused.
	DefaultRevisionCacheTTL = 5 * time.Minute
)

// Sentinel errors returned by the client.
var (
	// ErrRepoNotFound indicates the repository does not exist on the instance.
	ErrRepoNotFound = errors.New("repository not found")

	// ErrCloneInProgress indicates the repository is still being cloned.
	ErrCloneInProgress = errors.New("repository clone in progress")

	// ErrRevisionNotFound indicates the revision does not resolve to a commit.
	ErrRevisionNotFound = errors.New("revision not found")

	// ErrNotFound indicates a raw file fetch returned 404.
	ErrNotFound = errors.New("not found")

	// ErrUnexpectedStatus indicates a non-2xx HTTP response.
	ErrUnexpectedStatus = errors.New("unexpected http status")

	// ErrGraphQL indicates the GraphQL response carried errors.
	ErrGraphQL = errors.New("graphql error")
)

// TokenFunc returns the access token to send, or "" for anonymous access.
type TokenFunc func(ctx context.Context) (string, error)

// StaticToken returns a TokenFunc that always yields token.
func StaticToken(token string) TokenFunc {
	return func(context.Context) (string, error) { return token, nil }
}

// Config configures a Client.
type Config struct {
	// URL is the instance base URL. Required.
	URL string

	// Token supplies the access token per request. Nil means anonymous.
	Token TokenFunc

	// Timeout bounds a single round trip. Zero selects DefaultTimeout.
	Timeout time.Duration

	// RequestsPerSecond and Burst configure the client-side rate limit.
	RequestsPerSecond float64
	Burst             int

	// RevisionCacheSize and RevisionCacheTTL configure the ResolveRev cache.
	RevisionCacheSize int
	RevisionCacheTTL  time.Duration

	// HTTPClient overrides the transport. Its Timeout is left unchanged.
	HTTPClient *http.Client
}

// Client talks to one Sourcegraph instance.
//
// # Description
//
// Every request waits on a shared rate limiter, carries the access token
// as "Authorization: token <t>" when one is available, and propagates the
// caller's trace context in its headers.
//
// # Thread Safety
//
// Client is safe for concurrent use.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
	token      TokenFunc
	revisions  *expirable.LRU[string, string]
}

// New creates a client for the instance at cfg.URL.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse instance url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("instance url must be absolute: %q", cfg.URL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = DefaultBurst
	}

	size := cfg.RevisionCacheSize
	if size <= 0 {
		size = DefaultRevisionCacheSize
	}
	ttl := cfg.RevisionCacheTTL
	if ttl <= 0 {
		ttl = DefaultRevisionCacheTTL
	}

	return &Client{
		baseURL:    base,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		token:      cfg.Token,
		revisions:  expirable.NewLRU[string, string](size, nil, ttl),
	}, nil
}

// BaseURL returns a copy of the instance base URL.
func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// =============================================================================
// TRANSPORT
// =============================================================================

// do sends req after waiting on the rate limiter and decorating headers.
func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return nil, fmt.Errorf("access token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "token "+token)
		}
	}
	telemetry.InjectContext(ctx, req.Header)
	return c.httpClient.Do(req)
}

// graphQLRequest is the body of a GraphQL POST.
type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// graphQLResponse is the envelope of a GraphQL response.
type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// GraphQL runs a query against /.api/graphql and decodes data into out.
//
// # Description
//
// The operation name is appended as the raw query string so requests can
// be told apart in instance logs. GraphQL-level errors are joined into a
// single ErrGraphQL.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//   - name: Operation name, e.g. "ResolveRev".
//   - query: The GraphQL document.
//   - variables: Query variables, may be nil.
//   - out: Destination for the "data" member, may be nil.
//
// # Outputs
//
//   - error: ErrUnexpectedStatus, ErrGraphQL, or a transport error.
func (c *Client) GraphQL(ctx context.Context, name, query string, variables map[string]interface{}, out interface{}) error {
	start := time.Now()
	err := c.graphQL(ctx, name, query, variables, out)
	recordRequest(ctx, name, time.Since(start), err == nil)
	return err
}

func (c *Client) graphQL(ctx context.Context, name, query string, variables map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL.ResolveReference(&url.URL{Path: ".api/graphql", RawQuery: name})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(ctx, req)
	if err != nil {
		return fmt.Errorf("graphql %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: graphql %s returned status %d: %s", ErrUnexpectedStatus, name, resp.StatusCode, string(respBody))
	}

	var envelope graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode graphql %s response: %w", name, err)
	}
	if len(envelope.Errors) > 0 {
		messages := make([]string, len(envelope.Errors))
		for i, e := range envelope.Errors {
			messages[i] = e.Message
		}
		return fmt.Errorf("%w: %s: %s", ErrGraphQL, name, strings.Join(messages, "; "))
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode graphql %s data: %w", name, err)
	}
	return nil
}

// FetchRaw GETs a raw API URL on this instance and returns the body.
//
// Userinfo in rawURL is stripped; the token is sent as a header instead.
// A 404 returns ErrNotFound.
func (c *Client) FetchRaw(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse raw url: %w", err)
	}
	u.User = nil

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	start := time.Now()
	resp, err := c.do(ctx, req)
	if err != nil {
		recordRequest(ctx, "raw", time.Since(start), false)
		return nil, fmt.Errorf("fetch %s: %w", u.Path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		recordRequest(ctx, "raw", time.Since(start), true)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, u.Path)
	case resp.StatusCode != http.StatusOK:
		recordRequest(ctx, "raw", time.Since(start), false)
		return nil, fmt.Errorf("%w: fetch %s returned status %d", ErrUnexpectedStatus, u.Path, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	recordRequest(ctx, "raw", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u.Path, err)
	}
	return data, nil
}
