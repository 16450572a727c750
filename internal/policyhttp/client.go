package policyhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/keithlinneman/bucketserve/internal/policy"
	"github.com/keithlinneman/bucketserve/internal/xerrors"
)

// Client talks to a running server's admin API. Used by the protect and
// cache CLI subcommands.
type Client struct {
	base  string
	token string
	http  *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Rules fetches the current rule tables.
func (c *Client) Rules(ctx context.Context) (policy.RuleSet, error) {
	var rs policy.RuleSet
	err := c.do(ctx, http.MethodGet, "/-/policy", nil, &rs)
	return rs, err
}

// SetProtect creates or replaces a protection rule.
func (c *Client) SetProtect(ctx context.Context, prefix, username, password string) (policy.RuleSet, error) {
	var rs policy.RuleSet
	err := c.do(ctx, http.MethodPut, "/-/policy/protect", ProtectRequest{
		Prefix:   prefix,
		Username: username,
		Password: password,
	}, &rs)
	return rs, err
}

// RemoveProtect deletes a protection rule.
func (c *Client) RemoveProtect(ctx context.Context, prefix string) (policy.RuleSet, error) {
	var rs policy.RuleSet
	err := c.do(ctx, http.MethodDelete, "/-/policy/protect?prefix="+url.QueryEscape(prefix), nil, &rs)
	return rs, err
}

// SetCache creates or replaces a cache-control rule.
func (c *Client) SetCache(ctx context.Context, prefix, value string) (policy.RuleSet, error) {
	var rs policy.RuleSet
	err := c.do(ctx, http.MethodPut, "/-/policy/cache", CacheRequest{
		Prefix: prefix,
		Value:  value,
	}, &rs)
	return rs, err
}

// RemoveCache deletes a cache-control rule.
func (c *Client) RemoveCache(ctx context.Context, prefix string) (policy.RuleSet, error) {
	var rs policy.RuleSet
	err := c.do(ctx, http.MethodDelete, "/-/policy/cache?prefix="+url.QueryEscape(prefix), nil, &rs)
	return rs, err
}

// Sync asks the server to run a sync cycle now.
func (c *Client) Sync(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/-/sync", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return xerrors.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return xerrors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return xerrors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return xerrors.New(apiError(resp))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(err, "decode response")
	}
	return nil
}

// apiError folds the server's JSON error payload into a readable message.
func apiError(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		return resp.Status + ": " + payload.Error
	}
	return resp.Status
}
