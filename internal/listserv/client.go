// Copyright (c) 2026 The listbridge authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package listserv implements the HTTP client for the mailing list hosting
// provider. The provider owns actual message fan-out and member storage;
// the bridge drives it through list CRUD, paginated member listing, batched
// member adds, single-member deletes, and message submission.
//
// The client is constructed explicitly and injected into the engines; there
// is no package-level instance.
package listserv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIError wraps a provider call failure. Provider errors are retryable by
// the caller invoking the engine; the engines themselves do not retry.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("listserv %s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsAPIError reports whether err originated in the listserv provider.
func IsAPIError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae)
}

// Member is one subscriber of a provider-side list.
type Member struct {
	Address    string `json:"address"`
	Subscribed bool   `json:"subscribed"`
}

// ListInfo describes a provider-side mailing list.
type ListInfo struct {
	Address     string `json:"address"`
	Name        string `json:"name"`
	AccessLevel string `json:"access_level"`
}

// Client talks to the listserv provider API with basic auth.
type Client struct {
	httpClient *http.Client
	apiURL     string
	domain     string
	user       string
	key        string
	pageSize   int
}

// Config holds the connection settings for the provider API.
type Config struct {
	APIURL   string
	Domain   string
	User     string
	Key      string
	PageSize int
	Timeout  time.Duration
}

// NewClient creates a listserv provider client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		apiURL:     strings.TrimRight(cfg.APIURL, "/"),
		domain:     cfg.Domain,
		user:       cfg.User,
		key:        cfg.Key,
		pageSize:   pageSize,
	}
}

// GetList fetches a provider-side list by address. A list the provider does
// not know yields nil, not an error.
func (c *Client) GetList(ctx context.Context, address string) (*ListInfo, error) {
	var out struct {
		List ListInfo `json:"list"`
	}
	status, err := c.doJSON(ctx, http.MethodGet, "/lists/"+url.PathEscape(address), nil, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	return &out.List, nil
}

// CreateList creates a provider-side list.
func (c *Client) CreateList(ctx context.Context, address, accessLevel string) error {
	form := url.Values{
		"address":      {address},
		"access_level": {accessLevel},
	}
	_, err := c.doForm(ctx, http.MethodPost, "/lists", form)
	return err
}

// UpdateList updates the access level of a provider-side list.
func (c *Client) UpdateList(ctx context.Context, address, accessLevel string) error {
	form := url.Values{
		"access_level": {accessLevel},
	}
	_, err := c.doForm(ctx, http.MethodPut, "/lists/"+url.PathEscape(address), form)
	return err
}

// DeleteList removes a provider-side list and its members.
func (c *Client) DeleteList(ctx context.Context, address string) error {
	_, err := c.doForm(ctx, http.MethodDelete, "/lists/"+url.PathEscape(address), nil)
	return err
}

// ListMembers returns one page of a list's members. Pages are zero-based;
// the caller is responsible for bounding the page walk.
func (c *Client) ListMembers(ctx context.Context, address string, page int) ([]Member, error) {
	path := fmt.Sprintf("/lists/%s/members?%s", url.PathEscape(address), url.Values{
		"limit": {fmt.Sprintf("%d", c.pageSize)},
		"skip":  {fmt.Sprintf("%d", page*c.pageSize)},
	}.Encode())

	var out struct {
		Items []Member `json:"items"`
	}
	status, err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	return out.Items, nil
}

// PageSize returns the member listing page size, used by callers to detect
// the last page.
func (c *Client) PageSize() int { return c.pageSize }

// AddMembers upserts a batch of addresses onto a list in one call. The
// provider caps the batch size; chunking is the caller's concern.
func (c *Client) AddMembers(ctx context.Context, address string, emails []string) error {
	if len(emails) == 0 {
		return nil
	}

	membersJSON, err := json.Marshal(emails)
	if err != nil {
		return fmt.Errorf("marshal members: %w", err)
	}

	form := url.Values{
		"members": {string(membersJSON)},
		"upsert":  {"yes"},
	}
	_, err = c.doForm(ctx, http.MethodPost, "/lists/"+url.PathEscape(address)+"/members.json", form)
	return err
}

// DeleteMember removes one address from a list. The provider has no batch
// delete.
func (c *Client) DeleteMember(ctx context.Context, address, email string) error {
	path := "/lists/" + url.PathEscape(address) + "/members/" + url.PathEscape(email)
	_, err := c.doForm(ctx, http.MethodDelete, path, nil)
	return err
}

// doForm submits a form-encoded request and checks for a 2xx response.
func (c *Client) doForm(ctx context.Context, method, path string, form url.Values) (int, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.SetBasicAuth(c.user, c.key)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &APIError{Op: method + " " + path, StatusCode: 0, Body: err.Error()}
	}
	defer resp.Body.Close()

	slog.Debug("listserv API call",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, &APIError{Op: method + " " + path, StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return resp.StatusCode, nil
}

// doJSON performs a request and decodes a JSON response. A 404 is returned
// as a status for the caller to interpret, not as an error.
func (c *Client) doJSON(ctx context.Context, method, path string, body io.Reader, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.user, c.key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &APIError{Op: method + " " + path, StatusCode: 0, Body: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return http.StatusNotFound, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, &APIError{Op: method + " " + path, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return resp.StatusCode, nil
}
