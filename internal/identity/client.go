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

// Package identity resolves a roster identity's alternate verified
// communication channels. A sender often writes from a personal alias
// while the roster knows their institutional address; the identity
// provider ties both to the same person.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Client talks to the identity provider's HTTP API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates an identity provider client. The http.Client should
// carry a bounded timeout.
func NewClient(httpClient *http.Client, baseURL, token string) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// identityRecord is one identity match from the provider.
type identityRecord struct {
	ID string `json:"id"`
}

// channel is one communication channel of an identity.
type channel struct {
	Address  string `json:"address"`
	Type     string `json:"type"`
	State    string `json:"workflow_state"`
	Verified bool   `json:"verified"`
}

// AlternatesFor returns the set of verified, active alternate addresses
// owned by the same identity as email, lowercased, excluding email itself.
// Zero or multiple identity matches yield an empty set: an ambiguous match
// is treated as "no alternates", never guessed.
func (c *Client) AlternatesFor(ctx context.Context, email string) (map[string]bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return map[string]bool{}, nil
	}

	matches, err := c.lookupIdentities(ctx, email)
	if err != nil {
		return nil, err
	}

	if len(matches) != 1 {
		slog.Debug("no unique identity for address",
			"address", email,
			"matches", len(matches),
		)
		return map[string]bool{}, nil
	}

	channels, err := c.listChannels(ctx, matches[0].ID)
	if err != nil {
		return nil, err
	}

	alternates := make(map[string]bool)
	for _, ch := range channels {
		if ch.Type != "email" || !ch.Verified || ch.State != "active" {
			continue
		}
		addr := strings.ToLower(ch.Address)
		if addr != "" && addr != email {
			alternates[addr] = true
		}
	}

	return alternates, nil
}

func (c *Client) lookupIdentities(ctx context.Context, email string) ([]identityRecord, error) {
	u := fmt.Sprintf("%s/identities?email=%s", c.baseURL, url.QueryEscape(email))

	var matches []identityRecord
	if err := c.getJSON(ctx, u, &matches); err != nil {
		return nil, fmt.Errorf("look up identity for %s: %w", email, err)
	}
	return matches, nil
}

func (c *Client) listChannels(ctx context.Context, identityID string) ([]channel, error) {
	u := fmt.Sprintf("%s/identities/%s/communication_channels", c.baseURL, url.PathEscape(identityID))

	var channels []channel
	if err := c.getJSON(ctx, u, &channels); err != nil {
		return nil, fmt.Errorf("list channels for identity %s: %w", identityID, err)
	}
	return channels, nil
}

func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("identity API request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("identity API returned HTTP %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode identity response: %w", err)
	}
	return nil
}
