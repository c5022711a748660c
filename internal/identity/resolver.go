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

package identity

import (
	"context"
	"strings"
)

// Provider is the lookup the resolver memoizes. *Client satisfies it.
type Provider interface {
	AlternatesFor(ctx context.Context, email string) (map[string]bool, error)
}

// Resolver memoizes alternate-channel lookups for the lifetime of a single
// inbound event. A fresh Resolver must be created per event: alternates can
// change between deliveries, so the cache must never outlive one handler
// pass. Not safe for concurrent use; recipients of one event are processed
// sequentially.
type Resolver struct {
	provider Provider
	cache    map[string]map[string]bool
}

// NewResolver creates a per-event resolver over the given provider.
func NewResolver(provider Provider) *Resolver {
	return &Resolver{
		provider: provider,
		cache:    make(map[string]map[string]bool),
	}
}

// AlternatesFor returns the alternate address set for email, consulting the
// provider at most once per address per event.
func (r *Resolver) AlternatesFor(ctx context.Context, email string) (map[string]bool, error) {
	key := strings.ToLower(strings.TrimSpace(email))

	if cached, ok := r.cache[key]; ok {
		return cached, nil
	}

	alternates, err := r.provider.AlternatesFor(ctx, key)
	if err != nil {
		return nil, err
	}

	r.cache[key] = alternates
	return alternates, nil
}
