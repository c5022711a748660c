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

// Package dedup guards against handling the same message twice for the
// same recipient. The provider retries webhook posts that time out, and a
// message addressed to several lists arrives once per list, so the guard
// key is the (message id, recipient) pair rather than the message id
// alone.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a handled pair is remembered. Provider retries
// stop well within a day.
const DefaultTTL = 24 * time.Hour

const keyPrefix = "listbridge:handled:"

// Guard tracks which (message id, recipient) pairs have been handled.
//
// Seen and MarkHandled are deliberately separate: a pair is recorded only
// after the forward or bounce succeeds, so a crash mid-handling lets the
// provider's retry take another shot instead of losing the message.
type Guard struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewGuard(rdb *redis.Client, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{rdb: rdb, ttl: ttl}
}

func key(messageID, recipient string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, messageID, recipient)
}

// Seen reports whether the pair was already handled. A message without an
// id cannot be tracked and is never considered seen.
func (g *Guard) Seen(ctx context.Context, messageID, recipient string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	n, err := g.rdb.Exists(ctx, key(messageID, recipient)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup EXISTS: %w", err)
	}
	return n > 0, nil
}

// MarkHandled records the pair after its forward or bounce succeeded.
func (g *Guard) MarkHandled(ctx context.Context, messageID, recipient string) error {
	if messageID == "" {
		return nil
	}
	if err := g.rdb.Set(ctx, key(messageID, recipient), 1, g.ttl).Err(); err != nil {
		return fmt.Errorf("dedup SET: %w", err)
	}
	return nil
}
