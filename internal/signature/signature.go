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

// Package signature authenticates inbound webhook calls from the listserv
// provider. Each call carries a (timestamp, token, signature) triple where
// signature = HMAC-SHA256(api key, timestamp || token).
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// AuthError indicates a request that failed webhook authentication. The
// request must be rejected before any processing happens.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "webhook authentication failed: " + e.Reason
}

// Verifier checks webhook signatures against a shared secret key.
type Verifier struct {
	// Key is the shared secret (the provider API key).
	Key []byte

	// Timeout bounds how stale a signed timestamp may be. Replays of a
	// captured triple fail once the window passes.
	Timeout time.Duration

	// now is replaceable in tests.
	now func() time.Time
}

// NewVerifier creates a webhook signature verifier.
func NewVerifier(key string, timeout time.Duration) *Verifier {
	return &Verifier{
		Key:     []byte(key),
		Timeout: timeout,
		now:     time.Now,
	}
}

// Verify checks a webhook's authentication fields. It returns an *AuthError
// when any field is missing, the timestamp is outside the freshness window,
// or the signature does not match.
func (v *Verifier) Verify(timestamp, token, sig string) error {
	if timestamp == "" || token == "" || sig == "" {
		return &AuthError{Reason: "missing timestamp, token, or signature"}
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return &AuthError{Reason: fmt.Sprintf("unparseable timestamp %q", timestamp)}
	}

	nowFn := v.now
	if nowFn == nil {
		nowFn = time.Now
	}
	if age := nowFn().Sub(time.Unix(ts, 0)); age >= v.Timeout {
		return &AuthError{Reason: fmt.Sprintf("timestamp is %s old, window is %s", age, v.Timeout)}
	}

	mac := hmac.New(sha256.New, v.Key)
	mac.Write([]byte(timestamp))
	mac.Write([]byte(token))
	expected := hex.EncodeToString(mac.Sum(nil))

	// hmac.Equal is constant time.
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return &AuthError{Reason: "signature mismatch"}
	}

	return nil
}
