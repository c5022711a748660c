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

package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"
)

const testKey = "key-1234567890"

func sign(timestamp, token string) string {
	mac := hmac.New(sha256.New, []byte(testKey))
	mac.Write([]byte(timestamp + token))
	return hex.EncodeToString(mac.Sum(nil))
}

func fixedVerifier(now time.Time) *Verifier {
	v := NewVerifier(testKey, 30*time.Minute)
	v.now = func() time.Time { return now }
	return v
}

// TestVerify_Valid verifies a correctly signed fresh triple passes.
func TestVerify_Valid(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := fixedVerifier(now)

	ts := fmt.Sprintf("%d", now.Unix()-60)
	token := "0123456789abcdef"

	if err := v.Verify(ts, token, sign(ts, token)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestVerify_ExpiredWindow verifies the same triple fails after the window.
func TestVerify_ExpiredWindow(t *testing.T) {
	now := time.Unix(1700000000, 0)
	ts := fmt.Sprintf("%d", now.Unix())
	token := "tok"
	sig := sign(ts, token)

	// fresh: passes
	if err := fixedVerifier(now.Add(time.Minute)).Verify(ts, token, sig); err != nil {
		t.Fatalf("fresh triple rejected: %v", err)
	}

	// replayed 31 minutes later: rejected
	err := fixedVerifier(now.Add(31 * time.Minute)).Verify(ts, token, sig)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError for stale timestamp, got %v", err)
	}
}

// TestVerify_MissingFields verifies each absent field is rejected.
func TestVerify_MissingFields(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := fixedVerifier(now)
	ts := fmt.Sprintf("%d", now.Unix())
	token := "tok"
	sig := sign(ts, token)

	cases := [][3]string{
		{"", token, sig},
		{ts, "", sig},
		{ts, token, ""},
		{"", "", ""},
	}
	for _, c := range cases {
		var authErr *AuthError
		if err := v.Verify(c[0], c[1], c[2]); !errors.As(err, &authErr) {
			t.Errorf("Verify(%q, %q, %q) = %v, want AuthError", c[0], c[1], c[2], err)
		}
	}
}

// TestVerify_Tampered verifies a modified signature or token fails.
func TestVerify_Tampered(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := fixedVerifier(now)
	ts := fmt.Sprintf("%d", now.Unix())

	sig := sign(ts, "token-a")

	var authErr *AuthError
	if err := v.Verify(ts, "token-b", sig); !errors.As(err, &authErr) {
		t.Errorf("tampered token accepted: %v", err)
	}

	tampered := sig[:len(sig)-1] + "0"
	if tampered == sig {
		tampered = sig[:len(sig)-1] + "1"
	}
	if err := v.Verify(ts, "token-a", tampered); !errors.As(err, &authErr) {
		t.Errorf("tampered signature accepted: %v", err)
	}
}

// TestVerify_BadTimestamp verifies non-numeric timestamps are rejected.
func TestVerify_BadTimestamp(t *testing.T) {
	v := fixedVerifier(time.Unix(1700000000, 0))

	var authErr *AuthError
	if err := v.Verify("yesterday", "tok", "sig"); !errors.As(err, &authErr) {
		t.Errorf("expected AuthError, got %v", err)
	}
}
