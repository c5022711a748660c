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

package listserv

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/coursemail/listbridge/internal/models"
)

func newTestClient(serverURL string, pageSize int) *Client {
	return NewClient(Config{
		APIURL:   serverURL,
		Domain:   "mg.example.edu",
		User:     "api",
		Key:      "key-test",
		PageSize: pageSize,
	})
}

// TestListMembers_Paging verifies limit/skip paging parameters.
func TestListMembers_Paging(t *testing.T) {
	members := make([]Member, 5)
	for i := range members {
		members[i] = Member{Address: "m" + strconv.Itoa(i) + "@x.edu", Subscribed: true}
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u, k, ok := r.BasicAuth(); !ok || u != "api" || k != "key-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
		end := skip + limit
		if skip > len(members) {
			skip = len(members)
		}
		if end > len(members) {
			end = len(members)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"items": members[skip:end]})
	}))
	defer server.Close()

	c := newTestClient(server.URL, 2)

	page0, err := c.ListMembers(context.Background(), "canvas-1@mg.example.edu", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page0) != 2 || page0[0].Address != "m0@x.edu" {
		t.Errorf("page 0 = %v", page0)
	}

	page2, err := c.ListMembers(context.Background(), "canvas-1@mg.example.edu", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page2) != 1 || page2[0].Address != "m4@x.edu" {
		t.Errorf("page 2 = %v", page2)
	}
}

// TestAddMembers verifies the batched upsert payload.
func TestAddMembers(t *testing.T) {
	var gotMembers string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotMembers = r.PostForm.Get("members")
		if r.PostForm.Get("upsert") != "yes" {
			t.Errorf("upsert = %q, want yes", r.PostForm.Get("upsert"))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := newTestClient(server.URL, 100)
	err := c.AddMembers(context.Background(), "canvas-1@mg.example.edu", []string{"a@x.edu", "b@x.edu"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var sent []string
	if err := json.Unmarshal([]byte(gotMembers), &sent); err != nil {
		t.Fatalf("members field not JSON: %v", err)
	}
	if len(sent) != 2 || sent[0] != "a@x.edu" {
		t.Errorf("sent members = %v", sent)
	}

	// empty batch is a no-op, no API call
	if err := c.AddMembers(context.Background(), "canvas-1@mg.example.edu", nil); err != nil {
		t.Errorf("empty add should be nil, got %v", err)
	}
}

// TestSendMessage_Batch verifies recipient-variables and header passthrough.
func TestSendMessage_Batch(t *testing.T) {
	var form map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("not multipart: %v", err)
		}
		form = r.MultipartForm.Value
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := newTestClient(server.URL, 100)
	err := c.SendMessage(context.Background(), Message{
		From:         "Jane Doe via Canvas <jane@x.edu>",
		EnvelopeList: "canvas-1@mg.example.edu",
		ReplyTo:      "jane@x.edu",
		To:           []string{"a@x.edu", "b@x.edu"},
		Subject:      "[BIO 101] hello",
		Text:         "hi",
		OriginalTo:   []string{"canvas-1@mg.example.edu"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := form["to"]; len(got) != 2 {
		t.Errorf("to = %v, want 2 recipients", got)
	}
	if got := form["h:List-Id"]; len(got) != 1 || got[0] != "<canvas-1@mg.example.edu>" {
		t.Errorf("h:List-Id = %v", got)
	}
	if got := form["h:To"]; len(got) != 1 || got[0] != "canvas-1@mg.example.edu" {
		t.Errorf("h:To = %v", got)
	}

	var vars map[string]any
	if err := json.Unmarshal([]byte(form["recipient-variables"][0]), &vars); err != nil {
		t.Fatalf("recipient-variables not JSON: %v", err)
	}
	if len(vars) != 2 {
		t.Errorf("recipient-variables = %v", vars)
	}
}

// TestSendMessage_SingleRecipient verifies no batch variables for one recipient.
func TestSendMessage_SingleRecipient(t *testing.T) {
	var form map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		form = r.MultipartForm.Value
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := newTestClient(server.URL, 100)
	err := c.SendMessage(context.Background(), Message{
		From:         "no-reply@mg.example.edu",
		EnvelopeList: "canvas-1@mg.example.edu",
		To:           []string{"sender@x.edu"},
		Subject:      "Undeliverable mail",
		HTML:         "<p>bounced</p>",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := form["recipient-variables"]; ok {
		t.Error("single-recipient send must not set recipient-variables")
	}
}

// TestSendMessage_Attachments verifies file parts and filename scrubbing.
func TestSendMessage_Attachments(t *testing.T) {
	var attachNames, inlineNames []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		for _, fh := range r.MultipartForm.File["attachment"] {
			attachNames = append(attachNames, fh.Filename)
		}
		for _, fh := range r.MultipartForm.File["inline"] {
			inlineNames = append(inlineNames, fh.Filename)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := newTestClient(server.URL, 100)
	err := c.SendMessage(context.Background(), Message{
		From:         "jane@x.edu",
		EnvelopeList: "canvas-1@mg.example.edu",
		To:           []string{"a@x.edu"},
		Subject:      "files",
		Attachments:  []models.File{{Name: "résumé.pdf", Content: []byte("pdf")}},
		Inlines:      []models.File{{Name: "logo.png", Content: []byte("png"), CID: "img1"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(attachNames) != 1 || attachNames[0] != "r_sum_.pdf" {
		t.Errorf("attachment names = %v", attachNames)
	}
	if len(inlineNames) != 1 || inlineNames[0] != "logo.png" {
		t.Errorf("inline names = %v", inlineNames)
	}
}

// TestAPIError verifies non-2xx responses wrap into APIError.
func TestAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestClient(server.URL, 100)
	err := c.CreateList(context.Background(), "canvas-1@mg.example.edu", "members")
	if !IsAPIError(err) {
		t.Fatalf("expected APIError, got %v", err)
	}
}
