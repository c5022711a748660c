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

package deliver

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/coursemail/listbridge/internal/engine"
	"github.com/coursemail/listbridge/internal/listserv"
	"github.com/coursemail/listbridge/internal/models"
)

type captureSender struct {
	sent []listserv.Message
	err  error
}

func (c *captureSender) SendMessage(_ context.Context, msg listserv.Message) error {
	c.sent = append(c.sent, msg)
	return c.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBounce(t *testing.T) {
	sender := &captureSender{}
	b := NewBouncer(sender, "no-reply@mg.example.edu", testLogger())

	event := &models.InboundEvent{
		Subject:   "hello",
		BodyPlain: "original body",
		MessageID: "<abc@mail.example.com>",
	}
	err := b.Bounce(context.Background(), engine.BounceNotSubscribed, event,
		"canvas-4998@mg.example.edu", "outsider@elsewhere.com")
	if err != nil {
		t.Fatalf("Bounce: %v", err)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.sent))
	}
	msg := sender.sent[0]
	if msg.From != "no-reply@mg.example.edu" {
		t.Errorf("from = %q, want the no-reply address", msg.From)
	}
	if msg.Subject != "Undeliverable mail" {
		t.Errorf("subject = %q", msg.Subject)
	}
	if len(msg.To) != 1 || msg.To[0] != "outsider@elsewhere.com" {
		t.Errorf("to = %v, want the original author", msg.To)
	}
	if msg.MessageID != "<abc@mail.example.com>" {
		t.Errorf("message id = %q, want the inbound id", msg.MessageID)
	}
	if !strings.Contains(msg.HTML, "not a member") {
		t.Errorf("notice body missing reason text: %q", msg.HTML)
	}
	if !strings.Contains(msg.HTML, "original body") {
		t.Errorf("notice body missing quoted original: %q", msg.HTML)
	}
}

func TestBounceMintsMessageID(t *testing.T) {
	sender := &captureSender{}
	b := NewBouncer(sender, "no-reply@mg.example.edu", testLogger())

	event := &models.InboundEvent{Subject: "s", BodyHTML: "<p>html only</p>"}
	if err := b.Bounce(context.Background(), engine.BounceReadonlyList, event,
		"canvas-1@mg.example.edu", "member@x.edu"); err != nil {
		t.Fatalf("Bounce: %v", err)
	}

	msg := sender.sent[0]
	if msg.MessageID == "" || !strings.HasSuffix(msg.MessageID, "@mg.example.edu>") {
		t.Errorf("message id = %q, want a minted id at the sending domain", msg.MessageID)
	}
	if !strings.Contains(msg.HTML, "html only") {
		t.Errorf("notice body should quote the html body when plain is empty: %q", msg.HTML)
	}
}

func TestBounceUnknownReason(t *testing.T) {
	b := NewBouncer(&captureSender{}, "no-reply@mg.example.edu", testLogger())
	err := b.Bounce(context.Background(), engine.BounceReason("mystery"),
		&models.InboundEvent{}, "canvas-1@mg.example.edu", "a@b.edu")
	if err == nil {
		t.Fatal("expected error for unknown bounce reason")
	}
}

func TestForward(t *testing.T) {
	sender := &captureSender{}
	f := NewForwarder(sender, testLogger())

	event := &models.InboundEvent{
		Subject:   "question about problem set",
		BodyPlain: "see image cid-123 inline",
		BodyHTML:  `<img src="cid-123">`,
		MessageID: "<orig@mail.example.com>",
		ToHeader:  []string{"canvas-4998@mg.example.edu"},
		CcHeader:  []string{"Advisor <advisor@x.edu>"},
		Inlines:   []models.File{{Name: "chart.png", CID: "cid-123"}},
	}

	err := f.Forward(context.Background(), ForwardInput{
		Event: event,
		List:  models.MailingList{ID: 1, CourseID: 4998},
		Verdict: engine.Verdict{
			Accepted:    true,
			ReplyTo:     "member@x.edu",
			DisplayName: "Member Name via Canvas",
		},
		Members:     []string{"a@x.edu", "b@x.edu"},
		ListAddress: "canvas-4998@mg.example.edu",
		ShortTitle:  "CS 50",
	})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	msg := sender.sent[0]
	if msg.Subject != "[CS 50] question about problem set" {
		t.Errorf("subject = %q, want short-title prefix", msg.Subject)
	}
	if msg.From != "Member Name via Canvas <member@x.edu>" {
		t.Errorf("from = %q", msg.From)
	}
	if msg.ReplyTo != "member@x.edu" {
		t.Errorf("reply-to = %q", msg.ReplyTo)
	}
	want := []string{"a@x.edu", "b@x.edu", "member@x.edu"}
	if len(msg.To) != len(want) {
		t.Fatalf("to = %v, want %v", msg.To, want)
	}
	for i, a := range want {
		if msg.To[i] != a {
			t.Errorf("to[%d] = %q, want %q", i, msg.To[i], a)
		}
	}
	if strings.Contains(msg.Text, "cid-123") || !strings.Contains(msg.Text, "chart.png") {
		t.Errorf("text body cid not rewritten: %q", msg.Text)
	}
	if !strings.Contains(msg.HTML, `src="chart.png"`) {
		t.Errorf("html body cid not rewritten: %q", msg.HTML)
	}
	if len(msg.OriginalCc) != 1 || msg.OriginalCc[0] != "Advisor <advisor@x.edu>" {
		t.Errorf("original cc = %v", msg.OriginalCc)
	}
}

func TestForwardNoDuplicateAuthor(t *testing.T) {
	sender := &captureSender{}
	f := NewForwarder(sender, testLogger())

	err := f.Forward(context.Background(), ForwardInput{
		Event:       &models.InboundEvent{Subject: "[CS 50] re: notes"},
		Verdict:     engine.Verdict{Accepted: true, ReplyTo: "member@x.edu"},
		Members:     []string{"member@x.edu", "other@x.edu"},
		ListAddress: "canvas-4998@mg.example.edu",
		ShortTitle:  "CS 50",
	})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	msg := sender.sent[0]
	if len(msg.To) != 2 {
		t.Errorf("to = %v, author should not be added twice", msg.To)
	}
	if msg.Subject != "[CS 50] re: notes" {
		t.Errorf("subject = %q, prefix should not be repeated", msg.Subject)
	}
	if msg.From != "member@x.edu" {
		t.Errorf("from = %q, want bare address when no display name", msg.From)
	}
}
