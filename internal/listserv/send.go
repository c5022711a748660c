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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/coursemail/listbridge/internal/models"
)

// Message is one outbound send through the provider.
type Message struct {
	// From is the visible From header ("Name <addr>" or bare address).
	From string

	// EnvelopeList is the list address; it becomes the List-Id header so
	// recipients can filter on the list.
	EnvelopeList string

	// ReplyTo is the resolved author address replies should go to.
	ReplyTo string

	To      []string
	Subject string
	Text    string
	HTML    string

	// OriginalTo and OriginalCc are passed through as headers so the
	// delivered message keeps the To/Cc lines the sender wrote. The
	// provider adds the individual recipient to To; this keeps that the
	// only change.
	OriginalTo []string
	OriginalCc []string

	MessageID string

	Attachments []models.File
	Inlines     []models.File
}

// SendMessage submits one message to the provider's send endpoint as a
// multipart form. Sends to more than one recipient include per-recipient
// variables so the provider batch-delivers without exposing the full
// recipient list in the To header.
func (c *Client) SendMessage(ctx context.Context, msg Message) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"from":      msg.From,
		"subject":   msg.Subject,
		"text":      msg.Text,
		"html":      msg.HTML,
		"h:List-Id": fmt.Sprintf("<%s>", msg.EnvelopeList),
	}
	if msg.ReplyTo != "" {
		fields["h:Reply-To"] = msg.ReplyTo
	}
	if msg.MessageID != "" {
		fields["h:Message-Id"] = msg.MessageID
	}
	if len(msg.OriginalTo) > 0 {
		fields["h:To"] = strings.Join(msg.OriginalTo, ", ")
	}
	if len(msg.OriginalCc) > 0 {
		fields["h:Cc"] = strings.Join(msg.OriginalCc, ", ")
	}

	if len(msg.To) > 1 {
		vars := make(map[string]struct{}, len(msg.To))
		for _, rcpt := range msg.To {
			vars[rcpt] = struct{}{}
		}
		varsJSON, err := json.Marshal(vars)
		if err != nil {
			return fmt.Errorf("marshal recipient variables: %w", err)
		}
		fields["recipient-variables"] = string(varsJSON)
	}

	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := w.WriteField(name, value); err != nil {
			return fmt.Errorf("write field %s: %w", name, err)
		}
	}

	for _, rcpt := range msg.To {
		if err := w.WriteField("to", rcpt); err != nil {
			return fmt.Errorf("write to field: %w", err)
		}
	}

	for _, f := range msg.Attachments {
		if err := writeFilePart(w, "attachment", f); err != nil {
			return err
		}
	}
	for _, f := range msg.Inlines {
		if err := writeFilePart(w, "inline", f); err != nil {
			return err
		}
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("finalise multipart body: %w", err)
	}

	path := "/" + c.domain + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, &buf)
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.SetBasicAuth(c.user, c.key)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Op: "send message", StatusCode: 0, Body: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return &APIError{Op: "send message", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	slog.Debug("message submitted to provider",
		"list", msg.EnvelopeList,
		"recipients", len(msg.To),
		"elapsed", time.Since(start),
	)
	return nil
}

// writeFilePart adds one attachment or inline part. Filenames are scrubbed
// to ASCII since some providers mangle non-ASCII names in the part header.
func writeFilePart(w *multipart.Writer, field string, f models.File) error {
	part, err := w.CreateFormFile(field, scrubFilename(f.Name))
	if err != nil {
		return fmt.Errorf("create %s part %s: %w", field, f.Name, err)
	}
	if _, err := part.Write(f.Content); err != nil {
		return fmt.Errorf("write %s part %s: %w", field, f.Name, err)
	}
	return nil
}

// scrubFilename replaces non-ASCII runes with underscores.
func scrubFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r < 128 {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
