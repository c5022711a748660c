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
	"fmt"
	"log/slog"
	"strings"

	"github.com/coursemail/listbridge/internal/engine"
	"github.com/coursemail/listbridge/internal/listserv"
	"github.com/coursemail/listbridge/internal/models"
)

// Forwarder relays an accepted message to the resolved member set.
type Forwarder struct {
	sender Sender
	logger *slog.Logger
}

func NewForwarder(sender Sender, logger *slog.Logger) *Forwarder {
	return &Forwarder{sender: sender, logger: logger}
}

// ForwardInput is everything Forward needs beyond the inbound event
// itself.
type ForwardInput struct {
	Event   *models.InboundEvent
	List    models.MailingList
	Verdict engine.Verdict

	// Members is the full delivery set for the list.
	Members []string

	// ListAddress is the list's address at the provider's domain.
	ListAddress string

	// ShortTitle prefixes the subject when set and not already present.
	ShortTitle string
}

// Forward sends the message to every member plus the resolved author, so
// the author keeps a copy of what the list received.
func (f *Forwarder) Forward(ctx context.Context, in ForwardInput) error {
	event := in.Event

	subject := event.Subject
	if in.ShortTitle != "" {
		prefix := fmt.Sprintf("[%s]", in.ShortTitle)
		if !strings.Contains(subject, prefix) {
			subject = prefix + " " + subject
		}
	}

	// The provider uses the inline file's name as its content id on
	// resend, so references to the original cid must point at the name
	// for images to render inline.
	bodyPlain, bodyHTML := event.BodyPlain, event.BodyHTML
	for _, inline := range event.Inlines {
		if inline.CID == "" {
			continue
		}
		bodyPlain = strings.ReplaceAll(bodyPlain, inline.CID, inline.Name)
		bodyHTML = strings.ReplaceAll(bodyHTML, inline.CID, inline.Name)
	}

	to := in.Members
	if !containsAddress(to, in.Verdict.ReplyTo) {
		to = append(append([]string{}, to...), in.Verdict.ReplyTo)
	}

	from := in.Verdict.ReplyTo
	if in.Verdict.DisplayName != "" {
		from = fmt.Sprintf("%s <%s>", in.Verdict.DisplayName, in.Verdict.ReplyTo)
	}

	f.logger.Info("forwarding message to list",
		"list", in.ListAddress,
		"reply_to", in.Verdict.ReplyTo,
		"recipients", len(to),
		"subject", subject)

	return f.sender.SendMessage(ctx, listserv.Message{
		From:         from,
		EnvelopeList: in.ListAddress,
		ReplyTo:      in.Verdict.ReplyTo,
		To:           to,
		Subject:      subject,
		Text:         bodyPlain,
		HTML:         bodyHTML,
		OriginalTo:   event.ToHeader,
		OriginalCc:   event.CcHeader,
		MessageID:    event.MessageID,
		Attachments:  event.Attachments,
		Inlines:      event.Inlines,
	})
}

func containsAddress(addrs []string, addr string) bool {
	for _, a := range addrs {
		if strings.EqualFold(a, addr) {
			return true
		}
	}
	return false
}
