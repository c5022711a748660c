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

// Package deliver turns decision verdicts into outbound mail: bounce
// notices back to the author and forwards to the resolved member set.
package deliver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/google/uuid"

	"github.com/coursemail/listbridge/internal/engine"
	"github.com/coursemail/listbridge/internal/listserv"
	"github.com/coursemail/listbridge/internal/models"
)

// Sender is the outbound side of the listserv client.
type Sender interface {
	SendMessage(ctx context.Context, msg listserv.Message) error
}

const bounceSubject = "Undeliverable mail"

// bounceTmpl renders every bounce notice; the reason picks the lead
// paragraph. The quoted original message follows so the author can resend
// once the problem is fixed.
var bounceTmpl = template.Must(template.New("bounce").Parse(`<html>
<body>
<p>{{.Lead}}</p>
<p>Your original message follows:</p>
<hr>
<p><b>Subject:</b> {{.Subject}}</p>
<pre>{{.Body}}</pre>
</body>
</html>
`))

var bounceLeads = map[engine.BounceReason]string{
	engine.BounceDoesNotExist:       "Your message to %s could not be delivered because the mailing list does not exist.",
	engine.BounceSizeLimitExceeded:  "Your message to %s could not be delivered because its attachments exceed the 25 MB size limit.",
	engine.BounceAttachmentsMissing: "Your message to %s could not be delivered because one or more attachments were missing from the message. Please try sending it again.",
	engine.BounceAccessDenied:       "Your message to %s could not be delivered because only teaching staff may send to this mailing list.",
	engine.BounceNoCommChannelMatch: "Your message to %s could not be delivered because we could not verify that the sending address belongs to you. Please send from the email address registered with the course.",
	engine.BounceNotSubscribed:      "Your message to %s could not be delivered because you are not a member of this mailing list.",
	engine.BounceReadonlyList:       "Your message to %s could not be delivered because the mailing list is not currently accepting email.",
}

// Bouncer sends undeliverable-mail notices from the no-reply address.
type Bouncer struct {
	sender  Sender
	noReply string
	logger  *slog.Logger
}

func NewBouncer(sender Sender, noReply string, logger *slog.Logger) *Bouncer {
	return &Bouncer{sender: sender, noReply: noReply, logger: logger}
}

// Bounce notifies the author that their message to listAddress was not
// delivered. The notice reuses the inbound message id so provider-side
// threading groups it with the original; a fresh id is minted when the
// inbound message carried none.
func (b *Bouncer) Bounce(ctx context.Context, reason engine.BounceReason, event *models.InboundEvent, listAddress, author string) error {
	lead, ok := bounceLeads[reason]
	if !ok {
		return fmt.Errorf("no bounce notice for reason %q", reason)
	}

	body := event.BodyPlain
	if body == "" {
		body = event.BodyHTML
	}

	var html strings.Builder
	err := bounceTmpl.Execute(&html, struct {
		Lead    string
		Subject string
		Body    string
	}{
		Lead:    fmt.Sprintf(lead, listAddress),
		Subject: event.Subject,
		Body:    body,
	})
	if err != nil {
		return fmt.Errorf("rendering bounce notice: %w", err)
	}

	messageID := event.MessageID
	if messageID == "" {
		messageID = fmt.Sprintf("<%s@%s>", uuid.NewString(), b.noReply[strings.Index(b.noReply, "@")+1:])
	}

	b.logger.Info("sending bounce notice",
		"reason", string(reason),
		"list", listAddress,
		"author", author)

	return b.sender.SendMessage(ctx, listserv.Message{
		From:         b.noReply,
		EnvelopeList: listAddress,
		To:           []string{author},
		Subject:      bounceSubject,
		HTML:         html.String(),
		MessageID:    messageID,
	})
}
