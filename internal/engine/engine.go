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

// Package engine decides whether an inbound message is forwarded to a
// mailing list or bounced, and with which reply-to address. The decision
// runs as an ordered list of guards; the order is load-bearing because the
// branches are not independent, so each guard checks whether an earlier one
// already resolved the message.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/coursemail/listbridge/internal/address"
	"github.com/coursemail/listbridge/internal/models"
)

// BounceReason enumerates why a message was not delivered.
type BounceReason string

const (
	BounceDoesNotExist       BounceReason = "does_not_exist"
	BounceSizeLimitExceeded  BounceReason = "size_limit_exceeded"
	BounceAttachmentsMissing BounceReason = "attachments_missing"
	BounceAccessDenied       BounceReason = "access_denied"
	BounceNoCommChannelMatch BounceReason = "no_comm_channel_match"
	BounceNotSubscribed      BounceReason = "not_subscribed"
	BounceReadonlyList       BounceReason = "readonly_list"
)

// Verdict is the terminal state of one decision.
type Verdict struct {
	// Accepted means forward with ReplyTo as the resolved author.
	Accepted bool

	// SilentDrop means treat as handled with no bounce and no forward.
	// Set when the message came from the system's own no-reply address,
	// which would otherwise bounce-loop.
	SilentDrop bool

	// Reason is set when the message bounces.
	Reason BounceReason

	// ClientError marks bounces the webhook caller should surface as a
	// client error rather than success (malformed payloads the provider
	// must not retry verbatim).
	ClientError bool

	ReplyTo       string
	DisplayName   string
	IsSuperSender bool
}

// Bounced reports whether the verdict carries a bounce reason.
func (v Verdict) Bounced() bool { return v.Reason != "" }

// Resolver confirms alternate communication channels. It is created fresh
// per inbound event; see identity.Resolver.
type Resolver interface {
	AlternatesFor(ctx context.Context, email string) (map[string]bool, error)
}

// NameLookup finds the roster display name for an address in a course.
type NameLookup interface {
	NameForEmail(ctx context.Context, courseID int64, email string) (string, error)
}

// DecisionInput carries everything one decision needs. Member and staff
// sets are lowercased address sets snapshotted by the caller.
type DecisionInput struct {
	// Sender is the envelope address, possibly BATV-tagged and possibly
	// display-name-wrapped. From is the From header.
	Sender string
	From   string

	List              models.MailingList
	Members           map[string]bool // staff plus enrolled members
	Staff             map[string]bool
	SuperSenders      map[string]bool // scoped to the list's school; empty if school unknown
	PreferredName     string          // stored preferred display name, may be empty
	DisplayNameSuffix string          // appended to any resolved name, e.g. "via Canvas"
}

// Engine applies the access-control decision to inbound messages.
type Engine struct {
	noReply string
	names   NameLookup
}

// New creates a decision engine. names may be nil if roster name lookups
// are unavailable; display names then fall back to the message headers.
func New(noReply string, names NameLookup) *Engine {
	return &Engine{
		noReply: strings.ToLower(noReply),
		names:   names,
	}
}

// Gate runs the pre-decision payload checks. It returns a bounce verdict
// for oversized or incomplete payloads, or nil when the decision engine
// should run.
func Gate(event *models.InboundEvent, sizeCap int64) *Verdict {
	if total := event.DeclaredPayloadSize(); total > sizeCap {
		slog.Info("payload over size cap",
			"declared_bytes", total,
			"cap_bytes", sizeCap,
			"message_id", event.MessageID,
		)
		return &Verdict{Reason: BounceSizeLimitExceeded}
	}

	if present := len(event.Attachments) + len(event.Inlines); event.DeclaredAttachmentCount > present {
		slog.Warn("declared attachments missing from payload",
			"declared", event.DeclaredAttachmentCount,
			"present", present,
			"message_id", event.MessageID,
		)
		return &Verdict{Reason: BounceAttachmentsMissing, ClientError: true}
	}

	return nil
}

// decision is the mutable state threaded through the guard chain.
type decision struct {
	in DecisionInput

	sender      string // bare lowercase envelope address, BATV stripped
	from        string // bare lowercase From address
	fromDisplay string

	replyTo string
	reason  BounceReason
	drop    bool
	isSuper bool
}

// resolved reports whether a reply-to or bounce reason is already set.
func (d *decision) resolved() bool { return d.replyTo != "" || d.reason != "" || d.drop }

type guard func(ctx context.Context, d *decision, resolver Resolver) error

// Decide runs the ordered guard chain and produces a terminal verdict.
// Guard order must not change: bounce-loop suppression precedes the
// super-sender exemption, which precedes the per-access-level checks, and
// the readonly override runs last so it can veto an earlier resolution.
func (e *Engine) Decide(ctx context.Context, in DecisionInput, resolver Resolver) (Verdict, error) {
	fromDisplay, from := address.Split(in.From)
	_, sender := address.Split(in.Sender)

	d := &decision{
		in:          in,
		sender:      strings.ToLower(address.StripBATV(sender)),
		from:        from,
		fromDisplay: fromDisplay,
	}

	guards := []guard{
		e.guardBounceLoop,
		e.guardSuperSender,
		e.guardEveryone,
		e.guardStaff,
		e.guardMembers,
		e.guardReadonly,
	}

	for _, g := range guards {
		if err := g(ctx, d, resolver); err != nil {
			return Verdict{}, err
		}
		if d.drop {
			return Verdict{SilentDrop: true}, nil
		}
	}

	if d.reason != "" {
		return Verdict{Reason: d.reason, IsSuperSender: d.isSuper}, nil
	}

	name, err := e.displayName(ctx, d)
	if err != nil {
		// A name lookup failure must not turn an accepted message into an
		// error; deliver without a display name.
		slog.Warn("display name lookup failed",
			"reply_to", d.replyTo,
			"error", err,
		)
		name = ""
	}

	return Verdict{
		Accepted:      true,
		ReplyTo:       d.replyTo,
		DisplayName:   name,
		IsSuperSender: d.isSuper,
	}, nil
}

// guardBounceLoop silently drops messages from the system's own no-reply
// address. Bouncing these would bounce the bounce, forever.
func (e *Engine) guardBounceLoop(_ context.Context, d *decision, _ Resolver) error {
	if d.sender == e.noReply || d.from == e.noReply {
		slog.Warn("dropping message from no-reply address",
			"sender", d.sender,
			"from", d.from,
		)
		d.drop = true
	}
	return nil
}

// guardSuperSender grants school-wide senders a reply-to regardless of list
// membership. A From address distinct from the envelope sender only counts
// after the sender is confirmed as one of the From identity's verified
// alternates.
func (e *Engine) guardSuperSender(ctx context.Context, d *decision, resolver Resolver) error {
	if d.resolved() {
		return nil
	}

	if d.from != d.sender && d.in.SuperSenders[d.from] {
		confirmed, err := confirmAlternate(ctx, resolver, d.from, d.sender)
		if err != nil {
			return err
		}
		if confirmed {
			d.replyTo = d.from
			d.isSuper = true
			return nil
		}
	}

	if d.in.SuperSenders[d.sender] {
		d.replyTo = d.sender
		d.isSuper = true
	}
	return nil
}

// guardEveryone resolves open lists: anyone may post, but a From header
// matching a member or staff address is preferred as reply-to when the
// envelope sender verifies as its alternate.
func (e *Engine) guardEveryone(ctx context.Context, d *decision, resolver Resolver) error {
	if d.resolved() || d.in.List.AccessLevel != models.AccessLevelEveryone {
		return nil
	}

	d.replyTo = d.sender

	if d.from != d.sender && (d.in.Members[d.from] || d.in.Staff[d.from]) {
		confirmed, err := confirmAlternate(ctx, resolver, d.from, d.sender)
		if err != nil {
			return err
		}
		if confirmed {
			d.replyTo = d.from
		}
	}
	return nil
}

// guardStaff resolves staff-only lists against the teaching-staff set.
func (e *Engine) guardStaff(ctx context.Context, d *decision, resolver Resolver) error {
	if d.resolved() || d.in.List.AccessLevel != models.AccessLevelStaff {
		return nil
	}

	replyTo, reason, err := resolveAgainst(ctx, resolver, d, d.in.Staff, BounceAccessDenied)
	if err != nil {
		return err
	}
	d.replyTo = replyTo
	d.reason = reason
	return nil
}

// guardMembers is the fallthrough membership check against the combined
// staff and member set.
func (e *Engine) guardMembers(ctx context.Context, d *decision, resolver Resolver) error {
	if d.resolved() {
		return nil
	}

	replyTo, reason, err := resolveAgainst(ctx, resolver, d, d.in.Members, BounceNotSubscribed)
	if err != nil {
		return err
	}
	d.replyTo = replyTo
	d.reason = reason
	return nil
}

// guardReadonly vetoes everything except super senders on a readonly list.
func (e *Engine) guardReadonly(_ context.Context, d *decision, _ Resolver) error {
	if d.isSuper || d.in.List.AccessLevel != models.AccessLevelReadonly {
		return nil
	}
	d.replyTo = ""
	d.reason = BounceReadonlyList
	return nil
}

// resolveAgainst applies the shared from/sender resolution pattern to an
// address set. When From differs from the envelope sender and matches the
// set, the sender must verify as the From identity's alternate; an
// unverified sender yields no_comm_channel_match rather than the set's
// miss reason.
func resolveAgainst(ctx context.Context, resolver Resolver, d *decision, set map[string]bool, miss BounceReason) (string, BounceReason, error) {
	if d.from != d.sender && set[d.from] {
		confirmed, err := confirmAlternate(ctx, resolver, d.from, d.sender)
		if err != nil {
			return "", "", err
		}
		if confirmed {
			return d.from, "", nil
		}
		if set[d.sender] {
			return d.sender, "", nil
		}
		return "", BounceNoCommChannelMatch, nil
	}

	if set[d.sender] {
		return d.sender, "", nil
	}
	return "", miss, nil
}

// confirmAlternate reports whether candidate is a verified alternate
// channel of owner.
func confirmAlternate(ctx context.Context, resolver Resolver, owner, candidate string) (bool, error) {
	if resolver == nil {
		return false, nil
	}
	alternates, err := resolver.AlternatesFor(ctx, owner)
	if err != nil {
		return false, fmt.Errorf("confirm alternate of %s: %w", owner, err)
	}
	return alternates[strings.ToLower(candidate)], nil
}

// displayName resolves the name shown on the forwarded message: the stored
// preferred name wins, then the From header's display name when the From
// address is the resolved reply-to, then the roster's name for the address.
func (e *Engine) displayName(ctx context.Context, d *decision) (string, error) {
	name := d.in.PreferredName

	if name == "" && d.fromDisplay != "" && d.from == d.replyTo {
		name = d.fromDisplay
	}

	if name == "" && e.names != nil {
		rosterName, err := e.names.NameForEmail(ctx, d.in.List.CourseID, d.replyTo)
		if err != nil {
			return "", err
		}
		name = rosterName
	}

	if name != "" && d.in.DisplayNameSuffix != "" {
		name += " " + d.in.DisplayNameSuffix
	}
	return name, nil
}
