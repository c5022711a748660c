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

// Package webhook receives the listserv provider's inbound-route posts.
// Each post is one message sent to one or more list addresses; the
// handler authenticates the post, then runs every recipient through the
// duplicate guard and the access-control decision engine, and forwards or
// bounces accordingly.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/coursemail/listbridge/internal/address"
	"github.com/coursemail/listbridge/internal/deliver"
	"github.com/coursemail/listbridge/internal/engine"
	"github.com/coursemail/listbridge/internal/identity"
	"github.com/coursemail/listbridge/internal/models"
)

// maxFormMemory caps how much of a multipart post is held in memory;
// larger attachment parts spill to temp files.
const maxFormMemory = 32 << 20

// Authenticator checks the provider's webhook signature.
type Authenticator interface {
	Verify(timestamp, token, signature string) error
}

// Guard is the duplicate-delivery check.
type Guard interface {
	Seen(ctx context.Context, messageID, recipient string) (bool, error)
	MarkHandled(ctx context.Context, messageID, recipient string) error
}

// ListStore is the store state the handler reads.
type ListStore interface {
	GetList(ctx context.Context, courseID int64, sectionID *int64) (*models.MailingList, error)
	Unsubscribed(ctx context.Context, listID int64) (map[string]bool, error)
	SuperSenders(ctx context.Context, schoolID string) (map[string]bool, error)
	Whitelist(ctx context.Context) (map[string]bool, error)
}

// RosterSource is the enrollment state the handler reads.
type RosterSource interface {
	ListEnrollments(ctx context.Context, courseID int64, sectionID *int64) ([]models.RosterMember, error)
	ListTeachingStaff(ctx context.Context, courseID int64) ([]models.RosterMember, error)
	GetCourse(ctx context.Context, courseID int64) (*models.Course, error)
}

// Bouncer sends undeliverable-mail notices.
type Bouncer interface {
	Bounce(ctx context.Context, reason engine.BounceReason, event *models.InboundEvent, listAddress, author string) error
}

// Forwarder relays accepted messages.
type Forwarder interface {
	Forward(ctx context.Context, in deliver.ForwardInput) error
}

// Config holds the handler's collaborators.
type Config struct {
	Auth      Authenticator
	Guard     Guard
	Store     ListStore
	Roster    RosterSource
	Identity  identity.Provider
	Engine    *engine.Engine
	Bouncer   Bouncer
	Forwarder Forwarder

	// Domain is the listserv domain list addresses live under.
	Domain string

	// SizeCap is the maximum declared attachment payload in bytes.
	SizeCap int64

	// DisplaySuffix is appended to resolved sender display names so
	// recipients can tell bridged mail apart.
	DisplaySuffix string

	// EnforceWhitelist restricts forwarding to whitelisted recipients,
	// mirroring the sync engine's filter.
	EnforceWhitelist bool
}

// Handler processes inbound-route posts.
type Handler struct {
	cfg Config
}

func NewHandler(cfg Config) *Handler {
	return &Handler{cfg: cfg}
}

// ServeInbound handles one inbound-route post.
//
// Responses:
//   - 200 once every recipient is handled (including bounces)
//   - 401 when the signature check fails
//   - 406 when declared attachments are missing, so the provider retries
//     the post once the full payload is available
//   - 500 when a forward or bounce could not be sent
func (h *Handler) ServeInbound(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, false)
		return
	}

	if err := h.parseForm(r); err != nil {
		slog.Error("failed to parse inbound post", "error", err)
		writeJSON(w, http.StatusBadRequest, false)
		return
	}

	if err := h.cfg.Auth.Verify(
		r.PostFormValue("timestamp"),
		r.PostFormValue("token"),
		r.PostFormValue("signature"),
	); err != nil {
		slog.Warn("inbound post failed signature check", "error", err)
		writeJSON(w, http.StatusUnauthorized, false)
		return
	}

	event, err := h.buildEvent(r)
	if err != nil {
		slog.Error("failed to read inbound message", "error", err)
		writeJSON(w, http.StatusBadRequest, false)
		return
	}

	slog.Info("handling inbound message",
		"sender", event.Sender,
		"recipients", event.Recipients,
		"subject", event.Subject,
		"message_id", event.MessageID)

	// One resolver per event so alternate-channel lookups are shared
	// across its recipients but never across events.
	resolver := identity.NewResolver(h.cfg.Identity)

	status := http.StatusOK
	for _, recipient := range event.Recipients {
		rcptStatus, err := h.handleRecipient(r.Context(), event, recipient, resolver)
		if err != nil {
			slog.Error("failed to handle recipient",
				"recipient", recipient,
				"message_id", event.MessageID,
				"error", err)
			status = http.StatusInternalServerError
			continue
		}
		if rcptStatus != http.StatusOK && status == http.StatusOK {
			status = rcptStatus
		}
	}

	writeJSON(w, status, status == http.StatusOK)
}

func (h *Handler) parseForm(r *http.Request) error {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/") {
		return r.ParseMultipartForm(maxFormMemory)
	}
	return r.ParseForm()
}

// buildEvent assembles the inbound event from the post's form fields and
// file parts. The content-id map tells inline parts apart from ordinary
// attachments.
func (h *Handler) buildEvent(r *http.Request) (*models.InboundEvent, error) {
	event := &models.InboundEvent{
		Sender:     r.PostFormValue("sender"),
		From:       r.PostFormValue("from"),
		Recipients: address.SplitList(r.PostFormValue("recipient")),
		Subject:    r.PostFormValue("subject"),
		BodyPlain:  r.PostFormValue("body-plain"),
		BodyHTML:   r.PostFormValue("body-html"),
		MessageID:  r.PostFormValue("Message-Id"),
		ToHeader:   address.SplitList(r.PostFormValue("To")),
		CcHeader:   address.SplitList(r.PostFormValue("Cc")),
	}

	if countStr := r.PostFormValue("attachment-count"); countStr != "" {
		count, err := strconv.Atoi(countStr)
		if err != nil {
			return nil, fmt.Errorf("bad attachment-count %q: %w", countStr, err)
		}
		event.DeclaredAttachmentCount = count
	}

	// The provider names inline parts in the content-id map, keyed by
	// the cid the bodies reference.
	nameToCID := make(map[string]string)
	if cidJSON := r.PostFormValue("content-id-map"); cidJSON != "" {
		var cidMap map[string]string
		if err := json.Unmarshal([]byte(cidJSON), &cidMap); err != nil {
			slog.Warn("unreadable content-id map, treating all files as attachments",
				"error", err)
		} else {
			for cid, field := range cidMap {
				nameToCID[field] = strings.Trim(cid, "<>")
			}
		}
	}

	if r.MultipartForm == nil {
		return event, nil
	}
	for i := 1; i <= event.DeclaredAttachmentCount; i++ {
		field := fmt.Sprintf("attachment-%d", i)
		headers, ok := r.MultipartForm.File[field]
		if !ok || len(headers) == 0 {
			continue
		}
		fh := headers[0]

		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", field, err)
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", field, err)
		}

		file := models.File{
			Name:         fh.Filename,
			ContentType:  fh.Header.Get("Content-Type"),
			DeclaredSize: fh.Size,
			Content:      content,
		}
		if cid, inline := nameToCID[field]; inline {
			file.CID = cid
			file.Name = strings.ReplaceAll(file.Name, " ", "_")
			event.Inlines = append(event.Inlines, file)
		} else {
			event.Attachments = append(event.Attachments, file)
		}
	}

	return event, nil
}

// handleRecipient runs one recipient through the full pipeline and
// returns the HTTP status its outcome maps to.
func (h *Handler) handleRecipient(ctx context.Context, event *models.InboundEvent, recipient string, resolver *identity.Resolver) (int, error) {
	_, rcptAddr := address.Split(recipient)

	seen, err := h.cfg.Guard.Seen(ctx, event.MessageID, rcptAddr)
	if err != nil {
		slog.Warn("duplicate check failed, proceeding",
			"recipient", rcptAddr, "error", err)
	} else if seen {
		slog.Warn("message already handled for recipient, dropping",
			"message_id", event.MessageID, "recipient", rcptAddr)
		return http.StatusOK, nil
	}

	_, senderAddr := address.Split(event.Sender)
	senderAddr = address.StripBATV(senderAddr)

	courseID, sectionID, err := address.Parse(rcptAddr, h.cfg.Domain)
	if err != nil {
		return h.bounce(ctx, engine.BounceDoesNotExist, event, rcptAddr, senderAddr)
	}
	ml, err := h.cfg.Store.GetList(ctx, courseID, sectionID)
	if err != nil {
		return 0, fmt.Errorf("looking up list for %s: %w", rcptAddr, err)
	}
	if ml == nil {
		return h.bounce(ctx, engine.BounceDoesNotExist, event, rcptAddr, senderAddr)
	}

	if v := engine.Gate(event, h.cfg.SizeCap); v != nil {
		status, err := h.bounce(ctx, v.Reason, event, rcptAddr, senderAddr)
		if err != nil {
			return status, err
		}
		if v.ClientError {
			return http.StatusNotAcceptable, nil
		}
		return status, nil
	}

	course, err := h.cfg.Roster.GetCourse(ctx, ml.CourseID)
	if err != nil {
		slog.Warn("could not load course, skipping school checks and subject prefix",
			"course_id", ml.CourseID, "error", err)
	}
	schoolID, shortTitle := "", ""
	if course != nil {
		schoolID, shortTitle = course.SchoolID, course.ShortTitle
	}

	staffSet, memberSet, err := h.memberSets(ctx, ml)
	if err != nil {
		return 0, err
	}
	superSenders, err := h.cfg.Store.SuperSenders(ctx, schoolID)
	if err != nil {
		return 0, fmt.Errorf("loading super senders for school %q: %w", schoolID, err)
	}

	verdict, err := h.cfg.Engine.Decide(ctx, engine.DecisionInput{
		Sender:            event.Sender,
		From:              event.From,
		List:              *ml,
		Members:           memberSet,
		Staff:             staffSet,
		SuperSenders:      superSenders,
		DisplayNameSuffix: h.cfg.DisplaySuffix,
	}, resolver)
	if err != nil {
		return 0, fmt.Errorf("deciding %s for %s: %w", event.MessageID, rcptAddr, err)
	}

	switch {
	case verdict.SilentDrop:
		slog.Info("dropping message from the no-reply address",
			"message_id", event.MessageID, "recipient", rcptAddr)
	case verdict.Bounced():
		if _, err := h.bounce(ctx, verdict.Reason, event, rcptAddr, senderAddr); err != nil {
			return 0, err
		}
	default:
		to, err := h.deliverySet(ctx, ml, staffSet, memberSet)
		if err != nil {
			return 0, err
		}
		err = h.cfg.Forwarder.Forward(ctx, deliver.ForwardInput{
			Event:       event,
			List:        *ml,
			Verdict:     verdict,
			Members:     to,
			ListAddress: rcptAddr,
			ShortTitle:  shortTitle,
		})
		if err != nil {
			return 0, fmt.Errorf("forwarding to %s: %w", rcptAddr, err)
		}
	}

	if err := h.cfg.Guard.MarkHandled(ctx, event.MessageID, rcptAddr); err != nil {
		slog.Warn("failed to record handled message",
			"message_id", event.MessageID, "recipient", rcptAddr, "error", err)
	}
	return http.StatusOK, nil
}

func (h *Handler) bounce(ctx context.Context, reason engine.BounceReason, event *models.InboundEvent, listAddress, author string) (int, error) {
	if err := h.cfg.Bouncer.Bounce(ctx, reason, event, listAddress, author); err != nil {
		return 0, fmt.Errorf("bouncing %s for %s: %w", reason, listAddress, err)
	}
	if err := h.cfg.Guard.MarkHandled(ctx, event.MessageID, listAddress); err != nil {
		slog.Warn("failed to record handled message",
			"message_id", event.MessageID, "recipient", listAddress, "error", err)
	}
	return http.StatusOK, nil
}

// memberSets loads the roster-derived staff and member sets. Staff are
// always part of the member set so they can post to any list in the
// course.
func (h *Handler) memberSets(ctx context.Context, ml *models.MailingList) (staff, members map[string]bool, err error) {
	staffList, err := h.cfg.Roster.ListTeachingStaff(ctx, ml.CourseID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading teaching staff for course %d: %w", ml.CourseID, err)
	}
	enrollments, err := h.cfg.Roster.ListEnrollments(ctx, ml.CourseID, ml.SectionID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading enrollments for course %d: %w", ml.CourseID, err)
	}

	staff = make(map[string]bool, len(staffList))
	members = make(map[string]bool, len(staffList)+len(enrollments))
	for _, m := range staffList {
		a := strings.ToLower(m.Email)
		staff[a] = true
		members[a] = true
	}
	for _, m := range enrollments {
		members[strings.ToLower(m.Email)] = true
	}
	return staff, members, nil
}

// deliverySet is the forward recipient list: everyone in the member set
// minus unsubscribes, restricted to the whitelist when enforced.
func (h *Handler) deliverySet(ctx context.Context, ml *models.MailingList, staff, members map[string]bool) ([]string, error) {
	unsubscribed, err := h.cfg.Store.Unsubscribed(ctx, ml.ID)
	if err != nil {
		return nil, fmt.Errorf("loading unsubscribes for list %d: %w", ml.ID, err)
	}

	var whitelist map[string]bool
	if h.cfg.EnforceWhitelist {
		whitelist, err = h.cfg.Store.Whitelist(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading whitelist: %w", err)
		}
	}

	var out []string
	for a := range members {
		if unsubscribed[a] {
			continue
		}
		if whitelist != nil && !whitelist[a] && !staff[a] {
			continue
		}
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, success bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]bool{"success": success})
}

// Serve starts the webhook HTTP server on the given port. It binds the
// port immediately and signals readiness via the returned channel before
// accepting connections.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/inbound", handler.ServeInbound)

	server := &http.Server{Handler: mux}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind webhook port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("webhook server shutting down")
		server.Close()
	}()

	go func() {
		slog.Info("webhook server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("webhook server error", "error", err)
		}
	}()

	return ready, nil
}
