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

// Package sync reconciles listserv provider membership against the
// institutional enrollment roster. The roster minus per-list unsubscribes
// is the desired state; the provider's member list is the observed state;
// a sync applies exactly the symmetric difference.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	stdsync "sync"
	"time"

	"github.com/coursemail/listbridge/internal/listserv"
	"github.com/coursemail/listbridge/internal/models"
)

// Provider is the listserv side of a sync. Implemented by listserv.Client.
type Provider interface {
	GetList(ctx context.Context, address string) (*listserv.ListInfo, error)
	CreateList(ctx context.Context, address, accessLevel string) error
	UpdateList(ctx context.Context, address, accessLevel string) error
	ListMembers(ctx context.Context, address string, page int) ([]listserv.Member, error)
	PageSize() int
	AddMembers(ctx context.Context, address string, emails []string) error
	DeleteMember(ctx context.Context, address, email string) error
}

// Roster is the enrollment side of a sync. Implemented by roster.Client.
type Roster interface {
	ListEnrollments(ctx context.Context, courseID int64, sectionID *int64) ([]models.RosterMember, error)
	ListTeachingStaff(ctx context.Context, courseID int64) ([]models.RosterMember, error)
}

// Directory is the store state a sync reads and updates.
type Directory interface {
	GetOrCreateCourseSettings(ctx context.Context, courseID int64) (models.CourseSettings, error)
	Unsubscribed(ctx context.Context, listID int64) (map[string]bool, error)
	Whitelist(ctx context.Context) (map[string]bool, error)
	TouchSubscriptionsUpdated(ctx context.Context, listID int64) error
	ListsForCourse(ctx context.Context, courseID int64) ([]models.MailingList, error)
	ActiveLists(ctx context.Context) ([]models.MailingList, error)
}

// Options tweak a single sync run.
type Options struct {
	// IgnoreWhitelist skips whitelist filtering even when the service
	// enforces it. Used by operators to force a full sync of one list.
	IgnoreWhitelist bool
}

// Result summarises what one sync changed.
type Result struct {
	ListID  int64
	Address string
	Added   int
	Deleted int

	// Total is the provider-side member count after the sync.
	Total int
}

// Config holds the syncer's collaborators and tuning knobs.
type Config struct {
	Provider Provider
	Roster   Roster
	Store    Directory

	// Domain is the listserv domain list addresses live under.
	Domain string

	// BatchSize caps how many addresses one add call carries.
	BatchSize int

	// MaxMemberPages bounds the provider member walk so a paging bug
	// cannot loop forever.
	MaxMemberPages int

	// EnforceWhitelist restricts sync targets to whitelisted addresses.
	// On outside production so test runs never email real students.
	EnforceWhitelist bool

	Interval time.Duration
	Logger   *slog.Logger
}

// Syncer reconciles one mailing list at a time. Concurrent syncs of the
// same list are serialised by a per-list lock; different lists may sync in
// parallel.
type Syncer struct {
	provider  Provider
	roster    Roster
	store     Directory
	domain    string
	batchSize int
	maxPages  int
	enforce   bool
	interval  time.Duration
	logger    *slog.Logger

	mu        stdsync.Mutex
	listLocks map[int64]*stdsync.Mutex

	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

func New(cfg Config) *Syncer {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 1000
	}
	maxPages := cfg.MaxMemberPages
	if maxPages <= 0 {
		maxPages = 1000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		provider:  cfg.Provider,
		roster:    cfg.Roster,
		store:     cfg.Store,
		domain:    cfg.Domain,
		batchSize: batch,
		maxPages:  maxPages,
		enforce:   cfg.EnforceWhitelist,
		interval:  cfg.Interval,
		logger:    logger,
		listLocks: make(map[int64]*stdsync.Mutex),
	}
}

func (s *Syncer) lockFor(listID int64) *stdsync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listLocks[listID]
	if !ok {
		l = &stdsync.Mutex{}
		s.listLocks[listID] = l
	}
	return l
}

// SyncList reconciles one mailing list. The operation is idempotent: a
// second run with no roster changes applies nothing.
func (s *Syncer) SyncList(ctx context.Context, ml models.MailingList, opts Options) (Result, error) {
	lock := s.lockFor(ml.ID)
	lock.Lock()
	defer lock.Unlock()

	address := ml.Address(s.domain)
	res := Result{ListID: ml.ID, Address: address}

	if err := s.ensureProviderList(ctx, address, ml.AccessLevel); err != nil {
		return res, err
	}

	desired, err := s.desiredMembers(ctx, ml, opts)
	if err != nil {
		return res, err
	}

	current, err := s.currentMembers(ctx, address)
	if err != nil {
		return res, err
	}

	toAdd := subtract(desired, current)
	toDelete := subtract(current, desired)

	s.logger.Info("syncing mailing list",
		"list", address,
		"desired", len(desired),
		"current", len(current),
		"to_add", len(toAdd),
		"to_delete", len(toDelete))

	for start := 0; start < len(toAdd); start += s.batchSize {
		end := start + s.batchSize
		if end > len(toAdd) {
			end = len(toAdd)
		}
		if err := s.provider.AddMembers(ctx, address, toAdd[start:end]); err != nil {
			return res, fmt.Errorf("adding members to %s: %w", address, err)
		}
		res.Added = end
	}

	// The provider has no batch delete; removals go one at a time.
	for _, email := range toDelete {
		if err := s.provider.DeleteMember(ctx, address, email); err != nil {
			return res, fmt.Errorf("deleting %s from %s: %w", email, address, err)
		}
		res.Deleted++
	}

	res.Total = len(current) + res.Added - res.Deleted

	if err := s.store.TouchSubscriptionsUpdated(ctx, ml.ID); err != nil {
		return res, fmt.Errorf("recording sync time for list %d: %w", ml.ID, err)
	}

	s.logger.Info("mailing list synced",
		"list", address,
		"added", res.Added,
		"deleted", res.Deleted,
		"total", res.Total)
	return res, nil
}

// SyncCourse reconciles every list in a course.
func (s *Syncer) SyncCourse(ctx context.Context, courseID int64, opts Options) ([]Result, error) {
	lists, err := s.store.ListsForCourse(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("loading lists for course %d: %w", courseID, err)
	}
	results := make([]Result, 0, len(lists))
	for _, ml := range lists {
		res, err := s.SyncList(ctx, ml, opts)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// SyncAll reconciles every active list, continuing past per-list failures.
func (s *Syncer) SyncAll(ctx context.Context, opts Options) error {
	lists, err := s.store.ActiveLists(ctx)
	if err != nil {
		return fmt.Errorf("loading active lists: %w", err)
	}

	var failed int
	for _, ml := range lists {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.SyncList(ctx, ml, opts); err != nil {
			failed++
			s.logger.Error("list sync failed",
				"list", ml.Address(s.domain),
				"error", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d list syncs failed", failed, len(lists))
	}
	return nil
}

// StartPeriodic reconciles all active lists at the configured interval.
func (s *Syncer) StartPeriodic(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := s.SyncAll(loopCtx, Options{}); err != nil {
					s.logger.Error("periodic sync failed", "error", err)
				}
			}
		}
	}()

	s.logger.Info("periodic membership sync started", "interval", s.interval)
}

// Stop shuts down the periodic sync loop.
func (s *Syncer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Syncer) ensureProviderList(ctx context.Context, address string, level models.AccessLevel) error {
	info, err := s.provider.GetList(ctx, address)
	if err != nil {
		return fmt.Errorf("looking up provider list %s: %w", address, err)
	}
	if info == nil {
		s.logger.Info("creating provider list", "list", address)
		if err := s.provider.CreateList(ctx, address, string(level)); err != nil {
			return fmt.Errorf("creating provider list %s: %w", address, err)
		}
		return nil
	}
	if info.AccessLevel != string(level) {
		s.logger.Info("correcting provider access level",
			"list", address,
			"provider", info.AccessLevel,
			"stored", string(level))
		if err := s.provider.UpdateList(ctx, address, string(level)); err != nil {
			return fmt.Errorf("updating provider list %s: %w", address, err)
		}
	}
	return nil
}

// desiredMembers computes the target member set: enrollments, plus
// teaching staff when the course mails staff on every list, minus
// unsubscribes, intersected with the whitelist when enforced.
func (s *Syncer) desiredMembers(ctx context.Context, ml models.MailingList, opts Options) (map[string]bool, error) {
	enrollments, err := s.roster.ListEnrollments(ctx, ml.CourseID, ml.SectionID)
	if err != nil {
		return nil, fmt.Errorf("loading enrollments for course %d: %w", ml.CourseID, err)
	}

	desired := make(map[string]bool, len(enrollments))
	for _, m := range enrollments {
		if m.Email != "" {
			desired[strings.ToLower(m.Email)] = true
		}
	}

	settings, err := s.store.GetOrCreateCourseSettings(ctx, ml.CourseID)
	if err != nil {
		return nil, fmt.Errorf("loading settings for course %d: %w", ml.CourseID, err)
	}
	if settings.AlwaysMailStaff {
		staff, err := s.roster.ListTeachingStaff(ctx, ml.CourseID)
		if err != nil {
			return nil, fmt.Errorf("loading teaching staff for course %d: %w", ml.CourseID, err)
		}
		for _, m := range staff {
			if m.Email != "" {
				desired[strings.ToLower(m.Email)] = true
			}
		}
	}

	unsubscribed, err := s.store.Unsubscribed(ctx, ml.ID)
	if err != nil {
		return nil, fmt.Errorf("loading unsubscribes for list %d: %w", ml.ID, err)
	}
	for email := range unsubscribed {
		delete(desired, email)
	}

	if s.enforce && !opts.IgnoreWhitelist {
		whitelist, err := s.store.Whitelist(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading whitelist: %w", err)
		}
		for email := range desired {
			if !whitelist[email] {
				delete(desired, email)
			}
		}
	}

	return desired, nil
}

// currentMembers walks the provider's member pages. The walk is bounded;
// exceeding the bound reports an error rather than syncing against a
// truncated set.
func (s *Syncer) currentMembers(ctx context.Context, address string) (map[string]bool, error) {
	current := make(map[string]bool)
	for page := 0; ; page++ {
		if page >= s.maxPages {
			return nil, fmt.Errorf("member listing for %s exceeded %d pages", address, s.maxPages)
		}
		members, err := s.provider.ListMembers(ctx, address, page)
		if err != nil {
			return nil, fmt.Errorf("listing members of %s: %w", address, err)
		}
		for _, m := range members {
			current[strings.ToLower(m.Address)] = true
		}
		if len(members) < s.provider.PageSize() {
			return current, nil
		}
	}
}

// subtract returns the members of a not in b, sorted.
func subtract(a, b map[string]bool) []string {
	var out []string
	for k := range a {
		if !b[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
