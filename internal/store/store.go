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

// Package store is the Postgres-backed state of the bridge: mailing list
// records, per-list unsubscribes, course settings, super senders, and the
// developer email whitelist.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coursemail/listbridge/internal/models"
)

// Store provides CRUD operations over the bridge's Postgres tables.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store backed by the given Postgres pool and ensures the
// schema exists.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	slog.Info("store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS mailing_lists (
			id                    BIGSERIAL PRIMARY KEY,
			course_id             BIGINT NOT NULL,
			section_id            BIGINT,
			access_level          TEXT NOT NULL DEFAULT 'members',
			active                BOOLEAN NOT NULL DEFAULT FALSE,
			created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			subscriptions_updated TIMESTAMPTZ
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_lists_course_section
			ON mailing_lists(course_id, section_id) WHERE section_id IS NOT NULL;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_lists_course
			ON mailing_lists(course_id) WHERE section_id IS NULL;

		CREATE TABLE IF NOT EXISTS unsubscribed (
			id              BIGSERIAL PRIMARY KEY,
			mailing_list_id BIGINT NOT NULL REFERENCES mailing_lists(id) ON DELETE CASCADE,
			email           TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(mailing_list_id, email)
		);

		CREATE TABLE IF NOT EXISTS course_settings (
			course_id         BIGINT PRIMARY KEY,
			always_mail_staff BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS super_senders (
			id        BIGSERIAL PRIMARY KEY,
			school_id TEXT NOT NULL,
			email     TEXT NOT NULL,
			UNIQUE(school_id, email)
		);
		CREATE INDEX IF NOT EXISTS idx_super_senders_school ON super_senders(school_id);

		CREATE TABLE IF NOT EXISTS email_whitelist (
			email TEXT PRIMARY KEY
		);
	`)
	return err
}

const listColumns = `id, course_id, section_id, access_level, active,
       created_at, updated_at, subscriptions_updated`

// GetList looks up the list for a course, or a section of it when
// sectionID is non-nil. Returns nil when no such list exists.
func (s *Store) GetList(ctx context.Context, courseID int64, sectionID *int64) (*models.MailingList, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+listColumns+`
		FROM mailing_lists
		WHERE course_id = $1 AND section_id IS NOT DISTINCT FROM $2
	`, courseID, sectionID)
	return scanList(row)
}

// GetListByID returns the list with the given primary key, or nil.
func (s *Store) GetListByID(ctx context.Context, id int64) (*models.MailingList, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+listColumns+`
		FROM mailing_lists
		WHERE id = $1
	`, id)
	return scanList(row)
}

// CreateList inserts a new list record. The (course, section) pair is
// unique; concurrent creates fall back to reading the winner's row.
func (s *Store) CreateList(ctx context.Context, courseID int64, sectionID *int64, level models.AccessLevel) (*models.MailingList, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO mailing_lists (course_id, section_id, access_level)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
		RETURNING `+listColumns+`
	`, courseID, sectionID, string(level))
	ml, err := scanList(row)
	if err != nil {
		return nil, err
	}
	if ml == nil {
		return s.GetList(ctx, courseID, sectionID)
	}
	return ml, nil
}

// ListsForCourse returns every list in a course, course-wide first.
func (s *Store) ListsForCourse(ctx context.Context, courseID int64) ([]models.MailingList, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+listColumns+`
		FROM mailing_lists
		WHERE course_id = $1
		ORDER BY section_id NULLS FIRST
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLists(rows)
}

// ActiveLists returns all lists eligible for periodic sync.
func (s *Store) ActiveLists(ctx context.Context) ([]models.MailingList, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+listColumns+`
		FROM mailing_lists
		WHERE active
		ORDER BY course_id, section_id NULLS FIRST
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLists(rows)
}

// UpdateAccessLevel changes who may send to the list.
func (s *Store) UpdateAccessLevel(ctx context.Context, listID int64, level models.AccessLevel) error {
	if !level.Valid() {
		return fmt.Errorf("invalid access level %q", level)
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE mailing_lists
		SET access_level = $1, updated_at = NOW()
		WHERE id = $2
	`, string(level), listID)
	return err
}

// SetActive flips whether the list participates in sync and delivery.
func (s *Store) SetActive(ctx context.Context, listID int64, active bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mailing_lists
		SET active = $1, updated_at = NOW()
		WHERE id = $2
	`, active, listID)
	return err
}

// TouchSubscriptionsUpdated records a successful membership sync.
func (s *Store) TouchSubscriptionsUpdated(ctx context.Context, listID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mailing_lists
		SET subscriptions_updated = NOW(), updated_at = NOW()
		WHERE id = $1
	`, listID)
	return err
}

// Unsubscribed returns the set of addresses that opted out of the list,
// lowercased.
func (s *Store) Unsubscribed(ctx context.Context, listID int64) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT LOWER(email) FROM unsubscribed WHERE mailing_list_id = $1
	`, listID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSet(rows)
}

// Unsubscribe records an opt-out. Repeats are no-ops.
func (s *Store) Unsubscribe(ctx context.Context, listID int64, email string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO unsubscribed (mailing_list_id, email)
		VALUES ($1, LOWER($2))
		ON CONFLICT DO NOTHING
	`, listID, email)
	return err
}

// Resubscribe removes an opt-out so the next sync re-adds the address.
func (s *Store) Resubscribe(ctx context.Context, listID int64, email string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM unsubscribed
		WHERE mailing_list_id = $1 AND email = LOWER($2)
	`, listID, email)
	return err
}

// GetOrCreateCourseSettings returns the course's settings, creating the
// default row on first use.
func (s *Store) GetOrCreateCourseSettings(ctx context.Context, courseID int64) (models.CourseSettings, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO course_settings (course_id)
		VALUES ($1)
		ON CONFLICT (course_id) DO UPDATE SET course_id = EXCLUDED.course_id
		RETURNING course_id, always_mail_staff
	`, courseID)
	var cs models.CourseSettings
	if err := row.Scan(&cs.CourseID, &cs.AlwaysMailStaff); err != nil {
		return models.CourseSettings{}, err
	}
	return cs, nil
}

// SetAlwaysMailStaff controls whether teaching staff are included in every
// list of the course regardless of section.
func (s *Store) SetAlwaysMailStaff(ctx context.Context, courseID int64, on bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO course_settings (course_id, always_mail_staff)
		VALUES ($1, $2)
		ON CONFLICT (course_id) DO UPDATE SET
			always_mail_staff = EXCLUDED.always_mail_staff,
			updated_at        = NOW()
	`, courseID, on)
	return err
}

// SuperSenders returns the privileged sender set for a school, lowercased.
// An empty school id yields an empty set.
func (s *Store) SuperSenders(ctx context.Context, schoolID string) (map[string]bool, error) {
	if schoolID == "" {
		return map[string]bool{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT LOWER(email) FROM super_senders WHERE school_id = $1
	`, schoolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSet(rows)
}

// AddSuperSender grants an address send access to every list in a school.
func (s *Store) AddSuperSender(ctx context.Context, schoolID, email string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO super_senders (school_id, email)
		VALUES ($1, LOWER($2))
		ON CONFLICT DO NOTHING
	`, schoolID, email)
	return err
}

// Whitelist returns every whitelisted address, lowercased. Used outside
// production to keep sync from emailing real students.
func (s *Store) Whitelist(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT LOWER(email) FROM email_whitelist`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSet(rows)
}

// AddToWhitelist marks an address safe to receive non-production mail.
func (s *Store) AddToWhitelist(ctx context.Context, email string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_whitelist (email)
		VALUES (LOWER($1))
		ON CONFLICT DO NOTHING
	`, email)
	return err
}

func scanList(row pgx.Row) (*models.MailingList, error) {
	var ml models.MailingList
	err := row.Scan(
		&ml.ID, &ml.CourseID, &ml.SectionID, &ml.AccessLevel, &ml.Active,
		&ml.CreatedAt, &ml.UpdatedAt, &ml.SubscriptionsUpdated,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ml, nil
}

func collectLists(rows pgx.Rows) ([]models.MailingList, error) {
	var lists []models.MailingList
	for rows.Next() {
		var ml models.MailingList
		if err := rows.Scan(
			&ml.ID, &ml.CourseID, &ml.SectionID, &ml.AccessLevel, &ml.Active,
			&ml.CreatedAt, &ml.UpdatedAt, &ml.SubscriptionsUpdated,
		); err != nil {
			return nil, err
		}
		lists = append(lists, ml)
	}
	return lists, rows.Err()
}

func collectSet(rows pgx.Rows) (map[string]bool, error) {
	set := make(map[string]bool)
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		set[email] = true
	}
	return set, rows.Err()
}
