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

// Package roster provides a client for the institutional enrollment API.
// Enrollment and staff sets are snapshots recomputed on demand; nothing
// from the roster is persisted by the bridge.
package roster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/coursemail/listbridge/internal/models"
)

// teachingStaffRoles are the enrollment roles counted as teaching staff.
var teachingStaffRoles = map[string]bool{
	"teacher":  true,
	"ta":       true,
	"designer": true,
}

// Error wraps a roster provider failure. Provider errors are retryable by
// the caller; they are never access-control decisions.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("roster %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// IsRosterError reports whether err originated in the roster provider.
func IsRosterError(err error) bool {
	var re *Error
	return errors.As(err, &re)
}

// Client talks to the enrollment roster API with bearer-token auth.
type Client struct {
	httpClient *http.Client
	baseURL    string
	pageSize   int
}

// NewClient creates a roster client. The access token is attached through
// an oauth2 transport so retries and token handling stay in one place.
func NewClient(ctx context.Context, baseURL, token string, timeout time.Duration) *Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(ctx, src)
	httpClient.Timeout = timeout

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		pageSize:   100,
	}
}

// enrollmentRecord mirrors one entry of the paged enrollments response.
type enrollmentRecord struct {
	Email     string `json:"email"`
	Role      string `json:"role"`
	Name      string `json:"name"`
	SectionID int64  `json:"section_id"`
}

// courseRecord mirrors the course detail response.
type courseRecord struct {
	ID         int64  `json:"id"`
	SchoolID   string `json:"school_id"`
	ShortTitle string `json:"short_title"`
}

// ListEnrollments returns all enrollments for a course, filtered to one
// section when sectionID is non-nil. Addresses are lowercased.
func (c *Client) ListEnrollments(ctx context.Context, courseID int64, sectionID *int64) ([]models.RosterMember, error) {
	records, err := c.pageEnrollments(ctx, courseID)
	if err != nil {
		return nil, err
	}

	var members []models.RosterMember
	for _, r := range records {
		if r.Email == "" {
			continue
		}
		if sectionID != nil && r.SectionID != *sectionID {
			continue
		}
		members = append(members, models.RosterMember{
			Email: strings.ToLower(r.Email),
			Role:  r.Role,
			Name:  r.Name,
		})
	}
	return members, nil
}

// ListTeachingStaff returns the teaching-staff members of a course across
// all its sections (teachers, TAs, and designers).
func (c *Client) ListTeachingStaff(ctx context.Context, courseID int64) ([]models.RosterMember, error) {
	records, err := c.pageEnrollments(ctx, courseID)
	if err != nil {
		return nil, err
	}

	var staff []models.RosterMember
	for _, r := range records {
		if r.Email == "" || !teachingStaffRoles[strings.ToLower(r.Role)] {
			continue
		}
		staff = append(staff, models.RosterMember{
			Email: strings.ToLower(r.Email),
			Role:  r.Role,
			Name:  r.Name,
		})
	}
	return staff, nil
}

// GetCourse returns the course's school id and short title. A course the
// roster does not know yields a nil course, not an error.
func (c *Client) GetCourse(ctx context.Context, courseID int64) (*models.Course, error) {
	u := fmt.Sprintf("%s/courses/%d", c.baseURL, courseID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &Error{Op: "get course", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Op: "get course", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		slog.Warn("course not found in roster", "course_id", courseID)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &Error{Op: "get course", Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))}
	}

	var rec courseRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, &Error{Op: "get course", Err: err}
	}

	return &models.Course{
		ID:         rec.ID,
		SchoolID:   rec.SchoolID,
		ShortTitle: rec.ShortTitle,
	}, nil
}

// NameForEmail looks up the display name the roster has for an address in a
// course. Returns "" when unknown.
func (c *Client) NameForEmail(ctx context.Context, courseID int64, email string) (string, error) {
	records, err := c.pageEnrollments(ctx, courseID)
	if err != nil {
		return "", err
	}

	email = strings.ToLower(email)
	for _, r := range records {
		if strings.ToLower(r.Email) == email {
			return r.Name, nil
		}
	}
	return "", nil
}

// pageEnrollments fetches every page of a course's enrollments.
func (c *Client) pageEnrollments(ctx context.Context, courseID int64) ([]enrollmentRecord, error) {
	var all []enrollmentRecord

	for page := 1; ; page++ {
		u := fmt.Sprintf("%s/courses/%d/enrollments?%s", c.baseURL, courseID, url.Values{
			"page":     {fmt.Sprintf("%d", page)},
			"per_page": {fmt.Sprintf("%d", c.pageSize)},
		}.Encode())

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, &Error{Op: "list enrollments", Err: err}
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, &Error{Op: "list enrollments", Err: err}
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, &Error{Op: "list enrollments", Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))}
		}

		var batch []enrollmentRecord
		err = json.NewDecoder(resp.Body).Decode(&batch)
		resp.Body.Close()
		if err != nil {
			return nil, &Error{Op: "list enrollments", Err: err}
		}

		all = append(all, batch...)
		if len(batch) < c.pageSize {
			return all, nil
		}
	}
}
