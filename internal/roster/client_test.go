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

package roster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func testClient(serverURL string) *Client {
	return NewClient(context.Background(), serverURL, "tok", 5*time.Second)
}

// enrollmentServer pages the given records per_page at a time.
func enrollmentServer(t *testing.T, records []enrollmentRecord) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
		if page < 1 || perPage < 1 {
			t.Errorf("bad paging params: %s", r.URL.RawQuery)
		}

		start := (page - 1) * perPage
		end := start + perPage
		if start > len(records) {
			start = len(records)
		}
		if end > len(records) {
			end = len(records)
		}
		json.NewEncoder(w).Encode(records[start:end])
	}))
}

// TestListEnrollments_Pagination verifies multi-page fetch and section filter.
func TestListEnrollments_Pagination(t *testing.T) {
	var records []enrollmentRecord
	for i := 0; i < 150; i++ {
		sec := int64(10)
		if i%2 == 0 {
			sec = 11
		}
		records = append(records, enrollmentRecord{
			Email:     "Student" + strconv.Itoa(i) + "@X.edu",
			Role:      "student",
			SectionID: sec,
		})
	}

	server := enrollmentServer(t, records)
	defer server.Close()

	c := testClient(server.URL)

	all, err := c.ListEnrollments(context.Background(), 4998, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 150 {
		t.Errorf("got %d enrollments, want 150", len(all))
	}
	if all[0].Email != "student0@x.edu" {
		t.Errorf("address not lowercased: %q", all[0].Email)
	}

	sec := int64(10)
	filtered, err := c.ListEnrollments(context.Background(), 4998, &sec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(filtered) != 75 {
		t.Errorf("got %d section enrollments, want 75", len(filtered))
	}
}

// TestListTeachingStaff verifies the staff role filter.
func TestListTeachingStaff(t *testing.T) {
	server := enrollmentServer(t, []enrollmentRecord{
		{Email: "prof@x.edu", Role: "Teacher"},
		{Email: "ta@x.edu", Role: "ta"},
		{Email: "designer@x.edu", Role: "designer"},
		{Email: "student@x.edu", Role: "student"},
		{Email: "observer@x.edu", Role: "observer"},
	})
	defer server.Close()

	staff, err := testClient(server.URL).ListTeachingStaff(context.Background(), 4998)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(staff) != 3 {
		t.Fatalf("got %d staff, want 3: %v", len(staff), staff)
	}
}

// TestGetCourse verifies course lookup plus the not-found case.
func TestGetCourse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/courses/4998" {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(courseRecord{ID: 4998, SchoolID: "colgsas", ShortTitle: "BIO 101"})
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	c := testClient(server.URL)

	course, err := c.GetCourse(context.Background(), 4998)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if course == nil || course.SchoolID != "colgsas" || course.ShortTitle != "BIO 101" {
		t.Errorf("course = %+v", course)
	}

	missing, err := c.GetCourse(context.Background(), 9999)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown course, got %+v", missing)
	}
}

// TestProviderError verifies 5xx responses surface as roster errors.
func TestProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := testClient(server.URL).ListEnrollments(context.Background(), 4998, nil)
	if !IsRosterError(err) {
		t.Errorf("expected roster error, got %v", err)
	}
}
