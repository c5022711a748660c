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

// Package models defines the data structures shared across the bridge service.
package models

import (
	"fmt"
	"time"
)

// AccessLevel governs who may send to a mailing list.
type AccessLevel string

const (
	AccessLevelMembers  AccessLevel = "members"
	AccessLevelEveryone AccessLevel = "everyone"
	AccessLevelStaff    AccessLevel = "staff"
	AccessLevelReadonly AccessLevel = "readonly"
)

// Valid reports whether the access level is one of the four known values.
func (a AccessLevel) Valid() bool {
	switch a {
	case AccessLevelMembers, AccessLevelEveryone, AccessLevelStaff, AccessLevelReadonly:
		return true
	}
	return false
}

// MailingList represents one course or section mailing list. A course-wide
// list has a nil SectionID; at most one list exists per (course, section)
// pair.
type MailingList struct {
	ID          int64
	CourseID    int64
	SectionID   *int64
	AccessLevel AccessLevel
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// SubscriptionsUpdated is the time of the last successful membership
	// sync against the listserv provider.
	SubscriptionsUpdated *time.Time
}

// Address derives the list's inbound address under the given listserv domain.
func (m MailingList) Address(domain string) string {
	if m.SectionID != nil {
		return fmt.Sprintf("canvas-%d-%d@%s", m.CourseID, *m.SectionID, domain)
	}
	return fmt.Sprintf("canvas-%d@%s", m.CourseID, domain)
}

// IsCourseList reports whether this is the course-wide list.
func (m MailingList) IsCourseList() bool { return m.SectionID == nil }

// CourseSettings holds per-course options, created lazily with defaults on
// first access.
type CourseSettings struct {
	CourseID        int64
	AlwaysMailStaff bool
}

// SuperSender is an address permitted to send to any list in a school
// regardless of membership.
type SuperSender struct {
	SchoolID string
	Email    string
}

// RosterMember is one enrollment entry from the roster provider.
type RosterMember struct {
	Email string
	Role  string
	Name  string
}

// Course holds the roster provider's course attributes the bridge needs.
type Course struct {
	ID         int64
	SchoolID   string
	ShortTitle string
}

// File describes one attachment or inline part of an inbound message.
// DeclaredSize comes from the provider's metadata and is used for the size
// gate before the content is read.
type File struct {
	Name         string
	ContentType  string
	DeclaredSize int64
	Content      []byte

	// CID is the content id an inline part was referenced by in the
	// message bodies. Empty for ordinary attachments.
	CID string
}

// InboundEvent is one inbound message delivered by the listserv provider's
// webhook. It lives for a single handler invocation; the only trace it
// leaves behind is the duplicate-guard entry.
type InboundEvent struct {
	Sender     string // envelope address, may carry a BATV prefix
	From       string // From header, may carry a display name
	Recipients []string
	Subject    string
	BodyPlain  string
	BodyHTML   string
	MessageID  string
	ToHeader   []string
	CcHeader   []string

	Attachments []File
	Inlines     []File

	// DeclaredAttachmentCount is the number of attachments the provider
	// claims the message has, checked against what actually arrived.
	DeclaredAttachmentCount int
}

// DeclaredPayloadSize sums the declared sizes of all attachment and inline
// parts.
func (e *InboundEvent) DeclaredPayloadSize() int64 {
	var total int64
	for _, f := range e.Attachments {
		total += f.DeclaredSize
	}
	for _, f := range e.Inlines {
		total += f.DeclaredSize
	}
	return total
}
