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

// Package address maps inbound recipient addresses to course and section
// identifiers and normalises sender addresses for comparison. Two fixed
// formats bind list addresses to the configured listserv domain:
//
//	canvas-{course_id}@{domain}
//	canvas-{course_id}-{section_id}@{domain}
package address

import (
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
)

// ErrAddressNotFound is returned when a recipient address matches neither
// list address format.
var ErrAddressNotFound = errors.New("recipient is not a list address")

var (
	listPattern = regexp.MustCompile(`^canvas-(\d+)(?:-(\d+))?$`)

	// batvPattern matches Bounce Address Tag Validation envelope senders of
	// the form "prvs=7a4cd123=real@example.edu". The capture group is the
	// real address after the final "=".
	batvPattern = regexp.MustCompile(`^\w+=[^=]+=(.+)$`)
)

// Parse extracts (course id, section id) from a recipient list address.
// The section id is nil for a course-wide list. The domain comparison is
// case-insensitive since providers may lowercase addresses in transit.
func Parse(recipient, domain string) (courseID int64, sectionID *int64, err error) {
	local, addrDomain, ok := strings.Cut(strings.TrimSpace(recipient), "@")
	if !ok || !strings.EqualFold(addrDomain, domain) {
		return 0, nil, fmt.Errorf("parse %q: %w", recipient, ErrAddressNotFound)
	}

	m := listPattern.FindStringSubmatch(local)
	if m == nil {
		return 0, nil, fmt.Errorf("parse %q: %w", recipient, ErrAddressNotFound)
	}

	courseID, err = strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("parse %q: %w", recipient, ErrAddressNotFound)
	}

	if m[2] != "" {
		sec, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return 0, nil, fmt.Errorf("parse %q: %w", recipient, ErrAddressNotFound)
		}
		sectionID = &sec
	}

	return courseID, sectionID, nil
}

// StripBATV removes a Bounce Address Tag Validation prefix from an envelope
// sender address. Addresses without a BATV tag are returned unchanged. This
// never fails: on anything unexpected it logs and returns the input.
func StripBATV(addr string) string {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("BATV strip panicked, using original address",
				"address", addr,
				"panic", r,
			)
		}
	}()

	if m := batvPattern.FindStringSubmatch(addr); m != nil {
		return m[1]
	}
	return addr
}

// Split separates a display-name-wrapped address ("Jane Doe <jane@x.edu>")
// into its display name and lowercased bare address. Bare addresses pass
// through with an empty display name; unparseable input is lowercased and
// returned as the address so comparisons still work.
func Split(full string) (displayName, addr string) {
	full = strings.TrimSpace(full)
	if full == "" {
		return "", ""
	}

	parsed, err := mail.ParseAddress(full)
	if err != nil {
		return "", strings.ToLower(full)
	}
	return parsed.Name, strings.ToLower(parsed.Address)
}

// SplitList parses a comma-separated header value (To, Cc) into full
// address specs, preserving display names. Unparseable headers yield nil.
func SplitList(header string) []string {
	if strings.TrimSpace(header) == "" {
		return nil
	}

	parsed, err := mail.ParseAddressList(header)
	if err != nil {
		slog.Debug("unparseable address list header", "header", header, "error", err)
		return nil
	}

	specs := make([]string, 0, len(parsed))
	for _, a := range parsed {
		specs = append(specs, a.String())
	}
	return specs
}
