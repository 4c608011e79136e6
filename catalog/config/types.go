// types.go - typed configuration field parsers
// Copyright (C) 2026  Mixcore Contributors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"
)

// ParseBase64 decodes a base64 field, ignoring embedded whitespace and
// accepting the standard alphabet with or without padding, per spec.md §6.
func ParseBase64(raw string) ([]byte, error) {
	clean := strings.Join(strings.Fields(raw), "")
	if data, err := base64.StdEncoding.DecodeString(clean); err == nil {
		return data, nil
	}
	data, err := base64.RawStdEncoding.DecodeString(clean)
	if err != nil {
		return nil, Errorf("invalid base64 value: %v", err)
	}
	return data, nil
}

// FormatBase64 encodes bytes using the standard padded alphabet.
func FormatBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// ParseInt parses a plain non-negative decimal integer field.
func ParseInt(raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, Errorf("invalid integer value %q: %v", raw, err)
	}
	if n < 0 {
		return 0, Errorf("invalid integer value %q: negative", raw)
	}
	return n, nil
}

// ParseBoolean accepts "yes"/"no", "true"/"false", and "1"/"0"
// (case-insensitive).
func ParseBoolean(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yes", "true", "1":
		return true, nil
	case "no", "false", "0":
		return false, nil
	default:
		return false, Errorf("invalid boolean value %q", raw)
	}
}

// ParseCSV splits a comma-separated field into trimmed tokens.
func ParseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

const (
	timeLayout = "2006-01-02 15:04:05"
	dateLayout = "2006-01-02"
)

// ParseTime parses a "YYYY-MM-DD HH:MM:SS" UTC timestamp (spec.md §6
// "Published").
func ParseTime(raw string) (time.Time, error) {
	t, err := time.ParseInLocation(timeLayout, strings.TrimSpace(raw), time.UTC)
	if err != nil {
		return time.Time{}, Errorf("invalid timestamp %q: %v", raw, err)
	}
	return t, nil
}

// FormatTime renders a timestamp in the spec.md §6 format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseDate parses a "YYYY-MM-DD" date, interpreted as UTC midnight
// (spec.md §6 "Valid-After"/"Valid-Until").
func ParseDate(raw string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, strings.TrimSpace(raw), time.UTC)
	if err != nil {
		return time.Time{}, Errorf("invalid date %q: %v", raw, err)
	}
	return t, nil
}

// FormatDate renders a date in the spec.md §6 format.
func FormatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

// ParseNickname validates a server nickname: 1-128 ASCII letters, digits,
// or the characters '.', '-', '_'.
func ParseNickname(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) == 0 || len(raw) > 128 {
		return "", Errorf("nickname length out of bounds: %q", raw)
	}
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '-' || r == '_':
		default:
			return "", Errorf("invalid character in nickname: %q", raw)
		}
	}
	return raw, nil
}
