// errors.go - parse and validation error type
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

import "fmt"

// Error is the ConfigError kind from spec.md §7: a textual parse failure,
// invariant violation, unknown version, missing required field, or
// cryptographic signature/digest mismatch. It never escapes with a
// partially-built object attached.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return e.Reason }

// Errorf builds an *Error with a formatted reason.
func Errorf(format string, args ...interface{}) *Error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}
