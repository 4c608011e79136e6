// s11n.go - digest and signature serialization
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

// Package s11n implements the digest-and-sign engine from spec.md §4.2:
// given canonical text and two named header fields (a digest field and a
// signature field), it either computes the hash of the text with those
// fields' values stripped, or inserts a freshly-signed digest into them.
package s11n

import (
	"regexp"

	"github.com/katzenpost/mixcore/catalog/canon"
	"github.com/katzenpost/mixcore/catalog/config"
	"github.com/katzenpost/mixcore/catalog/xcrypto"
)

// FieldNames names the digest and signature header fields a Digest/Sign
// operation targets.
type FieldNames struct {
	Digest    string
	Signature string
}

// ServerFields names the fields used by server descriptors.
var ServerFields = FieldNames{Digest: "Digest", Signature: "Signature"}

// DirectoryFields names the fields used by directory headers. The
// "Directory" prefix keeps the regex from matching a descriptor's own
// Digest/Signature fields once a directory has descriptors embedded in
// it, per spec.md §4.2.
var DirectoryFields = FieldNames{Digest: "DirectoryDigest", Signature: "DirectorySignature"}

func (f FieldNames) lineRegexp() *regexp.Regexp {
	return regexp.MustCompile(`(?m)^(?:` + regexp.QuoteMeta(f.Digest) + `|` + regexp.QuoteMeta(f.Signature) + `):.*$`)
}

// strippedText canonicalizes info and blanks the first two Digest/
// Signature lines (in encounter order) to "<Field>:", matching spec.md
// §4.2's "locate the first two lines ... at most two replacements".
func strippedText(info []byte, fields FieldNames) []byte {
	clean := canon.Canonicalize(info)
	re := fields.lineRegexp()
	count := 0
	return re.ReplaceAllFunc(clean, func(m []byte) []byte {
		count++
		if count > 2 {
			return m
		}
		idx := 0
		for idx < len(m) && m[idx] != ':' {
			idx++
		}
		return m[:idx+1]
	})
}

// Digest computes the canonical SHA-1 digest of info, as it would be
// hashed for the given fields (i.e. with those fields' values stripped).
func Digest(info []byte, fields FieldNames) [xcrypto.DigestLen]byte {
	return xcrypto.SHA1(strippedText(info, fields))
}

// Sign computes the canonical digest of info, signs it with signer, and
// returns a new copy of info with fields.Digest/fields.Signature filled
// in with the base64-encoded digest and signature. info's own
// Digest/Signature lines must already be present (with or without
// values) so that ReplaceAllFunc has somewhere to write the result.
func Sign(info []byte, fields FieldNames, signer *xcrypto.Signer) ([]byte, error) {
	clean := canon.Canonicalize(info)
	digest := xcrypto.SHA1(strippedText(info, fields))

	sig, err := signer.Sign(digest)
	if err != nil {
		return nil, err
	}

	digestB64 := config.FormatBase64(digest[:])
	sigB64 := config.FormatBase64(sig)

	re := fields.lineRegexp()
	count := 0
	out := re.ReplaceAllFunc(clean, func(m []byte) []byte {
		count++
		if count > 2 {
			return m
		}
		if len(m) >= len(fields.Digest) && string(m[:len(fields.Digest)]) == fields.Digest {
			return []byte(fields.Digest + ": " + digestB64)
		}
		return []byte(fields.Signature + ": " + sigB64)
	})
	return out, nil
}
