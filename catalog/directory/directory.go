// directory.go - directory model and validator
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

// Package directory implements the directory model and validator from
// spec.md §4.4: a header (Directory/Signature/Recommended-Software
// sections) followed by any number of concatenated "[Server]" descriptor
// fragments, split out and parsed independently by catalog/descriptor.
package directory

import (
	"crypto/rsa"
	"regexp"
	"strings"
	"time"

	"github.com/katzenpost/mixcore/catalog/canon"
	"github.com/katzenpost/mixcore/catalog/config"
	"github.com/katzenpost/mixcore/catalog/descriptor"
	"github.com/katzenpost/mixcore/catalog/s11n"
	"github.com/katzenpost/mixcore/catalog/xcrypto"
)

// DirectoryVersion is the only accepted value of Directory/Version.
const DirectoryVersion = "0.2"

const publishedSkew = 600 * time.Second

// serverHeaderRe splits directory text along its embedded "[Server]"
// fragment boundaries, matching spec.md §4.4's exact splitting rule.
var serverHeaderRe = regexp.MustCompile(`(?m)^\[\s*Server\s*\]\s*\n`)

// Directory is a parsed, validated directory: a header plus every
// embedded descriptor (recommended or not).
type Directory struct {
	published  time.Time
	validAfter time.Time
	validUntil time.Time

	recommendedSoftwareClient []string
	recommendedSoftwareServer []string

	recommendedNicknames []string
	allServers            []*descriptor.Descriptor
	servers                []*descriptor.Descriptor
}

// ParseOptions configures Parse.
type ParseOptions struct {
	Text             []byte
	ValidatedDigests map[[xcrypto.DigestLen]byte]struct{}
}

// parsedHeader is the intermediate result of parsing and syntactically
// checking the Directory/Signature/Recommended-Software sections, before
// the digest and signature of the whole directory are checked against it.
type parsedHeader struct {
	published          time.Time
	validAfter         time.Time
	validUntil         time.Time
	recommendedServers string

	softwareClient []string
	softwareServer []string

	identityKey *rsa.PublicKey
	digest      [xcrypto.DigestLen]byte
	signature   []byte
}

// Parse splits, parses, and validates a directory, per spec.md §4.4.
func Parse(opts ParseOptions) (*Directory, error) {
	clean := canon.Canonicalize(opts.Text)
	digest := s11n.Digest(clean, s11n.DirectoryFields)

	parts := serverHeaderRe.Split(string(clean), -1)
	if len(parts) == 0 {
		return nil, config.Errorf("empty directory")
	}

	h, err := parseHeader([]byte(parts[0]))
	if err != nil {
		return nil, err
	}
	if err := validateHeader(h, digest); err != nil {
		return nil, err
	}

	d := &Directory{
		published:  h.published,
		validAfter: h.validAfter,
		validUntil: h.validUntil,

		recommendedSoftwareClient: h.softwareClient,
		recommendedSoftwareServer: h.softwareServer,
	}

	for _, name := range strings.Split(h.recommendedServers, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			d.recommendedNicknames = append(d.recommendedNicknames, name)
		}
	}

	good := make(map[string]bool, len(d.recommendedNicknames))
	for _, n := range d.recommendedNicknames {
		good[n] = true
	}

	for _, frag := range parts[1:] {
		text := "[Server]\n" + frag
		desc, err := descriptor.Parse(descriptor.ParseOptions{
			Text:             []byte(text),
			ValidatedDigests: opts.ValidatedDigests,
		})
		if err != nil {
			return nil, err
		}
		d.allServers = append(d.allServers, desc)
		if good[strings.ToLower(desc.Nickname())] {
			d.servers = append(d.servers, desc)
		}
	}

	return d, nil
}

func parseHeader(text []byte) (*parsedHeader, error) {
	file, err := config.Tokenize(text)
	if err != nil {
		return nil, err
	}

	dirSec := file.Section("Directory")
	if dirSec == nil {
		return nil, config.Errorf("missing Directory section")
	}
	if v, _ := dirSec.Get("Version"); v != DirectoryVersion {
		return nil, config.Errorf("Unrecognized directory version")
	}

	sigSec := file.Section("Signature")
	if sigSec == nil {
		return nil, config.Errorf("missing Signature section")
	}

	h := &parsedHeader{}

	published, err := config.ParseTime(mustGet(dirSec, "Published"))
	if err != nil {
		return nil, err
	}
	h.published = published

	if h.validAfter, err = config.ParseDate(mustGet(dirSec, "Valid-After")); err != nil {
		return nil, err
	}
	if h.validUntil, err = config.ParseDate(mustGet(dirSec, "Valid-Until")); err != nil {
		return nil, err
	}
	h.recommendedServers = mustGet(dirSec, "Recommended-Servers")

	idDER, err := config.ParseBase64(mustGet(sigSec, "DirectoryIdentity"))
	if err != nil {
		return nil, config.Errorf("invalid DirectoryIdentity: %v", err)
	}
	if h.identityKey, err = xcrypto.DecodePublicKey(idDER); err != nil {
		return nil, config.Errorf("invalid DirectoryIdentity key: %v", err)
	}

	digestBytes, err := config.ParseBase64(mustGet(sigSec, "DirectoryDigest"))
	if err != nil || len(digestBytes) != xcrypto.DigestLen {
		return nil, config.Errorf("invalid DirectoryDigest field")
	}
	copy(h.digest[:], digestBytes)

	if h.signature, err = config.ParseBase64(mustGet(sigSec, "DirectorySignature")); err != nil {
		return nil, config.Errorf("invalid DirectorySignature field")
	}

	if softSec := file.Section("Recommended-Software"); softSec != nil {
		h.softwareClient = config.ParseCSV(firstOr(softSec, "MixminionClient"))
		h.softwareServer = config.ParseCSV(firstOr(softSec, "MixminionServer"))
	}

	return h, nil
}

// validateHeader checks the Directory/Signature invariants and verifies
// the directory-wide digest and signature, per spec.md §4.4 (mirroring
// _DirectoryHeader.validate's exact check order: version, published skew,
// validity window, identity key length, digest match, then signature).
func validateHeader(h *parsedHeader, digest [xcrypto.DigestLen]byte) error {
	if h.published.After(time.Now().Add(publishedSkew)) {
		return config.Errorf("Directory published in the future")
	}
	if !h.validUntil.After(h.validAfter) {
		return config.Errorf("Directory is never valid")
	}
	idBytes := xcrypto.ModulusBytes(h.identityKey)
	if idBytes < descriptor.MinIdentityBytes || idBytes > descriptor.MaxIdentityBytes {
		return config.Errorf("Invalid length on identity key")
	}
	if h.digest != digest {
		return config.Errorf("Invalid digest")
	}
	signedDigest, err := xcrypto.RecoverDigest(h.signature, h.identityKey)
	if err != nil {
		return config.Errorf("Invalid signature")
	}
	if signedDigest != digest {
		return config.Errorf("Signed digest was incorrect")
	}
	return nil
}

func firstOr(s *config.Section, key string) string {
	v, _ := s.Get(key)
	return v
}

func mustGet(s *config.Section, key string) string {
	v, _ := s.Get(key)
	return v
}

// Servers returns the recommended descriptors in this directory.
func (d *Directory) Servers() []*descriptor.Descriptor { return d.servers }

// AllServers returns every descriptor in this directory, recommended or not.
func (d *Directory) AllServers() []*descriptor.Descriptor { return d.allServers }

// RecommendedNicknames returns the lowercased recommended-server nicknames.
func (d *Directory) RecommendedNicknames() []string { return d.recommendedNicknames }

// Published returns when this directory was published.
func (d *Directory) Published() time.Time { return d.published }

// ValidAfter and ValidUntil bound this directory's validity window.
func (d *Directory) ValidAfter() time.Time  { return d.validAfter }
func (d *Directory) ValidUntil() time.Time { return d.validUntil }
