// descriptor.go - server descriptor model, parser, and validator
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

// Package descriptor implements the server descriptor model, parser, and
// validator from spec.md §3/§4.3: a typed view over an ordered list of
// named sections, with prevalidation (version filtering), full invariant
// and signature validation, and the routing/supersession queries other
// components need.
package descriptor

import (
	"crypto/rsa"
	"fmt"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixcore/catalog/config"
	"github.com/katzenpost/mixcore/catalog/s11n"
	"github.com/katzenpost/mixcore/catalog/xcrypto"
)

const (
	// DescriptorVersion is the only accepted value of Server/Descriptor-Version.
	DescriptorVersion = "0.2"

	// MinIdentityBytes and MaxIdentityBytes bound Identity's RSA modulus
	// size: 2048..4096 bits.
	MinIdentityBytes = 2048 / 8
	MaxIdentityBytes = 4096 / 8

	// PacketKeyBytes is the required Packet-Key modulus size: 2048 bits.
	PacketKeyBytes = 2048 / 8

	MaxContact           = 256
	MaxComments          = 1024
	MaxContactFingerprint = 128

	// publishedSkew is how far into the future Published may be.
	publishedSkew = 600 * time.Second
)

// expectedVersions maps each optional section to the (key, value) its
// Version field must hold; sections whose declared version mismatches are
// dropped during prevalidation, per spec.md §3/§4.3.
var expectedVersions = map[string]string{
	"Incoming/MMTP":       "0.1",
	"Outgoing/MMTP":       "0.1",
	"Delivery/MBOX":       "0.1",
	"Delivery/SMTP":       "0.1",
	"Delivery/Fragmented": "0.1",
}

// IncomingMMTP is the typed view of an "Incoming/MMTP" section.
type IncomingMMTP struct {
	IP        string
	Hostname  string
	Port      int
	KeyDigest []byte
	Protocols []string
}

// OutgoingMMTP is the typed view of an "Outgoing/MMTP" section.
type OutgoingMMTP struct {
	Protocols []string
}

// DeliveryMBOX is the typed view of a "Delivery/MBOX" section.
type DeliveryMBOX struct {
	MaximumSize int
	AllowFrom   bool
}

// DeliverySMTP is the typed view of a "Delivery/SMTP" section.
type DeliverySMTP struct {
	MaximumSize int
	AllowFrom   bool
}

// DeliveryFragmented is the typed view of a "Delivery/Fragmented" section.
type DeliveryFragmented struct {
	MaximumFragments int
}

// Descriptor is a parsed, (optionally) validated server descriptor.
type Descriptor struct {
	nickname            string
	identity             *rsa.PublicKey
	digest               [xcrypto.DigestLen]byte
	signature            []byte
	published            time.Time
	validAfter           time.Time
	validUntil           time.Time
	contact              string
	comments             string
	contactFingerprint   string
	packetKey            *rsa.PublicKey
	secureConfiguration  bool
	whyInsecure          string

	incoming   *IncomingMMTP
	outgoing   *OutgoingMMTP
	mbox       *DeliveryMBOX
	smtp       *DeliverySMTP
	fragmented *DeliveryFragmented

	isValidated bool
}

// ParseOptions configures Parse.
type ParseOptions struct {
	// Text is the raw descriptor text (un-canonicalized is fine; Parse
	// canonicalizes internally wherever canonical form matters).
	Text []byte

	// AssumeValid skips all validation (spec.md §4.3 step 3); the typed
	// object is still fully built from the text.
	AssumeValid bool

	// ValidatedDigests short-circuits signature/invariant checking for
	// descriptors whose canonical digest is already a known-valid key
	// (spec.md §4.3 step 4, property 4).
	ValidatedDigests map[[xcrypto.DigestLen]byte]struct{}

	// Log receives prevalidation warnings (dropped sections). May be nil.
	Log *logging.Logger
}

func warn(log *logging.Logger, format string, args ...interface{}) {
	if log != nil {
		log.Warningf(format, args...)
	}
}

// Parse parses and, unless AssumeValid is set, fully validates a server
// descriptor, per spec.md §4.3.
func Parse(opts ParseOptions) (*Descriptor, error) {
	file, err := config.Tokenize(opts.Text)
	if err != nil {
		return nil, err
	}

	server := file.Section("Server")
	if server == nil {
		return nil, config.Errorf("missing Server section")
	}
	if v, _ := server.Get("Descriptor-Version"); v != DescriptorVersion {
		return nil, config.Errorf("Unrecognized descriptor version: %s", v)
	}

	file = dropUnrecognizedVersions(file, opts.Log)
	server = file.Section("Server")

	d := &Descriptor{}
	if err := d.loadServerSection(server); err != nil {
		return nil, err
	}
	if err := d.loadOptionalSections(file); err != nil {
		return nil, err
	}

	if opts.AssumeValid {
		return d, nil
	}

	digest := s11n.Digest(opts.Text, s11n.ServerFields)
	if digest != d.digest {
		return nil, config.Errorf("Invalid digest")
	}

	if opts.ValidatedDigests != nil {
		if _, ok := opts.ValidatedDigests[digest]; ok {
			d.isValidated = true
			return d, nil
		}
	}

	if err := d.validate(); err != nil {
		return nil, err
	}

	signedDigest, err := xcrypto.RecoverDigest(d.signature, d.identity)
	if err != nil {
		return nil, config.Errorf("Invalid signature")
	}
	if signedDigest != digest {
		return nil, config.Errorf("Signed digest is incorrect")
	}

	d.isValidated = true
	return d, nil
}

func dropUnrecognizedVersions(file *config.File, log *logging.Logger) *config.File {
	out := &config.File{}
	for _, sec := range file.Sections {
		expected, tracked := expectedVersions[sec.Name]
		if !tracked {
			out.Sections = append(out.Sections, sec)
			continue
		}
		v, _ := sec.Get("Version")
		if v != expected {
			warn(log, "Skipping %s section with unrecognized version %s", sec.Name, v)
			continue
		}
		out.Sections = append(out.Sections, sec)
	}
	return out
}

func (d *Descriptor) loadServerSection(server *config.Section) error {
	var err error
	if d.nickname, err = config.ParseNickname(mustGet(server, "Nickname")); err != nil {
		return err
	}
	idDER, err := config.ParseBase64(mustGet(server, "Identity"))
	if err != nil {
		return config.Errorf("invalid Identity: %v", err)
	}
	if d.identity, err = xcrypto.DecodePublicKey(idDER); err != nil {
		return config.Errorf("invalid Identity key: %v", err)
	}
	digestBytes, err := config.ParseBase64(mustGet(server, "Digest"))
	if err != nil || len(digestBytes) != xcrypto.DigestLen {
		return config.Errorf("invalid Digest field")
	}
	copy(d.digest[:], digestBytes)
	if d.signature, err = config.ParseBase64(mustGet(server, "Signature")); err != nil {
		return config.Errorf("invalid Signature field")
	}
	if d.published, err = config.ParseTime(mustGet(server, "Published")); err != nil {
		return err
	}
	if d.validAfter, err = config.ParseDate(mustGet(server, "Valid-After")); err != nil {
		return err
	}
	if d.validUntil, err = config.ParseDate(mustGet(server, "Valid-Until")); err != nil {
		return err
	}
	d.contact, _ = server.Get("Contact")
	d.comments, _ = server.Get("Comments")
	d.contactFingerprint, _ = server.Get("Contact-Fingerprint")
	if secure, ok := server.Get("Secure-Configuration"); ok {
		if d.secureConfiguration, err = config.ParseBoolean(secure); err != nil {
			return err
		}
	}
	d.whyInsecure, _ = server.Get("Why-Insecure")

	pkDER, err := config.ParseBase64(mustGet(server, "Packet-Key"))
	if err != nil {
		return config.Errorf("invalid Packet-Key: %v", err)
	}
	if d.packetKey, err = xcrypto.DecodePublicKey(pkDER); err != nil {
		return config.Errorf("invalid Packet-Key: %v", err)
	}
	return nil
}

func mustGet(s *config.Section, key string) string {
	v, _ := s.Get(key)
	return v
}

func (d *Descriptor) loadOptionalSections(file *config.File) error {
	if sec := file.Section("Incoming/MMTP"); sec != nil {
		in := &IncomingMMTP{}
		in.IP, _ = sec.Get("IP")
		in.Hostname, _ = sec.Get("Hostname")
		portStr, ok := sec.Get("Port")
		if !ok {
			return config.Errorf("Incoming/MMTP missing Port")
		}
		port, err := config.ParseInt(portStr)
		if err != nil {
			return err
		}
		in.Port = port
		if kd, ok := sec.Get("Key-Digest"); ok {
			kdBytes, err := config.ParseBase64(kd)
			if err != nil {
				return config.Errorf("invalid Key-Digest: %v", err)
			}
			in.KeyDigest = kdBytes
		}
		protoStr, ok := sec.Get("Protocols")
		if !ok {
			return config.Errorf("Incoming/MMTP missing Protocols")
		}
		in.Protocols = config.ParseCSV(protoStr)
		d.incoming = in
	}

	if sec := file.Section("Outgoing/MMTP"); sec != nil {
		out := &OutgoingMMTP{}
		protoStr, ok := sec.Get("Protocols")
		if !ok {
			return config.Errorf("Outgoing/MMTP missing Protocols")
		}
		out.Protocols = config.ParseCSV(protoStr)
		d.outgoing = out
	}

	if sec := file.Section("Delivery/MBOX"); sec != nil {
		m := &DeliveryMBOX{MaximumSize: 32, AllowFrom: true}
		if v, ok := sec.Get("Maximum-Size"); ok {
			n, err := config.ParseInt(v)
			if err != nil {
				return err
			}
			m.MaximumSize = n
		}
		if v, ok := sec.Get("Allow-From"); ok {
			b, err := config.ParseBoolean(v)
			if err != nil {
				return err
			}
			m.AllowFrom = b
		}
		d.mbox = m
	}

	if sec := file.Section("Delivery/SMTP"); sec != nil {
		m := &DeliverySMTP{MaximumSize: 32, AllowFrom: true}
		if v, ok := sec.Get("Maximum-Size"); ok {
			n, err := config.ParseInt(v)
			if err != nil {
				return err
			}
			m.MaximumSize = n
		}
		if v, ok := sec.Get("Allow-From"); ok {
			b, err := config.ParseBoolean(v)
			if err != nil {
				return err
			}
			m.AllowFrom = b
		}
		d.smtp = m
	}

	if sec := file.Section("Delivery/Fragmented"); sec != nil {
		v, ok := sec.Get("Maximum-Fragments")
		if !ok {
			return config.Errorf("Delivery/Fragmented missing Maximum-Fragments")
		}
		n, err := config.ParseInt(v)
		if err != nil {
			return err
		}
		d.fragmented = &DeliveryFragmented{MaximumFragments: n}
	}

	return nil
}

func (d *Descriptor) validate() error {
	idBytes := xcrypto.ModulusBytes(d.identity)
	if idBytes < MinIdentityBytes || idBytes > MaxIdentityBytes {
		return config.Errorf("Invalid length on identity key")
	}
	if d.published.After(time.Now().Add(publishedSkew)) {
		return config.Errorf("Server published in the future")
	}
	if !d.validUntil.After(d.validAfter) {
		return config.Errorf("Server is never valid")
	}
	if len(d.contact) > MaxContact {
		return config.Errorf("Contact too long")
	}
	if len(d.comments) > MaxComments {
		return config.Errorf("Comments too long")
	}
	if len(d.contactFingerprint) > MaxContactFingerprint {
		return config.Errorf("Contact-Fingerprint too long")
	}
	if xcrypto.ModulusBytes(d.packetKey) != PacketKeyBytes {
		return config.Errorf("Invalid length on packet key")
	}

	if d.incoming != nil {
		if len(d.incoming.KeyDigest) != 0 && len(d.incoming.KeyDigest) != xcrypto.DigestLen {
			return config.Errorf("Invalid key digest %s", config.FormatBase64(d.incoming.KeyDigest))
		}
		if d.incoming.IP == "" && d.incoming.Hostname == "" {
			return config.Errorf("Incoming/MMTP section has neither IP nor hostname")
		}
		// Policy decision (spec.md §9 open question): recompute the key
		// digest from Identity, and reject a declared Key-Digest that
		// disagrees with it, rather than trusting the declared value.
		recomputed := d.KeyDigest()
		if len(d.incoming.KeyDigest) == xcrypto.DigestLen {
			for i := range recomputed {
				if recomputed[i] != d.incoming.KeyDigest[i] {
					return config.Errorf("Declared Key-Digest does not match recomputed value")
				}
			}
		}
	}

	return nil
}

// Nickname returns this descriptor's nickname.
func (d *Descriptor) Nickname() string { return d.nickname }

// Digest returns the declared (not recomputed) digest.
func (d *Descriptor) Digest() [xcrypto.DigestLen]byte { return d.digest }

// IP returns the declared Incoming/MMTP IP address, if any.
func (d *Descriptor) IP() string {
	if d.incoming == nil {
		return ""
	}
	return d.incoming.IP
}

// Hostname returns the declared Incoming/MMTP hostname, if any.
func (d *Descriptor) Hostname() string {
	if d.incoming == nil {
		return ""
	}
	return d.incoming.Hostname
}

// Port returns the declared Incoming/MMTP port.
func (d *Descriptor) Port() int {
	if d.incoming == nil {
		return 0
	}
	return d.incoming.Port
}

// PacketKey returns the RSA key this server uses to decrypt messages.
func (d *Descriptor) PacketKey() *rsa.PublicKey { return d.packetKey }

// Identity returns the server's identity (signing) key.
func (d *Descriptor) Identity() *rsa.PublicKey { return d.identity }

// KeyDigest returns SHA1(EncodePublicKey(Identity)), matching the
// in-memory getKeyDigest() behavior spec.md §9 documents: it is always
// recomputed, never taken from the (optional, legacy) declared field.
func (d *Descriptor) KeyDigest() [xcrypto.DigestLen]byte {
	return xcrypto.SHA1(xcrypto.EncodePublicKey(d.identity))
}

// IncomingProtocols returns the advertised Incoming/MMTP protocol list, or
// nil if there is no Incoming/MMTP section.
func (d *Descriptor) IncomingProtocols() []string {
	if d.incoming == nil {
		return nil
	}
	return d.incoming.Protocols
}

// OutgoingProtocols returns the advertised Outgoing/MMTP protocol list, or
// nil if there is no Outgoing/MMTP section.
func (d *Descriptor) OutgoingProtocols() []string {
	if d.outgoing == nil {
		return nil
	}
	return d.outgoing.Protocols
}

// Caps returns the delivery/relay capabilities this descriptor advertises.
func (d *Descriptor) Caps() []string {
	var caps []string
	if d.incoming == nil {
		return caps
	}
	if d.mbox != nil {
		caps = append(caps, "mbox")
	}
	if d.smtp != nil {
		caps = append(caps, "smtp")
	}
	if d.outgoing != nil {
		caps = append(caps, "relay")
	}
	if d.fragmented != nil {
		caps = append(caps, "frag")
	}
	return caps
}

// IsValidated reports whether this descriptor has passed full validation.
func (d *Descriptor) IsValidated() bool { return d.isValidated }

// ValidAt reports whether this descriptor is valid at time t.
func (d *Descriptor) ValidAt(t time.Time) bool {
	return !t.Before(d.validAfter) && !t.After(d.validUntil)
}

// ValidFrom reports whether this descriptor is valid for the entirety of
// [startAt, endAt].
func (d *Descriptor) ValidFrom(startAt, endAt time.Time) bool {
	return !d.validAfter.After(startAt) && !endAt.After(d.validUntil)
}

// ValidAtPartOf reports whether this descriptor is valid at some point
// within [startAt, endAt].
func (d *Descriptor) ValidAtPartOf(startAt, endAt time.Time) bool {
	va, vu := d.validAfter, d.validUntil
	return (!startAt.After(va) && !va.After(endAt)) ||
		(!startAt.After(vu) && !vu.After(endAt)) ||
		(!va.After(startAt) && !endAt.After(vu))
}

// IsNewerThan reports whether this descriptor's Published time is after
// other's (or after t, if a time.Time is passed).
func (d *Descriptor) IsNewerThan(other interface{}) bool {
	switch o := other.(type) {
	case *Descriptor:
		return d.published.After(o.published)
	case time.Time:
		return d.published.After(o)
	default:
		panic(fmt.Sprintf("descriptor: IsNewerThan: unsupported type %T", other))
	}
}

// IntervalSet returns the interval over which this descriptor is valid.
func (d *Descriptor) IntervalSet() *IntervalSet {
	return NewIntervalSet([2]time.Time{d.validAfter, d.validUntil})
}

// IsSupersededBy reports whether every instant this descriptor is valid
// is covered by some more-recently-published, same-nicknamed descriptor
// in others (spec.md §4.3, property 5).
func (d *Descriptor) IsSupersededBy(others []*Descriptor) bool {
	remaining := d.IntervalSet()
	for _, o := range others {
		if o.IsNewerThan(d) && sameNickname(o.nickname, d.nickname) {
			remaining = remaining.Difference(o.IntervalSet())
		}
	}
	return remaining.IsEmpty()
}

// CanRelayTo reports whether self can relay messages to other: either
// they share a nickname (the "relay to itself" shortcut spec.md §9
// documents and preserves), or self's outgoing protocols intersect
// other's incoming protocols.
func (d *Descriptor) CanRelayTo(other *Descriptor) bool {
	if sameNickname(d.nickname, other.nickname) {
		return true
	}
	out := d.OutgoingProtocols()
	in := other.IncomingProtocols()
	for _, o := range out {
		for _, i := range in {
			if o == i {
				return true
			}
		}
	}
	return false
}

// CanStartAt reports whether this descriptor's Incoming/MMTP protocols
// intersect the caller-supplied list of supported protocol versions.
func (d *Descriptor) CanStartAt(supportedVersions []string) bool {
	in := d.IncomingProtocols()
	for _, sv := range supportedVersions {
		for _, p := range in {
			if sv == p {
				return true
			}
		}
	}
	return false
}

// RoutingType names the routing info kind returned by RoutingFor.
type RoutingType int

const (
	FwdIPv4 RoutingType = iota
	SwapFwdIPv4
	FwdHost
	SwapFwdHost
)

// RoutingFor returns the routing type and packed routing info to reach
// other via self, matching spec.md §4.3 exactly (including the corrected
// getMMTPHostInfo behavior from spec.md §9: Hostname() is called on
// self/other, not an undefined collaborator). Precondition: self.CanRelayTo(other).
func (d *Descriptor) RoutingFor(other *Descriptor, swap bool) (RoutingType, []byte) {
	if d.Hostname() != "" && other.Hostname() != "" {
		rt := FwdHost
		if swap {
			rt = SwapFwdHost
		}
		return rt, packHostInfo(other.Hostname(), other.Port(), other.KeyDigest())
	}
	rt := FwdIPv4
	if swap {
		rt = SwapFwdIPv4
	}
	return rt, packIPv4Info(other.IP(), other.Port(), other.KeyDigest())
}

// packIPv4Info packs an IPV4Info routing record: 4-byte IPv4 address,
// 2-byte big-endian port, and the 20-byte key digest.
func packIPv4Info(ip string, port int, keyDigest [xcrypto.DigestLen]byte) []byte {
	out := make([]byte, 0, 4+2+xcrypto.DigestLen)
	out = append(out, parseIPv4(ip)...)
	out = append(out, byte(port>>8), byte(port))
	out = append(out, keyDigest[:]...)
	return out
}

// packHostInfo packs an MMTPHostInfo routing record: a 1-byte length
// prefix followed by the hostname, the 2-byte big-endian port, and the
// 20-byte key digest.
func packHostInfo(hostname string, port int, keyDigest [xcrypto.DigestLen]byte) []byte {
	h := []byte(hostname)
	out := make([]byte, 0, 1+len(h)+2+xcrypto.DigestLen)
	out = append(out, byte(len(h)))
	out = append(out, h...)
	out = append(out, byte(port>>8), byte(port))
	out = append(out, keyDigest[:]...)
	return out
}

func parseIPv4(ip string) []byte {
	out := make([]byte, 4)
	var octet, idx int
	for i := 0; i <= len(ip); i++ {
		if i == len(ip) || ip[i] == '.' {
			if idx < 4 {
				out[idx] = byte(octet)
			}
			idx++
			octet = 0
			continue
		}
		octet = octet*10 + int(ip[i]-'0')
	}
	return out
}

func sameNickname(a, b string) bool {
	return lower(a) == lower(b)
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
