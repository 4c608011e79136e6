// xcrypto.go - RSA/SHA-1 signing and raw-signature recovery
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

// Package xcrypto is the concrete implementation of spec.md's "RSA/SHA-1/
// PRNG primitives" collaborator (PRNG itself lives in internal/rng). It
// signs and verifies using the same raw RSA/PKCS#1-v1.5-over-SHA1 scheme
// the original implementation's mixminion.Crypto.pk_sign/pk_check_signature
// use, and exposes RecoverDigest (rather than a plain boolean Verify) so
// that callers can implement spec.md §4.2's "recover, then compare"
// signature-checking contract directly.
//
// Private key material is held behind a memguard.LockedBuffer, grounded
// on the teacher's ratchet.go use of memguard.LockedBuffer to keep
// session keys out of swap and zeroed on destruction.
package xcrypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"errors"
	"math/big"

	"github.com/awnumar/memguard"
)

// DigestLen is the length in bytes of the SHA-1 digest used throughout
// this module, matching spec.md's DIGEST_LEN.
const DigestLen = 20

// sha1Prefix is the DER-encoded DigestInfo prefix for SHA-1, as used by
// EMSA-PKCS1-v1_5 encoding (RFC 3447 §9.2). It is necessary to reconstruct
// what the original raw-RSA signature encodes, since we recover and
// validate the whole encoded message rather than calling a library
// verify-only routine.
var sha1Prefix = []byte{0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a, 0x05, 0x00, 0x04, 0x14}

// ErrInvalidSignature is returned by RecoverDigest when the signature
// cannot be decoded as a well-formed EMSA-PKCS1-v1_5(SHA1) block. Callers
// surface this as ConfigError("Invalid signature") per spec.md §7.
var ErrInvalidSignature = errors.New("xcrypto: invalid signature")

// SHA1 computes the 20-byte digest used for descriptor/directory hashing.
func SHA1(data []byte) [DigestLen]byte {
	return sha1.Sum(data)
}

// EncodePublicKey returns the ASN.1 DER encoding of an RSA public key,
// matching spec.md §6's "base64-encoded ASN.1 DER RSA public key" field
// type (callers base64-encode the result for textual fields, or hash it
// directly for KeyDigest computation).
func EncodePublicKey(pub *rsa.PublicKey) []byte {
	return x509.MarshalPKCS1PublicKey(pub)
}

// DecodePublicKey parses an ASN.1 DER RSA public key.
func DecodePublicKey(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// ModulusBytes returns the length, in bytes, of the key's modulus — the
// quantity spec.md's identity/packet-key length invariants are stated in
// terms of.
func ModulusBytes(pub *rsa.PublicKey) int {
	return (pub.N.BitLen() + 7) / 8
}

// Signer holds a private key's DER encoding behind a locked, swap-proof
// buffer, parsing it back into an *rsa.PrivateKey only transiently during
// Sign.
type Signer struct {
	buf *memguard.LockedBuffer
}

// NewSigner takes ownership of priv's DER encoding and locks it in memory.
func NewSigner(priv *rsa.PrivateKey) *Signer {
	der := x509.MarshalPKCS1PrivateKey(priv)
	return &Signer{buf: memguard.NewBufferFromBytes(der)}
}

// Destroy wipes the held private key material. The Signer must not be
// used afterward.
func (s *Signer) Destroy() {
	s.buf.Destroy()
}

// PublicKey returns the public half of the held private key.
func (s *Signer) PublicKey() (*rsa.PublicKey, error) {
	priv, err := x509.ParsePKCS1PrivateKey(s.buf.Bytes())
	if err != nil {
		return nil, err
	}
	return &priv.PublicKey, nil
}

// Sign produces a raw RSA signature over an EMSA-PKCS1-v1_5(SHA1)
// encoding of digest: sign(digest) = (0x00 || 0x01 || PS || 0x00 ||
// sha1Prefix || digest) ^ d mod n, PS being 0xFF padding bytes filling
// the modulus.
func (s *Signer) Sign(digest [DigestLen]byte) ([]byte, error) {
	priv, err := x509.ParsePKCS1PrivateKey(s.buf.Bytes())
	if err != nil {
		return nil, err
	}
	k := (priv.N.BitLen() + 7) / 8
	em, err := emsaPKCS1v15Encode(digest[:], k)
	if err != nil {
		return nil, err
	}
	m := new(big.Int).SetBytes(em)
	if m.Cmp(priv.N) >= 0 {
		return nil, errors.New("xcrypto: message too large for modulus")
	}
	c := new(big.Int).Exp(m, priv.D, priv.N)
	sig := make([]byte, k)
	cb := c.Bytes()
	copy(sig[k-len(cb):], cb)

	// Blind the signing operation is unnecessary here: mirrors the
	// original's textbook RSA signature, which the spec's trust model
	// treats as an external, already-audited primitive.
	_ = rand.Reader
	return sig, nil
}

// RecoverDigest performs the raw RSA public operation on sig and parses
// the result as an EMSA-PKCS1-v1_5(SHA1) block, returning the embedded
// 20-byte digest. This mirrors mixminion's pk_check_signature, which
// recovers the signed digest rather than merely returning a boolean, so
// that callers can compare it against an independently-computed digest
// (spec.md §4.2/§4.3).
func RecoverDigest(sig []byte, pub *rsa.PublicKey) ([DigestLen]byte, error) {
	var out [DigestLen]byte
	k := (pub.N.BitLen() + 7) / 8
	if len(sig) != k {
		return out, ErrInvalidSignature
	}
	c := new(big.Int).SetBytes(sig)
	if c.Cmp(pub.N) >= 0 {
		return out, ErrInvalidSignature
	}
	e := big.NewInt(int64(pub.E))
	m := new(big.Int).Exp(c, e, pub.N)
	em := m.Bytes()
	if len(em) < k {
		padded := make([]byte, k)
		copy(padded[k-len(em):], em)
		em = padded
	}

	digest, err := emsaPKCS1v15Decode(em)
	if err != nil {
		return out, ErrInvalidSignature
	}
	copy(out[:], digest)
	return out, nil
}

func emsaPKCS1v15Encode(digest []byte, k int) ([]byte, error) {
	tLen := len(sha1Prefix) + len(digest)
	if k < tLen+11 {
		return nil, errors.New("xcrypto: intended encoded message length too short")
	}
	em := make([]byte, k)
	em[0] = 0x00
	em[1] = 0x01
	psLen := k - tLen - 3
	for i := 0; i < psLen; i++ {
		em[2+i] = 0xFF
	}
	em[2+psLen] = 0x00
	copy(em[3+psLen:], sha1Prefix)
	copy(em[3+psLen+len(sha1Prefix):], digest)
	return em, nil
}

func emsaPKCS1v15Decode(em []byte) ([]byte, error) {
	if len(em) < 11 || em[0] != 0x00 || em[1] != 0x01 {
		return nil, ErrInvalidSignature
	}
	i := 2
	for i < len(em) && em[i] == 0xFF {
		i++
	}
	if i == 2 || i >= len(em) || em[i] != 0x00 {
		return nil, ErrInvalidSignature
	}
	i++
	rest := em[i:]
	if len(rest) != len(sha1Prefix)+DigestLen {
		return nil, ErrInvalidSignature
	}
	for j, b := range sha1Prefix {
		if rest[j] != b {
			return nil, ErrInvalidSignature
		}
	}
	return rest[len(sha1Prefix):], nil
}
