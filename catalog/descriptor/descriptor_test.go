// descriptor_test.go - server descriptor model, parser, and validator tests
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

package descriptor

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/mixcore/catalog/config"
	"github.com/katzenpost/mixcore/catalog/s11n"
	"github.com/katzenpost/mixcore/catalog/xcrypto"
)

type testIdentity struct {
	signer *xcrypto.Signer
	pub    *rsa.PublicKey
}

func newTestIdentity(t *testing.T, bits int) *testIdentity {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	require.NoError(t, err)
	signer := xcrypto.NewSigner(priv)
	pub, err := signer.PublicKey()
	require.NoError(t, err)
	return &testIdentity{signer: signer, pub: pub}
}

// buildAndSign assembles a minimal, well-formed descriptor template for
// nickname with the given identity/packet keys and incoming section, then
// signs it. extra is appended verbatim to the [Server] section before
// signing, letting individual tests graft on additional sections/fields.
func buildAndSign(t *testing.T, nickname string, identity *testIdentity, packetKey *rsa.PublicKey, extraServer, extraSections string) []byte {
	t.Helper()
	now := time.Now().UTC()
	idB64 := config.FormatBase64(xcrypto.EncodePublicKey(identity.pub))
	pkB64 := config.FormatBase64(xcrypto.EncodePublicKey(packetKey))

	template := fmt.Sprintf(
		"[Server]\n"+
			"Descriptor-Version: 0.2\n"+
			"Nickname: %s\n"+
			"Identity: %s\n"+
			"Digest:\n"+
			"Signature:\n"+
			"Published: %s\n"+
			"Valid-After: %s\n"+
			"Valid-Until: %s\n"+
			"Packet-Key: %s\n"+
			"%s\n"+
			"%s",
		nickname, idB64,
		config.FormatTime(now),
		config.FormatDate(now.AddDate(0, 0, -1)),
		config.FormatDate(now.AddDate(0, 0, 7)),
		pkB64, extraServer, extraSections,
	)

	signed, err := s11n.Sign([]byte(template), s11n.ServerFields, identity.signer)
	require.NoError(t, err)
	return signed
}

func TestParseValidDescriptor(t *testing.T) {
	identity := newTestIdentity(t, 2048)
	defer identity.signer.Destroy()
	packetKey := newTestIdentity(t, 2048)
	defer packetKey.signer.Destroy()

	text := buildAndSign(t, "relay1", identity, packetKey.pub, "", "")

	desc, err := Parse(ParseOptions{Text: text})
	require.NoError(t, err)
	require.Equal(t, "relay1", desc.Nickname())
	require.True(t, desc.IsValidated())
}

func TestParseRejectsBadVersion(t *testing.T) {
	text := []byte("[Server]\nDescriptor-Version: 9.9\nNickname: relay1\n")
	_, err := Parse(ParseOptions{Text: text})
	require.Error(t, err)
}

func TestParseRejectsMissingServerSection(t *testing.T) {
	_, err := Parse(ParseOptions{Text: []byte("[Other]\nKey: Value\n")})
	require.Error(t, err)
}

func TestParseRejectsTamperedDigest(t *testing.T) {
	identity := newTestIdentity(t, 2048)
	defer identity.signer.Destroy()
	packetKey := newTestIdentity(t, 2048)
	defer packetKey.signer.Destroy()

	text := buildAndSign(t, "relay1", identity, packetKey.pub, "", "")
	tampered := []byte(string(text) + "\n")
	tampered = append(tampered, []byte("Comments: injected\n")...)

	_, err := Parse(ParseOptions{Text: tampered})
	require.Error(t, err)
}

func TestParseRejectsWrongSignature(t *testing.T) {
	identity := newTestIdentity(t, 2048)
	defer identity.signer.Destroy()
	otherIdentity := newTestIdentity(t, 2048)
	defer otherIdentity.signer.Destroy()
	packetKey := newTestIdentity(t, 2048)
	defer packetKey.signer.Destroy()

	// Sign with one key but declare a different Identity key: the
	// recovered signed digest won't match.
	idB64 := config.FormatBase64(xcrypto.EncodePublicKey(otherIdentity.pub))
	now := time.Now().UTC()
	pkB64 := config.FormatBase64(xcrypto.EncodePublicKey(packetKey.pub))
	template := fmt.Sprintf(
		"[Server]\nDescriptor-Version: 0.2\nNickname: relay1\nIdentity: %s\nDigest:\nSignature:\n"+
			"Published: %s\nValid-After: %s\nValid-Until: %s\nPacket-Key: %s\n",
		idB64, config.FormatTime(now), config.FormatDate(now.AddDate(0, 0, -1)),
		config.FormatDate(now.AddDate(0, 0, 7)), pkB64,
	)
	signed, err := s11n.Sign([]byte(template), s11n.ServerFields, identity.signer)
	require.NoError(t, err)

	_, err = Parse(ParseOptions{Text: signed})
	require.Error(t, err)
}

func TestParseRejectsUndersizedIdentityKey(t *testing.T) {
	identity := newTestIdentity(t, 1024)
	defer identity.signer.Destroy()
	packetKey := newTestIdentity(t, 2048)
	defer packetKey.signer.Destroy()

	text := buildAndSign(t, "relay1", identity, packetKey.pub, "", "")
	_, err := Parse(ParseOptions{Text: text})
	require.Error(t, err)
}

func TestParseRejectsWrongSizedPacketKey(t *testing.T) {
	identity := newTestIdentity(t, 2048)
	defer identity.signer.Destroy()
	packetKey := newTestIdentity(t, 1024)
	defer packetKey.signer.Destroy()

	text := buildAndSign(t, "relay1", identity, packetKey.pub, "", "")
	_, err := Parse(ParseOptions{Text: text})
	require.Error(t, err)
}

func TestParseAssumeValidSkipsValidation(t *testing.T) {
	identity := newTestIdentity(t, 1024) // undersized; would fail validate()
	defer identity.signer.Destroy()
	packetKey := newTestIdentity(t, 2048)
	defer packetKey.signer.Destroy()

	text := buildAndSign(t, "relay1", identity, packetKey.pub, "", "")
	desc, err := Parse(ParseOptions{Text: text, AssumeValid: true})
	require.NoError(t, err)
	require.False(t, desc.IsValidated())
	require.Equal(t, "relay1", desc.Nickname())
}

func TestParseValidatedDigestsShortCircuits(t *testing.T) {
	identity := newTestIdentity(t, 1024) // undersized; would fail validate()
	defer identity.signer.Destroy()
	packetKey := newTestIdentity(t, 2048)
	defer packetKey.signer.Destroy()

	text := buildAndSign(t, "relay1", identity, packetKey.pub, "", "")
	digest := s11n.Digest(text, s11n.ServerFields)

	known := map[[xcrypto.DigestLen]byte]struct{}{digest: {}}
	desc, err := Parse(ParseOptions{Text: text, ValidatedDigests: known})
	require.NoError(t, err)
	require.True(t, desc.IsValidated())
}

func TestIncomingMMTPSectionParsed(t *testing.T) {
	identity := newTestIdentity(t, 2048)
	defer identity.signer.Destroy()
	packetKey := newTestIdentity(t, 2048)
	defer packetKey.signer.Destroy()

	extra := "\n[Incoming/MMTP]\nVersion: 0.1\nIP: 1.2.3.4\nPort: 9001\nProtocols: 0.3\n"
	text := buildAndSign(t, "relay1", identity, packetKey.pub, "", extra)
	desc, err := Parse(ParseOptions{Text: text})
	require.NoError(t, err)
	require.Equal(t, "1.2.3.4", desc.IP())
	require.Equal(t, 9001, desc.Port())
	require.Equal(t, []string{"0.3"}, desc.IncomingProtocols())
}

func TestIncomingMMTPWrongVersionIsDropped(t *testing.T) {
	identity := newTestIdentity(t, 2048)
	defer identity.signer.Destroy()
	packetKey := newTestIdentity(t, 2048)
	defer packetKey.signer.Destroy()

	extra := "\n[Incoming/MMTP]\nVersion: 9.9\nIP: 1.2.3.4\nPort: 9001\nProtocols: 0.3\n"
	text := buildAndSign(t, "relay1", identity, packetKey.pub, "", extra)
	desc, err := Parse(ParseOptions{Text: text})
	require.NoError(t, err)
	require.Empty(t, desc.IP())
}

func TestValidAt(t *testing.T) {
	identity := newTestIdentity(t, 2048)
	defer identity.signer.Destroy()
	packetKey := newTestIdentity(t, 2048)
	defer packetKey.signer.Destroy()

	text := buildAndSign(t, "relay1", identity, packetKey.pub, "", "")
	desc, err := Parse(ParseOptions{Text: text})
	require.NoError(t, err)

	require.True(t, desc.ValidAt(time.Now()))
	require.False(t, desc.ValidAt(time.Now().AddDate(0, 0, 30)))
}

func TestIsSupersededBy(t *testing.T) {
	identity := newTestIdentity(t, 2048)
	defer identity.signer.Destroy()
	packetKey := newTestIdentity(t, 2048)
	defer packetKey.signer.Destroy()

	older := buildAndSign(t, "relay1", identity, packetKey.pub, "", "")
	oldDesc, err := Parse(ParseOptions{Text: older})
	require.NoError(t, err)

	// Published has one-second resolution, so wait past the next second
	// for the second descriptor to be strictly newer.
	time.Sleep(1100 * time.Millisecond)
	newer := buildAndSign(t, "relay1", identity, packetKey.pub, "", "")
	newDesc, err := Parse(ParseOptions{Text: newer})
	require.NoError(t, err)
	require.True(t, newDesc.IsNewerThan(oldDesc))

	// newDesc covers the exact same validity interval as oldDesc and has
	// a later Published time, so oldDesc is fully superseded.
	require.True(t, oldDesc.IsSupersededBy([]*Descriptor{newDesc}))
}

func TestCanRelayToSameNickname(t *testing.T) {
	identity := newTestIdentity(t, 2048)
	defer identity.signer.Destroy()
	packetKey := newTestIdentity(t, 2048)
	defer packetKey.signer.Destroy()

	text := buildAndSign(t, "relay1", identity, packetKey.pub, "", "")
	a, err := Parse(ParseOptions{Text: text})
	require.NoError(t, err)
	require.True(t, a.CanRelayTo(a))
}

func TestCanRelayToByProtocolIntersection(t *testing.T) {
	idA := newTestIdentity(t, 2048)
	defer idA.signer.Destroy()
	idB := newTestIdentity(t, 2048)
	defer idB.signer.Destroy()
	pkA := newTestIdentity(t, 2048)
	defer pkA.signer.Destroy()
	pkB := newTestIdentity(t, 2048)
	defer pkB.signer.Destroy()

	aExtra := "\n[Outgoing/MMTP]\nVersion: 0.1\nProtocols: 0.3\n"
	aText := buildAndSign(t, "relayA", idA, pkA.pub, "", aExtra)
	a, err := Parse(ParseOptions{Text: aText})
	require.NoError(t, err)

	bExtra := "\n[Incoming/MMTP]\nVersion: 0.1\nIP: 1.2.3.4\nPort: 9001\nProtocols: 0.3\n"
	bText := buildAndSign(t, "relayB", idB, pkB.pub, "", bExtra)
	b, err := Parse(ParseOptions{Text: bText})
	require.NoError(t, err)

	require.True(t, a.CanRelayTo(b))
}

func TestRoutingForIPv4(t *testing.T) {
	idA := newTestIdentity(t, 2048)
	defer idA.signer.Destroy()
	idB := newTestIdentity(t, 2048)
	defer idB.signer.Destroy()
	pkA := newTestIdentity(t, 2048)
	defer pkA.signer.Destroy()
	pkB := newTestIdentity(t, 2048)
	defer pkB.signer.Destroy()

	aText := buildAndSign(t, "relayA", idA, pkA.pub, "", "")
	a, err := Parse(ParseOptions{Text: aText})
	require.NoError(t, err)

	bExtra := "\n[Incoming/MMTP]\nVersion: 0.1\nIP: 10.0.0.1\nPort: 9001\nProtocols: 0.3\n"
	bText := buildAndSign(t, "relayB", idB, pkB.pub, "", bExtra)
	b, err := Parse(ParseOptions{Text: bText})
	require.NoError(t, err)

	rt, info := a.RoutingFor(b, false)
	require.Equal(t, FwdIPv4, rt)
	require.Equal(t, []byte{10, 0, 0, 1}, info[:4])
	require.Equal(t, byte(9001>>8), info[4])
	require.Equal(t, byte(9001), info[5])

	rtSwap, _ := a.RoutingFor(b, true)
	require.Equal(t, SwapFwdIPv4, rtSwap)
}

func TestRoutingForHostname(t *testing.T) {
	idA := newTestIdentity(t, 2048)
	defer idA.signer.Destroy()
	idB := newTestIdentity(t, 2048)
	defer idB.signer.Destroy()
	pkA := newTestIdentity(t, 2048)
	defer pkA.signer.Destroy()
	pkB := newTestIdentity(t, 2048)
	defer pkB.signer.Destroy()

	aExtra := "\n[Incoming/MMTP]\nVersion: 0.1\nHostname: mixA.example.org\nPort: 9001\nProtocols: 0.3\n"
	aText := buildAndSign(t, "relayA", idA, pkA.pub, "", aExtra)
	a, err := Parse(ParseOptions{Text: aText})
	require.NoError(t, err)

	bExtra := "\n[Incoming/MMTP]\nVersion: 0.1\nHostname: mixB.example.org\nPort: 9002\nProtocols: 0.3\n"
	bText := buildAndSign(t, "relayB", idB, pkB.pub, "", bExtra)
	b, err := Parse(ParseOptions{Text: bText})
	require.NoError(t, err)

	rt, info := a.RoutingFor(b, false)
	require.Equal(t, FwdHost, rt)
	require.Equal(t, byte(len("mixB.example.org")), info[0])
}

func TestCapsReflectsAdvertisedSections(t *testing.T) {
	identity := newTestIdentity(t, 2048)
	defer identity.signer.Destroy()
	packetKey := newTestIdentity(t, 2048)
	defer packetKey.signer.Destroy()

	extra := "\n[Incoming/MMTP]\nVersion: 0.1\nIP: 1.2.3.4\nPort: 9001\nProtocols: 0.3\n" +
		"\n[Delivery/MBOX]\nVersion: 0.1\n" +
		"\n[Outgoing/MMTP]\nVersion: 0.1\nProtocols: 0.3\n"
	text := buildAndSign(t, "relay1", identity, packetKey.pub, "", extra)
	desc, err := Parse(ParseOptions{Text: text})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"mbox", "relay"}, desc.Caps())
}
