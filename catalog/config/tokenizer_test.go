// tokenizer_test.go - key/value section tokenizer tests
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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenizeBasicSections(t *testing.T) {
	text := []byte("[Server]\nNickname: relay1\nDigest: abc\n\n[Incoming/MMTP]\nVersion: 0.3\n")
	f, err := Tokenize(text)
	require.NoError(t, err)
	require.Len(t, f.Sections, 2)

	server := f.Section("Server")
	require.NotNil(t, server)
	nick, ok := server.Get("Nickname")
	require.True(t, ok)
	require.Equal(t, "relay1", nick)

	mmtp := f.Section("Incoming/MMTP")
	require.NotNil(t, mmtp)
	ver, ok := mmtp.Get("Version")
	require.True(t, ok)
	require.Equal(t, "0.3", ver)
}

func TestTokenizeRepeatedKeysPreserveOrder(t *testing.T) {
	text := []byte("[Server]\nAllow: 1.2.3.4\nAllow: 5.6.7.8\nAllow: 9.9.9.9\n")
	f, err := Tokenize(text)
	require.NoError(t, err)
	all := f.Section("Server").GetAll("Allow")
	require.Equal(t, []string{"1.2.3.4", "5.6.7.8", "9.9.9.9"}, all)
}

func TestTokenizeIgnoresBlankAndCommentLines(t *testing.T) {
	text := []byte("# a comment\n\n[Server]\n# another comment\nNickname: relay1\n\n")
	f, err := Tokenize(text)
	require.NoError(t, err)
	require.Len(t, f.Sections, 1)
	nick, ok := f.Section("Server").Get("Nickname")
	require.True(t, ok)
	require.Equal(t, "relay1", nick)
}

func TestTokenizeContinuationLines(t *testing.T) {
	text := []byte("[Server]\nPacket-Key: AAAA\n BBBB\n CCCC\n")
	f, err := Tokenize(text)
	require.NoError(t, err)
	val, ok := f.Section("Server").Get("Packet-Key")
	require.True(t, ok)
	require.Equal(t, "AAAA\nBBBB\nCCCC", val)
}

func TestTokenizeRejectsEntryOutsideSection(t *testing.T) {
	_, err := Tokenize([]byte("Nickname: relay1\n"))
	require.Error(t, err)
}

func TestTokenizeRejectsMalformedEntry(t *testing.T) {
	_, err := Tokenize([]byte("[Server]\nNicknamerelay1\n"))
	require.Error(t, err)
}

func TestTokenizeRejectsEmptySectionHeader(t *testing.T) {
	_, err := Tokenize([]byte("[]\nKey: Value\n"))
	require.Error(t, err)
}

func TestTokenizeRejectsContinuationWithoutEntry(t *testing.T) {
	_, err := Tokenize([]byte("[Server]\n continuation with no entry\n"))
	require.Error(t, err)
}

func TestGetAllReturnsNilForMissingKey(t *testing.T) {
	f, err := Tokenize([]byte("[Server]\nNickname: relay1\n"))
	require.NoError(t, err)
	require.Nil(t, f.Section("Server").GetAll("Missing"))
}

func TestSectionLookupMissing(t *testing.T) {
	f, err := Tokenize([]byte("[Server]\nNickname: relay1\n"))
	require.NoError(t, err)
	require.Nil(t, f.Section("NoSuchSection"))
}
