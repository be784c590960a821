package secretstore

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	return []byte(strings.Repeat("k", 32))
}

func TestStoreRoundTripEncrypted(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(OpenOptions{Path: dir, EncryptionKey: testKey()})
	require.NoError(t, err)

	require.NoError(t, s.SetStrings(map[string]string{
		"agent/address": "0xabc",
		"agent/key":     "deadbeef",
		"main/key":      "",
	}))

	v, ok, err := s.GetString("agent/key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "deadbeef", v)

	// empty value still counts as present
	v, ok, err = s.GetString("main/key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, v)

	_, ok, err = s.GetString("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := s.Keys("agent/")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent/address", "agent/key"}, keys)

	require.NoError(t, s.Delete("agent/key"))
	_, ok, _ = s.GetString("agent/key")
	assert.False(t, ok)
	require.NoError(t, s.Close())

	// reopening with the wrong key must fail
	_, err = Open(OpenOptions{Path: dir, EncryptionKey: []byte(strings.Repeat("x", 32))})
	assert.Error(t, err)
}

func TestClosedStore(t *testing.T) {
	var s *Store
	_, _, err := s.GetString("a")
	assert.ErrorIs(t, err, ErrNotOpened)
	assert.ErrorIs(t, s.SetString("a", "b"), ErrNotOpened)
	assert.NoError(t, s.Close())
}

func TestParseKey(t *testing.T) {
	raw := testKey()

	b, err := ParseKey("0x" + strings.Repeat("ab", 32))
	require.NoError(t, err)
	assert.Len(t, b, 32)

	b, err = ParseKey(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, b)

	b, err = ParseKey("  ")
	require.NoError(t, err)
	assert.Nil(t, b)

	_, err = ParseKey("abcd")
	assert.Error(t, err)
	_, err = Open(OpenOptions{Path: t.TempDir(), EncryptionKey: []byte("short")})
	assert.Error(t, err)
}
