package keystore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pm_chat/internal/cryptographic/dh"
)

var fastParams = Params{N: 1 << 10, R: 8, P: 1}

func TestStoreLoad(t *testing.T) {
	ks, err := New(t.TempDir(), fastParams)
	require.NoError(t, err)
	assert.False(t, ks.Exists())

	priv, _, err := dh.NewX25519KeyPair()
	require.NoError(t, err)

	require.NoError(t, ks.Store("correct horse", priv))
	assert.True(t, ks.Exists())

	got, err := ks.Load("correct horse")
	require.NoError(t, err)
	assert.Equal(t, priv, got)
}

func TestKeyFileIsPrivate(t *testing.T) {
	dir := t.TempDir()
	ks, err := New(dir, fastParams)
	require.NoError(t, err)

	priv, _, _ := dh.NewX25519KeyPair()
	require.NoError(t, ks.Store("pw", priv))

	info, err := os.Stat(filepath.Join(dir, keyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, err := os.ReadFile(filepath.Join(dir, keyFile))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), string(priv[:]))
}

func TestWrongPassphrase(t *testing.T) {
	ks, err := New(t.TempDir(), fastParams)
	require.NoError(t, err)

	priv, _, _ := dh.NewX25519KeyPair()
	require.NoError(t, ks.Store("pw", priv))

	_, err = ks.Load("not pw")
	assert.ErrorIs(t, err, ErrWrongPassphrase)
}

func TestLoadMissing(t *testing.T) {
	ks, err := New(t.TempDir(), fastParams)
	require.NoError(t, err)

	_, err = ks.Load("pw")
	assert.ErrorIs(t, err, ErrNoKey)
}
