// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Encryption-at-rest tests for the credential store:
// - Nonce uniqueness across saves
// - Per-install key reuse across scopes
// - Decryption failure with a foreign key
package identity

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
)

// TestEncryption_NonceUniqueness tests that saving the same token twice
// never produces the same ciphertext.
func TestEncryption_NonceUniqueness(t *testing.T) {
	store := newTestStore(t, AccountScope)

	require.NoError(t, store.SaveToken("tok_same_plaintext"))
	first, err := os.ReadFile(filepath.Join(store.Dir(), credentialFile))
	require.NoError(t, err)

	require.NoError(t, store.SaveToken("tok_same_plaintext"))
	second, err := os.ReadFile(filepath.Join(store.Dir(), credentialFile))
	require.NoError(t, err)

	require.NotEqual(t, string(first), string(second),
		"Repeated saves of one token must differ on disk (fresh nonce)")
}

// TestEncryption_KeySharedAcrossScopes tests that all scopes seal under
// the one per-install key, so clearing a scope never orphans the others.
func TestEncryption_KeySharedAcrossScopes(t *testing.T) {
	baseDir := t.TempDir()

	account, err := NewStore(baseDir, AccountScope)
	require.NoError(t, err)
	widget, err := NewStore(baseDir, WidgetScope("ek_shared_key"))
	require.NoError(t, err)

	require.NoError(t, account.SaveToken("tok_account"))
	require.NoError(t, widget.SaveToken("tok_widget"))

	// Exactly one key file, under the base dir rather than a scope dir
	key, err := os.ReadFile(filepath.Join(baseDir, keyFile))
	require.NoError(t, err)
	require.Len(t, key, chacha20poly1305.KeySize)

	require.NoError(t, account.ClearToken())

	got, err := widget.LoadToken()
	require.NoError(t, err, "Clearing one scope must not break another")
	require.Equal(t, "tok_widget", got)
}

// TestEncryption_ForeignKeyRejected tests that a credential file copied
// to another install (different key) fails to decrypt.
func TestEncryption_ForeignKeyRejected(t *testing.T) {
	source := newTestStore(t, AccountScope)
	require.NoError(t, source.SaveToken("tok_portable"))

	sealed, err := os.ReadFile(filepath.Join(source.Dir(), credentialFile))
	require.NoError(t, err)

	target := newTestStore(t, AccountScope)
	require.NoError(t, os.MkdirAll(target.Dir(), 0700))
	// Force the target to mint its own key before planting the file
	require.NoError(t, target.SaveToken("tok_local"))
	require.NoError(t, os.WriteFile(
		filepath.Join(target.Dir(), credentialFile), sealed, 0600))

	_, err = target.LoadToken()
	require.ErrorIs(t, err, ErrInvalidCredential,
		"A copied credential file must be useless without the key file")
}

// TestEncryption_KeyFilePermissions tests that the key file is owner-only.
func TestEncryption_KeyFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file mode checks are not meaningful on Windows")
	}

	store := newTestStore(t, AccountScope)
	require.NoError(t, store.SaveToken("tok_perm_check"))

	info, err := os.Stat(filepath.Join(store.baseDir, keyFile))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}
