// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package identity persists who this installation is to the backend.
package identity

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/morganforge/ragchat/internal/util"
)

const (
	// credentialFile holds the encrypted bearer token inside a scope dir.
	credentialFile = "credential"

	// keyFile holds the per-install encryption key under the base dir.
	// It is shared by all scopes so clearing one scope keeps the rest
	// decryptable.
	keyFile = "secret.key"

	// encryptedPrefix marks an encrypted value
	// (format: ENC:base64(nonce|ciphertext|tag)).
	encryptedPrefix = "ENC:"
)

var (
	// ErrNoCredential indicates no token is stored for this scope.
	ErrNoCredential = errors.New("no credential stored")
	// ErrInvalidCredential indicates the credential file cannot be
	// decrypted (wrong key or tampered data).
	ErrInvalidCredential = errors.New("credential decryption failed")
)

// SaveToken encrypts and persists the bearer token for this scope.
// SECURITY: Tokens are sealed with XChaCha20-Poly1305 under a per-install
// key; a copied credential file is useless without the key file.
func (s *Store) SaveToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.loadOrCreateKey()
	if err != nil {
		return err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("failed to initialize cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(token), nil)
	encoded := encryptedPrefix + base64.StdEncoding.EncodeToString(sealed)

	path := filepath.Join(s.Dir(), credentialFile)
	if err := util.AtomicWriteFileWithDir(path, []byte(encoded), 0600, 0700); err != nil {
		return fmt.Errorf("failed to persist credential: %w", err)
	}
	return nil
}

// LoadToken returns the stored bearer token for this scope.
// Returns ErrNoCredential when none is stored.
func (s *Store) LoadToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.Dir(), credentialFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoCredential
		}
		return "", fmt.Errorf("failed to read credential: %w", err)
	}

	encoded := strings.TrimSpace(string(data))
	if !strings.HasPrefix(encoded, encryptedPrefix) {
		return "", ErrInvalidCredential
	}
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(encoded, encryptedPrefix))
	if err != nil {
		return "", ErrInvalidCredential
	}

	key, err := s.loadOrCreateKey()
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("failed to initialize cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return "", ErrInvalidCredential
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	token, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrInvalidCredential
	}
	return string(token), nil
}

// ClearToken removes the stored credential for this scope. Clearing an
// absent credential is not an error; expiry handling calls this blindly.
func (s *Store) ClearToken() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.Dir(), credentialFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove credential: %w", err)
	}
	return nil
}

// loadOrCreateKey returns the per-install encryption key, minting one on
// first use. Callers hold s.mu.
func (s *Store) loadOrCreateKey() ([]byte, error) {
	path := filepath.Join(s.baseDir, keyFile)

	key, err := os.ReadFile(path)
	if err == nil && len(key) == chacha20poly1305.KeySize {
		return key, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	// SECURITY: key file is owner-only; losing it only costs a re-login
	if err := util.AtomicWriteFileWithDir(path, key, 0600, 0700); err != nil {
		return nil, fmt.Errorf("failed to persist key: %w", err)
	}
	return key, nil
}
