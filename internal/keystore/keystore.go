// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package keystore obfuscates the API key for local storage.
//
// This is convenience obfuscation, not a security boundary: the
// passphrase, salt and IV ship inside the binary, so anyone holding it
// can reverse the transform. It only keeps the key out of casual
// plaintext greps of the config file. A real deployment needs
// server-side secret storage.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// EncPrefix marks an obfuscated value in the config file.
const EncPrefix = "enc:"

const (
	obfuscationPassphrase = "lightgpt-local-keystore"
	obfuscationSalt       = "lightgpt"
	kdfIterations         = 4096
	keyLength             = 32
)

// Fixed IV: values are not secret (see package comment), and a stable
// IV keeps the stored form deterministic so config diffs stay quiet.
var fixedIV = []byte("lightgpt-128bit!")

var (
	// ErrNotObfuscated is returned when Reveal is given a value without
	// the obfuscation prefix.
	ErrNotObfuscated = errors.New("value is not obfuscated")

	// ErrMalformed is returned when an obfuscated value cannot be
	// decoded or decrypted.
	ErrMalformed = errors.New("malformed obfuscated value")
)

// derivedKey stretches the embedded passphrase into an AES-256 key.
func derivedKey() []byte {
	return pbkdf2.Key([]byte(obfuscationPassphrase), []byte(obfuscationSalt), kdfIterations, keyLength, sha256.New)
}

// IsObfuscated reports whether a value carries the obfuscation prefix.
func IsObfuscated(value string) bool {
	return strings.HasPrefix(value, EncPrefix)
}

// Obfuscate encrypts a plaintext value and returns it prefixed and
// URL-safe base64 encoded. Obfuscating an empty string returns an
// empty string.
func Obfuscate(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}

	block, err := aes.NewCipher(derivedKey())
	if err != nil {
		return "", fmt.Errorf("failed to initialize cipher: %w", err)
	}

	padded := pkcs7Pad([]byte(plain), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, fixedIV).CryptBlocks(out, padded)

	return EncPrefix + base64.URLEncoding.EncodeToString(out), nil
}

// Reveal decodes an obfuscated value back to plaintext.
func Reveal(value string) (string, error) {
	if !IsObfuscated(value) {
		return "", ErrNotObfuscated
	}

	raw, err := base64.URLEncoding.DecodeString(strings.TrimPrefix(value, EncPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", ErrMalformed
	}

	block, err := aes.NewCipher(derivedKey())
	if err != nil {
		return "", fmt.Errorf("failed to initialize cipher: %w", err)
	}

	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, fixedIV).CryptBlocks(out, raw)

	plain, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// pkcs7Pad appends PKCS#7 padding up to the block size.
func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

// pkcs7Unpad strips PKCS#7 padding, validating every pad byte.
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrMalformed
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrMalformed
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrMalformed
		}
	}
	return data[:len(data)-n], nil
}
