// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-diskvault.
//
// go-diskvault is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package password implements the types.Password interface for passphrases
// held in memory during unlock and rotation operations. Passphrases are
// copied on the way in, copied on the way out, and zeroed on Clear so a
// passphrase never outlives the operation that needed it.
package password

import (
	"crypto/subtle"
	"errors"

	"github.com/jeremyhahn/go-diskvault/pkg/types"
)

var (
	// ErrEmptyPassword is returned when an empty passphrase is provided.
	ErrEmptyPassword = errors.New("password: passphrase cannot be empty")

	// ErrPasswordZeroed is returned when the passphrase has been cleared.
	ErrPasswordZeroed = errors.New("password: passphrase has been zeroed")
)

// ClearPassword holds a passphrase as cleartext bytes that can be zeroed.
type ClearPassword struct {
	passphrase []byte
}

// New creates a passphrase from bytes. The slice is copied so the caller's
// buffer can be zeroed independently.
func New(passphrase []byte) (types.Password, error) {
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassword
	}
	p := make([]byte, len(passphrase))
	copy(p, passphrase)
	return &ClearPassword{passphrase: p}, nil
}

// NewFromString creates a passphrase from a string.
func NewFromString(passphrase string) (types.Password, error) {
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassword
	}
	return &ClearPassword{passphrase: []byte(passphrase)}, nil
}

// String returns the passphrase as a string. Fails after Clear.
func (p *ClearPassword) String() (string, error) {
	if p.passphrase == nil {
		return "", ErrPasswordZeroed
	}
	return string(p.passphrase), nil
}

// Bytes returns a copy of the passphrase, or nil after Clear.
func (p *ClearPassword) Bytes() []byte {
	if p.passphrase == nil {
		return nil
	}
	out := make([]byte, len(p.passphrase))
	copy(out, p.passphrase)
	return out
}

// Clear zeroes the passphrase. Irreversible.
func (p *ClearPassword) Clear() {
	if p.passphrase != nil {
		for i := range p.passphrase {
			p.passphrase[i] = 0
		}
		subtle.ConstantTimeCopy(1, p.passphrase, make([]byte, len(p.passphrase)))
		p.passphrase = nil
	}
}

// Equal compares two passphrases in constant time.
func Equal(a, b types.Password) (bool, error) {
	aBytes := a.Bytes()
	if aBytes == nil {
		return false, ErrPasswordZeroed
	}
	defer zero(aBytes)

	bBytes := b.Bytes()
	if bBytes == nil {
		return false, ErrPasswordZeroed
	}
	defer zero(bBytes)

	return subtle.ConstantTimeCompare(aBytes, bBytes) == 1, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Verify interface compliance at compile time
var _ types.Password = (*ClearPassword)(nil)
