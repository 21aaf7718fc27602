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

package bridge

import (
	"fmt"
	"net"

	"golang.org/x/crypto/ssh"
)

// KeyScope limits what an authorized key may do over the bridge.
type KeyScope string

const (
	// ScopeUnlock permits routine remote unlocks.
	ScopeUnlock KeyScope = "unlock"

	// ScopeEmergency permits unlocks from designated recovery networks
	// only. Emergency keys must carry at least one source network.
	ScopeEmergency KeyScope = "emergency"
)

// KeyEntry is one allow-list entry as it appears in configuration.
type KeyEntry struct {
	// Name identifies the key holder in audit records.
	Name string `yaml:"name" json:"name"`

	// PublicKey is the key in OpenSSH authorized_keys format.
	PublicKey string `yaml:"public_key" json:"public_key"`

	// Scope is the key's permitted operation scope.
	Scope KeyScope `yaml:"scope" json:"scope"`

	// SourceCIDRs restricts the networks the key may connect from.
	// Required for emergency keys, optional otherwise.
	SourceCIDRs []string `yaml:"source_cidrs,omitempty" json:"source_cidrs,omitempty"`
}

// authorizedKey is a parsed allow-list entry.
type authorizedKey struct {
	name        string
	fingerprint string
	scope       KeyScope
	networks    []*net.IPNet
}

// Authorizer matches presented public keys against the allow-list and
// enforces per-key source network restrictions.
type Authorizer struct {
	keys map[string]*authorizedKey
}

// NewAuthorizer parses the allow-list entries.
func NewAuthorizer(entries []KeyEntry) (*Authorizer, error) {
	keys := make(map[string]*authorizedKey, len(entries))
	for i, entry := range entries {
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(entry.PublicKey))
		if err != nil {
			return nil, fmt.Errorf("bridge: invalid public key in entry %d (%s): %w", i, entry.Name, err)
		}
		scope := entry.Scope
		if scope == "" {
			scope = ScopeUnlock
		}
		if scope != ScopeUnlock && scope != ScopeEmergency {
			return nil, fmt.Errorf("bridge: unknown key scope %q in entry %d (%s)", scope, i, entry.Name)
		}
		if scope == ScopeEmergency && len(entry.SourceCIDRs) == 0 {
			return nil, fmt.Errorf("bridge: emergency key %q requires source networks", entry.Name)
		}

		var networks []*net.IPNet
		for _, cidr := range entry.SourceCIDRs {
			_, network, err := net.ParseCIDR(cidr)
			if err != nil {
				return nil, fmt.Errorf("bridge: invalid source network %q for key %s: %w", cidr, entry.Name, err)
			}
			networks = append(networks, network)
		}

		fp := ssh.FingerprintSHA256(pub)
		keys[fp] = &authorizedKey{
			name:        entry.Name,
			fingerprint: fp,
			scope:       scope,
			networks:    networks,
		}
	}
	return &Authorizer{keys: keys}, nil
}

// Authorize checks a presented key and source address against the
// allow-list. Returns the holder name and scope on success.
func (a *Authorizer) Authorize(key ssh.PublicKey, source net.IP) (name string, scope KeyScope, err error) {
	entry, ok := a.keys[ssh.FingerprintSHA256(key)]
	if !ok {
		return "", "", ErrKeyNotAuthorized
	}
	if len(entry.networks) > 0 {
		allowed := false
		for _, network := range entry.networks {
			if network.Contains(source) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", "", ErrSourceNotAllowed
		}
	}
	return entry.name, entry.scope, nil
}

// Len returns the number of allow-list entries.
func (a *Authorizer) Len() int { return len(a.keys) }
