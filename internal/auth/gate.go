// Package auth implements the credential gate. Every connection presents an
// opaque API key before any session logic runs; keys are compared in constant
// time so an attacker cannot probe for near-misses.
package auth

import (
	"crypto/subtle"
	"errors"
)

// ErrRejected is returned when the presented key matches no configured key
var ErrRejected = errors.New("credential rejected")

// Identity is the authenticated identity derived from a credential. With a
// shared key there is nothing to distinguish individual users, so the identity
// carries only the marker that authentication succeeded.
type Identity struct {
	Name string
}

// Gate validates presented API keys against the configured key set
type Gate struct {
	keys [][]byte
}

// NewGate creates a Gate accepting the given keys
func NewGate(keys []string) *Gate {
	g := &Gate{keys: make([][]byte, 0, len(keys))}
	for _, key := range keys {
		if key == "" {
			continue
		}
		g.keys = append(g.keys, []byte(key))
	}
	return g
}

// Authenticate checks the presented key against every configured key. The
// comparison runs over the full key set regardless of where a match occurs.
func (g *Gate) Authenticate(presented string) (Identity, error) {
	if presented == "" {
		return Identity{}, ErrRejected
	}

	presentedBytes := []byte(presented)
	matched := 0
	for _, key := range g.keys {
		if len(key) == len(presentedBytes) {
			matched |= subtle.ConstantTimeCompare(key, presentedBytes)
		}
	}

	if matched != 1 {
		return Identity{}, ErrRejected
	}
	return Identity{Name: "raider"}, nil
}
