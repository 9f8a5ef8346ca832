// Package auth guards the daemon's RPC endpoint with a bearer token that
// only the local user can read.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"swarmdrive/pkg/types"
)

const tokenBytes = 32

var (
	ErrMissingToken = fmt.Errorf("%w: no token presented", types.ErrAuthentication)
	ErrInvalidToken = fmt.Errorf("%w: invalid token", types.ErrAuthentication)
	ErrRevokedToken = fmt.Errorf("%w: token revoked", types.ErrAuthentication)
)

// Identity is the authenticated caller of an RPC.
type Identity struct {
	// Name identifies where the token came from, e.g. the token file path.
	Name     string
	IssuedAt time.Time
}

// TokenManager issues and checks bearer tokens.
type TokenManager interface {
	// GenerateToken creates a new token for identity.
	GenerateToken(identity *Identity) (string, error)

	// ValidateToken returns the identity that owns token.
	ValidateToken(token string) (*Identity, error)

	// RevokeToken invalidates token.
	RevokeToken(token string) error
}

// Tokens is an in-memory TokenManager.
type Tokens struct {
	mu      sync.RWMutex
	issued  map[string]*Identity
	revoked map[string]struct{}
}

var _ TokenManager = (*Tokens)(nil)

func NewTokens() *Tokens {
	return &Tokens{
		issued:  make(map[string]*Identity),
		revoked: make(map[string]struct{}),
	}
}

func (t *Tokens) GenerateToken(identity *Identity) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := hex.EncodeToString(buf)
	t.add(token, identity)
	return token, nil
}

func (t *Tokens) add(token string, identity *Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if identity.IssuedAt.IsZero() {
		identity.IssuedAt = time.Now()
	}
	t.issued[token] = identity
}

func (t *Tokens) ValidateToken(token string) (*Identity, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.revoked[token]; ok {
		return nil, ErrRevokedToken
	}
	// Constant time, and every issued token is compared.
	var found *Identity
	for issued, identity := range t.issued {
		if subtle.ConstantTimeCompare([]byte(issued), []byte(token)) == 1 {
			found = identity
		}
	}
	if found == nil {
		return nil, ErrInvalidToken
	}
	return found, nil
}

func (t *Tokens) RevokeToken(token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.issued[token]; !ok {
		return ErrInvalidToken
	}
	delete(t.issued, token)
	t.revoked[token] = struct{}{}
	return nil
}

// LoadOrCreateTokenFile registers the token stored at path with t, creating
// the file with a fresh token and 0600 permissions if it does not exist.
func (t *Tokens) LoadOrCreateTokenFile(path string) (string, error) {
	identity := &Identity{Name: path}

	if token, err := ReadTokenFile(path); err == nil {
		t.add(token, identity)
		return token, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	token, err := t.GenerateToken(identity)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to write token file: %w", err)
	}
	return token, nil
}

// ReadTokenFile returns the token stored at path.
func ReadTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("%w: token file %s is empty", types.ErrAuthentication, path)
	}
	return token, nil
}
