// Package auth verifies node credentials and mints new ones.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"gridstore/internal/store"
)

var (
	ErrUnknownIdentity = errors.New("unknown node identity")
	ErrBadCredential   = errors.New("credential verification failed")
)

const tokenBytes = 32

// Authenticator checks a claimed identity and presented secret against the
// credential store. The stored form is a bcrypt hash; bcrypt's own cost
// dominates any timing signal from the comparison.
type Authenticator struct {
	store store.Store
}

func NewAuthenticator(st store.Store) *Authenticator {
	return &Authenticator{store: st}
}

// Authenticate returns nil only when nodeID exists and token matches its
// stored hash.
func (a *Authenticator) Authenticate(ctx context.Context, nodeID, token string) error {
	hash, err := a.store.Credential(ctx, nodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnknownIdentity
		}
		return fmt.Errorf("credential lookup: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(token)); err != nil {
		return ErrBadCredential
	}
	return nil
}

// Credentials is the one-time enrollment result. The token is returned
// exactly once and never persisted in plaintext.
type Credentials struct {
	NodeID string `json:"node_id"`
	Token  string `json:"token"`
}

// Registrar enrolls new nodes.
type Registrar struct {
	store store.Store
	cost  int
}

func NewRegistrar(st store.Store) *Registrar {
	return &Registrar{store: st, cost: bcrypt.DefaultCost}
}

// Enroll mints a fresh identity and secret token, persists the hash, and
// returns the plaintext credentials to hand to the node operator.
func (r *Registrar) Enroll(ctx context.Context, maxSpaceBytes int64) (Credentials, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return Credentials{}, err
	}
	token := hex.EncodeToString(raw)
	hash, err := bcrypt.GenerateFromPassword([]byte(token), r.cost)
	if err != nil {
		return Credentials{}, err
	}
	creds := Credentials{NodeID: uuid.NewString(), Token: token}
	rec := store.NodeRecord{
		NodeID:        creds.NodeID,
		TokenHash:     hash,
		MaxSpaceBytes: maxSpaceBytes,
	}
	if err := r.store.CreateNode(ctx, rec); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}
