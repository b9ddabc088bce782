package login

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/tendant/simple-auth/pkg/errors"
	"github.com/tendant/simple-auth/pkg/iam"
)

// CredentialStore verifies a username/password pair and resolves it to a
// principal. Implementations must not reveal whether the username or the
// password was wrong.
type CredentialStore interface {
	VerifyCredentials(ctx context.Context, username, password string) (iam.Principal, error)
}

// HashPassword hashes a plaintext password with bcrypt.
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// CheckPasswordHash compares a plaintext password with a bcrypt hash.
func CheckPasswordHash(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

type credentialRecord struct {
	principal    iam.Principal
	passwordHash string
}

// InMemCredentialStore implements CredentialStore using in-memory storage
type InMemCredentialStore struct {
	mu      sync.RWMutex
	records map[string]credentialRecord // keyed by lowercased username
}

// NewInMemCredentialStore creates a new in-memory credential store
func NewInMemCredentialStore() *InMemCredentialStore {
	return &InMemCredentialStore{
		records: make(map[string]credentialRecord),
	}
}

// Seed registers a principal with a plaintext password. Used for seeding
// demo data and tests.
func (s *InMemCredentialStore) Seed(principal iam.Principal, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[strings.ToLower(principal.Username)] = credentialRecord{
		principal:    principal,
		passwordHash: hash,
	}
	return nil
}

func (s *InMemCredentialStore) VerifyCredentials(ctx context.Context, username, password string) (iam.Principal, error) {
	s.mu.RLock()
	record, ok := s.records[strings.ToLower(username)]
	s.mu.RUnlock()

	// Burn a bcrypt comparison even for unknown usernames so timing does
	// not distinguish the two failure cases.
	if !ok {
		_ = bcrypt.CompareHashAndPassword(unknownUserHash, []byte(password))
		return iam.Principal{}, errors.InvalidCredentials()
	}

	if !CheckPasswordHash(password, record.passwordHash) {
		return iam.Principal{}, errors.InvalidCredentials()
	}
	return record.principal, nil
}

// unknownUserHash is a valid bcrypt hash of an unguessable value.
var unknownUserHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("simple-auth-placeholder"), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	return h
}()
