// Package integrity hashes archived documents and checks them against the
// hash recorded at finalization.
package integrity

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/pesio-ai/be-ar-invoices/internal/errors"
	"github.com/pesio-ai/be-ar-invoices/internal/storage"
)

// Verification statuses.
const (
	StatusVerified = "verified"
	StatusMismatch = "mismatch"
	StatusMissing  = "missing"
)

// Result is the outcome of Verify. It never carries an error for a mismatch;
// callers that want one use Result.Err.
type Result struct {
	Verified    bool   `json:"verified"`
	StoredHash  string `json:"storedHash"`
	CurrentHash string `json:"currentHash"`
	Message     string `json:"message"`
	Status      string `json:"status"`
	Path        string `json:"-"`
}

// Err returns an INTEGRITY_ERROR for a mismatch and nil otherwise.
func (r *Result) Err() error {
	if r.Status != StatusMismatch {
		return nil
	}
	return errors.Integrity(r.Path, r.StoredHash, r.CurrentHash)
}

// Service reads through a DocumentStore and never writes.
type Service struct {
	store storage.DocumentStore
}

// NewService creates a Service.
func NewService(store storage.DocumentStore) *Service {
	return &Service{store: store}
}

// Hash returns the lowercase hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Hash is a convenience for Hash(data).
func (s *Service) Hash(data []byte) string {
	return Hash(data)
}

// Verify recomputes the hash of the document at rel and compares it with
// expected in constant time.
func (s *Service) Verify(ctx context.Context, rel, expected string) (*Result, error) {
	res := &Result{StoredHash: expected, Path: rel}

	data, err := s.store.Read(ctx, rel)
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeNotFound) {
			res.Status = StatusMissing
			res.Message = "archived PDF is missing from storage"
			return res, nil
		}
		return nil, err
	}

	res.CurrentHash = Hash(data)
	if Equal(res.CurrentHash, expected) {
		res.Verified = true
		res.Status = StatusVerified
		res.Message = "PDF integrity verified: document has not been modified since finalization"
		return res, nil
	}

	res.Status = StatusMismatch
	res.Message = "PDF integrity check failed: document has been modified since finalization"
	return res, nil
}

// Equal compares two hex digests in constant time, ignoring case.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(a)), []byte(strings.ToLower(b))) == 1
}

// ValidHash reports whether h looks like a hex SHA-256 digest.
func ValidHash(h string) bool {
	if len(h) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}
