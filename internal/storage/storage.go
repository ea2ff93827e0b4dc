// Package storage archives finalized invoice PDFs. Every backend is
// write-once and rejects paths that would escape its root.
package storage

import (
	"context"
	stderrors "errors"
	"path"
	"strconv"
	"strings"

	"github.com/pesio-ai/be-ar-invoices/internal/errors"
)

var (
	// ErrExist is returned by Write when the path is already taken.
	ErrExist = stderrors.New("document already exists")
	// ErrNotExist is returned by Read for a missing document.
	ErrNotExist = stderrors.New("document does not exist")
)

// DocumentStore is durable, path-addressed byte storage.
type DocumentStore interface {
	// Write stores data at rel, creating parents. It never overwrites.
	Write(ctx context.Context, rel string, data []byte) error
	Read(ctx context.Context, rel string) ([]byte, error)
	Exists(ctx context.Context, rel string) (bool, error)
	// Delete removes rel. Deleting a missing document is not an error.
	Delete(ctx context.Context, rel string) error
}

// PathFor returns the archive path of an invoice:
// {issuerID}/{year}/{sanitized invoice number}.pdf
func PathFor(issuerID string, year int, invoiceNumber string) string {
	return path.Join(issuerID, strconv.Itoa(year), Sanitize(invoiceNumber)+".pdf")
}

// Sanitize keeps only [A-Za-z0-9-_].
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CleanRel validates a slash-separated relative path lexically and returns it
// cleaned. It rejects empty, absolute, NUL-bearing and dot-dot paths without
// consulting any backend.
func CleanRel(rel string) (string, error) {
	if rel == "" || strings.ContainsRune(rel, 0) {
		return "", errors.PathSecurity(rel)
	}
	if strings.HasPrefix(rel, "/") || strings.ContainsRune(rel, '\\') || hasVolume(rel) {
		return "", errors.PathSecurity(rel)
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", errors.PathSecurity(rel)
		}
	}

	clean := path.Clean(rel)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", errors.PathSecurity(rel)
	}
	return clean, nil
}

// hasVolume catches Windows-style "C:" prefixes.
func hasVolume(rel string) bool {
	return len(rel) >= 2 && rel[1] == ':'
}

func existErr(rel string) error {
	return errors.Wrap(ErrExist, errors.ErrCodeConflict, "document already exists").
		WithDetail("path", rel)
}

func notExistErr(rel string) error {
	return errors.Wrap(ErrNotExist, errors.ErrCodeNotFound, "archived document not found").
		WithDetail("path", rel)
}
