package storage

import (
	"context"
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pesio-ai/be-ar-invoices/internal/errors"
)

const (
	dirPerm  = 0o750
	filePerm = 0o440
)

// FSStore keeps documents under a local directory that must not be served
// publicly.
type FSStore struct {
	root string
}

// NewFSStore creates root if needed and resolves it to a real absolute path.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, errors.New(errors.ErrCodeInvalidInput, "storage root is required")
	}
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, errors.Storage("init", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Storage("init", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, errors.Storage("init", err)
	}
	return &FSStore{root: resolved}, nil
}

// Root returns the resolved storage root.
func (s *FSStore) Root() string {
	return s.root
}

// resolve maps rel to an absolute path under the root. Symlinks are followed
// on the deepest existing ancestor and must land inside the root too.
func (s *FSStore) resolve(rel string) (string, error) {
	clean, err := CleanRel(rel)
	if err != nil {
		return "", err
	}

	full := filepath.Join(s.root, filepath.FromSlash(clean))
	if !within(s.root, full) {
		return "", errors.PathSecurity(rel)
	}

	probe := full
	for {
		if _, err := os.Lstat(probe); err == nil {
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}

	resolved, err := filepath.EvalSymlinks(probe)
	if err != nil {
		return "", errors.Storage("resolve", err)
	}
	if !within(s.root, resolved) {
		return "", errors.PathSecurity(rel)
	}
	return full, nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// Write publishes data atomically: the bytes go to a temp file that is then
// hard-linked into place, which fails if the target exists.
func (s *FSStore) Write(ctx context.Context, rel string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.resolve(rel)
	if err != nil {
		return err
	}

	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return errors.Storage("mkdir", err)
	}
	// parents may have been created through a symlink raced in after resolve
	if _, err := s.resolve(rel); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errors.Storage("write", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Storage("write", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Storage("sync", err)
	}
	if err := tmp.Close(); err != nil {
		return errors.Storage("write", err)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		return errors.Storage("chmod", err)
	}

	if err := os.Link(tmpName, full); err != nil {
		if stderrors.Is(err, fs.ErrExist) {
			return existErr(rel)
		}
		return errors.Storage("link", err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Storage("sync", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !stderrors.Is(err, os.ErrInvalid) {
		return errors.Storage("sync", err)
	}
	return nil
}

// Read returns the stored bytes.
func (s *FSStore) Read(ctx context.Context, rel string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, notExistErr(rel)
		}
		return nil, errors.Storage("read", err)
	}
	return data, nil
}

// Exists reports whether rel is stored.
func (s *FSStore) Exists(ctx context.Context, rel string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	full, err := s.resolve(rel)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, errors.Storage("stat", err)
	}
	return true, nil
}

// Delete removes rel.
func (s *FSStore) Delete(ctx context.Context, rel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return errors.Storage("delete", err)
	}
	return nil
}
