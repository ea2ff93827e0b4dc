package storage

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ar-invoices/internal/errors"
)

func newStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(filepath.Join(t.TempDir(), "documents"))
	require.NoError(t, err)
	return s
}

func TestPathFor(t *testing.T) {
	assert.Equal(t, "acmeId/2025/FAC2025-BET-0001.pdf", PathFor("acmeId", 2025, "FAC2025-BET-0001"))
	assert.Equal(t, "acme/2025/FAC2025etcpasswd.pdf", PathFor("acme", 2025, "FAC2025/../etc/passwd"))
	assert.Equal(t, "acme/2025/A_B-1.pdf", PathFor("acme", 2025, "A_B -1 ."))
}

func TestCleanRel(t *testing.T) {
	bad := []string{
		"",
		"/etc/passwd",
		"../outside.pdf",
		"acme/../../outside.pdf",
		"acme/2025/..",
		"acme\\..\\x.pdf",
		"acme/2025/x\x00.pdf",
		"C:/windows.pdf",
		".",
	}
	for _, p := range bad {
		_, err := CleanRel(p)
		assert.True(t, errors.HasCode(err, errors.ErrCodePathSecurity), "path %q", p)
	}

	clean, err := CleanRel("acme/./2025//x.pdf")
	require.NoError(t, err)
	assert.Equal(t, "acme/2025/x.pdf", clean)
}

func TestFSStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	rel := PathFor("acme", 2025, "FAC2025-0001")

	ok, err := s.Exists(ctx, rel)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Write(ctx, rel, []byte("%PDF-1.7 hello")))

	ok, err = s.Exists(ctx, rel)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := s.Read(ctx, rel)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.7 hello"), data)

	entries, err := os.ReadDir(filepath.Join(s.Root(), "acme", "2025"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	require.NoError(t, s.Delete(ctx, rel))
	require.NoError(t, s.Delete(ctx, rel))

	_, err = s.Read(ctx, rel)
	assert.True(t, stderrors.Is(err, ErrNotExist))
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestFSStore_WriteOnce(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	rel := PathFor("acme", 2025, "FAC2025-0001")

	require.NoError(t, s.Write(ctx, rel, []byte("first")))
	err := s.Write(ctx, rel, []byte("second"))
	assert.True(t, stderrors.Is(err, ErrExist))

	data, err := s.Read(ctx, rel)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), data)
}

func TestFSStore_ConcurrentWritesHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	rel := PathFor("acme", 2025, "FAC2025-0001")

	var wins, losses atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Write(ctx, rel, []byte{byte(i)})
			switch {
			case err == nil:
				wins.Add(1)
			case stderrors.Is(err, ErrExist):
				losses.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(15), losses.Load())
}

func TestFSStore_PathSecurity(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	s, err := NewFSStore(filepath.Join(base, "documents"))
	require.NoError(t, err)

	outside := filepath.Join(base, "outside")
	require.NoError(t, os.MkdirAll(outside, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.pdf"), []byte("secret"), 0o600))

	t.Run("dot-dot never touches the filesystem", func(t *testing.T) {
		err := s.Write(ctx, "../outside/evil.pdf", []byte("x"))
		assert.True(t, errors.HasCode(err, errors.ErrCodePathSecurity))
		_, statErr := os.Stat(filepath.Join(outside, "evil.pdf"))
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("absolute path", func(t *testing.T) {
		_, err := s.Read(ctx, filepath.Join(outside, "secret.pdf"))
		assert.True(t, errors.HasCode(err, errors.ErrCodePathSecurity))
	})

	t.Run("symlinked parent", func(t *testing.T) {
		require.NoError(t, os.Symlink(outside, filepath.Join(s.Root(), "acme")))

		_, err := s.Read(ctx, "acme/secret.pdf")
		assert.True(t, errors.HasCode(err, errors.ErrCodePathSecurity))

		err = s.Write(ctx, "acme/2025/evil.pdf", []byte("x"))
		assert.True(t, errors.HasCode(err, errors.ErrCodePathSecurity))
		_, statErr := os.Stat(filepath.Join(outside, "2025"))
		assert.True(t, os.IsNotExist(statErr))

		err = s.Delete(ctx, "acme/secret.pdf")
		assert.True(t, errors.HasCode(err, errors.ErrCodePathSecurity))
		_, statErr = os.Stat(filepath.Join(outside, "secret.pdf"))
		assert.NoError(t, statErr)
	})

	t.Run("symlinked file", func(t *testing.T) {
		require.NoError(t, os.MkdirAll(filepath.Join(s.Root(), "beta"), 0o750))
		require.NoError(t, os.Symlink(filepath.Join(outside, "secret.pdf"), filepath.Join(s.Root(), "beta", "link.pdf")))

		_, err := s.Read(ctx, "beta/link.pdf")
		assert.True(t, errors.HasCode(err, errors.ErrCodePathSecurity))
	})
}

func TestFSStore_CancelledContext(t *testing.T) {
	s := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Write(ctx, "acme/2025/x.pdf", []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}
