package storage

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorage_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	ref, err := s.Put(ctx, "media/u1/a.png", "image/png", []byte("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "file://media/u1/a.png", ref)

	rc, err := s.Get(ctx, ref)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))

	require.NoError(t, s.Delete(ctx, ref))
	_, err = s.Get(ctx, ref)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStorage_RejectsEscape(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStorage(dir)
	require.NoError(t, err)

	p, err := s.path("../../etc/passwd")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p, dir))
}

func TestImagePolicy(t *testing.T) {
	p := ImagePolicy(1)

	assert.NoError(t, p.ValidateMedia("image/jpeg", 100))
	assert.NoError(t, p.ValidateMedia("image/png; name=x.png", 100))
	assert.Error(t, p.ValidateMedia("application/pdf", 100))
	assert.Error(t, p.ValidateMedia("image/png", 2*1024*1024))

	var none *FilePolicy
	assert.NoError(t, none.ValidateMedia("application/pdf", 1<<30))
}

func TestMediaObjectName(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	name := MediaObjectName("972501234567@c.us", "image/png", now)

	assert.True(t, strings.HasPrefix(name, "media/2026-03-01/972501234567_c_us/"))
	assert.True(t, strings.HasSuffix(name, ".png"))
}
