package determinism

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blakesmith/ar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, contents []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, contents, 0644))
	return path
}

func TestVerifyDeterministicWhenOutputsMatch(t *testing.T) {
	dir := t.TempDir()
	run := func(ctx context.Context, attempt int) ([]string, error) {
		return []string{writeFile(t, dir, "out.bin", []byte("same every time"))}, nil
	}
	report, err := Verify(context.Background(), run, ContentHash, 3)
	require.NoError(t, err)
	assert.True(t, report.Deterministic)
	assert.Empty(t, report.Mismatches)
}

func TestVerifyReportsMismatch(t *testing.T) {
	dir := t.TempDir()
	attempt := 0
	run := func(ctx context.Context, n int) ([]string, error) {
		attempt++
		contents := []byte("first")
		if attempt > 1 {
			contents = []byte("different this time")
		}
		return []string{writeFile(t, dir, "out.bin", contents)}, nil
	}
	report, err := Verify(context.Background(), run, ContentHash, 3)
	require.NoError(t, err)
	assert.False(t, report.Deterministic)
	assert.NotEmpty(t, report.Mismatches)
}

func TestVerifyRejectsTooFewRepetitions(t *testing.T) {
	_, err := Verify(context.Background(), func(context.Context, int) ([]string, error) { return nil, nil }, ContentHash, 1)
	assert.Error(t, err)
}

func TestNormalizeArZeroesTimestampAndOwnership(t *testing.T) {
	build := func(mtime time.Time, uid, gid int) []byte {
		var buf bytes.Buffer
		w := ar.NewWriter(&buf)
		require.NoError(t, w.WriteGlobalHeader())
		hdr := &ar.Header{Name: "foo.o", ModTime: mtime, Mode: 0644, Size: 5, Uid: uid, Gid: gid}
		require.NoError(t, w.WriteHeader(hdr))
		_, err := w.Write([]byte("hello"))
		require.NoError(t, err)
		return buf.Bytes()
	}

	a := build(time.Now(), 1000, 1000)
	b := build(time.Now().Add(time.Hour), 2000, 2000)

	normA, err := Normalize("a.a", a)
	require.NoError(t, err)
	normB, err := Normalize("b.a", b)
	require.NoError(t, err)
	assert.Equal(t, normA, normB, "ar members differing only in mtime/uid/gid should normalize identically")
}

func TestNormalizeUnknownFormatPassesThrough(t *testing.T) {
	data := []byte("not a recognised binary format")
	out, err := Normalize("plain.txt", data)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}
