package hashutil

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/xattr"
	"github.com/zeebo/blake3"
)

// xattrName tags the extended attribute we use to cache a file's last-known
// digest across process invocations, mirroring the teacher's PathHasher.
const xattrName = "user.buildcore_digest"

// symlinkMarker is written into the hash in place of a symlink's contents so
// that adding a symlink changes an action's fingerprint even when the link's
// target hash happens not to.
var symlinkMarker = []byte{0xb3}

// ContentHasher computes and memoizes cryptographic digests of paths. It is
// the realization of C1: a per-process memoization cache (keyed by
// workspace-relative path) backed by a BLAKE3 content tier and a best-effort
// xattr cache that survives across processes.
//
// A ContentHasher is safe for concurrent use.
type ContentHasher struct {
	root string

	mu   sync.RWMutex
	memo map[string]Digest
}

// NewContentHasher returns a hasher rooted at root; paths under root are
// memoized relative to it so the cache keys stay stable across invocations
// from different working directories.
func NewContentHasher(root string) *ContentHasher {
	return &ContentHasher{root: root, memo: map[string]Digest{}}
}

// HashBytes returns the BLAKE3 digest of b.
func HashBytes(b []byte) Digest {
	var d Digest
	sum := blake3.Sum256(b)
	copy(d[:], sum[:])
	return d
}

// HashMeta returns the cheap metadata digest (size + mtime) for path. It
// returns the zero digest if path does not exist.
func HashMeta(path string) MetaDigest {
	info, err := os.Lstat(path)
	if err != nil {
		return MetaDigest{}
	}
	var m MetaDigest
	binary.BigEndian.PutUint32(m[0:4], uint32(info.Size()))
	binary.BigEndian.PutUint32(m[4:8], uint32(info.ModTime().UnixNano()))
	return m
}

// HashFile hashes a single path: a regular file, a symlink (by target, not
// contents), or a directory (recursively, as a canonical sorted listing of
// (name, digest) pairs). Missing paths return the sentinel empty digest.
//
// If store is true the resulting digest may be persisted in an xattr for
// fast retrieval by a later process; this must not be set for
// user-controlled or otherwise untrusted paths.
func (h *ContentHasher) HashFile(path string, store bool) (Digest, error) {
	rel := h.relativize(path)
	h.mu.RLock()
	cached, ok := h.memo[rel]
	h.mu.RUnlock()
	if ok {
		return cached, nil
	}
	d, err := h.hash(path, store)
	if err == nil {
		h.mu.Lock()
		h.memo[rel] = d
		h.mu.Unlock()
	}
	return d, err
}

// HashFileTwoTier implements the two-tier API from §4.1: if prevMeta matches
// the path's current metadata digest, only the (cheap) metadata digest is
// returned and content is not rehashed. Otherwise the content tier runs and
// both digests are returned.
func (h *ContentHasher) HashFileTwoTier(path string, prevMeta MetaDigest) (meta MetaDigest, content Digest, err error) {
	meta = HashMeta(path)
	if meta == prevMeta {
		return meta, Digest{}, nil
	}
	content, err = h.HashFile(path, false)
	return meta, content, err
}

// Forget drops path's memoized digest, e.g. because the underlying file was
// rewritten by an action that completed after the path was first hashed.
func (h *ContentHasher) Forget(path string) {
	rel := h.relativize(path)
	h.mu.Lock()
	delete(h.memo, rel)
	h.mu.Unlock()
}

// SetDigest directly records a known digest for path without reading it —
// used when an artifact is restored from the cache store and its digest is
// already known from the cache entry.
func (h *ContentHasher) SetDigest(path string, d Digest) {
	rel := h.relativize(path)
	h.mu.Lock()
	h.memo[rel] = d
	h.mu.Unlock()
	xattr.LSet(path, xattrName, d[:])
}

func (h *ContentHasher) hash(path string, store bool) (Digest, error) {
	if store {
		if b, err := xattr.LGet(path, xattrName); err == nil && len(b) == len(Digest{}) {
			var d Digest
			copy(d[:], b)
			return d, nil
		}
	}
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Digest{}, nil
		}
		return Digest{}, err
	}
	var d Digest
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		d, err = h.hashSymlink(path)
	case info.IsDir():
		d, err = h.hashDir(path)
	default:
		d, err = h.hashRegularFile(path)
	}
	if err == nil && store && strings.HasPrefix(h.relativize(path), "") {
		xattr.LSet(path, xattrName, d[:])
	}
	return d, err
}

func (h *ContentHasher) hashRegularFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer f.Close()
	hh := blake3.New()
	if _, err := io.Copy(hh, f); err != nil {
		return Digest{}, err
	}
	var d Digest
	copy(d[:], hh.Sum(nil))
	return d, nil
}

// hashSymlink hashes a symlink's target rather than following it. Links
// inside the hasher's root are hashed by their (relative) destination
// string, since the destination is itself something the hasher tracks;
// links pointing outside the root are assumed to reference a system tool
// and are hashed by content instead, so the link is reproducible across
// machines where that tool lives at a different absolute path.
func (h *ContentHasher) hashSymlink(path string) (Digest, error) {
	dest, err := os.Readlink(path)
	if err != nil {
		return Digest{}, err
	}
	hh := blake3.New()
	hh.Write(symlinkMarker)
	rel := h.relativize(dest)
	if (rel != dest || !filepath.IsAbs(dest)) && !filepath.IsAbs(path) {
		hh.Write([]byte(rel))
	} else {
		f, err := os.Open(path)
		if err != nil {
			return Digest{}, err
		}
		defer f.Close()
		if _, err := io.Copy(hh, f); err != nil {
			return Digest{}, err
		}
	}
	var d Digest
	copy(d[:], hh.Sum(nil))
	return d, nil
}

type dirEntryDigest struct {
	name string
	d    Digest
}

// hashDir hashes a directory as a canonical sorted listing of (name, digest)
// pairs, recursively. Sorting makes the result independent of directory
// read order.
func (h *ContentHasher) hashDir(path string) (Digest, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return Digest{}, err
	}
	digests := make([]dirEntryDigest, 0, len(entries))
	for _, e := range entries {
		child := filepath.Join(path, e.Name())
		cd, err := h.hash(child, false)
		if err != nil {
			return Digest{}, err
		}
		digests = append(digests, dirEntryDigest{name: e.Name(), d: cd})
	}
	sort.Slice(digests, func(i, j int) bool { return digests[i].name < digests[j].name })
	hh := blake3.New()
	for _, e := range digests {
		hh.Write([]byte(e.name))
		hh.Write(e.d[:])
	}
	var d Digest
	copy(d[:], hh.Sum(nil))
	return d, nil
}

// relativize makes path relative to the hasher's root, which is what keeps
// the in-memory memo table a bounded size across a long-running build rather
// than one entry per absolute path variant.
func (h *ContentHasher) relativize(path string) string {
	if h.root == "" {
		return path
	}
	if strings.HasPrefix(path, h.root) {
		return strings.TrimLeft(strings.TrimPrefix(path, h.root), string(filepath.Separator))
	}
	return path
}

// VerifyNoEscape checks that candidate, once symlinks are resolved, still
// lives under root. Used when hashing an action's freshly-produced output
// directory, where a symlink escaping the sandboxed output dir would make
// content addressing unsound: the same action could hash differently
// depending on what happens to exist outside the sandbox on a given machine.
func VerifyNoEscape(root, candidate string) (bool, error) {
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(resolved, root), nil
}
