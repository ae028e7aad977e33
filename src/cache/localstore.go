package cache

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/djherbis/atime"
	"github.com/dustin/go-humanize"

	"github.com/kilnforge/buildcore/src/builderrors"
	"github.com/kilnforge/buildcore/src/fs"
	"github.com/kilnforge/buildcore/src/hashutil"
)

// objectPrefixLen is how many hex characters of a digest are used as the
// sharding subdirectory, keeping any one directory from holding too many
// entries on filesystems that degrade with large directories.
const objectPrefixLen = 2

// LocalStore is a directory-backed content-addressed Store. Objects are
// written to a temp file, sealed in a signed envelope, and atomically
// renamed into place at <dir>/objects/<prefix>/<digest>, mirroring the teacher's
// dir_cache write-then-rename pattern but keyed by content digest rather
// than an externally supplied cache key.
type LocalStore struct {
	dir    string
	signer *signer

	mu    sync.Mutex
	atime map[hashutil.Digest]time.Time // access times this process has observed, merged with on-disk atime at GC time
}

// NewLocalStore opens (creating if necessary) a local cache store rooted at dir.
func NewLocalStore(dir, workspaceRoot, machineID string) (*LocalStore, error) {
	if !filepath.IsAbs(dir) {
		return nil, builderrors.New(builderrors.ConfigInvalid, "cache directory %q must be absolute", dir)
	}
	if err := os.MkdirAll(dir, fs.DirPermissions); err != nil {
		return nil, builderrors.Wrap(builderrors.StorageIO, err, "creating cache directory %s", dir)
	}
	return &LocalStore{
		dir:    dir,
		signer: newSigner(workspaceRoot, machineID),
		atime:  map[hashutil.Digest]time.Time{},
	}, nil
}

func (s *LocalStore) path(d hashutil.Digest) string {
	hex := d.String()
	return filepath.Join(s.dir, "objects", hex[:objectPrefixLen], hex)
}

// actionPath is the keyed-storage counterpart of path: action cache entries
// live under a sibling actions/ subtree rather than alongside
// content-addressed objects, per §6's persisted layout.
func (s *LocalStore) actionPath(key hashutil.Digest) string {
	hex := key.String()
	return filepath.Join(s.dir, "actions", hex[:objectPrefixLen], hex)
}

// Put writes bytes to the store and returns its content digest.
func (s *LocalStore) Put(b []byte) (hashutil.Digest, error) {
	d := hashutil.HashBytes(b)
	dest := s.path(d)
	if fs.PathExists(dest) {
		s.touch(d)
		return d, nil
	}
	if err := s.writeSealed(dest, s.signer.seal(0, b)); err != nil {
		return d, err
	}
	s.touch(d)
	return d, nil
}

// Get reads and verifies an object, evicting it if its bytes don't match its own name.
func (s *LocalStore) Get(d hashutil.Digest) ([]byte, error) {
	payload, err := s.readSealed(s.path(d), "LocalStore.Get", d)
	if err != nil {
		return nil, err
	}
	if hashutil.HashBytes(payload) != d {
		log.Warning("cache object %s content hash mismatch, evicting", d)
		os.Remove(s.path(d))
		return nil, builderrors.New(builderrors.CacheCorrupted, "object %s: content hash does not match name", d)
	}
	s.touch(d)
	return payload, nil
}

// PutAt writes bytes under key rather than their own content digest,
// unconditionally overwriting any entry already stored there — an action
// cache entry recorded again for the same fingerprint replaces the old one
// rather than being rejected as a duplicate.
func (s *LocalStore) PutAt(key hashutil.Digest, b []byte) error {
	return s.writeSealed(s.actionPath(key), s.signer.seal(0, b))
}

// GetAt reads and verifies the bytes stored under key.
func (s *LocalStore) GetAt(key hashutil.Digest) ([]byte, error) {
	return s.readSealed(s.actionPath(key), "LocalStore.GetAt", key)
}

// writeSealed atomically writes already-sealed bytes to dest via a
// temp-file-then-rename, mirroring the teacher's dir_cache write pattern.
func (s *LocalStore) writeSealed(dest string, sealed []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), fs.DirPermissions); err != nil {
		return builderrors.Wrap(builderrors.StorageIO, err, "creating shard directory for %s", dest)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".tmp-*")
	if err != nil {
		return builderrors.Wrap(builderrors.StorageIO, err, "creating temp file for %s", dest)
	}
	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return builderrors.Wrap(builderrors.StorageIO, err, "writing %s", dest)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return builderrors.Wrap(builderrors.StorageIO, err, "closing temp file for %s", dest)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return builderrors.Wrap(builderrors.StorageIO, err, "renaming %s into place", dest)
	}
	return nil
}

// readSealed reads and opens the sealed envelope at path, reporting a
// CacheMiss for d (used in the returned error's context) if it doesn't exist.
func (s *LocalStore) readSealed(path, op string, d hashutil.Digest) ([]byte, error) {
	sealed, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, missingDigestError(op, d)
		}
		return nil, builderrors.Wrap(builderrors.StorageIO, err, "reading %s", path)
	}
	payload, _, err := s.signer.open(sealed)
	if err != nil {
		log.Warning("%s: entry %s failed integrity check, evicting: %s", op, d, err)
		os.Remove(path)
		return nil, err
	}
	return payload, nil
}

// Has is a metadata-only existence check.
func (s *LocalStore) Has(d hashutil.Digest) bool {
	return fs.PathExists(s.path(d))
}

// Delete removes an object if present.
func (s *LocalStore) Delete(d hashutil.Digest) error {
	if err := os.Remove(s.path(d)); err != nil && !os.IsNotExist(err) {
		return builderrors.Wrap(builderrors.StorageIO, err, "deleting object %s", d)
	}
	s.mu.Lock()
	delete(s.atime, d)
	s.mu.Unlock()
	return nil
}

func (s *LocalStore) touch(d hashutil.Digest) {
	s.mu.Lock()
	s.atime[d] = time.Now()
	s.mu.Unlock()
}

// entry is a single object discovered while walking the store for GC.
type entry struct {
	digest hashutil.Digest
	path   string
	size   int64
	atime  time.Time
}

// GC evicts least-recently-used objects (by access time) not referenced by
// policy.Live, until the store is under policy.LowWaterMark, but only
// runs at all once the store reaches policy.HighWaterMark. This mirrors the
// teacher's dir_cache high/low watermark cleaning.
func (s *LocalStore) GC(policy GCPolicy) (int, error) {
	var entries []entry
	var total int64
	if err := filepath.WalkDir(s.dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := filepath.Base(p)
		if strings.Contains(name, ".tmp-") {
			return nil
		}
		digest, perr := hashutil.ParseDigest(name)
		if perr != nil {
			return nil // not one of our objects
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		entries = append(entries, entry{digest: digest, path: p, size: info.Size(), atime: s.accessTime(digest, info)})
		return nil
	}); err != nil {
		return 0, builderrors.Wrap(builderrors.StorageIO, err, "walking cache directory %s", s.dir)
	}
	if uint64(total) < policy.HighWaterMark {
		return 0, nil
	}
	log.Info("Local cache size %s exceeds high water mark, cleaning...", humanize.Bytes(uint64(total)))
	sort.Slice(entries, func(i, j int) bool { return entries[i].atime.Before(entries[j].atime) })
	evicted := 0
	for _, e := range entries {
		if uint64(total) < policy.LowWaterMark {
			break
		}
		if policy.Live != nil && policy.Live(e.digest) {
			continue
		}
		if err := os.Remove(e.path); err != nil {
			log.Warning("failed to evict %s: %s", e.path, err)
			continue
		}
		s.mu.Lock()
		delete(s.atime, e.digest)
		s.mu.Unlock()
		total -= e.size
		evicted++
	}
	return evicted, nil
}

func (s *LocalStore) accessTime(d hashutil.Digest, info os.FileInfo) time.Time {
	s.mu.Lock()
	t, ok := s.atime[d]
	s.mu.Unlock()
	if ok {
		return t
	}
	return atime.Get(info)
}

// Shutdown is a no-op for the local store; all writes are already durable by the time Put returns.
func (s *LocalStore) Shutdown() {}

var _ Store = (*LocalStore)(nil)
var _ KeyedStore = (*LocalStore)(nil)
