package cache

import (
	"bytes"
	"crypto/hmac"
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/kilnforge/buildcore/src/builderrors"
)

// envelopeVersion tags the on-disk envelope format.
const envelopeVersion = uint32(1)

// envelopeMagic prefixes every signed object so corrupt/foreign files are
// rejected before we even try to verify a MAC against them.
var envelopeMagic = [4]byte{'B', 'C', 'E', '1'}

// macSize is the length of a keyed BLAKE3 digest, used as the MAC.
const macSize = 32

// headerSize is the length of the envelope header preceding the MAC: magic,
// version, timestamp.
const headerSize = 4 + 4 + 8

// signer derives a per-workspace MAC key and wraps/unwraps store objects in
// a signed envelope laid out magic(4) | version(4) | timestamp(8) | MAC(32)
// | payload, matching the wire format pinned by §6. MAC is a keyed hash over
// the header and payload (everything but the MAC field itself). Two
// workspaces (or a workspace on two different machines) derive different
// keys, so a cache directory copied between them fails verification rather
// than being silently trusted.
type signer struct {
	key [32]byte
}

// newSigner derives a MAC key from the workspace root and a machine
// identifier, per §3.1's WorkspaceIdentity.
func newSigner(workspaceRoot, machineID string) *signer {
	var key [32]byte
	sum := blake3.Sum256([]byte("buildcore-cache-mac\x00" + workspaceRoot + "\x00" + machineID))
	copy(key[:], sum[:])
	return &signer{key: key}
}

// seal wraps payload in a signed envelope: magic | version | timestamp | MAC
// | payload. The payload carries no explicit length prefix; it simply runs
// to the end of the sealed bytes, matching the stored-object framing the
// cache store itself already provides (one object per file).
func (s *signer) seal(timestamp int64, payload []byte) []byte {
	var header bytes.Buffer
	header.Write(envelopeMagic[:])
	binary.Write(&header, binary.BigEndian, envelopeVersion)
	binary.Write(&header, binary.BigEndian, timestamp)

	mac := s.mac(concatBytes(header.Bytes(), payload))

	var buf bytes.Buffer
	buf.Write(header.Bytes())
	buf.Write(mac)
	buf.Write(payload)
	return buf.Bytes()
}

// open verifies and unwraps an envelope, returning the payload and the
// timestamp it was sealed with. A verification failure is reported as
// CacheCorrupted/CacheUnauthorized (the caller treats both as a miss, not a
// crash — see §4.3 "Failure policy") rather than panicking.
func (s *signer) open(sealed []byte) (payload []byte, timestamp int64, err error) {
	if len(sealed) < headerSize+macSize {
		return nil, 0, builderrors.New(builderrors.CacheCorrupted, "envelope too short (%d bytes)", len(sealed))
	}
	if !bytes.Equal(sealed[:4], envelopeMagic[:]) {
		return nil, 0, builderrors.New(builderrors.CacheCorrupted, "bad envelope magic")
	}
	header := sealed[:headerSize]
	gotMAC := sealed[headerSize : headerSize+macSize]
	payload = sealed[headerSize+macSize:]

	wantMAC := s.mac(concatBytes(header, payload))
	if !hmac.Equal(gotMAC, wantMAC) {
		return nil, 0, builderrors.New(builderrors.CacheUnauthorized, "MAC verification failed; cache entry may be tampered or from a foreign workspace")
	}

	r := bytes.NewReader(header[4:])
	var version uint32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, 0, builderrors.Wrap(builderrors.CacheCorrupted, err, "reading envelope version")
	}
	if version != envelopeVersion {
		return nil, 0, builderrors.New(builderrors.CacheCorrupted, "unsupported envelope version %d", version)
	}
	if err := binary.Read(r, binary.BigEndian, &timestamp); err != nil {
		return nil, 0, builderrors.Wrap(builderrors.CacheCorrupted, err, "reading envelope timestamp")
	}
	return payload, timestamp, nil
}

// concatBytes returns a freshly allocated concatenation of a and b, so
// neither input's backing array is ever written past its own length.
func concatBytes(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}

func (s *signer) mac(data []byte) []byte {
	h, err := blake3.NewKeyed(s.key[:])
	if err != nil {
		// NewKeyed only fails on a key of the wrong length, which can't happen here.
		panic(fmt.Sprintf("blake3 keyed hash: %v", err))
	}
	h.Write(data)
	return h.Sum(nil)
}
