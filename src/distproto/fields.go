package distproto

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/kilnforge/buildcore/src/builderrors"
)

// fieldWriter accumulates a message payload as a sequence of independently
// length-prefixed fields, so a decoder that only knows about the first N
// fields can stop reading and safely ignore whatever a newer sender
// appended after them (§4.12's forward-compatibility requirement).
type fieldWriter struct {
	buf bytes.Buffer
}

func (w *fieldWriter) bytes(b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	w.buf.Write(lenBuf[:])
	w.buf.Write(b)
}

func (w *fieldWriter) string(s string) { w.bytes([]byte(s)) }

func (w *fieldWriter) uint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *fieldWriter) uint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *fieldWriter) int64(v int64) { w.uint64(uint64(v)) }

// stringSlice writes a count-prefixed sequence of length-prefixed strings.
func (w *fieldWriter) stringSlice(ss []string) {
	w.uint32(uint32(len(ss)))
	for _, s := range ss {
		w.string(s)
	}
}

func (w *fieldWriter) Bytes() []byte { return w.buf.Bytes() }

// fieldReader is the counterpart to fieldWriter: it reads fields in the
// order they were written and simply stops, leaving any trailing bytes
// unread, once the caller has consumed every field it understands.
type fieldReader struct {
	r *bytes.Reader
}

func newFieldReader(payload []byte) *fieldReader {
	return &fieldReader{r: bytes.NewReader(payload)}
}

func (r *fieldReader) bytes() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.r, lenBuf[:]); err != nil {
		return nil, builderrors.Wrap(builderrors.CacheCorrupted, err, "distproto: reading field length")
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int64(n) > int64(r.r.Len()) {
		return nil, builderrors.New(builderrors.CacheCorrupted, "distproto: field length %d exceeds remaining payload", n)
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r.r, b); err != nil {
			return nil, builderrors.Wrap(builderrors.CacheCorrupted, err, "distproto: reading field body")
		}
	}
	return b, nil
}

func (r *fieldReader) string() (string, error) {
	b, err := r.bytes()
	return string(b), err
}

func (r *fieldReader) uint32() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return 0, builderrors.Wrap(builderrors.CacheCorrupted, err, "distproto: reading uint32 field")
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (r *fieldReader) uint64() (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return 0, builderrors.Wrap(builderrors.CacheCorrupted, err, "distproto: reading uint64 field")
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func (r *fieldReader) int64() (int64, error) {
	v, err := r.uint64()
	return int64(v), err
}

func (r *fieldReader) stringSlice() ([]string, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := r.string()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
