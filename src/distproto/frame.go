// Package distproto implements C12: the wire protocol shared by the
// work-stealing scheduler's distributed variant (§4.6) and the peer
// discovery/metrics gossip between worker nodes (§4.12, §6 "Distributed
// protocol"). Every frame is magic-prefixed and schema-versioned; message
// payloads length-prefix each field independently so a newer sender can add
// a trailing field without breaking an older receiver.
package distproto

import (
	"encoding/binary"
	"io"

	"github.com/kilnforge/buildcore/src/builderrors"
)

// frameMagic prefixes every frame so a connection to the wrong protocol (or
// port) is rejected immediately instead of being decoded as garbage.
var frameMagic = [4]byte{'B', 'C', 'D', '1'}

// frameVersion is the schema version of the frame envelope itself, not of
// individual messages — message-level evolution happens through the
// per-field length-prefixing in fields.go instead of bumping this.
const frameVersion = uint32(1)

// maxFramePayload bounds a single frame's payload so a corrupt or hostile
// peer can't make a reader allocate an unbounded buffer from a forged
// length prefix.
const maxFramePayload = 64 << 20 // 64 MiB

// MessageType tags a frame's payload so the receiver knows which message to
// decode it as, per §6's Capabilities/WorkerRegistration/WorkRequest/
// PeerAnnounce/PeerDiscoveryRequest/PeerDiscoveryResponse/PeerMetricsUpdate set.
type MessageType uint8

const (
	MsgCapabilities MessageType = iota + 1
	MsgWorkerRegistration
	MsgWorkRequest
	MsgPeerAnnounce
	MsgPeerDiscoveryRequest
	MsgPeerDiscoveryResponse
	MsgPeerMetricsUpdate
)

func (t MessageType) String() string {
	switch t {
	case MsgCapabilities:
		return "Capabilities"
	case MsgWorkerRegistration:
		return "WorkerRegistration"
	case MsgWorkRequest:
		return "WorkRequest"
	case MsgPeerAnnounce:
		return "PeerAnnounce"
	case MsgPeerDiscoveryRequest:
		return "PeerDiscoveryRequest"
	case MsgPeerDiscoveryResponse:
		return "PeerDiscoveryResponse"
	case MsgPeerMetricsUpdate:
		return "PeerMetricsUpdate"
	default:
		return "Unknown"
	}
}

// WriteFrame writes msgType and payload as a single frame:
// magic(4) | version(4) | type(1) | length(4) | payload, all integers
// big-endian, mirroring the cache store envelope's field order.
func WriteFrame(w io.Writer, msgType MessageType, payload []byte) error {
	if len(payload) > maxFramePayload {
		return builderrors.New(builderrors.Internal, "distproto: payload of %d bytes exceeds max frame size %d", len(payload), maxFramePayload)
	}
	header := make([]byte, 0, len(frameMagic)+4+1+4)
	header = append(header, frameMagic[:]...)
	header = binary.BigEndian.AppendUint32(header, frameVersion)
	header = append(header, byte(msgType))
	header = binary.BigEndian.AppendUint32(header, uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return builderrors.Wrap(builderrors.NetworkError, err, "writing frame header")
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return builderrors.Wrap(builderrors.NetworkError, err, "writing frame payload")
	}
	return nil
}

// ReadFrame reads a single frame, validating the magic and version before
// trusting the length prefix.
func ReadFrame(r io.Reader) (MessageType, []byte, error) {
	header := make([]byte, len(frameMagic)+4+1+4)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, builderrors.Wrap(builderrors.NetworkError, err, "reading frame header")
	}
	if string(header[:4]) != string(frameMagic[:]) {
		return 0, nil, builderrors.New(builderrors.CacheCorrupted, "distproto: bad frame magic")
	}
	version := binary.BigEndian.Uint32(header[4:8])
	if version != frameVersion {
		return 0, nil, builderrors.New(builderrors.CacheCorrupted, "distproto: unsupported frame version %d", version)
	}
	msgType := MessageType(header[8])
	length := binary.BigEndian.Uint32(header[9:13])
	if length > maxFramePayload {
		return 0, nil, builderrors.New(builderrors.Internal, "distproto: frame claims %d byte payload, exceeds max %d", length, maxFramePayload)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, builderrors.Wrap(builderrors.NetworkError, err, "reading frame payload")
		}
	}
	return msgType, payload, nil
}
