package distproto

import (
	"net"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/kilnforge/buildcore/src/builderrors"
)

var log = logging.MustGetLogger("distproto")

// Handler reacts to each message type a peer connection can receive. A
// worker process and a scheduler's distribution endpoint both implement
// this, just with different bodies — e.g. a worker's HandleWorkRequest runs
// the action, a scheduler's never receives one.
type Handler interface {
	HandleCapabilities(from *Conn, msg Capabilities)
	HandleWorkerRegistration(from *Conn, msg WorkerRegistration)
	HandleWorkRequest(from *Conn, msg WorkRequest)
	HandlePeerAnnounce(from *Conn, msg PeerAnnounce)
	HandlePeerDiscoveryRequest(from *Conn, msg PeerDiscoveryRequest)
	HandlePeerDiscoveryResponse(from *Conn, msg PeerDiscoveryResponse)
	HandlePeerMetricsUpdate(from *Conn, msg PeerMetricsUpdate)
}

// Serve accepts connections on ln forever, dispatching every frame on each
// one to h via ServeConn in its own goroutine, until ln is closed.
func Serve(ln net.Listener, h Handler) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return builderrors.Wrap(builderrors.NetworkError, err, "accepting distproto connection")
		}
		c := NewConn(nc)
		go ServeConn(c, h)
	}
}

// ServeConn reads frames from c until it errors (typically EOF on peer
// disconnect) or the connection is closed, dispatching each to h. It
// returns once the connection is no longer readable.
func ServeConn(c *Conn, h Handler) {
	defer c.Close()
	for {
		msgType, payload, err := c.Receive()
		if err != nil {
			log.Debug("distproto: connection closed: %s", err)
			return
		}
		if err := dispatch(c, msgType, payload, h); err != nil {
			log.Warning("distproto: dropping malformed %s frame: %s", msgType, err)
		}
	}
}

func dispatch(c *Conn, msgType MessageType, payload []byte, h Handler) error {
	switch msgType {
	case MsgCapabilities:
		msg, err := DecodeCapabilities(payload)
		if err != nil {
			return err
		}
		h.HandleCapabilities(c, msg)
	case MsgWorkerRegistration:
		msg, err := DecodeWorkerRegistration(payload)
		if err != nil {
			return err
		}
		h.HandleWorkerRegistration(c, msg)
	case MsgWorkRequest:
		msg, err := DecodeWorkRequest(payload)
		if err != nil {
			return err
		}
		h.HandleWorkRequest(c, msg)
	case MsgPeerAnnounce:
		msg, err := DecodePeerAnnounce(payload)
		if err != nil {
			return err
		}
		h.HandlePeerAnnounce(c, msg)
	case MsgPeerDiscoveryRequest:
		msg, err := DecodePeerDiscoveryRequest(payload)
		if err != nil {
			return err
		}
		h.HandlePeerDiscoveryRequest(c, msg)
	case MsgPeerDiscoveryResponse:
		msg, err := DecodePeerDiscoveryResponse(payload)
		if err != nil {
			return err
		}
		h.HandlePeerDiscoveryResponse(c, msg)
	case MsgPeerMetricsUpdate:
		msg, err := DecodePeerMetricsUpdate(payload)
		if err != nil {
			return err
		}
		h.HandlePeerMetricsUpdate(c, msg)
	default:
		return builderrors.New(builderrors.Internal, "distproto: unknown message type %d", msgType)
	}
	return nil
}
