package distproto

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, MsgWorkRequest, []byte("hello")))
	msgType, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgWorkRequest, msgType)
	assert.Equal(t, []byte("hello"), payload)
}

func TestFrameEmptyPayloadRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, MsgPeerDiscoveryRequest, nil))
	msgType, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgPeerDiscoveryRequest, msgType)
	assert.Empty(t, payload)
}

func TestReadFrameRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBuffer([]byte("XXXX0000000000"))
	_, _, err := ReadFrame(buf)
	assert.Error(t, err)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(frameMagic[:])
	buf.Write([]byte{0, 0, 0, 1}) // version
	buf.WriteByte(byte(MsgCapabilities))
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff}) // absurd length
	_, _, err := ReadFrame(&buf)
	assert.Error(t, err)
}

func TestCapabilitiesEncodeDecodeRoundTrips(t *testing.T) {
	c := Capabilities{WorkerID: "w1", ProtocolVersion: 1, MaxConcurrency: 8, Platforms: []string{"linux/amd64", "darwin/arm64"}}
	decoded, err := DecodeCapabilities(c.Encode())
	require.NoError(t, err)
	assert.Equal(t, c, decoded)
}

func TestWorkerRegistrationEncodeDecodeRoundTrips(t *testing.T) {
	m := WorkerRegistration{
		WorkerID:     "w1",
		Address:      "10.0.0.1:9000",
		Capabilities: Capabilities{WorkerID: "w1", ProtocolVersion: 1, MaxConcurrency: 4},
	}
	decoded, err := DecodeWorkerRegistration(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m, decoded)
}

func TestWorkRequestEncodeDecodeRoundTripsAndEnvReassembles(t *testing.T) {
	m := WorkRequest{
		TargetID:          "//p:gen",
		ActionFingerprint: []byte{1, 2, 3, 4},
		Argv:              []string{"sh", "-c", "echo hi"},
		EnvKeys:           []string{"OUT", "PATH"},
		EnvValues:         []string{"out.txt", "/usr/bin"},
	}
	decoded, err := DecodeWorkRequest(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m, decoded)
	assert.Equal(t, map[string]string{"OUT": "out.txt", "PATH": "/usr/bin"}, decoded.Env())
}

func TestPeerAnnounceEncodeDecodeRoundTrips(t *testing.T) {
	m := PeerAnnounce{PeerID: "p1", Address: "10.0.0.2:9000", Capabilities: Capabilities{WorkerID: "p1"}}
	decoded, err := DecodePeerAnnounce(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m, decoded)
}

func TestPeerDiscoveryRoundTrips(t *testing.T) {
	req := PeerDiscoveryRequest{RequesterID: "p1"}
	decodedReq, err := DecodePeerDiscoveryRequest(req.Encode())
	require.NoError(t, err)
	assert.Equal(t, req, decodedReq)

	resp := PeerDiscoveryResponse{Peers: []PeerInfo{{PeerID: "p2", Address: "a"}, {PeerID: "p3", Address: "b"}}}
	decodedResp, err := DecodePeerDiscoveryResponse(resp.Encode())
	require.NoError(t, err)
	assert.Equal(t, resp, decodedResp)
}

func TestPeerMetricsUpdateEncodeDecodeRoundTrips(t *testing.T) {
	m := PeerMetricsUpdate{PeerID: "p1", QueueDepth: 3, ActiveWorkers: 2, TimestampUnix: 1700000000}
	decoded, err := DecodePeerMetricsUpdate(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m, decoded)
}

func TestDecodeToleratesTrailingUnknownFields(t *testing.T) {
	var w fieldWriter
	w.string("p1")
	w.uint32(1)
	w.uint32(4)
	w.stringSlice(nil)
	w.string("a field a future sender added that this decoder doesn't know about")

	decoded, err := DecodeCapabilities(w.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "p1", decoded.WorkerID)
	assert.Equal(t, uint32(4), decoded.MaxConcurrency)
}

func TestConnSendReceiveOverPipe(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	client := NewConn(clientConn)
	server := NewConn(serverConn)
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() { done <- client.Send(MsgPeerMetricsUpdate, PeerMetricsUpdate{PeerID: "p1", QueueDepth: 2}.Encode()) }()

	msgType, payload, err := server.Receive()
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, MsgPeerMetricsUpdate, msgType)
	decoded, err := DecodePeerMetricsUpdate(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), decoded.QueueDepth)
}

// recordingHandler captures every message it receives, for asserting
// Serve/ServeConn's dispatch wiring end to end over a real TCP loopback.
type recordingHandler struct {
	mu       sync.Mutex
	workReqs []WorkRequest
}

func (h *recordingHandler) HandleCapabilities(*Conn, Capabilities)             {}
func (h *recordingHandler) HandleWorkerRegistration(*Conn, WorkerRegistration) {}
func (h *recordingHandler) HandleWorkRequest(c *Conn, msg WorkRequest) {
	h.mu.Lock()
	h.workReqs = append(h.workReqs, msg)
	h.mu.Unlock()
}
func (h *recordingHandler) HandlePeerAnnounce(*Conn, PeerAnnounce)                     {}
func (h *recordingHandler) HandlePeerDiscoveryRequest(*Conn, PeerDiscoveryRequest)     {}
func (h *recordingHandler) HandlePeerDiscoveryResponse(*Conn, PeerDiscoveryResponse)   {}
func (h *recordingHandler) HandlePeerMetricsUpdate(*Conn, PeerMetricsUpdate)           {}

func (h *recordingHandler) received() []WorkRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]WorkRequest{}, h.workReqs...)
}

func TestServeDispatchesFramesToHandler(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	h := &recordingHandler{}
	go Serve(ln, h)

	pool := NewPool(2 * time.Second)
	defer pool.Close()
	conn, err := pool.Get(context.Background(), ln.Addr().String())
	require.NoError(t, err)

	req := WorkRequest{TargetID: "//p:gen", Argv: []string{"true"}}
	require.NoError(t, conn.Send(MsgWorkRequest, req.Encode()))

	require.Eventually(t, func() bool {
		return len(h.received()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "//p:gen", h.received()[0].TargetID)
}

func TestPoolGetReusesCachedConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go Serve(ln, &recordingHandler{})

	pool := NewPool(2 * time.Second)
	defer pool.Close()
	c1, err := pool.Get(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	c2, err := pool.Get(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	assert.Same(t, c1, c2)
}

func TestDialWithRetrySucceedsImmediatelyWhenReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go Serve(ln, &recordingHandler{})

	pool := NewPool(time.Second)
	defer pool.Close()
	conn, err := DialWithRetry(context.Background(), pool, ln.Addr().String())
	require.NoError(t, err)
	assert.NotNil(t, conn)
}

func TestDialWithRetryExhaustsBudgetAgainstUnreachableAddress(t *testing.T) {
	pool := NewPool(50 * time.Millisecond)
	defer pool.Close()
	_, err := DialWithRetry(context.Background(), pool, "127.0.0.1:1")
	assert.Error(t, err)
}
