package distproto

// Capabilities describes what a worker can run: how many actions it can
// execute concurrently and which platform tags its sandbox supports,
// advertised on connect and whenever it changes.
type Capabilities struct {
	WorkerID        string
	ProtocolVersion uint32
	MaxConcurrency  uint32
	Platforms       []string
}

func (c Capabilities) Encode() []byte {
	var w fieldWriter
	w.string(c.WorkerID)
	w.uint32(c.ProtocolVersion)
	w.uint32(c.MaxConcurrency)
	w.stringSlice(c.Platforms)
	return w.Bytes()
}

func DecodeCapabilities(payload []byte) (Capabilities, error) {
	r := newFieldReader(payload)
	var c Capabilities
	var err error
	if c.WorkerID, err = r.string(); err != nil {
		return c, err
	}
	if c.ProtocolVersion, err = r.uint32(); err != nil {
		return c, err
	}
	if c.MaxConcurrency, err = r.uint32(); err != nil {
		return c, err
	}
	if c.Platforms, err = r.stringSlice(); err != nil {
		return c, err
	}
	return c, nil
}

// WorkerRegistration is sent by a worker to the scheduler's distribution
// endpoint to join the pool of stealable peers, per §6's distributed
// protocol list.
type WorkerRegistration struct {
	WorkerID     string
	Address      string
	Capabilities Capabilities
}

func (m WorkerRegistration) Encode() []byte {
	var w fieldWriter
	w.string(m.WorkerID)
	w.string(m.Address)
	w.bytes(m.Capabilities.Encode())
	return w.Bytes()
}

func DecodeWorkerRegistration(payload []byte) (WorkerRegistration, error) {
	r := newFieldReader(payload)
	var m WorkerRegistration
	var err error
	if m.WorkerID, err = r.string(); err != nil {
		return m, err
	}
	if m.Address, err = r.string(); err != nil {
		return m, err
	}
	capBytes, err := r.bytes()
	if err != nil {
		return m, err
	}
	if m.Capabilities, err = DecodeCapabilities(capBytes); err != nil {
		return m, err
	}
	return m, nil
}

// WorkRequest asks a peer to steal and run one action on the requester's
// behalf, carrying everything the remote worker's own ActionProvider-driven
// executor needs without a round trip back to ask for it.
type WorkRequest struct {
	TargetID          string
	ActionFingerprint []byte
	Argv              []string
	EnvKeys           []string
	EnvValues         []string
}

func (m WorkRequest) Encode() []byte {
	var w fieldWriter
	w.string(m.TargetID)
	w.bytes(m.ActionFingerprint)
	w.stringSlice(m.Argv)
	w.stringSlice(m.EnvKeys)
	w.stringSlice(m.EnvValues)
	return w.Bytes()
}

func DecodeWorkRequest(payload []byte) (WorkRequest, error) {
	r := newFieldReader(payload)
	var m WorkRequest
	var err error
	if m.TargetID, err = r.string(); err != nil {
		return m, err
	}
	if m.ActionFingerprint, err = r.bytes(); err != nil {
		return m, err
	}
	if m.Argv, err = r.stringSlice(); err != nil {
		return m, err
	}
	if m.EnvKeys, err = r.stringSlice(); err != nil {
		return m, err
	}
	if m.EnvValues, err = r.stringSlice(); err != nil {
		return m, err
	}
	return m, nil
}

// Env reassembles WorkRequest's parallel key/value slices into a map; the
// wire format keeps them as two slices rather than a map so field order
// (and therefore the digest of the encoded request) is deterministic.
func (m WorkRequest) Env() map[string]string {
	env := make(map[string]string, len(m.EnvKeys))
	for i, k := range m.EnvKeys {
		if i < len(m.EnvValues) {
			env[k] = m.EnvValues[i]
		}
	}
	return env
}

// PeerAnnounce is gossiped to known peers whenever a worker joins, so the
// mesh converges without every node talking to a central registry.
type PeerAnnounce struct {
	PeerID       string
	Address      string
	Capabilities Capabilities
}

func (m PeerAnnounce) Encode() []byte {
	var w fieldWriter
	w.string(m.PeerID)
	w.string(m.Address)
	w.bytes(m.Capabilities.Encode())
	return w.Bytes()
}

func DecodePeerAnnounce(payload []byte) (PeerAnnounce, error) {
	r := newFieldReader(payload)
	var m PeerAnnounce
	var err error
	if m.PeerID, err = r.string(); err != nil {
		return m, err
	}
	if m.Address, err = r.string(); err != nil {
		return m, err
	}
	capBytes, err := r.bytes()
	if err != nil {
		return m, err
	}
	if m.Capabilities, err = DecodeCapabilities(capBytes); err != nil {
		return m, err
	}
	return m, nil
}

// PeerDiscoveryRequest asks a peer for its own view of the mesh, used to
// bootstrap a newly-started worker that only knows one seed address.
type PeerDiscoveryRequest struct {
	RequesterID string
}

func (m PeerDiscoveryRequest) Encode() []byte {
	var w fieldWriter
	w.string(m.RequesterID)
	return w.Bytes()
}

func DecodePeerDiscoveryRequest(payload []byte) (PeerDiscoveryRequest, error) {
	r := newFieldReader(payload)
	var m PeerDiscoveryRequest
	var err error
	if m.RequesterID, err = r.string(); err != nil {
		return m, err
	}
	return m, nil
}

// PeerInfo is one entry in a PeerDiscoveryResponse.
type PeerInfo struct {
	PeerID  string
	Address string
}

// PeerDiscoveryResponse answers a PeerDiscoveryRequest with every peer the
// responder currently knows about.
type PeerDiscoveryResponse struct {
	Peers []PeerInfo
}

func (m PeerDiscoveryResponse) Encode() []byte {
	var w fieldWriter
	w.uint32(uint32(len(m.Peers)))
	for _, p := range m.Peers {
		w.string(p.PeerID)
		w.string(p.Address)
	}
	return w.Bytes()
}

func DecodePeerDiscoveryResponse(payload []byte) (PeerDiscoveryResponse, error) {
	r := newFieldReader(payload)
	var m PeerDiscoveryResponse
	n, err := r.uint32()
	if err != nil {
		return m, err
	}
	m.Peers = make([]PeerInfo, 0, n)
	for i := uint32(0); i < n; i++ {
		var p PeerInfo
		if p.PeerID, err = r.string(); err != nil {
			return m, err
		}
		if p.Address, err = r.string(); err != nil {
			return m, err
		}
		m.Peers = append(m.Peers, p)
	}
	return m, nil
}

// PeerMetricsUpdate is gossiped periodically so every peer has a recent,
// approximate view of where queue depth is lowest before deciding who to
// steal from across the network rather than just across local deques.
type PeerMetricsUpdate struct {
	PeerID        string
	QueueDepth    uint32
	ActiveWorkers uint32
	TimestampUnix int64
}

func (m PeerMetricsUpdate) Encode() []byte {
	var w fieldWriter
	w.string(m.PeerID)
	w.uint32(m.QueueDepth)
	w.uint32(m.ActiveWorkers)
	w.int64(m.TimestampUnix)
	return w.Bytes()
}

func DecodePeerMetricsUpdate(payload []byte) (PeerMetricsUpdate, error) {
	r := newFieldReader(payload)
	var m PeerMetricsUpdate
	var err error
	if m.PeerID, err = r.string(); err != nil {
		return m, err
	}
	if m.QueueDepth, err = r.uint32(); err != nil {
		return m, err
	}
	if m.ActiveWorkers, err = r.uint32(); err != nil {
		return m, err
	}
	if m.TimestampUnix, err = r.int64(); err != nil {
		return m, err
	}
	return m, nil
}
