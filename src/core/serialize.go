package core

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// graphMagic tags a serialized graph file so a reader can reject anything
// that isn't one of ours before trying to decode it.
var graphMagic = [4]byte{'B', 'G', 'R', '1'}

// graphSchemaVersion increments whenever the serialized record shape changes.
const graphSchemaVersion = uint32(1)

// serializedTarget is the flattened, gob-friendly projection of a Target.
type serializedTarget struct {
	PackageName string
	Name        string
	Sources     []string
	Deps        []serializedID
	Language    string
}

type serializedID struct {
	PackageName string
	Name        string
}

// serializedGraph is the full on-disk record: every target plus the config
// digest that invalidates it (§4.4 "invalidation is driven by a digest over
// all config-file inputs").
type serializedGraph struct {
	ConfigDigest []byte
	Targets      []serializedTarget
}

// Serialize writes a compact binary encoding of the graph to w: a
// magic+version header followed by a gob-encoded body. configDigest should
// be a hash over every config-file input that fed the graph; a deserialized
// graph whose digest doesn't match the caller's current one should be
// treated as stale and rebuilt rather than trusted.
func (g *Graph) Serialize(w io.Writer, configDigest []byte) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(graphMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.BigEndian, graphSchemaVersion); err != nil {
		return err
	}
	rec := serializedGraph{ConfigDigest: configDigest}
	for _, n := range g.AllNodes() {
		t := n.Target
		deps := make([]serializedID, len(t.Deps))
		for i, d := range t.Deps {
			deps[i] = serializedID{PackageName: d.PackageName, Name: d.Name}
		}
		rec.Targets = append(rec.Targets, serializedTarget{
			PackageName: t.ID.PackageName,
			Name:        t.ID.Name,
			Sources:     t.Sources,
			Deps:        deps,
			Language:    string(t.Language),
		})
	}
	if err := gob.NewEncoder(bw).Encode(rec); err != nil {
		return err
	}
	return bw.Flush()
}

// DeserializeGraph reads a graph previously written by Serialize, returning
// it along with the config digest it was stamped with so the caller can
// compare it against the current one before trusting the cached graph.
func DeserializeGraph(r io.Reader) (*Graph, []byte, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, nil, fmt.Errorf("reading graph magic: %w", err)
	}
	if magic != graphMagic {
		return nil, nil, fmt.Errorf("not a build graph file (bad magic %x)", magic)
	}
	var version uint32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, nil, fmt.Errorf("reading graph schema version: %w", err)
	}
	if version != graphSchemaVersion {
		return nil, nil, fmt.Errorf("unsupported graph schema version %d (want %d)", version, graphSchemaVersion)
	}
	var rec serializedGraph
	if err := gob.NewDecoder(r).Decode(&rec); err != nil {
		return nil, nil, fmt.Errorf("decoding graph body: %w", err)
	}
	g := NewGraph()
	for _, st := range rec.Targets {
		deps := make([]TargetID, len(st.Deps))
		for i, d := range st.Deps {
			deps[i] = TargetID{PackageName: d.PackageName, Name: d.Name}
		}
		g.AddTarget(&Target{
			ID:          TargetID{PackageName: st.PackageName, Name: st.Name},
			Sources:     st.Sources,
			Deps:        deps,
			Language:    LanguageTag(st.Language),
		})
	}
	for _, st := range rec.Targets {
		from := TargetID{PackageName: st.PackageName, Name: st.Name}
		for _, d := range st.Deps {
			to := TargetID{PackageName: d.PackageName, Name: d.Name}
			if err := g.AddDependency(from, to); err != nil {
				return nil, nil, fmt.Errorf("replaying dependency %s -> %s: %w", from, to, err)
			}
		}
	}
	return g, rec.ConfigDigest, nil
}
