package determinism

import (
	"bytes"
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"encoding/binary"
	"io"
	"time"

	"github.com/blakesmith/ar"

	"github.com/kilnforge/buildcore/src/builderrors"
)

// mtimeEpoch is the fixed modification time fuzzy ar comparison rewrites
// every member to, matching the teacher's own reproducible ar writer
// (tools/jarcat/ar.Create).
var mtimeEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// universalMagic and universalMagicBE are the Mach-O fat-binary magic
// numbers (cpu-endian and byte-swapped), used to recognise universal
// binaries before falling back to the single-architecture Mach-O reader.
const (
	universalMagic   = 0xcafebabe
	universalMagicBE = 0xbebafeca
)

// Normalize strips known sources of build-path non-determinism from a
// recognised binary format and returns bytes suitable for hashing. An
// unrecognised format is returned unchanged — SPEC_FULL.md scopes fuzzy
// comparison to ELF, Mach-O, universal binaries, ar and PE/COFF; anything
// else degrades to a literal content-hash comparison.
func Normalize(path string, data []byte) ([]byte, error) {
	switch {
	case len(data) >= 4 && isELF(data):
		return normalizeELF(data)
	case len(data) >= 4 && isMachOUniversal(data):
		return normalizeUniversal(data)
	case len(data) >= 4 && isMachO(data):
		return normalizeMachO(data)
	case len(data) >= 8 && bytes.HasPrefix(data, []byte("!<arch>\n")):
		return normalizeAr(data)
	case len(data) >= 2 && bytes.HasPrefix(data, []byte("MZ")):
		return normalizePE(data)
	default:
		log.Debug("no fuzzy normalizer recognises %s, falling back to content hash", path)
		return data, nil
	}
}

func isELF(data []byte) bool {
	return bytes.HasPrefix(data, []byte(elf.ELFMAG))
}

func isMachO(data []byte) bool {
	magic := binary.BigEndian.Uint32(data[:4])
	switch magic {
	case uint32(macho.Magic32), uint32(macho.Magic64), 0xcefaedfe, 0xcffaedfe:
		return true
	default:
		return false
	}
}

func isMachOUniversal(data []byte) bool {
	magic := binary.BigEndian.Uint32(data[:4])
	return magic == universalMagic || magic == universalMagicBE
}

// normalizeELF zeros the GNU build-id note (LC_NOTE-equivalent for ELF:
// NT_GNU_BUILD_ID inside a PT_NOTE/SHT_NOTE section), which is the only
// field toolchains routinely seed from a content hash that itself depends
// on link order/timestamps rather than semantic content.
func normalizeELF(data []byte) ([]byte, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, builderrors.Wrap(builderrors.Internal, err, "parsing ELF for determinism comparison")
	}
	defer f.Close()

	out := append([]byte(nil), data...)
	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_NOTE || sec.Offset == 0 {
			continue
		}
		raw, err := sec.Data()
		if err != nil {
			continue
		}
		zeroGNUBuildIDNotes(raw, out, int64(sec.Offset))
	}
	return out, nil
}

// zeroGNUBuildIDNotes walks ELF notes in raw (as read from a section) and,
// for every NT_GNU_BUILD_ID note (type 3, owner "GNU\x00"), zeros the
// corresponding bytes in out at sectionOffset+descOffset.
func zeroGNUBuildIDNotes(raw []byte, out []byte, sectionOffset int64) {
	const ntGNUBuildID = 3
	pos := 0
	for pos+12 <= len(raw) {
		nameSize := binary.LittleEndian.Uint32(raw[pos:])
		descSize := binary.LittleEndian.Uint32(raw[pos+4:])
		noteType := binary.LittleEndian.Uint32(raw[pos+8:])
		pos += 12
		nameEnd := pos + align4(int(nameSize))
		if nameEnd > len(raw) {
			return
		}
		name := raw[pos : pos+int(nameSize)]
		pos = nameEnd
		descEnd := pos + align4(int(descSize))
		if descEnd > len(raw) {
			return
		}
		if noteType == ntGNUBuildID && bytes.HasPrefix(name, []byte("GNU")) {
			start := int(sectionOffset) + pos
			end := start + int(descSize)
			if start >= 0 && end <= len(out) {
				for i := start; i < end; i++ {
					out[i] = 0
				}
			}
		}
		pos = descEnd
	}
}

func align4(n int) int {
	return (n + 3) &^ 3
}

// normalizeMachO zeros the 16-byte payload of LC_UUID. LC_BUILD_VERSION
// and LC_SOURCE_VERSION, the other two Mach-O load commands SPEC_FULL.md
// names, are left unchanged.
func normalizeMachO(data []byte) ([]byte, error) {
	f, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, builderrors.Wrap(builderrors.Internal, err, "parsing Mach-O for determinism comparison")
	}
	defer f.Close()

	out := append([]byte(nil), data...)
	// Load commands follow the Mach-O header sequentially in file order;
	// debug/macho doesn't expose their file offsets directly, so track a
	// running cursor the same way the format itself is laid out.
	offset := machoHeaderSize(f.Magic)
	for _, load := range f.Loads {
		raw := load.Raw()
		if len(raw) < 8 {
			offset += len(raw)
			continue
		}
		cmd := macho.LoadCmd(f.ByteOrder.Uint32(raw[0:4]))
		cmdsize := int(f.ByteOrder.Uint32(raw[4:8]))
		if cmd == macho.LoadCmd(0x1b) { // LC_UUID
			// uuid_command: cmd(4) cmdsize(4) uuid(16) — zero the UUID.
			zeroRange(out, offset+8, offset+24)
		}
		// LoadCmdBuildVersion and LoadCmdSourceVersion carry no
		// build-time timestamp field worth zeroing — their payloads
		// (platform/SDK versions, packed semver) are semantic content,
		// not non-determinism, so they pass through unchanged.
		if cmdsize > 0 {
			offset += cmdsize
		} else {
			offset += len(raw)
		}
	}
	return out, nil
}

// machoHeaderSize returns the fixed mach_header(_64) size for magic, which
// load commands immediately follow.
func machoHeaderSize(magic uint32) int {
	switch magic {
	case macho.Magic64, 0xcffaedfe:
		return 32
	default:
		return 28
	}
}

func zeroRange(b []byte, start, end int) {
	if start < 0 || end > len(b) || start > end {
		return
	}
	for i := start; i < end; i++ {
		b[i] = 0
	}
}

// normalizeUniversal recurses into each architecture slice of a fat/universal
// Mach-O binary and normalizes them independently.
func normalizeUniversal(data []byte) ([]byte, error) {
	fat, err := macho.NewFatFile(bytes.NewReader(data))
	if err != nil {
		return nil, builderrors.Wrap(builderrors.Internal, err, "parsing universal binary for determinism comparison")
	}
	defer fat.Close()

	out := append([]byte(nil), data...)
	for _, arch := range fat.Arches {
		end := arch.Offset + arch.Size
		if end > uint32(len(data)) {
			continue
		}
		slice := data[arch.Offset:end]
		normalized, err := normalizeMachO(slice)
		if err != nil {
			// A slice that doesn't parse as Mach-O (shouldn't happen for a
			// well-formed fat binary) is left untouched rather than failing
			// the whole comparison.
			continue
		}
		copy(out[arch.Offset:end], normalized)
	}
	return out, nil
}

// normalizeAr zeros each member's modification time, uid and gid — the
// fields the teacher's own ar writer (tools/jarcat/ar) already zeros when
// it builds a reproducible archive — so two archives built at different
// times or by different users compare equal.
func normalizeAr(data []byte) ([]byte, error) {
	r := ar.NewReader(bytes.NewReader(data))
	var out bytes.Buffer
	w := ar.NewWriter(&out)
	if err := w.WriteGlobalHeader(); err != nil {
		return nil, builderrors.Wrap(builderrors.Internal, err, "writing ar global header for determinism comparison")
	}
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, builderrors.Wrap(builderrors.Internal, err, "reading ar member header for determinism comparison")
		}
		hdr.ModTime = mtimeEpoch
		hdr.Uid = 0
		hdr.Gid = 0
		if err := w.WriteHeader(hdr); err != nil {
			return nil, builderrors.Wrap(builderrors.Internal, err, "rewriting ar member header for determinism comparison")
		}
		buf := make([]byte, hdr.Size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, builderrors.Wrap(builderrors.Internal, err, "reading ar member for determinism comparison")
		}
		if _, err := w.Write(buf); err != nil {
			return nil, builderrors.Wrap(builderrors.Internal, err, "writing ar member for determinism comparison")
		}
	}
	return out.Bytes(), nil
}

// normalizePE zeros the COFF header timestamp and the optional header's
// checksum field, the two fields SPEC_FULL.md names for PE/COFF.
func normalizePE(data []byte) ([]byte, error) {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, builderrors.Wrap(builderrors.Internal, err, "parsing PE for determinism comparison")
	}
	defer f.Close()

	out := append([]byte(nil), data...)
	// e_lfanew at offset 0x3c gives the COFF header's file offset; the
	// timestamp sits 4 bytes into the COFF header (after the 2-byte
	// Machine and 2-byte NumberOfSections fields).
	if len(out) < 0x40 {
		return out, nil
	}
	peOffset := int(binary.LittleEndian.Uint32(out[0x3c:0x40]))
	timestampOffset := peOffset + 4 + 4
	if timestampOffset+4 <= len(out) {
		zeroRange(out, timestampOffset, timestampOffset+4)
	}
	// The optional header's checksum is a fixed 64 bytes after the COFF
	// header's own 20-byte fixed portion, present whenever SizeOfOptionalHeader > 0.
	checksumOffset := peOffset + 4 + 20 + 64
	if checksumOffset+4 <= len(out) {
		zeroRange(out, checksumOffset, checksumOffset+4)
	}
	return out, nil
}
