package gitdb

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/packfile"
	"github.com/pjbgf/sha1cd"
)

// Pack stream wire format: a 12-byte header ("PACK", version 2, big-endian
// object count), followed by one entry per object (varint-encoded type and
// inflated size, optional delta base reference, zlib-compressed payload),
// terminated by a SHA-1 checksum over every preceding byte.

const (
	packHeaderSize   = 12
	packChecksumSize = 20
	packVersion      = 2
)

var packSignature = []byte("PACK")

// packEntry is one scanned entry of a pack buffer. For delta entries the
// payload is the delta itself; the object content is produced by resolution.
type packEntry struct {
	offset  int64               // offset of the entry header in the buffer
	typ     plumbing.ObjectType // includes OFSDeltaObject / REFDeltaObject
	size    int64               // inflated payload size from the header
	payload []byte              // inflated payload (full object or delta)
	baseOfs int64               // absolute base offset, OFS deltas only
	baseRef plumbing.Hash       // base hash, REF deltas only
}

// parsePackHeader validates the fixed header and returns the object count.
func parsePackHeader(buf []byte) (uint32, error) {
	if len(buf) < packHeaderSize+packChecksumSize {
		return 0, fmt.Errorf("%w: truncated", ErrMalformedPack)
	}
	if !bytes.Equal(buf[:4], packSignature) {
		return 0, fmt.Errorf("%w: bad signature", ErrMalformedPack)
	}
	if v := binary.BigEndian.Uint32(buf[4:8]); v != packVersion {
		return 0, fmt.Errorf("%w: unsupported version %d", ErrMalformedPack, v)
	}
	return binary.BigEndian.Uint32(buf[8:12]), nil
}

// verifyPackChecksum checks the trailing SHA-1 against the body.
func verifyPackChecksum(buf []byte) error {
	if len(buf) < packHeaderSize+packChecksumSize {
		return fmt.Errorf("%w: truncated", ErrMalformedPack)
	}
	body := buf[:len(buf)-packChecksumSize]
	want := buf[len(buf)-packChecksumSize:]
	h := sha1cd.New()
	h.Write(body)
	if !bytes.Equal(h.Sum(nil), want) {
		return fmt.Errorf("%w: checksum mismatch", ErrMalformedPack)
	}
	return nil
}

// parsePack scans a complete pack buffer into entries, verifying the header
// and the trailing checksum.
func parsePack(buf []byte) ([]*packEntry, error) {
	count, err := parsePackHeader(buf)
	if err != nil {
		return nil, err
	}
	if err := verifyPackChecksum(buf); err != nil {
		return nil, err
	}

	r := bytes.NewReader(buf)
	if _, err := r.Seek(packHeaderSize, io.SeekStart); err != nil {
		return nil, err
	}
	end := int64(len(buf) - packChecksumSize)

	entries := make([]*packEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		offset := int64(len(buf)) - int64(r.Len())
		if offset >= end {
			return nil, fmt.Errorf("%w: expected %d entries, found %d", ErrMalformedPack, count, i)
		}
		e, err := readEntry(r, offset)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if pos := int64(len(buf)) - int64(r.Len()); pos != end {
		return nil, fmt.Errorf("%w: %d trailing bytes after last entry", ErrMalformedPack, end-pos)
	}
	return entries, nil
}

// readEntry reads one entry header and inflates its payload. The reader is
// left positioned at the start of the next entry.
func readEntry(r *bytes.Reader, offset int64) (*packEntry, error) {
	typ, size, err := readEntryHeader(r)
	if err != nil {
		return nil, err
	}
	e := &packEntry{offset: offset, typ: typ, size: size}

	switch typ {
	case plumbing.CommitObject, plumbing.TreeObject, plumbing.BlobObject, plumbing.TagObject:
	case plumbing.OFSDeltaObject:
		rel, err := readNegativeOffset(r)
		if err != nil {
			return nil, err
		}
		e.baseOfs = offset - rel
		if e.baseOfs < packHeaderSize {
			return nil, fmt.Errorf("%w: delta base offset before first entry", ErrMalformedPack)
		}
	case plumbing.REFDeltaObject:
		var base [packChecksumSize]byte
		if _, err := io.ReadFull(r, base[:]); err != nil {
			return nil, fmt.Errorf("%w: short delta base reference", ErrMalformedPack)
		}
		e.baseRef = plumbing.Hash(base)
	default:
		return nil, fmt.Errorf("%w: unknown object type %d", ErrMalformedPack, typ)
	}

	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPack, err)
	}
	payload, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPack, err)
	}
	if err := zr.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPack, err)
	}
	if int64(len(payload)) != size {
		return nil, fmt.Errorf("%w: entry at %d inflated to %d bytes, header says %d",
			ErrMalformedPack, offset, len(payload), size)
	}
	e.payload = payload
	return e, nil
}

// readEntryHeader decodes the varint type and size prefix of an entry.
func readEntryHeader(r io.ByteReader) (plumbing.ObjectType, int64, error) {
	b, err := r.ReadByte()
	if err != nil {
		return plumbing.InvalidObject, 0, fmt.Errorf("%w: short entry header", ErrMalformedPack)
	}
	typ := plumbing.ObjectType((b >> 4) & 0x07)
	size := int64(b & 0x0f)
	shift := uint(4)
	for b&0x80 != 0 {
		if b, err = r.ReadByte(); err != nil {
			return plumbing.InvalidObject, 0, fmt.Errorf("%w: short entry header", ErrMalformedPack)
		}
		size |= int64(b&0x7f) << shift
		shift += 7
	}
	return typ, size, nil
}

// readNegativeOffset decodes the relative base offset of an OFS delta.
func readNegativeOffset(r io.ByteReader) (int64, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("%w: short delta offset", ErrMalformedPack)
	}
	ofs := int64(b & 0x7f)
	for b&0x80 != 0 {
		if b, err = r.ReadByte(); err != nil {
			return 0, fmt.Errorf("%w: short delta offset", ErrMalformedPack)
		}
		ofs = ((ofs + 1) << 7) | int64(b&0x7f)
	}
	return ofs, nil
}

// writeEntry appends one fully-expanded (non-delta) entry to w: varint header
// then the zlib-compressed payload. Callers feed w through the running
// checksum when completing a thin pack.
func writeEntry(w io.Writer, typ plumbing.ObjectType, data []byte) error {
	size := int64(len(data))
	c := byte(typ&0x07)<<4 | byte(size&0x0f)
	size >>= 4
	for size != 0 {
		if _, err := w.Write([]byte{c | 0x80}); err != nil {
			return err
		}
		c = byte(size & 0x7f)
		size >>= 7
	}
	if _, err := w.Write([]byte{c}); err != nil {
		return err
	}
	zw := zlib.NewWriter(w)
	if _, err := zw.Write(data); err != nil {
		return err
	}
	return zw.Close()
}

// writePackHeader writes the fixed pack header for count objects.
func writePackHeader(w io.Writer, count uint32) error {
	var hdr [packHeaderSize]byte
	copy(hdr[:4], packSignature)
	binary.BigEndian.PutUint32(hdr[4:8], packVersion)
	binary.BigEndian.PutUint32(hdr[8:12], count)
	_, err := w.Write(hdr[:])
	return err
}

// resolvePack expands delta entries against their bases and returns the
// decoded objects in pack order, plus the deduplicated list of external base
// hashes that were referenced but not present in the buffer. Bases may appear
// after the deltas that need them (a completed thin pack has that shape), so
// resolution iterates to a fixpoint.
func resolvePack(entries []*packEntry) ([]Object, []plumbing.Hash, error) {
	resolved := make([]Object, len(entries))
	done := make([]bool, len(entries))
	byOffset := make(map[int64]int, len(entries))
	byHash := make(map[plumbing.Hash]int, len(entries))

	for i, e := range entries {
		byOffset[e.offset] = i
	}

	pending := len(entries)
	for pending > 0 {
		progress := false
		for i, e := range entries {
			if done[i] {
				continue
			}
			var obj Object
			switch e.typ {
			case plumbing.OFSDeltaObject:
				j, ok := byOffset[e.baseOfs]
				if !ok {
					return nil, nil, fmt.Errorf("%w: delta base at offset %d not found", ErrMalformedPack, e.baseOfs)
				}
				if !done[j] {
					continue
				}
				data, err := packfile.PatchDelta(resolved[j].Data, e.payload)
				if err != nil {
					return nil, nil, fmt.Errorf("%w: %v", ErrMalformedPack, err)
				}
				obj = NewObject(resolved[j].Type, data)
			case plumbing.REFDeltaObject:
				j, ok := byHash[e.baseRef]
				if !ok {
					continue
				}
				data, err := packfile.PatchDelta(resolved[j].Data, e.payload)
				if err != nil {
					return nil, nil, fmt.Errorf("%w: %v", ErrMalformedPack, err)
				}
				obj = NewObject(resolved[j].Type, data)
			default:
				obj = NewObject(e.typ, e.payload)
			}
			resolved[i] = obj
			byHash[obj.Hash] = i
			done[i] = true
			pending--
			progress = true
		}
		if !progress {
			break
		}
	}

	// Whatever is still pending is blocked on REF deltas whose bases live
	// outside the stream. OFS deltas chained onto such entries stay pending
	// too; they resolve on the second parse once the bases are appended.
	var ext []plumbing.Hash
	seen := map[plumbing.Hash]bool{}
	for i, e := range entries {
		if done[i] || e.typ != plumbing.REFDeltaObject {
			continue
		}
		if !seen[e.baseRef] {
			seen[e.baseRef] = true
			ext = append(ext, e.baseRef)
		}
	}
	if len(ext) == 0 && pending > 0 {
		return nil, nil, fmt.Errorf("%w: unresolvable delta entries", ErrMalformedPack)
	}

	if len(ext) > 0 {
		// Callers that expect a self-contained pack treat this as an error;
		// the thin-pack path completes the buffer and parses again.
		objs := make([]Object, 0, len(entries))
		for i := range entries {
			if done[i] {
				objs = append(objs, resolved[i])
			}
		}
		return objs, ext, nil
	}
	return resolved, nil, nil
}
