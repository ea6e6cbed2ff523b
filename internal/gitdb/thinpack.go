package gitdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/pjbgf/sha1cd"
)

// IngestThinPack accepts a pack stream whose deltas may reference base
// objects that are not part of the stream. The stream is buffered fully and
// verified, then completed in memory into a self-contained pack:
//
//  1. scan the buffer and record every delta base that no entry provides;
//  2. patch the header object count to original count + external bases;
//  3. recompute the checksum over the patched buffer minus its old trailer;
//  4. fetch each external base from the store and append it as a
//     fully-expanded entry, feeding the running checksum;
//  5. append the new checksum and decode the buffer as a normal pack.
//
// If any step fails the buffer is discarded and nothing is persisted; the
// surrounding database transaction independently covers the inserts.
func (s *ObjectStore) IngestThinPack(ctx context.Context, r io.Reader) ([]plumbing.Hash, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to buffer thin pack stream: %w", err)
	}
	return s.ingestBuffer(ctx, buf, true)
}

// completeThinPack turns a verified thin pack buffer into a self-contained
// one by appending every externally-referenced base object. A buffer with no
// external references is returned unchanged.
func (s *ObjectStore) completeThinPack(ctx context.Context, buf []byte) ([]byte, error) {
	count, err := parsePackHeader(buf)
	if err != nil {
		return nil, err
	}
	if err := verifyPackChecksum(buf); err != nil {
		return nil, err
	}

	entries, err := parsePack(buf)
	if err != nil {
		return nil, err
	}
	_, ext, err := resolvePack(entries)
	if err != nil {
		return nil, err
	}
	if len(ext) == 0 {
		return buf, nil
	}

	// Patch the header with the corrected total object count, then rebuild
	// the trailing checksum over the patched body.
	out := bytes.NewBuffer(make([]byte, 0, len(buf)+len(ext)*64))
	out.Write(buf[:len(buf)-packChecksumSize])
	body := out.Bytes()
	binary.BigEndian.PutUint32(body[8:packHeaderSize], count+uint32(len(ext)))

	h := sha1cd.New()
	h.Write(body)
	w := io.MultiWriter(out, h)

	for _, base := range ext {
		typ, data, err := s.Get(ctx, base)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch external delta base %s: %w", base, err)
		}
		if err := writeEntry(w, typ, data); err != nil {
			return nil, fmt.Errorf("failed to append external delta base %s: %w", base, err)
		}
	}
	out.Write(h.Sum(nil))
	return out.Bytes(), nil
}
