// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package gzindex

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/amarathe84/dftracer-utils-sub000/compr"
	"github.com/amarathe84/dftracer-utils-sub000/internal/rawflate"
)

// Builder scans a source .gz file once and emits the chunk and
// checkpoint rows a Store needs to serve random-access reads. See
// spec.md §4.2.
type Builder struct {
	path  string
	store *Store
	opts  Options
}

// NewBuilder returns a Builder for the gzip file at path, whose
// rows will be persisted to store.
func NewBuilder(path string, store *Store, opts Options) *Builder {
	return &Builder{path: path, store: store, opts: opts.withDefaults()}
}

// NeedsRebuild reports whether the stored index is missing or
// stale for the current file on disk, without doing a full scan.
// Carried over from original_source's rebuild-need probe, which
// spec.md's distillation summarized only as "rebuild on SHA-256
// mismatch" without naming this cheap size check first.
func (b *Builder) NeedsRebuild(ctx context.Context) (bool, error) {
	fi, err := os.Stat(b.path)
	if err != nil {
		return false, errf(FileIO, "needs-rebuild", b.path, err)
	}
	stored, ok := b.store.GetFileIdentity(b.path)
	if !ok {
		return true, nil
	}
	if stored.ByteSize != fi.Size() {
		return true, nil
	}
	sum, err := sha256File(b.path)
	if err != nil {
		return false, errf(FileIO, "needs-rebuild", b.path, err)
	}
	return sum != stored.SHA256, nil
}

// Build rebuilds the index if the source file's SHA-256 no longer
// matches the stored identity, or unconditionally if force is
// true. It is a no-op (Summary.Rebuilt == false) when the existing
// index is already valid.
func (b *Builder) Build(ctx context.Context, force bool) (*Summary, error) {
	start := time.Now()
	fi, err := os.Stat(b.path)
	if err != nil {
		return nil, errf(FileIO, "build", b.path, err)
	}
	sum, err := sha256File(b.path)
	if err != nil {
		return nil, errf(FileIO, "build", b.path, err)
	}
	if !force {
		if stored, ok := b.store.GetFileIdentity(b.path); ok && stored.SHA256 == sum && stored.ByteSize == fi.Size() {
			chunks, checkpoints := b.store.counts(b.path)
			return &Summary{BuildID: uuid.New(), Chunks: chunks, Checkpoints: checkpoints, Rebuilt: false}, nil
		}
	}

	chunks, checkpoints, err := b.scan(ctx)
	if err != nil {
		return nil, err
	}

	ident := FileIdentity{
		LogicalName: b.path,
		ByteSize:    fi.Size(),
		ModTime:     fi.ModTime(),
		SHA256:      sum,
	}
	if err := b.store.rebuild(b.path, ident, b.opts, chunks, checkpoints); err != nil {
		return nil, errf(IndexCorrupt, "build", b.path, err)
	}
	return &Summary{
		BuildID:     uuid.New(),
		Chunks:      len(chunks),
		Checkpoints: len(checkpoints),
		Rebuilt:     true,
		Elapsed:     time.Since(start),
	}, nil
}

// scratchSize is the size of the inflate scratch buffer the
// builder decodes one block into at a time, matching the 64 KiB
// figure in spec.md §4.2.
const scratchSize = 64 * 1024

// scanState carries the running totals for the single pass over
// the file across member boundaries, so the per-member loop body
// in scan can be shared by the first member and every subsequent
// one found by tryNextMemberHeader.
type scanState struct {
	chunks      []Chunk
	checkpoints []Checkpoint

	ucPos            int64
	chunkIdx         int
	chunkUCStart     int64
	chunkCStart      int64
	eventsInChunk    int64
	lastCheckpointUC int64
}

func (b *Builder) scan(ctx context.Context) ([]Chunk, []Checkpoint, error) {
	f, err := os.Open(b.path)
	if err != nil {
		return nil, nil, errf(FileIO, "scan", b.path, err)
	}
	defer f.Close()

	dec := rawflate.NewDecoder(f)
	if _, err := skipGzipHeader(dec); err != nil {
		return nil, nil, errf(Compression, "scan", b.path, err)
	}

	st := &scanState{lastCheckpointUC: -1}
	memberStartC := dec.Pos()
	st.checkpoints = append(st.checkpoints, Checkpoint{UCOffset: 0, COffset: memberStartC, Bits: 0, Dict: nil})
	st.lastCheckpointUC = 0
	st.chunkCStart = memberStartC

	if err := b.scanMember(ctx, dec, st); err != nil {
		return nil, nil, err
	}
	if err := skipGzipFooter(dec); err != nil {
		return nil, nil, errf(Compression, "scan", b.path, err)
	}

	for {
		more, _, err := tryNextMemberHeader(dec)
		if err != nil {
			return nil, nil, errf(Compression, "scan", b.path, err)
		}
		if !more {
			break
		}
		if err := dec.ResetMember(nil); err != nil {
			return nil, nil, errf(Compression, "scan", b.path, err)
		}
		memberStartC = dec.Pos()
		st.checkpoints = append(st.checkpoints, Checkpoint{UCOffset: st.ucPos, COffset: memberStartC, Bits: 0, Dict: nil})
		st.lastCheckpointUC = st.ucPos

		if err := b.scanMember(ctx, dec, st); err != nil {
			return nil, nil, err
		}
		if err := skipGzipFooter(dec); err != nil {
			return nil, nil, errf(Compression, "scan", b.path, err)
		}
	}

	if st.ucPos > st.chunkUCStart {
		finalC, _ := dec.Boundary()
		st.chunks = append(st.chunks, Chunk{
			Idx:       st.chunkIdx,
			COffset:   st.chunkCStart,
			CSize:     finalC - st.chunkCStart,
			UCOffset:  st.chunkUCStart,
			UCSize:    st.ucPos - st.chunkUCStart,
			NumEvents: st.eventsInChunk,
		})
	}
	if len(st.chunks) == 0 {
		return nil, nil, fmt.Errorf("gzindex: empty source produced no chunks")
	}
	return st.chunks, st.checkpoints, nil
}

// scanMember decodes every deflate block in the member dec is
// currently positioned at, updating st's chunk and checkpoint
// accumulators, and returns once dec.Final() reports the member's
// last block has been decoded.
func (b *Builder) scanMember(ctx context.Context, dec *rawflate.Decoder, st *scanState) error {
	scratch := make([]byte, 0, scratchSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		scratch = scratch[:0]
		scratch, err := dec.NextBlock(scratch)
		if err != nil && err != io.EOF {
			return errf(Compression, "scan", b.path, err)
		}

		if len(scratch) > 0 {
			lastNL := bytes.LastIndexByte(scratch, '\n')
			st.eventsInChunk += int64(bytes.Count(scratch, []byte{'\n'}))
			st.ucPos += int64(len(scratch))

			if st.ucPos >= rawflate.DictSize && st.ucPos-st.lastCheckpointUC >= b.opts.CheckpointInterval {
				if dict, derr := dec.Dictionary(); derr == nil {
					cOff, bits := dec.Boundary()
					blob, cerr := compr.CompressDict(b.opts.DictCodec, dict)
					if cerr != nil {
						return errf(Compression, "scan", b.path, cerr)
					}
					st.checkpoints = append(st.checkpoints, Checkpoint{
						UCOffset: st.ucPos, COffset: cOff, Bits: uint8(bits), Dict: blob,
					})
					st.lastCheckpointUC = st.ucPos
				} else if !errors.Is(derr, rawflate.ErrDictionaryUnavailable) {
					return errf(Compression, "scan", b.path, derr)
				}
			}

			// chunk rule: close at the block's last '\n' once the
			// chunk has grown past the target size.
			if st.ucPos-st.chunkUCStart >= b.opts.ChunkSize && lastNL >= 0 {
				closeUCOffset := st.ucPos - int64(len(scratch)) + int64(lastNL) + 1
				closeCOffset, _ := dec.Boundary()
				st.chunks = append(st.chunks, Chunk{
					Idx:       st.chunkIdx,
					COffset:   st.chunkCStart,
					CSize:     closeCOffset - st.chunkCStart,
					UCOffset:  st.chunkUCStart,
					UCSize:    closeUCOffset - st.chunkUCStart,
					NumEvents: st.eventsInChunk,
				})
				st.chunkIdx++
				st.chunkUCStart = closeUCOffset
				st.chunkCStart = closeCOffset
				trailing := scratch[lastNL+1:]
				st.eventsInChunk = int64(bytes.Count(trailing, []byte{'\n'}))
			}
		}

		if err == io.EOF || dec.Final() {
			return nil
		}
	}
}

func sha256File(path string) ([32]byte, error) {
	var sum [32]byte
	f, err := os.Open(path)
	if err != nil {
		return sum, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}
