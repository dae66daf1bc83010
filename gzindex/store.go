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
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// record is everything the Store persists for one source file. It
// is kept sorted on both slices so lookups can use sort.Search,
// the same approach sneller's ion/blockfmt.Trailer uses for its
// block descriptor list rather than reaching for an embedded
// database.
type record struct {
	Identity    FileIdentity
	Opts        Options
	Chunks      []Chunk
	Checkpoints []Checkpoint
}

// Store is a gob-serialized sidecar index, one record per indexed
// source file, held in memory and flushed to disk on every
// rebuild. Concurrent rebuilds of the same path are serialized
// with an in-process mutex; persistence to disk uses a
// write-temp-then-rename so a reader never observes a half
// written file, the same pattern sneller's uploader.go uses when
// replacing an index blob.
type Store struct {
	path string

	mu      sync.RWMutex
	records map[string]*record
}

// OpenStore loads (or creates) the sidecar index file at path.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path, records: make(map[string]*record)}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, errf(FileIO, "open-store", path, err)
	}
	defer f.Close()
	var recs []*record
	if err := gob.NewDecoder(f).Decode(&recs); err != nil {
		return nil, errf(IndexCorrupt, "open-store", path, err)
	}
	for _, r := range recs {
		s.records[r.Identity.LogicalName] = r
	}
	return s, nil
}

// GetFileIdentity returns the identity last recorded for path, if
// any.
func (s *Store) GetFileIdentity(path string) (FileIdentity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[path]
	if !ok {
		return FileIdentity{}, false
	}
	return r.Identity, true
}

func (s *Store) counts(path string) (chunks, checkpoints int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[path]
	if !ok {
		return 0, 0
	}
	return len(r.Chunks), len(r.Checkpoints)
}

// rebuild replaces the record for path wholesale: delete-all then
// insert-all, as a single in-memory swap under the write lock,
// followed by a full-store flush to disk.
func (s *Store) rebuild(path string, ident FileIdentity, opts Options, chunks []Chunk, checkpoints []Checkpoint) error {
	slices.SortFunc(chunks, func(a, b Chunk) bool { return a.UCOffset < b.UCOffset })
	slices.SortFunc(checkpoints, func(a, b Checkpoint) bool { return a.UCOffset < b.UCOffset })

	s.mu.Lock()
	s.records[path] = &record{Identity: ident, Opts: opts, Chunks: chunks, Checkpoints: checkpoints}
	recs := s.snapshotLocked()
	s.mu.Unlock()

	return s.flush(recs)
}

func (s *Store) snapshotLocked() []*record {
	recs := maps.Values(s.records)
	slices.SortFunc(recs, func(a, b *record) bool { return a.Identity.LogicalName < b.Identity.LogicalName })
	return recs
}

func (s *Store) flush(recs []*record) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".gzindex-*.tmp")
	if err != nil {
		return errf(FileIO, "flush", s.path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := gob.NewEncoder(tmp).Encode(recs); err != nil {
		tmp.Close()
		return errf(IndexCorrupt, "flush", s.path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errf(FileIO, "flush", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		return errf(FileIO, "flush", s.path, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return errf(FileIO, "flush", s.path, err)
	}
	return nil
}

// Chunks returns the full, UCOffset-sorted chunk list for path.
func (s *Store) Chunks(path string) ([]Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[path]
	if !ok {
		return nil, errf(Initialization, "chunks", path, fmt.Errorf("no index for %q", path))
	}
	return r.Chunks, nil
}

// NumLines returns the total event (line) count across every
// chunk recorded for path.
func (s *Store) NumLines(path string) (int64, error) {
	chunks, err := s.Chunks(path)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, c := range chunks {
		n += c.NumEvents
	}
	return n, nil
}

// MaxBytes returns the total uncompressed byte length recorded
// for path.
func (s *Store) MaxBytes(path string) (int64, error) {
	chunks, err := s.Chunks(path)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}
	last := chunks[len(chunks)-1]
	return last.UCOffset + last.UCSize, nil
}

// ChunkContaining returns the chunk whose uncompressed range
// contains ucOffset, or ok=false if ucOffset is at or past the end
// of the stream.
func (s *Store) ChunkContaining(path string, ucOffset int64) (Chunk, bool, error) {
	chunks, err := s.Chunks(path)
	if err != nil {
		return Chunk{}, false, err
	}
	i := sort.Search(len(chunks), func(i int) bool {
		return chunks[i].UCOffset+chunks[i].UCSize > ucOffset
	})
	if i == len(chunks) {
		return Chunk{}, false, nil
	}
	return chunks[i], true, nil
}

// FindCheckpoint returns the checkpoint to resume inflation from
// in order to reach ucTarget. When ucTarget is within
// EarlyCheckpointThreshold of the start of the stream it returns
// the very first checkpoint (cheap, avoids a near-zero-gain
// dictionary decompression); otherwise it returns the checkpoint
// with the greatest UCOffset not exceeding ucTarget. See spec.md
// §4.4 and DESIGN.md for the Open Question this resolves.
func (s *Store) FindCheckpoint(path string, ucTarget int64, opts Options) (Checkpoint, error) {
	s.mu.RLock()
	r, ok := s.records[path]
	s.mu.RUnlock()
	if !ok {
		return Checkpoint{}, errf(Initialization, "find-checkpoint", path, fmt.Errorf("no index for %q", path))
	}
	cps := r.Checkpoints
	if len(cps) == 0 {
		return Checkpoint{}, errf(IndexCorrupt, "find-checkpoint", path, fmt.Errorf("index has no checkpoints"))
	}

	threshold := opts.withDefaults().EarlyCheckpointThreshold
	if ucTarget <= threshold {
		return cps[0], nil
	}

	i := sort.Search(len(cps), func(i int) bool { return cps[i].UCOffset > ucTarget })
	if i == 0 {
		return cps[0], nil
	}
	return cps[i-1], nil
}
