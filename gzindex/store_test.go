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
	"path/filepath"
	"testing"
)

func testRecord(path string) (FileIdentity, []Chunk, []Checkpoint) {
	ident := FileIdentity{LogicalName: path, ByteSize: 1000, SHA256: [32]byte{1, 2, 3}}
	chunks := []Chunk{
		{Idx: 0, COffset: 10, CSize: 100, UCOffset: 0, UCSize: 500, NumEvents: 10},
		{Idx: 1, COffset: 110, CSize: 80, UCOffset: 500, UCSize: 400, NumEvents: 8},
	}
	checkpoints := []Checkpoint{
		{UCOffset: 0, COffset: 10, Bits: 0, Dict: nil},
		{UCOffset: 300, COffset: 60, Bits: 3, Dict: []byte("dict")},
	}
	return ident, chunks, checkpoints
}

func TestStoreRebuildAndReopen(t *testing.T) {
	dir := t.TempDir()
	idxPath := filepath.Join(dir, "index.db")

	s, err := OpenStore(idxPath)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	srcPath := "/data/trace.pfw.gz"
	ident, chunks, checkpoints := testRecord(srcPath)
	if err := s.rebuild(srcPath, ident, Options{}, chunks, checkpoints); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	got, ok := s.GetFileIdentity(srcPath)
	if !ok || got.SHA256 != ident.SHA256 {
		t.Fatalf("GetFileIdentity mismatch: %+v", got)
	}

	reopened, err := OpenStore(idxPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	gotChunks, err := reopened.Chunks(srcPath)
	if err != nil {
		t.Fatalf("Chunks: %v", err)
	}
	if len(gotChunks) != 2 {
		t.Fatalf("expected 2 chunks after reopen, got %d", len(gotChunks))
	}
	maxB, err := reopened.MaxBytes(srcPath)
	if err != nil {
		t.Fatalf("MaxBytes: %v", err)
	}
	if maxB != 900 {
		t.Fatalf("MaxBytes = %d, want 900", maxB)
	}
	lines, err := reopened.NumLines(srcPath)
	if err != nil {
		t.Fatalf("NumLines: %v", err)
	}
	if lines != 18 {
		t.Fatalf("NumLines = %d, want 18", lines)
	}
}

func TestStoreChunkContaining(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenStore(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	srcPath := "trace.pfw.gz"
	ident, chunks, checkpoints := testRecord(srcPath)
	if err := s.rebuild(srcPath, ident, Options{}, chunks, checkpoints); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	c, ok, err := s.ChunkContaining(srcPath, 600)
	if err != nil || !ok {
		t.Fatalf("ChunkContaining(600): ok=%v err=%v", ok, err)
	}
	if c.Idx != 1 {
		t.Fatalf("ChunkContaining(600) = chunk %d, want 1", c.Idx)
	}

	_, ok, err = s.ChunkContaining(srcPath, 900)
	if err != nil {
		t.Fatalf("ChunkContaining(900): %v", err)
	}
	if ok {
		t.Fatalf("ChunkContaining(900) should be past end of stream")
	}
}

func TestStoreFindCheckpoint(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenStore(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	srcPath := "trace.pfw.gz"
	ident, chunks, checkpoints := testRecord(srcPath)
	if err := s.rebuild(srcPath, ident, Options{}, chunks, checkpoints); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	cp, err := s.FindCheckpoint(srcPath, 10, Options{})
	if err != nil {
		t.Fatalf("FindCheckpoint(10): %v", err)
	}
	if cp.UCOffset != 0 {
		t.Fatalf("FindCheckpoint(10) = %d, want the first checkpoint (early-threshold region)", cp.UCOffset)
	}

	cp, err = s.FindCheckpoint(srcPath, DefaultCheckpointInterval, Options{})
	if err != nil {
		t.Fatalf("FindCheckpoint(large): %v", err)
	}
	if cp.UCOffset != 300 {
		t.Fatalf("FindCheckpoint(large) = %d, want nearest checkpoint <= target (300)", cp.UCOffset)
	}

	if _, err := s.FindCheckpoint("missing.gz", 0, Options{}); err == nil {
		t.Fatalf("FindCheckpoint on unknown path should fail")
	}
}
