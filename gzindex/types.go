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
	"time"

	"github.com/google/uuid"
)

// DefaultChunkSize is the target uncompressed size of a chunk when
// the caller does not specify one.
const DefaultChunkSize = 1 << 20 // 1 MiB

// DefaultCheckpointInterval is the default spacing, in
// uncompressed bytes, between deflate checkpoints.
const DefaultCheckpointInterval = 32 << 20 // 32 MiB

// earlyCheckpointThreshold is the undocumented-in-the-original
// threshold that decides whether a reader session resumes from "the
// first checkpoint" or "the nearest checkpoint <= target" -- see
// Store.FindCheckpoint and the Open Questions note in DESIGN.md.
// Exposed as a tunable (Options.EarlyCheckpointThreshold)
// rather than hard-coded, per spec.
const earlyCheckpointThreshold = DefaultCheckpointInterval - 31

// Chunk is a line-aligned range of the uncompressed stream,
// bounded on the source side by the compressed bytes that produce
// it.
type Chunk struct {
	Idx       int   // monotonic, starting at 0
	COffset   int64 // compressed byte range: [COffset, COffset+CSize)
	CSize     int64
	UCOffset  int64 // uncompressed byte range: [UCOffset, UCOffset+UCSize)
	UCSize    int64
	NumEvents int64 // number of '\n'-terminated lines in the chunk
}

// Checkpoint is a resume point for inflation, captured at a
// deflate block boundary.
type Checkpoint struct {
	UCOffset int64  // position in the uncompressed stream of the next byte to emit
	COffset  int64  // compressed byte position in the source file to seek to
	Bits     uint8  // 0..7, bits of the preceding byte belonging to the next block
	Dict     []byte // compressed 32 KiB dictionary blob (see compr package)
}

// FileIdentity records the state of a source file an index was
// built against, keyed by its logical path.
type FileIdentity struct {
	LogicalName string
	ByteSize    int64
	ModTime     time.Time
	SHA256      [32]byte
}

// Options configures index building and reading. Zero value is
// valid and uses the package defaults.
type Options struct {
	// ChunkSize is the target uncompressed size of each chunk.
	ChunkSize int64
	// CheckpointInterval is the minimum uncompressed-byte spacing
	// between deflate checkpoints.
	CheckpointInterval int64
	// DictCodec names the compr.Compressor used to shrink
	// checkpoint dictionaries on disk.
	DictCodec string
	// EarlyCheckpointThreshold overrides earlyCheckpointThreshold
	// (see Store.FindCheckpoint); 0 keeps the default.
	EarlyCheckpointThreshold int64
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = DefaultCheckpointInterval
	}
	if o.DictCodec == "" {
		o.DictCodec = "s2"
	}
	if o.EarlyCheckpointThreshold <= 0 {
		o.EarlyCheckpointThreshold = earlyCheckpointThreshold
	}
	return o
}

// Summary reports statistics from the most recent index build.
// BuildID tags the build for log correlation, the same role
// uuid.New() plays for a query ID in the teacher's query handler.
type Summary struct {
	BuildID     uuid.UUID
	Chunks      int
	Checkpoints int
	Rebuilt     bool
	Elapsed     time.Duration
}
