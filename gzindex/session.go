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
	"io"
	"os"

	"github.com/amarathe84/dftracer-utils-sub000/compr"
	"github.com/amarathe84/dftracer-utils-sub000/internal/rawflate"
)

type sessionMode int

const (
	modeRaw sessionMode = iota
	modeLineBytes
)

type sessionState int

const (
	stateUninit sessionState = iota
	stateInitialized
	stateStreaming
	stateFinished
)

// lookbackWindow is how far before a requested start
// newLineBytesSession (reader.go) scans for a preceding '\n' when
// aligning read_line_bytes to a line boundary.
const lookbackWindow = 512

// smallRangeThreshold is the end-start size under which
// read_line_bytes enforces a hard cumulative-bytes cap rather than
// allowing the read to run past end to finish a line.
const smallRangeThreshold = 1 << 20

// session is an in-flight decompression cursor bound to one
// (path, mode, start, end) request, per spec.md §4.4's state
// machine: Uninit -> Initialized -> Streaming <-> Streaming ->
// Finished.
type session struct {
	mode  sessionMode
	start int64
	end   int64
	state sessionState

	f   *os.File
	dec *rawflate.Decoder

	pending []byte // decoded bytes not yet delivered to a caller
	curPos  int64  // uncompressed offset of the next undelivered byte

	streamDone bool // dec has emitted its final block and pending is its last output

	// line-aligned mode only
	partial        []byte // carried-over partial line from the previous call
	alignedStart   int64
	smallRange     bool
	cumulative     int64 // bytes delivered so far, for the small-range cap
}

func (s *session) close() {
	if s.f != nil {
		s.f.Close()
		s.f = nil
	}
}

// next pulls up to maxN bytes of the next undelivered uncompressed
// data, decoding further deflate blocks as needed. It returns fewer
// than maxN bytes (even zero) only once the stream is exhausted.
func (s *session) next(maxN int) ([]byte, error) {
	if maxN < 0 {
		maxN = 0
	}
	for len(s.pending) < maxN && !s.streamDone {
		block, err := s.dec.NextBlock(nil)
		if len(block) > 0 {
			s.pending = append(s.pending, block...)
		}
		if err == io.EOF {
			s.streamDone = true
			break
		}
		if err != nil {
			return nil, err
		}
		if s.dec.Final() {
			s.streamDone = true
		}
	}
	n := maxN
	if n > len(s.pending) {
		n = len(s.pending)
	}
	out := s.pending[:n]
	s.pending = s.pending[n:]
	s.curPos += int64(n)
	return out, nil
}

// openRawSession resumes inflation from the checkpoint nearest to
// ucStart and skips forward to exactly ucStart, implementing the
// shared setup both raw and line-aligned sessions need (spec.md
// §4.4's "pick the nearest usable checkpoint... resume inflation...
// then skip forward bytes until uc_pos == start").
func (r *Reader) openRawSession(ucStart int64) (*session, error) {
	cp, err := r.store.FindCheckpoint(r.path, ucStart, r.opts)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(r.path)
	if err != nil {
		return nil, errf(FileIO, "open-session", r.path, err)
	}

	seekPos := cp.COffset
	if cp.Bits > 0 {
		seekPos--
	}
	if _, err := f.Seek(seekPos, io.SeekStart); err != nil {
		f.Close()
		return nil, errf(FileIO, "open-session", r.path, err)
	}

	var firstByte byte
	if cp.Bits > 0 {
		var b [1]byte
		if _, err := io.ReadFull(f, b[:]); err != nil {
			f.Close()
			return nil, errf(Compression, "open-session", r.path, err)
		}
		firstByte = b[0]
	}

	var dict []byte
	if cp.Dict != nil {
		dict, err = compr.DecompressDict(r.opts.DictCodec, cp.Dict)
		if err != nil {
			f.Close()
			return nil, errf(Compression, "open-session", r.path, err)
		}
	}

	dec, err := rawflate.Resume(f, uint(cp.Bits), firstByte, dict)
	if err != nil {
		f.Close()
		return nil, errf(Compression, "open-session", r.path, err)
	}

	sess := &session{f: f, dec: dec, curPos: cp.UCOffset, state: stateInitialized}

	toSkip := ucStart - cp.UCOffset
	for toSkip > 0 {
		n := toSkip
		if n > scratchSize {
			n = scratchSize
		}
		data, err := sess.next(int(n))
		if err != nil {
			sess.close()
			return nil, errf(Compression, "open-session", r.path, err)
		}
		toSkip -= int64(len(data))
		if len(data) == 0 {
			break // reached EOF before the requested start; caller's range is empty
		}
	}
	return sess, nil
}
