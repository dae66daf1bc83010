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
	"fmt"
	"os"
	"strings"
)

// Reader is a random-access decompressing reader over one gzip
// source file, backed by a Store of chunks and checkpoints. It is
// not safe for concurrent use: it owns exclusive mutable state (the
// active session's inflater, partial-line buffer, and file handle),
// per spec.md §5.
type Reader struct {
	path string
	opts Options

	store    *Store
	sess     *session
	identity FileIdentity
}

// Open opens the source file and its sidecar index, rebuilding the
// index first if it is missing or its SHA-256 no longer matches the
// file on disk.
func Open(ctx context.Context, path, idxPath string, opts Options) (*Reader, error) {
	store, err := OpenStore(idxPath)
	if err != nil {
		return nil, err
	}
	b := NewBuilder(path, store, opts)
	needs, err := b.NeedsRebuild(ctx)
	if err != nil {
		return nil, err
	}
	if needs {
		if _, err := b.Build(ctx, true); err != nil {
			return nil, err
		}
	}
	ident, _ := store.GetFileIdentity(path)
	return &Reader{path: path, opts: opts.withDefaults(), store: store, identity: ident}, nil
}

// checkSourceUnchanged stats the source file and compares it against
// the identity recorded when this Reader was opened. A session that
// spans multiple Read/ReadLineBytes calls must not silently keep
// decoding against a source that was truncated or replaced out from
// under it mid-use (spec.md §4.4, §7): unlike Open/Build, which treat
// a stale index as routine and rebuild it, a live session has no
// recovery path other than surfacing a distinguishable error so the
// caller can re-Open. This only checks size and mtime, not a SHA-256
// re-hash, since it runs on every read call rather than once at Open.
func (r *Reader) checkSourceUnchanged() error {
	fi, err := os.Stat(r.path)
	if err != nil {
		return errf(FileIO, "read", r.path, err)
	}
	if r.identity.ByteSize != fi.Size() || !r.identity.ModTime.Equal(fi.ModTime()) {
		return errf(SourceChanged, "read", r.path, fmt.Errorf("source file changed since Open"))
	}
	return nil
}

// MaxBytes returns the uncompressed size of the source file.
func (r *Reader) MaxBytes() (int64, error) { return r.store.MaxBytes(r.path) }

// NumLines returns the total number of '\n'-terminated records in
// the source file.
func (r *Reader) NumLines() (int64, error) { return r.store.NumLines(r.path) }

// Reset discards any active session, returning the reader to its
// Uninit state.
func (r *Reader) Reset() {
	if r.sess != nil {
		r.sess.close()
		r.sess = nil
	}
}

func validateRange(start, end int64, buf []byte) error {
	if start < 0 || end <= start {
		return errf(InvalidArgument, "read", "", fmt.Errorf("invalid range [%d, %d)", start, end))
	}
	if len(buf) == 0 {
		return errf(InvalidArgument, "read", "", fmt.Errorf("zero-length buffer"))
	}
	return nil
}

// Read fills buf with up to len(buf) bytes of uncompressed data
// starting at start, never reading past end. It returns the number
// of bytes written; 0 signals the range is exhausted. Calling Read
// again with the same (start, end) continues the existing session;
// calling it with different parameters discards the current session
// and starts a new one.
func (r *Reader) Read(start, end int64, buf []byte) (int, error) {
	if err := validateRange(start, end, buf); err != nil {
		return 0, err
	}
	if err := r.checkSourceUnchanged(); err != nil {
		return 0, err
	}
	if r.sess == nil || r.sess.mode != modeRaw || r.sess.start != start || r.sess.end != end || r.sess.state == stateFinished {
		r.Reset()
		sess, err := r.openRawSession(start)
		if err != nil {
			return 0, err
		}
		sess.mode = modeRaw
		sess.start, sess.end = start, end
		r.sess = sess
	}
	sess := r.sess
	sess.state = stateStreaming

	if sess.curPos >= end {
		sess.state = stateFinished
		return 0, nil
	}
	n := int64(len(buf))
	if remain := end - sess.curPos; remain < n {
		n = remain
	}
	data, err := sess.next(int(n))
	if err != nil {
		sess.state = stateFinished
		return 0, rangeErr(Compression, "read", r.path, start, end, err)
	}
	copy(buf, data)
	if sess.curPos >= end || (len(data) == 0 && sess.streamDone) {
		sess.state = stateFinished
	}
	return len(data), nil
}

// ReadLineBytes behaves like Read but guarantees every returned
// buffer begins just after a '\n' (or at offset 0) and ends exactly
// at a '\n', per spec.md §4.4's line-aligned mode.
func (r *Reader) ReadLineBytes(start, end int64, buf []byte) (int, error) {
	if err := validateRange(start, end, buf); err != nil {
		return 0, err
	}
	if err := r.checkSourceUnchanged(); err != nil {
		return 0, err
	}
	if r.sess == nil || r.sess.mode != modeLineBytes || r.sess.start != start || r.sess.end != end || r.sess.state == stateFinished {
		r.Reset()
		sess, err := r.newLineBytesSession(start, end)
		if err != nil {
			return 0, err
		}
		r.sess = sess
	}
	sess := r.sess
	sess.state = stateStreaming

	out, err := r.stepLineBytes(sess, len(buf))
	if err != nil {
		sess.state = stateFinished
		return 0, rangeErr(Compression, "read-line-bytes", r.path, start, end, err)
	}
	copy(buf, out)
	return len(out), nil
}

// newLineBytesSession implements start alignment: it opens a
// throwaway lookback session covering [max(0, start-512), start),
// scans it backwards for '\n', then opens the real session at that
// aligned offset.
func (r *Reader) newLineBytesSession(start, end int64) (*session, error) {
	aligned := start
	if start > 0 {
		lookbackStart := start - lookbackWindow
		if lookbackStart < 0 {
			lookbackStart = 0
		}
		lb, err := r.openRawSession(lookbackStart)
		if err != nil {
			return nil, err
		}
		window, err := lb.next(int(start - lookbackStart))
		lb.close()
		if err != nil {
			return nil, errf(Compression, "align-start", r.path, err)
		}
		if idx := bytes.LastIndexByte(window, '\n'); idx >= 0 {
			aligned = lookbackStart + int64(idx) + 1
		} else {
			aligned = lookbackStart
		}
	}

	sess, err := r.openRawSession(aligned)
	if err != nil {
		return nil, err
	}
	sess.mode = modeLineBytes
	sess.start, sess.end = start, end
	sess.alignedStart = aligned
	sess.smallRange = end-start < smallRangeThreshold
	return sess, nil
}

// stepLineBytes implements one call's worth of the line-aligned
// protocol described in spec.md §4.4: carry over the partial line,
// inflate more data bounded by either the small-range cap or (for
// large ranges) the target end -- except once curPos has already
// passed end, in which case it keeps pulling data until a '\n'
// appears or the stream ends, since large ranges are explicitly
// allowed to run past end to finish a line.
func (r *Reader) stepLineBytes(s *session, bufLen int) ([]byte, error) {
	if s.state == stateFinished {
		return nil, nil
	}

	spaceForNew := bufLen - len(s.partial)
	if spaceForNew < 0 {
		spaceForNew = 0
	}

	if s.smallRange {
		capRemaining := (s.end - s.start) - s.cumulative - int64(len(s.partial))
		if capRemaining < 0 {
			capRemaining = 0
		}
		if int64(spaceForNew) > capRemaining {
			spaceForNew = int(capRemaining)
		}
	} else if s.curPos < s.end {
		if remain := s.end - s.curPos; int64(spaceForNew) > remain {
			spaceForNew = int(remain)
		}
	}
	// else: already past end with no '\n' found yet; pull up to
	// bufLen-len(partial) more bytes regardless of end, per the
	// large-range "may extend past end" allowance.

	data, err := s.next(spaceForNew)
	if err != nil {
		return nil, err
	}

	tmp := make([]byte, 0, len(s.partial)+len(data))
	tmp = append(tmp, s.partial...)
	tmp = append(tmp, data...)

	exhausted := s.streamDone && len(s.pending) == 0
	noMoreAllowed := s.smallRange && len(data) == 0 && spaceForNew == 0

	lastNL := bytes.LastIndexByte(tmp, '\n')
	var out []byte
	switch {
	case lastNL >= 0:
		out = tmp[:lastNL+1]
		s.partial = append([]byte(nil), tmp[lastNL+1:]...)
	case exhausted || noMoreAllowed:
		out = tmp
		s.partial = nil
	default:
		// no '\n' yet, but more input may still produce one
		s.partial = tmp
		out = nil
	}

	s.cumulative += int64(len(out))
	if (exhausted && len(s.partial) == 0) ||
		(s.smallRange && s.cumulative >= s.end-s.start) ||
		(lastNL >= 0 && !s.smallRange && s.curPos-int64(len(s.partial)) >= s.end) {
		s.state = stateFinished
	}
	return out, nil
}

// ReadLines returns the 1-based inclusive line range
// [startLine, endLine] as a single concatenated string, streaming
// from byte 0 in line-aligned mode. It does not reuse or interact
// with any session created by Read/ReadLineBytes.
func (r *Reader) ReadLines(startLine, endLine int64) (string, error) {
	if startLine < 1 || endLine < startLine {
		return "", errf(InvalidArgument, "read-lines", r.path, fmt.Errorf("invalid line range [%d, %d]", startLine, endLine))
	}
	maxBytes, err := r.MaxBytes()
	if err != nil {
		return "", err
	}
	saved := r.sess
	r.sess = nil
	defer func() {
		r.Reset()
		r.sess = saved
	}()

	var b strings.Builder
	var lineNo int64 = 1
	buf := make([]byte, scratchSize)
	var partialOut []byte
	for {
		n, err := r.ReadLineBytes(0, maxBytes, buf)
		if err != nil {
			return "", err
		}
		if n == 0 {
			break
		}
		chunk := append(partialOut, buf[:n]...)
		partialOut = nil
		start := 0
		for i, c := range chunk {
			if c != '\n' {
				continue
			}
			if lineNo >= startLine && lineNo <= endLine {
				b.Write(chunk[start : i+1])
			}
			lineNo++
			start = i + 1
			if lineNo > endLine {
				return b.String(), nil
			}
		}
		if start < len(chunk) {
			partialOut = append(partialOut, chunk[start:]...)
		}
	}
	return b.String(), nil
}
