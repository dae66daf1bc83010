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

// Package jsonline adapts a gzindex.Reader into a sequence of
// parsed JSON documents, one per '\n'-terminated record. Parsing
// itself is an external collaborator: this package only splits
// line-aligned reader output on '\n' and owns the resulting
// documents, exactly the boundary spec.md §1 draws around "the JSON
// parsing library."
package jsonline

import (
	"bytes"

	"github.com/amarathe84/dftracer-utils-sub000/gzindex"
)

// Document is the contract a JSON parsing library must satisfy to
// plug into this adapter: parse a single line into a value that
// owns its own backing bytes (spec.md §9, "owned vs borrowed
// JSON"), plus typed field accessors good enough for the bag
// pipeline's analyzer stages to consume.
type Document interface {
	// Field returns the raw value bytes for a top-level field name,
	// or nil if absent.
	Field(name string) []byte
	// Int64 returns a top-level field parsed as an integer.
	Int64(name string) (int64, bool)
	// String returns a top-level field parsed as a string.
	String(name string) (string, bool)
}

// Parser builds an owned Document from one line's bytes (without
// the trailing '\n'). Implementations are expected to copy src
// rather than retain it, so the adapter's scratch buffer can be
// reused across lines.
type Parser func(src []byte) (Document, error)

const readBufSize = 1 << 20

// ByByteRange runs read_line_bytes to completion over [start, end),
// splits the line-aligned output on '\n', and parses each non-empty
// line with parse.
func ByByteRange(r *gzindex.Reader, start, end int64, parse Parser) ([]Document, error) {
	var docs []Document
	var leftover []byte
	buf := make([]byte, readBufSize)
	for {
		n, err := r.ReadLineBytes(start, end, buf)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		leftover, docs, err = splitAndParse(leftover, buf[:n], docs, parse)
		if err != nil {
			return nil, err
		}
	}
	if len(leftover) > 0 {
		d, err := parse(leftover)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// ByLineRange reads the 1-based inclusive line range
// [startLine, endLine] and parses each line with parse.
func ByLineRange(r *gzindex.Reader, startLine, endLine int64, parse Parser) ([]Document, error) {
	text, err := r.ReadLines(startLine, endLine)
	if err != nil {
		return nil, err
	}
	var docs []Document
	_, docs, err = splitAndParse(nil, []byte(text), docs, parse)
	return docs, err
}

// splitAndParse splits data (prefixed with any carried-over partial
// line) on '\n', parsing each complete line and returning any
// trailing partial line for the caller to carry forward.
func splitAndParse(carry, data []byte, docs []Document, parse Parser) ([]byte, []Document, error) {
	buf := append(append([]byte(nil), carry...), data...)
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			return buf, docs, nil
		}
		line := buf[:idx]
		buf = buf[idx+1:]
		if len(line) == 0 {
			continue
		}
		d, err := parse(line)
		if err != nil {
			return nil, nil, err
		}
		docs = append(docs, d)
	}
}
