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

package rawflate

import "errors"

// ErrDictionaryUnavailable is returned by Dictionary when fewer
// than DictSize bytes of uncompressed output have been produced
// so far; a checkpoint cannot yet be captured at this point.
var ErrDictionaryUnavailable = errors.New("rawflate: dictionary unavailable")

// InflateError wraps a malformed-stream condition detected while
// decoding a deflate block (bad block type, bad Huffman code,
// over-long back-reference, and so on).
type InflateError struct {
	Op  string
	Err error
}

func (e *InflateError) Error() string { return "rawflate: " + e.Op + ": " + e.Err.Error() }
func (e *InflateError) Unwrap() error { return e.Err }

func inflateErr(op string, err error) error {
	return &InflateError{Op: op, Err: err}
}
