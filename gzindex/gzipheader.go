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
	"fmt"
	"io"
)

// gzip member framing, RFC 1952. The standard library's
// compress/gzip decodes an entire member through compress/flate
// and never reports the raw byte offset where the deflate payload
// begins, which is exactly what the indexer needs in order to seek
// a checkpoint's c_offset relative to the file. skipGzipHeader and
// skipGzipFooter give us just that, nothing more, and operate one
// byte at a time against a byteReader so they can share the exact
// same stream position counter as the rawflate.Decoder that reads
// the member's body (see builder.go).
const (
	gzipMagic0  = 0x1f
	gzipMagic1  = 0x8b
	gzipDeflate = 8

	flagHCRC    = 1 << 1
	flagExtra   = 1 << 2
	flagName    = 1 << 3
	flagComment = 1 << 4
)

type byteReader interface {
	ReadByte() (byte, error)
}

// skipGzipHeader reads one gzip member header, including its
// magic bytes, returning the number of bytes consumed. It does not
// validate the header CRC (FHCRC), matching gzip's own lenient
// default. Used for the first member of a file, where EOF before
// the header completes is a genuine truncation error.
func skipGzipHeader(r byteReader) (int64, error) {
	b0, err := r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("gzip header: %w", err)
	}
	b1, err := r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("gzip header: %w", err)
	}
	if b0 != gzipMagic0 || b1 != gzipMagic1 {
		return 0, fmt.Errorf("gzip header: bad magic %02x%02x", b0, b1)
	}
	rest, err := skipGzipHeaderBody(r)
	if err != nil {
		return 0, err
	}
	return 2 + rest, nil
}

// tryNextMemberHeader attempts to read the header of another
// concatenated gzip member. ok is false with a nil error on clean
// EOF (no more members); any other problem, including trailing
// bytes that aren't a valid gzip magic, is an error.
func tryNextMemberHeader(r byteReader) (ok bool, n int64, err error) {
	b0, err := r.ReadByte()
	if err != nil {
		if err == io.EOF {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("gzip header: %w", err)
	}
	b1, err := r.ReadByte()
	if err != nil {
		return false, 0, fmt.Errorf("truncated gzip member header: %w", err)
	}
	if b0 != gzipMagic0 || b1 != gzipMagic1 {
		return false, 0, fmt.Errorf("trailing garbage after gzip member (got %02x%02x)", b0, b1)
	}
	rest, err := skipGzipHeaderBody(r)
	if err != nil {
		return false, 0, err
	}
	return true, 2 + rest, nil
}

// skipGzipHeaderBody reads the fixed 8-byte tail of the header
// (CM, FLG, MTIME, XFL, OS) plus any variable-length fields FLG
// selects, given that the two magic bytes have already been
// consumed.
func skipGzipHeaderBody(r byteReader) (int64, error) {
	var hdr [8]byte
	for i := range hdr {
		b, err := r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("gzip header: %w", err)
		}
		hdr[i] = b
	}
	if hdr[0] != gzipDeflate {
		return 0, fmt.Errorf("gzip header: unsupported compression method %d", hdr[0])
	}
	flg := hdr[1]
	n := int64(8)

	if flg&flagExtra != 0 {
		lo, err := r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("gzip header: extra length: %w", err)
		}
		hi, err := r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("gzip header: extra length: %w", err)
		}
		n += 2
		l := int(lo) | int(hi)<<8
		for i := 0; i < l; i++ {
			if _, err := r.ReadByte(); err != nil {
				return 0, fmt.Errorf("gzip header: extra field: %w", err)
			}
		}
		n += int64(l)
	}
	if flg&flagName != 0 {
		m, err := skipCString(r)
		if err != nil {
			return 0, fmt.Errorf("gzip header: name: %w", err)
		}
		n += m
	}
	if flg&flagComment != 0 {
		m, err := skipCString(r)
		if err != nil {
			return 0, fmt.Errorf("gzip header: comment: %w", err)
		}
		n += m
	}
	if flg&flagHCRC != 0 {
		if _, err := r.ReadByte(); err != nil {
			return 0, fmt.Errorf("gzip header: crc16: %w", err)
		}
		if _, err := r.ReadByte(); err != nil {
			return 0, fmt.Errorf("gzip header: crc16: %w", err)
		}
		n += 2
	}
	return n, nil
}

func skipCString(r byteReader) (int64, error) {
	var n int64
	for {
		b, err := r.ReadByte()
		if err != nil {
			return n, err
		}
		n++
		if b == 0 {
			return n, nil
		}
	}
}

// footerSize is the fixed CRC32 + ISIZE trailer every gzip member
// ends with.
const footerSize = 8

// skipGzipFooter consumes a member's CRC32+ISIZE trailer.
func skipGzipFooter(r byteReader) error {
	for i := 0; i < footerSize; i++ {
		if _, err := r.ReadByte(); err != nil {
			return fmt.Errorf("gzip footer: %w", err)
		}
	}
	return nil
}

