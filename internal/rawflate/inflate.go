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

// Package rawflate is a from-scratch RFC 1951 (raw DEFLATE) decoder
// that exposes what no off-the-shelf decoder does: block-boundary
// events, the exact (byte, bit) position of each boundary, and the
// ability to export/import the 32 KiB sliding-window dictionary so
// that decoding can resume mid-stream without rescanning from byte
// zero.
//
// It is modeled on the state-capture technique in the zran family
// (github.com/coreos/pkg/zran, itself a port of Mark Adler's
// zran.c), but captures only what a true block boundary requires:
// compressed position, leftover bit count, and the trailing window
// -- not a full Huffman-table snapshot -- because a new block always
// supplies its own tables from scratch.
package rawflate

import (
	"fmt"
	"io"
)

const (
	// DictSize is the maximum DEFLATE back-reference distance,
	// and therefore the fixed size of an exported dictionary.
	DictSize = 32 * 1024
)

// Decoder decodes a raw (headerless) DEFLATE stream block by
// block. It is not safe for concurrent use.
type Decoder struct {
	br *bitReader

	hist  [DictSize]byte
	hp    int  // next write position in hist
	hfull bool // hist has wrapped at least once

	produced int64 // total uncompressed bytes emitted so far

	final bool // true once the last block's BFINAL bit was seen
}

// NewDecoder starts decoding r from the first bit of a fresh raw
// DEFLATE stream (no dictionary, no leftover bits).
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{br: newBitReader(r)}
}

// Resume starts decoding r from a block boundary captured earlier:
// bits is the number of unconsumed high bits of firstByte that
// belong to the next block (0 if the boundary was byte-aligned, in
// which case firstByte is ignored and r must begin exactly at the
// next block), and dict is the DictSize-byte window that preceded
// that boundary (see Dictionary).
func Resume(r io.Reader, bits uint, firstByte byte, dict []byte) (*Decoder, error) {
	if bits > 7 {
		return nil, fmt.Errorf("rawflate: invalid leftover bit count %d", bits)
	}
	if dict != nil && len(dict) != DictSize {
		return nil, fmt.Errorf("rawflate: dictionary must be %d bytes, got %d", DictSize, len(dict))
	}
	d := &Decoder{br: newBitReader(r)}
	if bits > 0 {
		d.br.primeBits(firstByte, bits)
	}
	if dict != nil {
		copy(d.hist[:], dict)
		d.hp = 0
		d.hfull = true
		d.produced = DictSize
	}
	return d, nil
}

// Produced returns the total number of uncompressed bytes emitted
// so far (since the decoder was created or last reset with
// ResetMember). A dictionary installed by Resume or ResetMember
// counts as DictSize bytes already produced.
func (d *Decoder) Produced() int64 { return d.produced }

// Pos returns the number of compressed bytes consumed from the
// underlying reader so far, an absolute offset when the Decoder
// was constructed at the start of the caller's stream (as the
// index builder does for its single continuous pass).
func (d *Decoder) Pos() int64 { return d.br.bytePos }

// ReadByte reads one raw byte directly from the underlying
// stream, bypassing the bit buffer. It is only valid to call
// between blocks (typically after Final() is true, to walk a
// gzip member's trailer and the next member's header) -- the bit
// buffer is not consulted, so any unconsumed bits from the final
// block are correctly treated as padding and discarded.
func (d *Decoder) ReadByte() (byte, error) {
	d.br.align()
	return d.br.readByte()
}

// ResetMember reuses this Decoder for a new gzip member's raw
// deflate payload, continuing to consume from the same underlying
// stream (so Pos stays a continuous absolute offset) while
// resetting the sliding window and BFINAL state and discarding any
// padding bits left over from the previous member's final block.
// Pass a nil dict: every gzip member starts decoding with an empty
// window.
func (d *Decoder) ResetMember(dict []byte) error {
	if dict != nil && len(dict) != DictSize {
		return fmt.Errorf("rawflate: dictionary must be %d bytes, got %d", DictSize, len(dict))
	}
	d.br.align()
	d.hp = 0
	d.hfull = false
	d.produced = 0
	d.final = false
	if dict != nil {
		copy(d.hist[:], dict)
		d.hfull = true
		d.produced = DictSize
	}
	return nil
}

// Final reports whether the most recently finished block had its
// BFINAL bit set, i.e. the stream is exhausted.
func (d *Decoder) Final() bool { return d.final }

// Boundary returns the exact resume point for the *next* block:
// cOffset is the compressed byte position to seek to (matching
// the checkpoint.c_offset semantics in the index store -- see
// Resume's firstByte contract), and bits is the number of
// unconsumed high bits of the byte at cOffset-1 that belong to
// that next block (0 if the boundary is byte-aligned).
//
// Only valid to call between calls to NextBlock, i.e. exactly at a
// block boundary.
func (d *Decoder) Boundary() (cOffset int64, bits uint) {
	return d.br.boundary()
}

// Dictionary exports the DictSize-byte sliding window that
// precedes the current block boundary, oldest byte first. It never
// pads a short window: it returns ErrDictionaryUnavailable if
// Produced() < DictSize,
// since a checkpoint taken that early could never be useful (the
// caller has nothing to resume that byte 0 wouldn't answer faster).
func (d *Decoder) Dictionary() ([]byte, error) {
	if d.produced < DictSize {
		return nil, ErrDictionaryUnavailable
	}
	out := make([]byte, DictSize)
	// hist is a ring buffer; hp is the next write slot, so the
	// oldest byte still in the window is at hp (mod DictSize).
	n := copy(out, d.hist[d.hp:])
	copy(out[n:], d.hist[:d.hp])
	return out, nil
}

func (d *Decoder) emit(b byte) {
	d.hist[d.hp] = b
	d.hp = (d.hp + 1) % DictSize
	if d.hp == 0 {
		d.hfull = true
	}
	d.produced++
}

func (d *Decoder) historyByte(distBack int) byte {
	idx := d.hp - distBack
	if idx < 0 {
		idx += DictSize
	}
	return d.hist[idx]
}

// NextBlock decodes exactly one DEFLATE block, appending its
// output to dst (growing it as needed) and returning the result.
// After NextBlock returns without error, the Decoder sits at a
// true block boundary and Boundary/Dictionary reflect that point.
// Once Final() is true, callers must stop calling NextBlock.
func (d *Decoder) NextBlock(dst []byte) ([]byte, error) {
	if d.final {
		return dst, io.EOF
	}
	final, err := d.br.bits(1)
	if err != nil {
		return dst, inflateErr("block header", err)
	}
	btype, err := d.br.bits(2)
	if err != nil {
		return dst, inflateErr("block header", err)
	}
	d.final = final == 1

	switch btype {
	case 0:
		dst, err = d.storedBlock(dst)
	case 1:
		lit, dist := fixedTables()
		dst, err = d.compressedBlock(dst, lit, dist)
	case 2:
		lit, dist, err2 := d.dynamicTables()
		if err2 != nil {
			return dst, inflateErr("dynamic huffman header", err2)
		}
		dst, err = d.compressedBlock(dst, lit, dist)
	default:
		return dst, inflateErr("block header", fmt.Errorf("reserved block type 3"))
	}
	if err != nil {
		return dst, inflateErr("block body", err)
	}
	return dst, nil
}

var fixedLit, fixedDist *huffman

func fixedTables() (*huffman, *huffman) {
	if fixedLit == nil {
		fixedLit, _ = buildHuffman(fixedLitLenLengths())
		fixedDist, _ = buildHuffman(fixedDistLengths())
	}
	return fixedLit, fixedDist
}

func (d *Decoder) storedBlock(dst []byte) ([]byte, error) {
	d.br.align()
	lenLo, err := d.br.readByte()
	if err != nil {
		return dst, err
	}
	lenHi, err := d.br.readByte()
	if err != nil {
		return dst, err
	}
	nlenLo, err := d.br.readByte()
	if err != nil {
		return dst, err
	}
	nlenHi, err := d.br.readByte()
	if err != nil {
		return dst, err
	}
	n := int(lenLo) | int(lenHi)<<8
	nlen := int(nlenLo) | int(nlenHi)<<8
	if n != nlen^0xffff {
		return dst, fmt.Errorf("stored block LEN/NLEN mismatch")
	}
	for i := 0; i < n; i++ {
		b, err := d.br.readByte()
		if err != nil {
			return dst, err
		}
		d.emit(b)
		dst = append(dst, b)
	}
	return dst, nil
}

func (d *Decoder) dynamicTables() (*huffman, *huffman, error) {
	hlit, err := d.br.bits(5)
	if err != nil {
		return nil, nil, err
	}
	hdist, err := d.br.bits(5)
	if err != nil {
		return nil, nil, err
	}
	hclen, err := d.br.bits(4)
	if err != nil {
		return nil, nil, err
	}
	nlit := int(hlit) + 257
	ndist := int(hdist) + 1
	nclen := int(hclen) + 4

	var clLengths [19]int
	for i := 0; i < nclen; i++ {
		v, err := d.br.bits(3)
		if err != nil {
			return nil, nil, err
		}
		clLengths[codeLengthOrder[i]] = int(v)
	}
	clTable, err := buildHuffman(clLengths[:])
	if err != nil {
		return nil, nil, err
	}

	lengths := make([]int, nlit+ndist)
	for i := 0; i < len(lengths); {
		sym, err := clTable.decode(d.br)
		if err != nil {
			return nil, nil, err
		}
		switch {
		case sym < 16:
			lengths[i] = sym
			i++
		case sym == 16:
			if i == 0 {
				return nil, nil, fmt.Errorf("repeat code with no previous length")
			}
			n, err := d.br.bits(2)
			if err != nil {
				return nil, nil, err
			}
			prev := lengths[i-1]
			for j := 0; j < int(n)+3; j++ {
				lengths[i] = prev
				i++
			}
		case sym == 17:
			n, err := d.br.bits(3)
			if err != nil {
				return nil, nil, err
			}
			i += int(n) + 3
		case sym == 18:
			n, err := d.br.bits(7)
			if err != nil {
				return nil, nil, err
			}
			i += int(n) + 11
		default:
			return nil, nil, fmt.Errorf("invalid code-length symbol %d", sym)
		}
	}
	lit, err := buildHuffman(lengths[:nlit])
	if err != nil {
		return nil, nil, err
	}
	dist, err := buildHuffman(lengths[nlit:])
	if err != nil {
		return nil, nil, err
	}
	return lit, dist, nil
}

func (d *Decoder) compressedBlock(dst []byte, lit, dist *huffman) ([]byte, error) {
	for {
		sym, err := lit.decode(d.br)
		if err != nil {
			return dst, err
		}
		switch {
		case sym < 256:
			d.emit(byte(sym))
			dst = append(dst, byte(sym))
		case sym == 256:
			return dst, nil
		default:
			idx := sym - 257
			if idx >= len(lengthBase) {
				return dst, fmt.Errorf("invalid length symbol %d", sym)
			}
			length := int(lengthBase[idx])
			if n := lengthExtra[idx]; n > 0 {
				extra, err := d.br.bits(uint(n))
				if err != nil {
					return dst, err
				}
				length += int(extra)
			}
			dsym, err := dist.decode(d.br)
			if err != nil {
				return dst, err
			}
			if dsym >= len(distBase) {
				return dst, fmt.Errorf("invalid distance symbol %d", dsym)
			}
			distance := int(distBase[dsym])
			if n := distExtra[dsym]; n > 0 {
				extra, err := d.br.bits(uint(n))
				if err != nil {
					return dst, err
				}
				distance += int(extra)
			}
			if int64(distance) > d.produced {
				return dst, fmt.Errorf("back-reference distance %d exceeds history %d", distance, d.produced)
			}
			for i := 0; i < length; i++ {
				b := d.historyByte(distance)
				d.emit(b)
				dst = append(dst, b)
			}
		}
	}
}
