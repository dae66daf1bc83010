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

import "fmt"

const maxHuffBits = 15

// huffman is a canonical Huffman decoding table: codes are
// assigned in order of increasing length, and within a length in
// order of symbol value (RFC 1951 §3.2.2). Decoding walks one bit
// at a time and compares against the smallest/largest code of each
// length, the textbook approach for a from-scratch deflate decoder
// (no lookup-table acceleration, since block boundaries -- not
// throughput -- are what this driver cares about).
type huffman struct {
	counts  [maxHuffBits + 1]int // counts[n] = number of codes of length n
	symbols []int                // symbols, sorted by (length, symbol)
}

// buildHuffman constructs a canonical decode table from a slice of
// code lengths indexed by symbol (0 means "symbol unused").
func buildHuffman(lengths []int) (*huffman, error) {
	h := &huffman{symbols: make([]int, len(lengths))}
	for _, l := range lengths {
		if l < 0 || l > maxHuffBits {
			return nil, fmt.Errorf("invalid code length %d", l)
		}
		h.counts[l]++
	}
	h.counts[0] = 0

	var offsets [maxHuffBits + 2]int
	for i := 1; i <= maxHuffBits; i++ {
		offsets[i+1] = offsets[i] + h.counts[i]
	}
	for sym, l := range lengths {
		if l == 0 {
			continue
		}
		h.symbols[offsets[l]] = sym
		offsets[l]++
	}
	return h, nil
}

// decode reads one symbol using br, walking longer and longer
// codes until one matches (or the stream is exhausted/corrupt).
func (h *huffman) decode(br *bitReader) (int, error) {
	var code, first, index int
	for length := 1; length <= maxHuffBits; length++ {
		bit, err := br.bits(1)
		if err != nil {
			return 0, err
		}
		code |= int(bit)
		count := h.counts[length]
		if code-first < count {
			return h.symbols[index+(code-first)], nil
		}
		index += count
		first += count
		first <<= 1
		code <<= 1
	}
	return 0, fmt.Errorf("invalid huffman code")
}
