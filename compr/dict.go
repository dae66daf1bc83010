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

package compr

import "fmt"

// DictSize is the fixed, right-aligned size of a deflate
// checkpoint dictionary: 32 KiB, the maximum deflate window.
const DictSize = 32 * 1024

// DefaultDictCodec names the compressor used for checkpoint
// dictionaries when none is specified. "s2" is chosen over zstd
// here because checkpoints are read far more often than they are
// written (every session resume touches one) and s2's decode cost
// is a fraction of zstd's for small inputs like a 32 KiB window.
const DefaultDictCodec = "s2"

// CompressDict compresses a 32 KiB checkpoint dictionary with the
// named codec. dict must be exactly DictSize bytes.
func CompressDict(codec string, dict []byte) ([]byte, error) {
	if len(dict) != DictSize {
		return nil, fmt.Errorf("compr: dictionary must be %d bytes, got %d", DictSize, len(dict))
	}
	c := Compression(codec)
	if c == nil {
		return nil, fmt.Errorf("compr: unknown codec %q", codec)
	}
	return c.Compress(dict, nil), nil
}

// DecompressDict reverses CompressDict, always producing exactly
// DictSize bytes.
func DecompressDict(codec string, blob []byte) ([]byte, error) {
	d := Decompression(codec)
	if d == nil {
		return nil, fmt.Errorf("compr: unknown codec %q", codec)
	}
	dst := make([]byte, DictSize)
	if err := d.Decompress(blob, dst); err != nil {
		return nil, fmt.Errorf("compr: decompress dictionary: %w", err)
	}
	return dst, nil
}
