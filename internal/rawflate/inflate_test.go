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

import (
	"bytes"
	"compress/flate"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"testing"
)

// rawDeflate compresses p into a headerless DEFLATE stream using
// the standard library's flate writer. Only used to manufacture
// test fixtures -- the package under test never uses compress/flate
// on the decode path.
func rawDeflate(t *testing.T, p []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		t.Fatalf("flate.NewWriter: %v", err)
	}
	if _, err := w.Write(p); err != nil {
		t.Fatalf("flate write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("flate close: %v", err)
	}
	return buf.Bytes()
}

func decodeAll(t *testing.T, d *Decoder) []byte {
	t.Helper()
	var out []byte
	for {
		var block []byte
		block, err := d.NextBlock(nil)
		out = append(out, block...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextBlock: %v", err)
		}
		if d.Final() {
			break
		}
	}
	return out
}

func randomText(n int, seed int64) []byte {
	r := rand.New(rand.NewSource(seed))
	words := []string{"the", "quick", "brown", "fox", "jumps", "over", "lazy", "dog", "deflate", "checkpoint"}
	var buf bytes.Buffer
	for buf.Len() < n {
		fmt.Fprintf(&buf, "%s ", words[r.Intn(len(words))])
	}
	return buf.Bytes()[:n]
}

func TestInflateRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte("hello world\n"),
		bytes.Repeat([]byte("abcabcabcabc\n"), 5000), // highly compressible, exercises LZ77 back-refs
		randomText(200000, 1),
	}
	for i, in := range cases {
		comp := rawDeflate(t, in)
		d := NewDecoder(bytes.NewReader(comp))
		got := decodeAll(t, d)
		if !bytes.Equal(got, in) {
			t.Fatalf("case %d: roundtrip mismatch, got %d bytes want %d", i, len(got), len(in))
		}
		if d.Produced() != int64(len(in)) {
			t.Fatalf("case %d: Produced() = %d, want %d", i, d.Produced(), len(in))
		}
	}
}

func TestResumeFromBoundary(t *testing.T) {
	in := randomText(500000, 2)
	comp := rawDeflate(t, in)

	d := NewDecoder(bytes.NewReader(comp))
	var prefix []byte
	var cOffset int64
	var bits uint
	var dict []byte

	for {
		block, err := d.NextBlock(nil)
		prefix = append(prefix, block...)
		if err != nil && err != io.EOF {
			t.Fatalf("NextBlock: %v", err)
		}
		if d.Produced() >= DictSize && !d.Final() {
			cOffset, bits = d.Boundary()
			dict, err = d.Dictionary()
			if err != nil {
				t.Fatalf("Dictionary: %v", err)
			}
			break
		}
		if d.Final() || err == io.EOF {
			t.Fatalf("stream ended before reaching a usable checkpoint")
		}
	}

	var firstByte byte
	if bits > 0 {
		// cOffset points past the byte the leftover bits come from.
		firstByte = comp[cOffset-1]
	}
	r2, err := Resume(bytes.NewReader(comp[cOffset:]), bits, firstByte, dict)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	rest := decodeAll(t, r2)

	got := append(prefix, rest...)
	if !bytes.Equal(got, in) {
		t.Fatalf("resumed decode mismatch: got %d bytes want %d", len(got), len(in))
	}
}

func TestDictionaryUnavailableBeforeThreshold(t *testing.T) {
	in := []byte("short input, well under the dictionary window size")
	comp := rawDeflate(t, in)
	d := NewDecoder(bytes.NewReader(comp))
	decodeAll(t, d)
	if _, err := d.Dictionary(); !errors.Is(err, ErrDictionaryUnavailable) {
		t.Fatalf("Dictionary() on short stream: got %v, want ErrDictionaryUnavailable", err)
	}
}

func TestResetMemberContinuesPosition(t *testing.T) {
	a := randomText(1000, 3)
	b := randomText(2000, 4)
	compA := rawDeflate(t, a)
	compB := rawDeflate(t, b)

	var buf bytes.Buffer
	buf.Write(compA)
	buf.Write(compB)

	d := NewDecoder(&buf)
	gotA := decodeAll(t, d)
	if !bytes.Equal(gotA, a) {
		t.Fatalf("first member mismatch")
	}
	posAfterA := d.Pos()
	if posAfterA != int64(len(compA)) {
		t.Fatalf("Pos() after first member = %d, want %d", posAfterA, len(compA))
	}

	if err := d.ResetMember(nil); err != nil {
		t.Fatalf("ResetMember: %v", err)
	}
	if d.Final() {
		t.Fatalf("Final() should reset to false after ResetMember")
	}
	gotB := decodeAll(t, d)
	if !bytes.Equal(gotB, b) {
		t.Fatalf("second member mismatch")
	}
	if d.Pos() != int64(len(compA)+len(compB)) {
		t.Fatalf("Pos() after second member = %d, want %d", d.Pos(), len(compA)+len(compB))
	}
}

func TestBoundaryBitsNeverExceedsByte(t *testing.T) {
	in := randomText(50000, 5)
	comp := rawDeflate(t, in)
	d := NewDecoder(bytes.NewReader(comp))
	for {
		_, err := d.NextBlock(nil)
		if err != nil && err != io.EOF {
			t.Fatalf("NextBlock: %v", err)
		}
		_, bits := d.Boundary()
		if bits > 7 {
			t.Fatalf("Boundary() bits = %d, must be <= 7", bits)
		}
		if d.Final() || err == io.EOF {
			break
		}
	}
}
