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

package jsonline

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/amarathe84/dftracer-utils-sub000/gzindex"
)

// stubDocument is a minimal stand-in for the external JSON parsing
// library's Document type (spec.md §1 treats that library as an
// out-of-scope collaborator); it owns a decoded map so it no longer
// references the reader's scratch buffer once parse returns.
type stubDocument struct {
	fields map[string]any
}

func (d *stubDocument) Field(name string) []byte {
	v, ok := d.fields[name]
	if !ok {
		return nil
	}
	b, _ := json.Marshal(v)
	return b
}

func (d *stubDocument) Int64(name string) (int64, bool) {
	v, ok := d.fields[name].(float64)
	return int64(v), ok
}

func (d *stubDocument) String(name string) (string, bool) {
	v, ok := d.fields[name].(string)
	return v, ok
}

func stubParse(src []byte) (Document, error) {
	owned := append([]byte(nil), src...)
	var fields map[string]any
	if err := json.Unmarshal(owned, &fields); err != nil {
		return nil, fmt.Errorf("jsonline: parse line: %w", err)
	}
	return &stubDocument{fields: fields}, nil
}

func writeFixture(t *testing.T, dir string, n int) string {
	t.Helper()
	path := filepath.Join(dir, "events.pfw.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	gw := gzip.NewWriter(f)
	for i := 0; i < n; i++ {
		fmt.Fprintf(gw, `{"i":%d,"name":"event-%d"}`+"\n", i, i)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return path
}

func TestByByteRange(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, 500)
	idxPath := filepath.Join(dir, "index.db")

	r, err := gzindex.Open(context.Background(), path, idxPath, gzindex.Options{ChunkSize: 4096, CheckpointInterval: 16384})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	maxBytes, err := r.MaxBytes()
	if err != nil {
		t.Fatalf("MaxBytes: %v", err)
	}

	docs, err := ByByteRange(r, 0, maxBytes, stubParse)
	if err != nil {
		t.Fatalf("ByByteRange: %v", err)
	}
	if len(docs) != 500 {
		t.Fatalf("got %d docs, want 500", len(docs))
	}
	first, ok := docs[0].Int64("i")
	if !ok || first != 0 {
		t.Fatalf("docs[0].Int64(i) = %d, %v, want 0, true", first, ok)
	}
	last, ok := docs[len(docs)-1].Int64("i")
	if !ok || last != 499 {
		t.Fatalf("docs[last].Int64(i) = %d, %v, want 499, true", last, ok)
	}
}

func TestByLineRange(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, 200)
	idxPath := filepath.Join(dir, "index.db")

	r, err := gzindex.Open(context.Background(), path, idxPath, gzindex.Options{ChunkSize: 4096, CheckpointInterval: 16384})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	docs, err := ByLineRange(r, 11, 20, stubParse)
	if err != nil {
		t.Fatalf("ByLineRange: %v", err)
	}
	if len(docs) != 10 {
		t.Fatalf("got %d docs, want 10", len(docs))
	}
	name, ok := docs[0].String("name")
	if !ok || name != "event-10" {
		t.Fatalf("docs[0].String(name) = %q, %v, want event-10, true", name, ok)
	}
}
