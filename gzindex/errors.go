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

import "fmt"

// Kind classifies the errors this package returns, mirroring the
// taxonomy in spec.md §7 so callers can branch with errors.Is
// without string-matching messages.
type Kind int

const (
	_ Kind = iota
	InvalidArgument
	FileIO
	IndexCorrupt
	SourceChanged
	Compression
	Initialization
)

// Error lets a bare Kind value serve as an errors.Is target, e.g.
// errors.Is(err, gzindex.InvalidArgument).
func (k Kind) Error() string { return k.String() }

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid argument"
	case FileIO:
		return "file i/o"
	case IndexCorrupt:
		return "index corrupt"
	case SourceChanged:
		return "source changed"
	case Compression:
		return "compression"
	case Initialization:
		return "initialization"
	default:
		return "unknown"
	}
}

// Error is the error type returned from every exported operation
// in this package. Path and Range are included when relevant, per
// spec.md §7's "user-visible behavior" requirement.
type Error struct {
	Kind  Kind
	Op    string
	Path  string
	Start int64
	End   int64
	Err   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("gzindex: %s: %s", e.Op, e.Kind)
	if e.Path != "" {
		msg += fmt.Sprintf(" (path=%s)", e.Path)
	}
	if e.End != 0 || e.Start != 0 {
		msg += fmt.Sprintf(" [%d,%d)", e.Start, e.End)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, SomeKind) by matching on Kind; see the
// Kind constants' use as sentinels below.
func (e *Error) Is(target error) bool {
	if k, ok := target.(Kind); ok {
		return e.Kind == k
	}
	return false
}

func errf(kind Kind, op, path string, err error) error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

func rangeErr(kind Kind, op, path string, start, end int64, err error) error {
	return &Error{Kind: kind, Op: op, Path: path, Start: start, End: end, Err: err}
}
