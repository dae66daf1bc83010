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

// Package gzindex provides random-access reading of large
// append-only gzip-compressed JSON-Lines trace logs: it builds a
// sidecar index of line-aligned chunks and deflate checkpoints so
// that callers can decompress arbitrary uncompressed byte or line
// ranges of a .gz file without scanning from the start.
//
// The package never interprets record content itself; see the
// jsonline subpackage for the JSON-Lines-aware layer built on top
// of Reader.
package gzindex
