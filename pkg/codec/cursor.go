/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package codec encodes fixed-width scalars into a bounded byte window.
//
// The wire format is little-endian on every host: both peers share nothing
// but memory layout, so the byte order must not depend on the architecture.
// Integers are stored in their natural width, booleans as one byte (0 or 1,
// any nonzero byte decodes as true), floats as the IEEE-754 bit pattern of
// the same-width integer.
package codec

import (
	"io"

	"github.com/pkg/errors"

	"mosn.io/transact/pkg/types"
)

// Cursor is a position inside the window buf[:end].
// Read and Write are all-or-nothing: a request that does not fit returns
// types.ErrBufferOverrun and leaves the position where it was.
type Cursor struct {
	buf []byte
	pos int
	end int
}

var (
	_ io.Reader = (*Cursor)(nil)
	_ io.Writer = (*Cursor)(nil)
)

// NewCursor returns a cursor over buf[:end]. end is clamped to len(buf).
func NewCursor(buf []byte, end int) *Cursor {
	if end < 0 || end > len(buf) {
		end = len(buf)
	}
	return &Cursor{buf: buf, end: end}
}

func (c *Cursor) Write(p []byte) (int, error) {
	if len(p) > c.end-c.pos {
		return 0, errors.Wrapf(types.ErrBufferOverrun, "write %d bytes at %d, bound %d", len(p), c.pos, c.end)
	}
	n := copy(c.buf[c.pos:c.end], p)
	c.pos += n
	return n, nil
}

func (c *Cursor) Read(p []byte) (int, error) {
	if len(p) > c.end-c.pos {
		return 0, errors.Wrapf(types.ErrBufferOverrun, "read %d bytes at %d, bound %d", len(p), c.pos, c.end)
	}
	n := copy(p, c.buf[c.pos:c.end])
	c.pos += n
	return n, nil
}

// Next returns the next n bytes without copying and advances past them.
func (c *Cursor) Next(n int) ([]byte, error) {
	if n < 0 || n > c.end-c.pos {
		return nil, errors.Wrapf(types.ErrBufferOverrun, "take %d bytes at %d, bound %d", n, c.pos, c.end)
	}
	b := c.buf[c.pos : c.pos+n : c.pos+n]
	c.pos += n
	return b, nil
}

// Pos is the number of bytes consumed or produced so far.
func (c *Cursor) Pos() int {
	return c.pos
}

// Len is the bound of the window.
func (c *Cursor) Len() int {
	return c.end
}

func (c *Cursor) Remaining() int {
	return c.end - c.pos
}

// Seek moves the cursor to an absolute position inside the window.
func (c *Cursor) Seek(pos int) error {
	if pos < 0 || pos > c.end {
		return errors.Wrapf(types.ErrBufferOverrun, "seek to %d, bound %d", pos, c.end)
	}
	c.pos = pos
	return nil
}
