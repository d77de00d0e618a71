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

package codec

import (
	"github.com/pkg/errors"
	"vimagination.zapto.org/byteio"

	"mosn.io/transact/pkg/types"
)

// Encoder writes scalars at the cursor position.
type Encoder struct {
	cur *Cursor
	w   byteio.LittleEndianWriter
}

// NewEncoder returns an encoder that may fill all of buf.
func NewEncoder(buf []byte) *Encoder {
	cur := NewCursor(buf, len(buf))
	return &Encoder{
		cur: cur,
		w:   byteio.LittleEndianWriter{Writer: cur},
	}
}

// Cursor exposes the underlying position.
func (e *Encoder) Cursor() *Cursor {
	return e.cur
}

// Len is the number of bytes written so far.
func (e *Encoder) Len() int {
	return e.cur.Pos()
}

func (e *Encoder) WriteInt8(v int8) error {
	_, err := e.w.WriteInt8(v)
	return err
}

func (e *Encoder) WriteInt16(v int16) error {
	_, err := e.w.WriteInt16(v)
	return err
}

func (e *Encoder) WriteInt32(v int32) error {
	_, err := e.w.WriteInt32(v)
	return err
}

func (e *Encoder) WriteInt64(v int64) error {
	_, err := e.w.WriteInt64(v)
	return err
}

func (e *Encoder) WriteUint8(v uint8) error {
	_, err := e.w.WriteUint8(v)
	return err
}

func (e *Encoder) WriteUint16(v uint16) error {
	_, err := e.w.WriteUint16(v)
	return err
}

func (e *Encoder) WriteUint32(v uint32) error {
	_, err := e.w.WriteUint32(v)
	return err
}

func (e *Encoder) WriteUint64(v uint64) error {
	_, err := e.w.WriteUint64(v)
	return err
}

// WriteBool stores 1 for true and 0 for false.
func (e *Encoder) WriteBool(v bool) error {
	var b uint8
	if v {
		b = 1
	}
	return e.WriteUint8(b)
}

func (e *Encoder) WriteFloat32(v float32) error {
	_, err := e.w.WriteFloat32(v)
	return err
}

func (e *Encoder) WriteFloat64(v float64) error {
	_, err := e.w.WriteFloat64(v)
	return err
}

// WriteInt32Range writes v as 4 bytes if min <= v <= max.
// Otherwise nothing is written and types.ErrOutOfRange is returned.
func (e *Encoder) WriteInt32Range(v, min, max int32) error {
	if v < min || v > max {
		return errors.Wrapf(types.ErrOutOfRange, "%d outside [%d, %d]", v, min, max)
	}
	return e.WriteInt32(v)
}

// WriteInt64Range is WriteInt32Range for 8-byte values.
func (e *Encoder) WriteInt64Range(v, min, max int64) error {
	if v < min || v > max {
		return errors.Wrapf(types.ErrOutOfRange, "%d outside [%d, %d]", v, min, max)
	}
	return e.WriteInt64(v)
}

// WriteBytes copies p verbatim. The length is not recorded.
func (e *Encoder) WriteBytes(p []byte) error {
	_, err := e.cur.Write(p)
	return err
}
