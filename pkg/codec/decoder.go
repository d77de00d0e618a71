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

// Decoder reads scalars from the first valid bytes of a buffer.
type Decoder struct {
	cur *Cursor
	r   byteio.LittleEndianReader
}

// NewDecoder returns a decoder bounded by valid, which may be shorter than buf.
func NewDecoder(buf []byte, valid int) *Decoder {
	cur := NewCursor(buf, valid)
	return &Decoder{
		cur: cur,
		r:   byteio.LittleEndianReader{Reader: cur},
	}
}

func (d *Decoder) Cursor() *Cursor {
	return d.cur
}

// Remaining is the number of unread valid bytes.
func (d *Decoder) Remaining() int {
	return d.cur.Remaining()
}

func (d *Decoder) ReadInt8() (int8, error) {
	v, _, err := d.r.ReadInt8()
	return v, err
}

func (d *Decoder) ReadInt16() (int16, error) {
	v, _, err := d.r.ReadInt16()
	return v, err
}

func (d *Decoder) ReadInt32() (int32, error) {
	v, _, err := d.r.ReadInt32()
	return v, err
}

func (d *Decoder) ReadInt64() (int64, error) {
	v, _, err := d.r.ReadInt64()
	return v, err
}

func (d *Decoder) ReadUint8() (uint8, error) {
	v, _, err := d.r.ReadUint8()
	return v, err
}

func (d *Decoder) ReadUint16() (uint16, error) {
	v, _, err := d.r.ReadUint16()
	return v, err
}

func (d *Decoder) ReadUint32() (uint32, error) {
	v, _, err := d.r.ReadUint32()
	return v, err
}

func (d *Decoder) ReadUint64() (uint64, error) {
	v, _, err := d.r.ReadUint64()
	return v, err
}

// ReadBool decodes any nonzero byte as true.
func (d *Decoder) ReadBool() (bool, error) {
	b, err := d.ReadUint8()
	return b != 0, err
}

func (d *Decoder) ReadFloat32() (float32, error) {
	v, _, err := d.r.ReadFloat32()
	return v, err
}

func (d *Decoder) ReadFloat64() (float64, error) {
	v, _, err := d.r.ReadFloat64()
	return v, err
}

// ReadInt32Range reads 4 bytes and checks them against [min, max].
// On types.ErrOutOfRange the cursor is rewound to where it was.
func (d *Decoder) ReadInt32Range(min, max int32) (int32, error) {
	pos := d.cur.Pos()
	v, err := d.ReadInt32()
	if err != nil {
		return 0, err
	}
	if v < min || v > max {
		d.cur.Seek(pos)
		return 0, errors.Wrapf(types.ErrOutOfRange, "%d outside [%d, %d]", v, min, max)
	}
	return v, nil
}

func (d *Decoder) ReadInt64Range(min, max int64) (int64, error) {
	pos := d.cur.Pos()
	v, err := d.ReadInt64()
	if err != nil {
		return 0, err
	}
	if v < min || v > max {
		d.cur.Seek(pos)
		return 0, errors.Wrapf(types.ErrOutOfRange, "%d outside [%d, %d]", v, min, max)
	}
	return v, nil
}

// ReadBytes returns the next n bytes as a view into the buffer, no copy is made.
// The view is only valid while the owning buffer is.
func (d *Decoder) ReadBytes(n int) ([]byte, error) {
	return d.cur.Next(n)
}
