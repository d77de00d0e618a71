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

//go:build linux || darwin

package channel

import (
	"github.com/pkg/errors"

	"mosn.io/transact/pkg/arena"
	"mosn.io/transact/pkg/codec"
	"mosn.io/transact/pkg/types"
)

// Mode is the state of a Message handle.
type Mode int

const (
	// ModeWriting is a message being built by its producer.
	ModeWriting Mode = iota
	// ModeSent is a message handed to the peer, it refuses reads and writes.
	ModeSent
	// ModeReading is a received message.
	ModeReading
	// ModeReleased is a handle given up by Release or Detach.
	ModeReleased
)

func (m Mode) String() string {
	switch m {
	case ModeWriting:
		return "writing"
	case ModeSent:
		return "sent"
	case ModeReading:
		return "reading"
	case ModeReleased:
		return "released"
	}
	return "unknown"
}

// Message is a cursor over one extent of the arena. A message is either
// open for writing, before it is sent, or open for reading, after it is
// received, never both.
//
// Payload bytes live in shared memory. Release, or Detach, must run on every
// path once the message is no longer needed.
type Message struct {
	ch   *Channel
	id   types.MessageID
	ext  *arena.Extent
	mode Mode
	kept bool
	size int

	enc *codec.Encoder
	dec *codec.Decoder
}

func newWriteMessage(ch *Channel, id types.MessageID, ext *arena.Extent) *Message {
	ch.handles.Inc()
	return &Message{
		ch:   ch,
		id:   id,
		ext:  ext,
		mode: ModeWriting,
		size: ext.Size(),
		enc:  codec.NewEncoder(ext.Payload()),
	}
}

func newReadMessage(ch *Channel, ext *arena.Extent) *Message {
	ch.handles.Inc()
	return &Message{
		ch:   ch,
		id:   ext.ID(),
		ext:  ext,
		mode: ModeReading,
		size: ext.Size(),
		dec:  codec.NewDecoder(ext.Payload(), ext.Used()),
	}
}

func (m *Message) ID() types.MessageID {
	return m.id
}

func (m *Message) Mode() Mode {
	return m.mode
}

// Len is the number of bytes written so far, or the number of valid bytes
// of a received message.
func (m *Message) Len() int {
	switch m.mode {
	case ModeWriting:
		return m.enc.Len()
	case ModeReading:
		return m.dec.Cursor().Len()
	}
	return 0
}

// Cap is the number of bytes allocated for the message.
func (m *Message) Cap() int {
	return m.size
}

// Remaining is the room left for writes, or the bytes left to read.
func (m *Message) Remaining() int {
	switch m.mode {
	case ModeWriting:
		return m.enc.Cursor().Remaining()
	case ModeReading:
		return m.dec.Remaining()
	}
	return 0
}

func (m *Message) sent(keep bool) {
	m.mode = ModeSent
	m.kept = keep
	m.enc = nil
	if !keep {
		// the peer frees it
		m.ext = nil
		m.ch.handles.Dec()
	}
}

func (m *Message) writing() error {
	if err := m.ch.enter(); err != nil {
		return err
	}
	if m.mode != ModeWriting {
		m.ch.exit()
		return errors.Wrapf(types.ErrBufferClosed, "write to message %d while %s", m.id, m.mode)
	}
	return nil
}

func (m *Message) reading() error {
	if err := m.ch.enter(); err != nil {
		return err
	}
	if m.mode != ModeReading {
		m.ch.exit()
		return errors.Wrapf(types.ErrBufferClosed, "read from message %d while %s", m.id, m.mode)
	}
	return nil
}

func (m *Message) write(fn func(*codec.Encoder) error) error {
	if err := m.writing(); err != nil {
		return err
	}
	defer m.ch.exit()
	return fn(m.enc)
}

func (m *Message) WriteInt8(v int8) error {
	return m.write(func(e *codec.Encoder) error { return e.WriteInt8(v) })
}

func (m *Message) WriteInt16(v int16) error {
	return m.write(func(e *codec.Encoder) error { return e.WriteInt16(v) })
}

func (m *Message) WriteInt32(v int32) error {
	return m.write(func(e *codec.Encoder) error { return e.WriteInt32(v) })
}

func (m *Message) WriteInt64(v int64) error {
	return m.write(func(e *codec.Encoder) error { return e.WriteInt64(v) })
}

func (m *Message) WriteUint8(v uint8) error {
	return m.write(func(e *codec.Encoder) error { return e.WriteUint8(v) })
}

func (m *Message) WriteUint16(v uint16) error {
	return m.write(func(e *codec.Encoder) error { return e.WriteUint16(v) })
}

func (m *Message) WriteUint32(v uint32) error {
	return m.write(func(e *codec.Encoder) error { return e.WriteUint32(v) })
}

func (m *Message) WriteUint64(v uint64) error {
	return m.write(func(e *codec.Encoder) error { return e.WriteUint64(v) })
}

func (m *Message) WriteBool(v bool) error {
	return m.write(func(e *codec.Encoder) error { return e.WriteBool(v) })
}

func (m *Message) WriteFloat32(v float32) error {
	return m.write(func(e *codec.Encoder) error { return e.WriteFloat32(v) })
}

func (m *Message) WriteFloat64(v float64) error {
	return m.write(func(e *codec.Encoder) error { return e.WriteFloat64(v) })
}

// WriteInt32Range writes v only if it lies in [min, max].
func (m *Message) WriteInt32Range(v, min, max int32) error {
	return m.write(func(e *codec.Encoder) error { return e.WriteInt32Range(v, min, max) })
}

// WriteInt64Range writes v only if it lies in [min, max].
func (m *Message) WriteInt64Range(v, min, max int64) error {
	return m.write(func(e *codec.Encoder) error { return e.WriteInt64Range(v, min, max) })
}

// WriteBytes copies p into the message.
func (m *Message) WriteBytes(p []byte) error {
	return m.write(func(e *codec.Encoder) error { return e.WriteBytes(p) })
}

func (m *Message) ReadInt8() (v int8, err error) {
	if err = m.reading(); err != nil {
		return
	}
	defer m.ch.exit()
	return m.dec.ReadInt8()
}

func (m *Message) ReadInt16() (v int16, err error) {
	if err = m.reading(); err != nil {
		return
	}
	defer m.ch.exit()
	return m.dec.ReadInt16()
}

func (m *Message) ReadInt32() (v int32, err error) {
	if err = m.reading(); err != nil {
		return
	}
	defer m.ch.exit()
	return m.dec.ReadInt32()
}

func (m *Message) ReadInt64() (v int64, err error) {
	if err = m.reading(); err != nil {
		return
	}
	defer m.ch.exit()
	return m.dec.ReadInt64()
}

func (m *Message) ReadUint8() (v uint8, err error) {
	if err = m.reading(); err != nil {
		return
	}
	defer m.ch.exit()
	return m.dec.ReadUint8()
}

func (m *Message) ReadUint16() (v uint16, err error) {
	if err = m.reading(); err != nil {
		return
	}
	defer m.ch.exit()
	return m.dec.ReadUint16()
}

func (m *Message) ReadUint32() (v uint32, err error) {
	if err = m.reading(); err != nil {
		return
	}
	defer m.ch.exit()
	return m.dec.ReadUint32()
}

func (m *Message) ReadUint64() (v uint64, err error) {
	if err = m.reading(); err != nil {
		return
	}
	defer m.ch.exit()
	return m.dec.ReadUint64()
}

func (m *Message) ReadBool() (v bool, err error) {
	if err = m.reading(); err != nil {
		return
	}
	defer m.ch.exit()
	return m.dec.ReadBool()
}

func (m *Message) ReadFloat32() (v float32, err error) {
	if err = m.reading(); err != nil {
		return
	}
	defer m.ch.exit()
	return m.dec.ReadFloat32()
}

func (m *Message) ReadFloat64() (v float64, err error) {
	if err = m.reading(); err != nil {
		return
	}
	defer m.ch.exit()
	return m.dec.ReadFloat64()
}

// ReadInt32Range reads a value that must lie in [min, max]. On
// types.ErrOutOfRange nothing is consumed.
func (m *Message) ReadInt32Range(min, max int32) (v int32, err error) {
	if err = m.reading(); err != nil {
		return
	}
	defer m.ch.exit()
	return m.dec.ReadInt32Range(min, max)
}

// ReadInt64Range reads a value that must lie in [min, max]. On
// types.ErrOutOfRange nothing is consumed.
func (m *Message) ReadInt64Range(min, max int64) (v int64, err error) {
	if err = m.reading(); err != nil {
		return
	}
	defer m.ch.exit()
	return m.dec.ReadInt64Range(min, max)
}

// ReadBytes returns the next n bytes without copying. The slice aliases
// shared memory and must not be used after Release.
func (m *Message) ReadBytes(n int) (p []byte, err error) {
	if err = m.reading(); err != nil {
		return
	}
	defer m.ch.exit()
	return m.dec.ReadBytes(n)
}

// Reset makes the message writable again from the start. A message being
// written is rewound. A message sent with CallNoFree is reopened once the
// peer has released it, until then it fails with types.ErrBufferClosed.
func (m *Message) Reset() error {
	if err := m.ch.enter(); err != nil {
		return err
	}
	defer m.ch.exit()

	switch {
	case m.mode == ModeWriting:
	case m.mode == ModeSent && m.kept:
		if err := m.ch.arena.Reopen(m.ext, m.ch.role); err != nil {
			return err
		}
		m.kept = false
		m.mode = ModeWriting
	default:
		return errors.Wrapf(types.ErrBufferClosed, "reset message %d while %s", m.id, m.mode)
	}
	m.enc = codec.NewEncoder(m.ext.Payload())
	return nil
}

// Release gives the extent up. A message never sent, or a received one, is
// freed, a received message sent with CallNoFree goes back to its sender.
// For a kept message still held by the peer, the peer's release frees it.
// Releasing twice does nothing.
func (m *Message) Release() {
	if m.mode == ModeReleased {
		return
	}
	if m.ch.enter() == nil {
		switch m.mode {
		case ModeWriting:
			m.ch.arena.Free(m.ext)
		case ModeSent:
			if m.kept {
				m.ch.arena.Abandon(m.ext, m.ch.role)
			}
		case ModeReading:
			m.ch.arena.Release(m.ext, m.ch.role)
		}
		m.ch.exit()
	}
	m.finish()
}

// Detach gives up the handle and leaves the extent as it is, for Reclaim
// or the peer to deal with.
func (m *Message) Detach() {
	if m.mode == ModeReleased {
		return
	}
	m.finish()
}

func (m *Message) finish() {
	if m.ext != nil {
		m.ch.handles.Dec()
	}
	m.mode = ModeReleased
	m.ext = nil
	m.enc = nil
	m.dec = nil
}
