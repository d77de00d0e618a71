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

// Package doorbell wakes a peer process blocked on a channel.
//
// Each role owns one sequence word. Ringing a role increments its word and
// wakes waiters, a waiter sleeps while the word still holds the value it
// last observed. The same span records which roles are attached and their
// pids, so a waiter notices when its peer detaches or dies.
package doorbell

import (
	"context"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"mosn.io/transact/pkg/shm"
	"mosn.io/transact/pkg/types"
)

const (
	magic   uint64 = 0x4c4c45425854 // "TXBELL"
	version uint32 = 1

	// Size is the number of bytes a doorbell occupies.
	Size = 64

	DefaultPollInterval = 100 * time.Millisecond
)

// State is the attach state of one role.
type State uint32

const (
	StateNone State = iota
	StateAttached
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateAttached:
		return "attached"
	case StateDetached:
		return "detached"
	}
	return "unknown"
}

// header is the memory layout at the start of the doorbell span.
// This struct is never instantiated, only mapped.
type header struct {
	magic   uint64
	version uint32
	ready   uint32
	token   [16]byte
	ring    [types.RoleCount]uint32
	state   [types.RoleCount]uint32
	pid     [types.RoleCount]uint32
	_       [8]byte
}

type Doorbell struct {
	span *shm.ShmSpan
	hdr  *header
}

func mapHeader(span *shm.ShmSpan) (*header, error) {
	b, err := span.Alloc(Size)
	if err != nil {
		return nil, errors.Wrapf(types.ErrChannelUnavailable, "doorbell %s: %v", span.Name(), err)
	}
	return (*header)(unsafe.Pointer(&b[0])), nil
}

// Create lays out a fresh doorbell in span and publishes token.
func Create(span *shm.ShmSpan, token uuid.UUID) (*Doorbell, error) {
	hdr, err := mapHeader(span)
	if err != nil {
		return nil, err
	}
	*hdr = header{}
	hdr.magic = magic
	hdr.version = version
	copy(hdr.token[:], token[:])
	atomic.StoreUint32(&hdr.ready, 1)
	return &Doorbell{span: span, hdr: hdr}, nil
}

// Attach validates a doorbell made by Create against the expected token.
func Attach(span *shm.ShmSpan, token uuid.UUID) (*Doorbell, error) {
	hdr, err := mapHeader(span)
	if err != nil {
		return nil, err
	}
	if atomic.LoadUint32(&hdr.ready) != 1 {
		return nil, errors.Wrapf(types.ErrChannelUnavailable, "doorbell %s not ready", span.Name())
	}
	if hdr.magic != magic || hdr.version != version {
		return nil, errors.Wrapf(types.ErrChannelUnavailable, "doorbell %s: bad magic %#x or version %d", span.Name(), hdr.magic, hdr.version)
	}
	if uuid.UUID(hdr.token) != token {
		return nil, errors.Wrapf(types.ErrChannelUnavailable, "doorbell %s: token %s does not match %s", span.Name(), uuid.UUID(hdr.token), token)
	}
	return &Doorbell{span: span, hdr: hdr}, nil
}

func (d *Doorbell) Token() uuid.UUID {
	return uuid.UUID(d.hdr.token)
}

// Join records the calling process as attached under role.
func (d *Doorbell) Join(role types.Role) error {
	old := State(atomic.LoadUint32(&d.hdr.state[role]))
	if old == StateAttached && shm.Alive(atomic.LoadUint32(&d.hdr.pid[role])) {
		return errors.Wrapf(types.ErrChannelUnavailable, "role %s already attached by pid %d", role, d.hdr.pid[role])
	}
	atomic.StoreUint32(&d.hdr.pid[role], shm.Pid)
	atomic.StoreUint32(&d.hdr.state[role], uint32(StateAttached))
	d.Ring(role.Peer())
	return nil
}

// Leave marks role detached and rings the peer so a blocked wait returns.
func (d *Doorbell) Leave(role types.Role) {
	atomic.StoreUint32(&d.hdr.state[role], uint32(StateDetached))
	d.Ring(role.Peer())
}

func (d *Doorbell) State(role types.Role) State {
	return State(atomic.LoadUint32(&d.hdr.state[role]))
}

func (d *Doorbell) Pid(role types.Role) uint32 {
	return atomic.LoadUint32(&d.hdr.pid[role])
}

// Alive reports whether role is attached or has not attached yet.
// A detached role, or an attached one whose process is gone, is not alive.
func (d *Doorbell) Alive(role types.Role) bool {
	switch d.State(role) {
	case StateNone:
		return true
	case StateAttached:
		return shm.Alive(d.Pid(role))
	}
	return false
}

// Seq is the current sequence of role's bell. Read it before checking for
// work, then pass it to Wait.
func (d *Doorbell) Seq(role types.Role) uint32 {
	return atomic.LoadUint32(&d.hdr.ring[role])
}

// Ring wakes whoever waits as role.
func (d *Doorbell) Ring(to types.Role) error {
	atomic.AddUint32(&d.hdr.ring[to], 1)
	return futexWake(&d.hdr.ring[to])
}

// Wait blocks self until its sequence moves past seen. Between futex slices
// of at most poll it checks ctx and the liveness of the peer.
// It returns nil when rung, ctx.Err() when ctx ends, and types.ErrPeerClosed
// when the peer detached or died.
func (d *Doorbell) Wait(ctx context.Context, self types.Role, seen uint32, poll time.Duration) error {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	addr := &d.hdr.ring[self]
	for {
		if atomic.LoadUint32(addr) != seen {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Alive(self.Peer()) {
			return errors.Wrapf(types.ErrPeerClosed, "%s is %s (pid %d)", self.Peer(), d.State(self.Peer()), d.Pid(self.Peer()))
		}

		slice := poll
		if deadline, ok := ctx.Deadline(); ok {
			if left := time.Until(deadline); left < slice {
				slice = left
			}
		}
		if slice <= 0 {
			continue
		}
		if err := futexWait(addr, seen, slice); err != nil {
			return err
		}
	}
}
