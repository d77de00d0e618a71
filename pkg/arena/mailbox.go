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

package arena

import (
	"github.com/pkg/errors"

	"mosn.io/transact/pkg/log"
	"mosn.io/transact/pkg/types"
)

// Transfer hands ext to role to: it becomes in flight with used valid bytes
// and message id, and a descriptor is posted to the mailbox of to.
// With keep set the receiver's Release returns the extent to its origin
// instead of freeing it. On error the extent stays allocated to the sender.
func (a *Arena) Transfer(ext *Extent, id types.MessageID, to types.Role, used int, keep bool) error {
	a.lock()
	defer a.unlock()

	e := a.lookup(ext.off, ext.gen)
	if e == nil {
		return errors.Wrapf(types.ErrBufferClosed, "extent at %d generation %d is gone", ext.off, ext.gen)
	}
	if ExtentState(e.state) != StateAllocated || e.owner != roleTag(to.Peer()) {
		return errors.Wrapf(types.ErrBufferClosed, "extent at %d is %s, owner tag %d, not held by %s", ext.off, ExtentState(e.state), e.owner, to.Peer())
	}
	if used < 0 || uint64(used) > e.size {
		return errors.Wrapf(types.ErrBufferOverrun, "%d valid bytes in a %d byte extent", used, e.size)
	}

	box := a.boxes[to]
	idx := -1
	for i := range box {
		if box[i].seq == 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errors.Wrapf(types.ErrMailboxFull, "%d messages pending for %s", MailboxSlots, to)
	}

	e.state = uint32(StateInFlight)
	e.used = uint64(used)
	e.msgid = uint32(id)
	e.origin = roleTag(to.Peer())
	e.owner = roleTag(to)
	e.flags = 0
	if keep {
		e.flags |= flagKeep
	}

	a.hdr.seq++
	box[idx] = slot{
		seq:        a.hdr.seq,
		offset:     ext.off,
		generation: ext.gen,
		msgid:      uint32(id),
	}
	a.addStat(SentStat(to.Peer()), 1)

	if log.DefaultLogger.GetLogLevel() >= log.DEBUG {
		log.DefaultLogger.Debugf("[arena] [transfer] %s -> %s: message %d, %d bytes at %d, keep %v, seq %d", to.Peer(), to, id, used, ext.off, keep, a.hdr.seq)
	}
	return nil
}

// Receive claims the oldest message pending for self whose id satisfies
// match, nil matching everything. It returns nil when nothing is pending.
// A claimed extent is allocated to self until released.
func (a *Arena) Receive(self types.Role, match func(types.MessageID) bool) (*Extent, error) {
	a.lock()
	defer a.unlock()

	box := a.boxes[self]
	for {
		idx := -1
		for i := range box {
			s := &box[i]
			if s.seq == 0 || (match != nil && !match(types.MessageID(s.msgid))) {
				continue
			}
			if idx < 0 || s.seq < box[idx].seq {
				idx = i
			}
		}
		if idx < 0 {
			return nil, nil
		}

		s := box[idx]
		box[idx] = slot{}
		e := a.lookup(s.offset, s.generation)
		if e == nil || ExtentState(e.state) != StateInFlight || e.owner != roleTag(self) {
			log.DefaultLogger.Warnf("[arena] [receive] %s: dropping stale descriptor for message %d at %d", self, s.msgid, s.offset)
			continue
		}

		e.state = uint32(StateAllocated)
		a.addStat(ReceivedStat(self), 1)
		if log.DefaultLogger.GetLogLevel() >= log.DEBUG {
			log.DefaultLogger.Debugf("[arena] [receive] %s: message %d, %d bytes at %d, seq %d", self, s.msgid, e.used, s.offset, s.seq)
		}
		return &Extent{a: a, off: s.offset, gen: s.generation}, nil
	}
}

// Pending counts the messages waiting in the mailbox of role.
func (a *Arena) Pending(role types.Role) int {
	a.lock()
	defer a.unlock()

	n := 0
	for _, s := range a.boxes[role] {
		if s.seq != 0 {
			n++
		}
	}
	return n
}

// Release ends self's claim on a received extent. A kept extent goes back
// to its origin, anything else is freed. Releasing a stale handle does nothing.
func (a *Arena) Release(ext *Extent, self types.Role) {
	if ext == nil {
		return
	}
	a.lock()
	defer a.unlock()

	e := a.lookup(ext.off, ext.gen)
	if e == nil {
		return
	}
	if e.flags&flagKeep != 0 && e.origin != 0 && e.origin != roleTag(self) && ExtentState(e.state) == StateAllocated {
		e.owner = e.origin
		e.flags &^= flagKeep
		if log.DefaultLogger.GetLogLevel() >= log.DEBUG {
			log.DefaultLogger.Debugf("[arena] [release] %s: extent at %d returned to origin tag %d", self, ext.off, e.origin)
		}
		return
	}
	a.freeLocked(ext.off)
}

// Reopen makes a kept extent writable again for its origin. It fails with
// types.ErrBufferClosed while the peer still holds it.
func (a *Arena) Reopen(ext *Extent, self types.Role) error {
	a.lock()
	defer a.unlock()

	e := a.lookup(ext.off, ext.gen)
	if e == nil {
		return errors.Wrapf(types.ErrBufferClosed, "extent at %d generation %d is gone", ext.off, ext.gen)
	}
	if ExtentState(e.state) != StateAllocated || e.owner != roleTag(self) {
		return errors.Wrapf(types.ErrBufferClosed, "extent at %d is %s and not yet returned to %s", ext.off, ExtentState(e.state), self)
	}
	e.used = 0
	e.flags = 0
	return nil
}

// Abandon gives up self's interest in ext. An extent self holds is freed.
// One self sent with keep, still held by the peer, loses the keep flag so
// the peer's Release frees it.
func (a *Arena) Abandon(ext *Extent, self types.Role) {
	if ext == nil {
		return
	}
	a.lock()
	defer a.unlock()

	e := a.lookup(ext.off, ext.gen)
	if e == nil {
		return
	}
	if ExtentState(e.state) == StateAllocated && e.owner == roleTag(self) {
		a.freeLocked(ext.off)
		return
	}
	if e.origin == roleTag(self) {
		e.flags &^= flagKeep
	}
}
