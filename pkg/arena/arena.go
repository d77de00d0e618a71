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

// Package arena allocates message extents inside a shared memory segment.
//
// All allocator state lives in the segment: a fixed header, one mailbox per
// receiving role and a chain of extents that partition the rest. Metadata is
// only mutated under a lock word in the header that holds the pid of its
// holder, so either process can allocate, free and pass extents, and a lock
// left behind by a dead process is taken over. A process that dies mid
// transaction can leak extents but cannot corrupt the chain. Freeing is
// idempotent and Reclaim frees everything a departed role left behind.
package arena

import (
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"mosn.io/transact/pkg/log"
	"mosn.io/transact/pkg/shm"
	"mosn.io/transact/pkg/types"
)

// Arena is one process's view of the allocator in a mapped segment.
type Arena struct {
	span  *shm.ShmSpan
	hdr   *header
	boxes [types.RoleCount]*mailbox
	area  []byte
}

// MinSegmentSize is the smallest segment that holds one empty extent.
const MinSegmentSize = Overhead + 2*BlockSize

func carve(span *shm.ShmSpan) (*Arena, error) {
	if span.Size() < MinSegmentSize {
		return nil, errors.Wrapf(types.ErrChannelUnavailable, "segment %s of %d bytes is below %d", span.Name(), span.Size(), MinSegmentSize)
	}
	a := &Arena{span: span}

	hb, err := span.Alloc(HeaderSize)
	if err != nil {
		return nil, errors.Wrapf(types.ErrChannelUnavailable, "carve header: %v", err)
	}
	a.hdr = (*header)(unsafe.Pointer(&hb[0]))

	for r := range a.boxes {
		mb, err := span.Alloc(mailboxSize)
		if err != nil {
			return nil, errors.Wrapf(types.ErrChannelUnavailable, "carve mailbox: %v", err)
		}
		a.boxes[r] = (*mailbox)(unsafe.Pointer(&mb[0]))
	}

	rest := span.Rest()
	a.area = rest[: len(rest)&^(BlockSize-1) : len(rest)&^(BlockSize-1)]
	return a, nil
}

// Format initializes a zero filled segment as one free extent and publishes
// token for the acceptor to verify.
func Format(span *shm.ShmSpan, token uuid.UUID) (*Arena, error) {
	a, err := carve(span)
	if err != nil {
		return nil, err
	}

	*a.hdr = header{}
	for _, b := range a.boxes {
		*b = mailbox{}
	}
	a.hdr.magic = segmentMagic
	a.hdr.version = segmentVersion
	a.hdr.totalSize = uint64(span.Size())
	a.hdr.arenaOff = uint64(Overhead)
	a.hdr.arenaSize = uint64(len(a.area))
	copy(a.hdr.token[:], token[:])

	e := a.at(0)
	*e = extentHeader{
		magic:  extentMagic,
		state:  uint32(StateFree),
		length: uint64(len(a.area)),
	}

	atomic.StoreUint32(&a.hdr.ready, 1)
	log.DefaultLogger.Infof("[arena] [format] segment %s: %d bytes, %d bytes of extents, token %s", span.Name(), span.Size(), len(a.area), token)
	return a, nil
}

// Attach maps the allocator of a segment formatted by another process.
func Attach(span *shm.ShmSpan) (*Arena, error) {
	a, err := carve(span)
	if err != nil {
		return nil, err
	}
	if atomic.LoadUint32(&a.hdr.ready) != 1 {
		return nil, errors.Wrapf(types.ErrChannelUnavailable, "segment %s is not formatted", span.Name())
	}
	if a.hdr.magic != segmentMagic || a.hdr.version != segmentVersion {
		return nil, errors.Wrapf(types.ErrChannelUnavailable, "segment %s: bad magic %#x or version %d", span.Name(), a.hdr.magic, a.hdr.version)
	}
	if a.hdr.totalSize != uint64(span.Size()) || a.hdr.arenaOff != Overhead || a.hdr.arenaSize != uint64(len(a.area)) {
		return nil, errors.Wrapf(types.ErrChannelUnavailable, "segment %s: layout %d/%d/%d does not match mapping of %d bytes",
			span.Name(), a.hdr.totalSize, a.hdr.arenaOff, a.hdr.arenaSize, span.Size())
	}
	return a, nil
}

func (a *Arena) Token() uuid.UUID {
	return uuid.UUID(a.hdr.token)
}

// Capacity is the size of the extent area, metadata excluded.
func (a *Arena) Capacity() uint64 {
	return uint64(len(a.area))
}

// StatWord exposes a shared statistics word for lock free counters.
func (a *Arena) StatWord(s Stat) *int64 {
	return &a.hdr.stats[s]
}

func (a *Arena) addStat(s Stat, n int64) {
	atomic.AddInt64(&a.hdr.stats[s], n)
}

func (a *Arena) at(off uint64) *extentHeader {
	return (*extentHeader)(unsafe.Pointer(&a.area[off]))
}

// lock spins on the header lock word. A holder that no longer exists is
// replaced. There is no timeout, critical sections are short.
func (a *Arena) lock() {
	for spins := 0; ; spins++ {
		if atomic.CompareAndSwapUint32(&a.hdr.lock, 0, shm.Pid) {
			return
		}
		if spins < 64 {
			runtime.Gosched()
			continue
		}
		holder := atomic.LoadUint32(&a.hdr.lock)
		if holder != 0 && holder != shm.Pid && !shm.Alive(holder) {
			if atomic.CompareAndSwapUint32(&a.hdr.lock, holder, shm.Pid) {
				a.addStat(StatLockSteals, 1)
				log.DefaultLogger.Alertf(log.AlertLockStolen, "[arena] [lock] took over lock of dead pid %d", holder)
				return
			}
		}
		time.Sleep(50 * time.Microsecond)
		spins = 0
	}
}

func (a *Arena) unlock() {
	atomic.StoreUint32(&a.hdr.lock, 0)
}

// next returns the offset after e, or the area size.
func (a *Arena) next(off uint64, e *extentHeader) uint64 {
	return off + e.length
}

// validate checks the extent header at off against the chain invariants.
func (a *Arena) validate(off, prevLength uint64) (*extentHeader, error) {
	size := uint64(len(a.area))
	if off%BlockSize != 0 || off+extentHeaderSize > size {
		return nil, errors.Wrapf(types.ErrArenaCorrupt, "extent offset %d outside area of %d", off, size)
	}
	e := a.at(off)
	if e.magic != extentMagic {
		return nil, errors.Wrapf(types.ErrArenaCorrupt, "extent at %d: bad magic %#x", off, e.magic)
	}
	if e.length < BlockSize || e.length%BlockSize != 0 || off+e.length > size {
		return nil, errors.Wrapf(types.ErrArenaCorrupt, "extent at %d: bad length %d", off, e.length)
	}
	if e.prevLength != prevLength {
		return nil, errors.Wrapf(types.ErrArenaCorrupt, "extent at %d: previous length %d, chain says %d", off, e.prevLength, prevLength)
	}
	switch ExtentState(e.state) {
	case StateFree, StateAllocated, StateInFlight:
	default:
		return nil, errors.Wrapf(types.ErrArenaCorrupt, "extent at %d: bad state %d", off, e.state)
	}
	return e, nil
}

// walk visits every extent in address order. Must hold the lock.
func (a *Arena) walk(fn func(off uint64, e *extentHeader) bool) error {
	var prev uint64
	for off := uint64(0); off < uint64(len(a.area)); {
		e, err := a.validate(off, prev)
		if err != nil {
			log.DefaultLogger.Alertf(log.AlertArenaCorrupt, "[arena] [walk] %v", err)
			return err
		}
		prev = e.length
		next := a.next(off, e)
		if !fn(off, e) {
			return nil
		}
		off = next
	}
	return nil
}

// lookup resolves a handle. It returns nil when the extent was freed and
// possibly reused since the handle was taken.
func (a *Arena) lookup(off, gen uint64) *extentHeader {
	if off%BlockSize != 0 || off+extentHeaderSize > uint64(len(a.area)) {
		return nil
	}
	e := a.at(off)
	if e.magic != extentMagic || e.generation != gen || ExtentState(e.state) == StateFree {
		return nil
	}
	return e
}

func (a *Arena) setPrevLength(off, length uint64) {
	if off < uint64(len(a.area)) {
		a.at(off).prevLength = length
	}
}

// Allocate reserves an extent with at least n payload bytes for owner and
// tags it with id. The search is first fit, a miss coalesces the whole area
// and searches again. On types.ErrArenaExhausted nothing has changed except
// the merging of adjacent free extents.
func (a *Arena) Allocate(owner types.Role, id types.MessageID, n int) (*Extent, error) {
	if n < 0 {
		return nil, errors.Errorf("negative allocation size %d", n)
	}
	need := alignUp(uint64(n) + extentHeaderSize)
	if need > uint64(len(a.area)) {
		a.addStat(StatAllocFailures, 1)
		return nil, errors.Wrapf(types.ErrArenaExhausted, "%d bytes exceed capacity %d", n, len(a.area))
	}

	a.lock()
	defer a.unlock()

	off, ok, err := a.firstFit(need)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := a.coalesceAll(); err != nil {
			return nil, err
		}
		if off, ok, err = a.firstFit(need); err != nil {
			return nil, err
		}
	}
	if !ok {
		a.addStat(StatAllocFailures, 1)
		return nil, errors.Wrapf(types.ErrArenaExhausted, "no free extent of %d bytes for %d byte message %d", need, n, id)
	}

	e := a.at(off)
	if rest := e.length - need; rest >= BlockSize {
		split := off + need
		*a.at(split) = extentHeader{
			magic:      extentMagic,
			state:      uint32(StateFree),
			length:     rest,
			prevLength: need,
		}
		a.setPrevLength(split+rest, rest)
		e.length = need
	}

	a.hdr.generation++
	e.state = uint32(StateAllocated)
	e.size = uint64(n)
	e.used = 0
	e.generation = a.hdr.generation
	e.msgid = uint32(id)
	e.owner = roleTag(owner)
	e.origin = roleTag(owner)
	e.flags = 0
	a.addStat(StatAllocated, 1)

	if log.DefaultLogger.GetLogLevel() >= log.DEBUG {
		log.DefaultLogger.Debugf("[arena] [allocate] %s: message %d, %d bytes at %d, extent %d bytes, generation %d", owner, id, n, off, e.length, e.generation)
	}
	return &Extent{a: a, off: off, gen: e.generation}, nil
}

func (a *Arena) firstFit(need uint64) (uint64, bool, error) {
	var (
		found uint64
		ok    bool
	)
	err := a.walk(func(off uint64, e *extentHeader) bool {
		if ExtentState(e.state) == StateFree && e.length >= need {
			found, ok = off, true
			return false
		}
		return true
	})
	return found, ok, err
}

// coalesceAll merges every run of adjacent free extents.
func (a *Arena) coalesceAll() error {
	var runs []uint64
	var prevFree bool
	err := a.walk(func(off uint64, e *extentHeader) bool {
		free := ExtentState(e.state) == StateFree
		if free && !prevFree {
			runs = append(runs, off)
		}
		prevFree = free
		return true
	})
	if err != nil {
		return err
	}
	for _, off := range runs {
		a.mergeForward(off)
	}
	return nil
}

// mergeForward absorbs the free extents following the free extent at off.
func (a *Arena) mergeForward(off uint64) {
	e := a.at(off)
	size := uint64(len(a.area))
	for next := off + e.length; next < size; next = off + e.length {
		n := a.at(next)
		if ExtentState(n.state) != StateFree {
			break
		}
		e.length += n.length
		n.magic = 0
	}
	a.setPrevLength(off+e.length, e.length)
}

// freeLocked returns the extent at off to the free chain, merges it with
// free neighbours and drops any mailbox slot that still points at it.
func (a *Arena) freeLocked(off uint64) {
	e := a.at(off)
	for _, box := range a.boxes {
		for i := range box {
			if box[i].seq != 0 && box[i].offset == off && box[i].generation == e.generation {
				box[i] = slot{}
			}
		}
	}

	e.state = uint32(StateFree)
	e.size, e.used, e.msgid, e.owner, e.origin, e.flags = 0, 0, 0, 0, 0, 0
	a.mergeForward(off)

	if e.prevLength != 0 {
		prev := off - e.prevLength
		if p := a.at(prev); ExtentState(p.state) == StateFree {
			a.mergeForward(prev)
		}
	}
}

// Free releases ext. Freeing a stale or already free handle does nothing.
func (a *Arena) Free(ext *Extent) {
	if ext == nil {
		return
	}
	a.lock()
	defer a.unlock()

	if a.lookup(ext.off, ext.gen) == nil {
		return
	}
	a.freeLocked(ext.off)
}
