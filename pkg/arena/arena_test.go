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
	"math/rand"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mosn.io/transact/pkg/shm"
	"mosn.io/transact/pkg/types"
)

const (
	parent = types.RoleInitiator
	child  = types.RoleAcceptor
)

// newPair formats a segment and attaches a second mapping of it, the way
// the acceptor process would.
func newPair(t *testing.T, size int) (*Arena, *Arena) {
	path := filepath.Join(t.TempDir(), "segment")
	span, err := shm.Create(path, size, false)
	require.Nil(t, err)
	t.Cleanup(func() { shm.Free(span) })
	a, err := Format(span, uuid.New())
	require.Nil(t, err)

	other, err := shm.Attach(path, size)
	require.Nil(t, err)
	t.Cleanup(func() { shm.Free(other) })
	b, err := Attach(other)
	require.Nil(t, err)
	return a, b
}

func requireInvariants(t *testing.T, a *Arena) Stats {
	require.Nil(t, a.Check())
	st, err := a.Stats()
	require.Nil(t, err)
	require.Equal(t, st.Capacity, st.Free+st.Allocated+st.InFlight)
	return st
}

func TestFormatAndAttach(t *testing.T) {
	a, b := newPair(t, 64*1024)
	require.Equal(t, a.Token(), b.Token())
	require.Equal(t, uint64(64*1024-Overhead), a.Capacity())
	require.Equal(t, a.Capacity(), b.Capacity())

	st := requireInvariants(t, b)
	require.Equal(t, 1, st.Extents)
	require.Equal(t, st.Capacity, st.Free)
	require.Equal(t, st.Capacity, st.LargestFree)
}

func TestAttachRejectsUnformatted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw")
	span, err := shm.Create(path, 16*1024, false)
	require.Nil(t, err)
	defer shm.Free(span)
	_, err = Attach(span)
	require.True(t, errors.Is(err, types.ErrChannelUnavailable))

	small := shm.NewShmSpan("small", make([]byte, Overhead))
	_, err = Format(small, uuid.New())
	require.True(t, errors.Is(err, types.ErrChannelUnavailable))
}

func TestAllocateRoundsToBlocks(t *testing.T) {
	a, _ := newPair(t, 64*1024)
	ext, err := a.Allocate(parent, 1, 16)
	require.Nil(t, err)
	require.Equal(t, 16, ext.Size())
	require.Len(t, ext.Payload(), 16)
	require.Equal(t, types.MessageID(1), ext.ID())
	require.Equal(t, StateAllocated, ext.State())
	owner, ok := ext.Owner()
	require.True(t, ok)
	require.Equal(t, parent, owner)

	infos, err := a.Extents()
	require.Nil(t, err)
	require.Len(t, infos, 2)
	require.Equal(t, uint64(2*BlockSize), infos[0].Length)
	require.Equal(t, "allocated", infos[0].State)
	require.Equal(t, "parent", infos[0].Owner)
	require.Equal(t, "free", infos[1].State)

	zero, err := a.Allocate(parent, 2, 0)
	require.Nil(t, err)
	require.Len(t, zero.Payload(), 0)
	requireInvariants(t, a)
}

func TestFreeCoalescesAndIsIdempotent(t *testing.T) {
	a, b := newPair(t, 64*1024)
	x, err := a.Allocate(parent, 1, 100)
	require.Nil(t, err)
	y, err := b.Allocate(child, 2, 200)
	require.Nil(t, err)
	z, err := a.Allocate(parent, 3, 300)
	require.Nil(t, err)
	requireInvariants(t, a)

	a.Free(y)
	st := requireInvariants(t, a)
	require.Equal(t, 4, st.Extents)

	b.Free(x)
	st = requireInvariants(t, b)
	require.Equal(t, 3, st.Extents)

	a.Free(z)
	st = requireInvariants(t, a)
	require.Equal(t, 1, st.Extents)
	require.Equal(t, st.Capacity, st.Free)

	a.Free(z)
	b.Free(x)
	a.Free(nil)
	require.False(t, x.Valid())
	require.Nil(t, x.Payload())
	requireInvariants(t, a)
}

func TestStaleHandleAfterReuse(t *testing.T) {
	a, _ := newPair(t, 16*1024)
	x, err := a.Allocate(parent, 1, 10)
	require.Nil(t, err)
	a.Free(x)
	y, err := a.Allocate(parent, 1, 10)
	require.Nil(t, err)
	require.Equal(t, x.Offset(), y.Offset())
	require.NotEqual(t, x.Generation(), y.Generation())

	a.Free(x)
	require.True(t, y.Valid())
	requireInvariants(t, a)
}

func TestExhaustedLeavesAccounting(t *testing.T) {
	a, _ := newPair(t, 16*1024)
	var held []*Extent
	for {
		ext, err := a.Allocate(parent, 1, 1000)
		if err != nil {
			require.True(t, errors.Is(err, types.ErrArenaExhausted))
			break
		}
		held = append(held, ext)
	}
	require.NotEmpty(t, held)

	before := requireInvariants(t, a)
	_, err := a.Allocate(parent, 9, int(a.Capacity()))
	require.True(t, errors.Is(err, types.ErrArenaExhausted))
	_, err = a.Allocate(parent, 9, 2000)
	require.True(t, errors.Is(err, types.ErrArenaExhausted))
	after := requireInvariants(t, a)

	require.Equal(t, before.Free, after.Free)
	require.Equal(t, before.Allocated, after.Allocated)
	require.Equal(t, before.Counters["alloc_failures"]+2, after.Counters["alloc_failures"])

	// two freed neighbours merge into a hole large enough for 2000 bytes
	a.Free(held[1])
	a.Free(held[2])
	_, err = a.Allocate(parent, 9, 2000)
	require.Nil(t, err)
	requireInvariants(t, a)
}

func TestTransferReceiveRelease(t *testing.T) {
	a, b := newPair(t, 64*1024)
	req, err := a.Allocate(parent, 7, 16)
	require.Nil(t, err)
	copy(req.Payload(), "hello")
	require.Nil(t, a.Transfer(req, 7, child, 5, false))
	require.Equal(t, StateInFlight, req.State())
	_, owned := req.Owner()
	require.False(t, owned)

	st := requireInvariants(t, a)
	require.Equal(t, 1, st.Pending[child])
	require.Equal(t, uint64(2*BlockSize), st.InFlight)

	none, err := a.Receive(parent, nil)
	require.Nil(t, err)
	require.Nil(t, none)

	got, err := b.Receive(child, nil)
	require.Nil(t, err)
	require.NotNil(t, got)
	require.Equal(t, types.MessageID(7), got.ID())
	require.Equal(t, 5, got.Used())
	require.Equal(t, "hello", string(got.Payload()[:got.Used()]))
	owner, _ := got.Owner()
	require.Equal(t, child, owner)
	origin, _ := got.Origin()
	require.Equal(t, parent, origin)

	b.Release(got, child)
	st = requireInvariants(t, b)
	require.Equal(t, 1, st.Extents)
	require.Equal(t, int64(1), st.Counters["parent_sent"])
	require.Equal(t, int64(1), st.Counters["child_received"])
}

func TestTransferChecksOwnerAndLength(t *testing.T) {
	a, b := newPair(t, 64*1024)
	ext, err := a.Allocate(parent, 1, 8)
	require.Nil(t, err)

	require.True(t, errors.Is(b.Transfer(ext, 1, parent, 8, false), types.ErrBufferClosed))
	require.True(t, errors.Is(a.Transfer(ext, 1, child, 9, false), types.ErrBufferOverrun))
	require.Nil(t, a.Transfer(ext, 1, child, 8, false))
	require.True(t, errors.Is(a.Transfer(ext, 1, child, 8, false), types.ErrBufferClosed))
	requireInvariants(t, a)
}

func TestReceiveMatchesIDInOrder(t *testing.T) {
	a, b := newPair(t, 64*1024)
	for _, id := range []types.MessageID{5, 3, 5} {
		ext, err := a.Allocate(parent, id, 4)
		require.Nil(t, err)
		ext.Payload()[0] = byte(id)
		require.Nil(t, a.Transfer(ext, id, child, 1, false))
	}

	three := func(id types.MessageID) bool { return id == 3 }
	got, err := b.Receive(child, three)
	require.Nil(t, err)
	require.Equal(t, types.MessageID(3), got.ID())
	b.Release(got, child)

	missing, err := b.Receive(child, three)
	require.Nil(t, err)
	require.Nil(t, missing)

	first, err := b.Receive(child, nil)
	require.Nil(t, err)
	second, err := b.Receive(child, nil)
	require.Nil(t, err)
	require.Equal(t, types.MessageID(5), first.ID())
	require.Equal(t, types.MessageID(5), second.ID())
	require.Less(t, first.Generation(), second.Generation())
	b.Release(first, child)
	b.Release(second, child)
	requireInvariants(t, b)
}

func TestMailboxFull(t *testing.T) {
	a, b := newPair(t, 64*1024)
	for i := 0; i < MailboxSlots; i++ {
		ext, err := a.Allocate(parent, types.MessageID(i), 0)
		require.Nil(t, err)
		require.Nil(t, a.Transfer(ext, types.MessageID(i), child, 0, false))
	}
	ext, err := a.Allocate(parent, 99, 0)
	require.Nil(t, err)
	err = a.Transfer(ext, 99, child, 0, false)
	require.True(t, errors.Is(err, types.ErrMailboxFull))
	require.Equal(t, StateAllocated, ext.State())
	require.Equal(t, MailboxSlots, b.Pending(child))
	requireInvariants(t, a)
}

func TestKeepReturnsToOrigin(t *testing.T) {
	a, b := newPair(t, 64*1024)
	ext, err := a.Allocate(parent, 4, 32)
	require.Nil(t, err)
	require.Nil(t, a.Transfer(ext, 4, child, 32, true))
	require.True(t, errors.Is(a.Reopen(ext, parent), types.ErrBufferClosed))

	got, err := b.Receive(child, nil)
	require.Nil(t, err)
	require.True(t, errors.Is(a.Reopen(ext, parent), types.ErrBufferClosed))
	b.Release(got, child)

	owner, ok := ext.Owner()
	require.True(t, ok)
	require.Equal(t, parent, owner)
	require.Nil(t, a.Reopen(ext, parent))
	require.Equal(t, 0, ext.Used())

	require.Nil(t, a.Transfer(ext, 4, child, 1, false))
	got, err = b.Receive(child, nil)
	require.Nil(t, err)
	b.Release(got, child)
	require.False(t, ext.Valid())
	requireInvariants(t, a)
}

func TestAbandonKeptExtent(t *testing.T) {
	a, b := newPair(t, 64*1024)
	ext, err := a.Allocate(parent, 5, 32)
	require.Nil(t, err)
	require.Nil(t, a.Transfer(ext, 5, child, 32, true))

	// the sender gives up while the peer still holds it
	a.Abandon(ext, parent)
	require.True(t, ext.Valid())
	got, err := b.Receive(child, nil)
	require.Nil(t, err)
	b.Release(got, child)
	require.False(t, ext.Valid())

	mine, err := a.Allocate(parent, 6, 32)
	require.Nil(t, err)
	a.Abandon(mine, parent)
	require.False(t, mine.Valid())
	a.Abandon(mine, parent)

	st := requireInvariants(t, a)
	require.Equal(t, st.Capacity, st.Free)
}

func TestReclaimDropsKeepOfDepartedSender(t *testing.T) {
	a, b := newPair(t, 64*1024)
	held, err := a.Allocate(parent, 7, 32)
	require.Nil(t, err)
	require.Nil(t, a.Transfer(held, 7, child, 32, true))
	got, err := b.Receive(child, nil)
	require.Nil(t, err)
	queued, err := a.Allocate(parent, 8, 32)
	require.Nil(t, err)
	require.Nil(t, a.Transfer(queued, 8, child, 32, true))

	// parent leaves while child holds one kept message and another is queued
	n, _, err := a.Reclaim(parent)
	require.Nil(t, err)
	require.Equal(t, 0, n)

	b.Release(got, child)
	require.False(t, held.Valid())
	late, err := b.Receive(child, nil)
	require.Nil(t, err)
	b.Release(late, child)
	require.False(t, queued.Valid())

	st := requireInvariants(t, b)
	require.Equal(t, st.Capacity, st.Free)
}

func TestReclaimDepartedPeer(t *testing.T) {
	a, b := newPair(t, 64*1024)

	held, err := b.Allocate(child, 1, 100)
	require.Nil(t, err)
	claimed, err := a.Allocate(parent, 2, 100)
	require.Nil(t, err)
	require.Nil(t, a.Transfer(claimed, 2, child, 100, false))
	_, err = b.Receive(child, nil)
	require.Nil(t, err)
	queued, err := a.Allocate(parent, 3, 100)
	require.Nil(t, err)
	require.Nil(t, a.Transfer(queued, 3, child, 100, false))
	outgoing, err := b.Allocate(child, 4, 100)
	require.Nil(t, err)
	require.Nil(t, b.Transfer(outgoing, 4, parent, 100, false))
	mine, err := a.Allocate(parent, 5, 100)
	require.Nil(t, err)

	n, bytes, err := a.Reclaim(child)
	require.Nil(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, uint64(3*3*BlockSize), bytes)
	require.False(t, held.Valid())
	require.False(t, claimed.Valid())
	require.False(t, queued.Valid())
	require.True(t, outgoing.Valid())
	require.True(t, mine.Valid())

	st := requireInvariants(t, a)
	require.Equal(t, 0, st.Pending[child])
	require.Equal(t, 1, st.Pending[parent])
	require.Equal(t, int64(3), st.Counters["reclaimed"])

	got, err := a.Receive(parent, nil)
	require.Nil(t, err)
	require.Equal(t, types.MessageID(4), got.ID())
	a.Release(got, parent)
	a.Free(mine)
	st = requireInvariants(t, a)
	require.Equal(t, 1, st.Extents)
}

func TestCorruptChainDetected(t *testing.T) {
	a, _ := newPair(t, 16*1024)
	ext, err := a.Allocate(parent, 1, 10)
	require.Nil(t, err)

	a.at(ext.Offset()).length = 3
	err = a.Check()
	require.True(t, errors.Is(err, types.ErrArenaCorrupt))
	_, err = a.Allocate(parent, 2, 10000)
	require.True(t, errors.Is(err, types.ErrArenaCorrupt))
	a.at(ext.Offset()).length = 2 * BlockSize

	next := a.at(2 * BlockSize)
	next.prevLength = 7
	require.True(t, errors.Is(a.Check(), types.ErrArenaCorrupt))
	next.prevLength = 2 * BlockSize
	requireInvariants(t, a)
}

func TestLockTakenFromDeadHolder(t *testing.T) {
	a, b := newPair(t, 16*1024)
	cmd := exec.Command("true")
	require.Nil(t, cmd.Run())
	atomic.StoreUint32(&a.hdr.lock, uint32(cmd.Process.Pid))

	ext, err := b.Allocate(child, 1, 10)
	require.Nil(t, err)
	require.True(t, ext.Valid())
	st := requireInvariants(t, a)
	require.Equal(t, int64(1), st.Counters["lock_steals"])
}

func TestConcurrentAllocateFree(t *testing.T) {
	a, b := newPair(t, 256*1024)
	var wg sync.WaitGroup
	for w, ar := range []*Arena{a, b, a, b} {
		wg.Add(1)
		role := types.Role(w % 2)
		go func(ar *Arena, seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			var live []*Extent
			for i := 0; i < 2000; i++ {
				if len(live) > 0 && rng.Intn(3) == 0 {
					j := rng.Intn(len(live))
					ar.Free(live[j])
					live = append(live[:j], live[j+1:]...)
					continue
				}
				ext, err := ar.Allocate(role, types.MessageID(i), rng.Intn(2048))
				if err != nil {
					assert.True(t, errors.Is(err, types.ErrArenaExhausted))
					continue
				}
				live = append(live, ext)
			}
			for _, ext := range live {
				ar.Free(ext)
			}
		}(ar, int64(w))
	}
	wg.Wait()

	st := requireInvariants(t, a)
	require.Equal(t, 1, st.Extents)
	require.Equal(t, st.Capacity, st.Free)
}

func TestRandomSequencesKeepPartition(t *testing.T) {
	a, _ := newPair(t, 32*1024)
	rng := rand.New(rand.NewSource(42))
	var live []*Extent
	for i := 0; i < 500; i++ {
		if len(live) > 0 && rng.Intn(2) == 0 {
			j := rng.Intn(len(live))
			a.Free(live[j])
			live = append(live[:j], live[j+1:]...)
		} else if ext, err := a.Allocate(parent, 1, rng.Intn(1500)); err == nil {
			live = append(live, ext)
		} else {
			require.True(t, errors.Is(err, types.ErrArenaExhausted))
		}
		requireInvariants(t, a)

		infos, err := a.Extents()
		require.Nil(t, err)
		var end uint64
		for _, info := range infos {
			require.Equal(t, end, info.Offset)
			end = info.Offset + info.Length
		}
		require.Equal(t, a.Capacity(), end)
	}
}
