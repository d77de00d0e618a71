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

// Package channel connects two processes through a shared memory segment
// and a doorbell.
//
// The initiator creates both resources, the acceptor attaches to them. After
// that the two ends are symmetric: either may Allocate a message, write it,
// and Call to pass it to the other end, which picks it up with Get.
//
// Get and Call block. At most one goroutine per process may drive them on a
// given Channel at a time, callers serialize access themselves.
package channel

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"mosn.io/transact/pkg/arena"
	"mosn.io/transact/pkg/doorbell"
	"mosn.io/transact/pkg/log"
	"mosn.io/transact/pkg/shm"
	"mosn.io/transact/pkg/types"
)

// CallFlags modify Call.
type CallFlags uint32

const (
	// CallNoReturn sends without waiting for a reply.
	CallNoReturn CallFlags = 1 << iota
	// CallNoFree keeps the sent extent for the caller: once the peer
	// releases it, Message.Reset makes it writable again.
	CallNoFree
)

// Channel is one end of an open channel.
type Channel struct {
	opts Options
	role types.Role

	segPath  string
	bellPath string
	segSpan  *shm.ShmSpan
	bellSpan *shm.ShmSpan

	arena *arena.Arena
	bell  *doorbell.Doorbell

	token uuid.UUID
	stats *channelStats

	closed atomic.Bool
	// operations in progress, Close waits for them before unmapping
	busy atomic.Int32
	// messages holding an extent of this end
	handles atomic.Int32
}

// Open establishes the end of a channel described by opts. Failures to
// create or attach the shared resources are types.ErrChannelUnavailable.
func Open(opts Options) (*Channel, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrapf(types.ErrChannelUnavailable, "invalid options: %v", err)
	}

	ch := &Channel{
		opts:     opts,
		role:     opts.Role,
		segPath:  shm.Path(opts.Dir, opts.ShmName),
		bellPath: shm.Path(opts.Dir, opts.TransportName),
	}

	var err error
	if ch.role == types.RoleInitiator {
		err = ch.create()
	} else {
		err = ch.attachWithRetry()
	}
	if err != nil {
		log.DefaultLogger.Errorf("[channel] [open] %s as %s failed: %v", opts.Name, ch.role, err)
		return nil, err
	}

	ch.token = ch.arena.Token()
	ch.stats = newChannelStats(ch)
	log.DefaultLogger.Infof("[channel] [open] %s as %s, segment %s, transport %s, token %s",
		opts.Name, ch.role, ch.segPath, ch.bellPath, ch.arena.Token())
	return ch, nil
}

func (ch *Channel) create() (err error) {
	defer func() {
		if err != nil {
			ch.unmap()
			shm.Clear(ch.segPath)
			shm.Clear(ch.bellPath)
		}
	}()

	token := ch.opts.Token
	if token == uuid.Nil {
		token = uuid.New()
	}

	if ch.segSpan, err = shm.Create(ch.segPath, ch.opts.Size, ch.opts.Mlock); err != nil {
		return errors.Wrapf(types.ErrChannelUnavailable, "create segment: %v", err)
	}
	if ch.arena, err = arena.Format(ch.segSpan, token); err != nil {
		return err
	}
	if ch.bellSpan, err = shm.Create(ch.bellPath, doorbell.Size, ch.opts.Mlock); err != nil {
		return errors.Wrapf(types.ErrChannelUnavailable, "create transport: %v", err)
	}
	if ch.bell, err = doorbell.Create(ch.bellSpan, token); err != nil {
		return err
	}
	return ch.bell.Join(ch.role)
}

func (ch *Channel) attachWithRetry() error {
	deadline := time.Now().Add(ch.opts.AttachTimeout)
	for {
		err := ch.attach()
		if err == nil {
			return nil
		}
		ch.unmap()
		if !time.Now().Before(deadline) {
			return err
		}
		if log.DefaultLogger.GetLogLevel() >= log.DEBUG {
			log.DefaultLogger.Debugf("[channel] [open] %s: retry attach: %v", ch.opts.Name, err)
		}
		time.Sleep(attachRetryInterval)
	}
}

func (ch *Channel) attach() (err error) {
	if ch.segSpan, err = shm.Attach(ch.segPath, ch.opts.Size); err != nil {
		return errors.Wrapf(types.ErrChannelUnavailable, "attach segment: %v", err)
	}
	if ch.arena, err = arena.Attach(ch.segSpan); err != nil {
		return err
	}
	token := ch.arena.Token()
	if ch.opts.Token != uuid.Nil && ch.opts.Token != token {
		return errors.Wrapf(types.ErrChannelUnavailable, "segment token %s does not match %s", token, ch.opts.Token)
	}
	if ch.bellSpan, err = shm.Attach(ch.bellPath, doorbell.Size); err != nil {
		return errors.Wrapf(types.ErrChannelUnavailable, "attach transport: %v", err)
	}
	if ch.bell, err = doorbell.Attach(ch.bellSpan, token); err != nil {
		return err
	}
	// a segment left over from a dead initiator looks formatted
	peer := ch.role.Peer()
	if ch.bell.State(peer) != doorbell.StateAttached || !ch.bell.Alive(peer) {
		return errors.Wrapf(types.ErrChannelUnavailable, "%s is %s (pid %d)", peer, ch.bell.State(peer), ch.bell.Pid(peer))
	}
	return ch.bell.Join(ch.role)
}

func (ch *Channel) unmap() {
	if ch.segSpan != nil {
		shm.Free(ch.segSpan)
		ch.segSpan = nil
	}
	if ch.bellSpan != nil {
		shm.Free(ch.bellSpan)
		ch.bellSpan = nil
	}
	ch.arena = nil
	ch.bell = nil
}

// Close detaches from the channel and wakes the peer. Extents this end
// holds, and messages still waiting for it, are freed. Messages sent with
// CallNoFree that the peer still holds are freed by the peer's Release. The initiator also
// removes the named resources; mappings the peer holds stay valid.
// Only the first Close does anything, later ones return types.ErrChannelClosed.
func (ch *Channel) Close() error {
	if !ch.closed.CAS(false, true) {
		return errors.Wrapf(types.ErrChannelClosed, "channel %s", ch.opts.Name)
	}

	for ch.busy.Load() > 0 {
		// wakes our own Get or Call
		ch.bell.Ring(ch.role)
		time.Sleep(time.Millisecond)
	}

	ch.stats.unregister()
	if n, _, err := ch.arena.Reclaim(ch.role); err != nil {
		log.DefaultLogger.Errorf("[channel] [close] %s: free extents: %v", ch.opts.Name, err)
	} else if n > 0 && log.DefaultLogger.GetLogLevel() >= log.DEBUG {
		log.DefaultLogger.Debugf("[channel] [close] %s: freed %d extents", ch.opts.Name, n)
	}
	ch.bell.Leave(ch.role)
	ch.unmap()

	if ch.role == types.RoleInitiator {
		if err := shm.Clear(ch.segPath); err != nil {
			log.DefaultLogger.Warnf("[channel] [close] %s: %v", ch.opts.Name, err)
		}
		if err := shm.Clear(ch.bellPath); err != nil {
			log.DefaultLogger.Warnf("[channel] [close] %s: %v", ch.opts.Name, err)
		}
	}
	log.DefaultLogger.Infof("[channel] [close] %s as %s", ch.opts.Name, ch.role)
	return nil
}

// enter registers an operation that touches shared memory, every
// successful enter is paired with exit.
func (ch *Channel) enter() error {
	ch.busy.Inc()
	if ch.closed.Load() {
		ch.busy.Dec()
		return errors.Wrapf(types.ErrChannelClosed, "channel %s", ch.opts.Name)
	}
	return nil
}

func (ch *Channel) exit() {
	ch.busy.Dec()
}

func (ch *Channel) Role() types.Role {
	return ch.role
}

func (ch *Channel) Name() string {
	return ch.opts.Name
}

// ID is the session token both ends agreed on.
func (ch *Channel) ID() uuid.UUID {
	return ch.token
}

// OpenMessages counts messages that still hold an extent: being written,
// received and not released, or sent with CallNoFree.
func (ch *Channel) OpenMessages() int {
	return int(ch.handles.Load())
}

// PeerAlive reports whether the other end is attached, or has not attached yet.
func (ch *Channel) PeerAlive() bool {
	if ch.enter() != nil {
		return false
	}
	defer ch.exit()
	return ch.bell.Alive(ch.role.Peer())
}

// Allocate reserves n bytes for a message with id and returns it open for writing.
func (ch *Channel) Allocate(id types.MessageID, n int) (*Message, error) {
	if err := ch.enter(); err != nil {
		return nil, err
	}
	defer ch.exit()
	ext, err := ch.arena.Allocate(ch.role, id, n)
	if err != nil {
		return nil, err
	}
	ch.stats.allocBytes.Inc(int64(n))
	return newWriteMessage(ch, id, ext), nil
}

// Get blocks until a message arrives and returns it open for reading.
// It returns ctx.Err() when ctx ends and types.ErrPeerClosed once the peer
// has gone and nothing is left to read.
func (ch *Channel) Get(ctx context.Context) (*Message, error) {
	if err := ch.enter(); err != nil {
		return nil, err
	}
	defer ch.exit()
	return ch.receive(ctx, nil)
}

func (ch *Channel) receive(ctx context.Context, match func(types.MessageID) bool) (*Message, error) {
	for {
		if ch.closed.Load() {
			return nil, errors.Wrapf(types.ErrChannelClosed, "channel %s", ch.opts.Name)
		}
		seen := ch.bell.Seq(ch.role)
		ext, err := ch.arena.Receive(ch.role, match)
		if err != nil {
			return nil, err
		}
		if ext != nil {
			return newReadMessage(ch, ext), nil
		}
		if err := ch.bell.Wait(ctx, ch.role, seen, ch.opts.PollInterval); err != nil {
			if errors.Is(err, types.ErrPeerClosed) {
				ch.stats.peerClosed.Inc(1)
			}
			return nil, err
		}
	}
}

// Call sends msg to the peer. msg must be open for writing on this channel,
// afterwards it is sent and refuses writes.
//
// Unless flags has CallNoReturn, Call then blocks until a reply with the
// same id arrives and returns it open for reading. Replies with other ids
// stay queued for Get. Call sets no deadline of its own, ctx bounds the wait.
//
// With CallNoFree the extent is not freed when the peer releases it but
// handed back to msg, see Message.Reset.
func (ch *Channel) Call(ctx context.Context, msg *Message, flags CallFlags) (*Message, error) {
	if err := ch.enter(); err != nil {
		return nil, err
	}
	defer ch.exit()
	start := time.Now()
	ch.stats.calls.Inc(1)

	if err := ch.send(msg, flags&CallNoFree != 0); err != nil {
		ch.stats.callErrors.Inc(1)
		return nil, err
	}
	if flags&CallNoReturn != 0 {
		return nil, nil
	}

	id := msg.id
	reply, err := ch.receive(ctx, func(got types.MessageID) bool { return got == id })
	if err != nil {
		ch.stats.callErrors.Inc(1)
		return nil, err
	}
	ch.stats.latency.Update(time.Since(start).Microseconds())
	return reply, nil
}

func (ch *Channel) send(msg *Message, keep bool) error {
	if msg == nil || msg.ch != ch {
		return errors.Wrap(types.ErrBufferClosed, "message does not belong to this channel")
	}
	if msg.mode != ModeWriting {
		return errors.Wrapf(types.ErrBufferClosed, "message %d is %s", msg.id, msg.mode)
	}
	if err := ch.arena.Transfer(msg.ext, msg.id, ch.role.Peer(), msg.enc.Len(), keep); err != nil {
		return err
	}
	msg.sent(keep)
	return ch.bell.Ring(ch.role.Peer())
}

// Reclaim frees what a departed peer left behind: extents it held and
// messages that were waiting for it. It fails while the peer is alive.
func (ch *Channel) Reclaim() (int, uint64, error) {
	if err := ch.enter(); err != nil {
		return 0, 0, err
	}
	defer ch.exit()
	peer := ch.role.Peer()
	if ch.bell.State(peer) == doorbell.StateAttached && ch.bell.Alive(peer) {
		return 0, 0, errors.Wrapf(types.ErrChannelUnavailable, "%s is still attached (pid %d)", peer, ch.bell.Pid(peer))
	}
	return ch.arena.Reclaim(peer)
}

// Stats reports the arena's accounting.
func (ch *Channel) Stats() (arena.Stats, error) {
	if err := ch.enter(); err != nil {
		return arena.Stats{}, err
	}
	defer ch.exit()
	return ch.arena.Stats()
}

// Check verifies the arena's invariants.
func (ch *Channel) Check() error {
	if err := ch.enter(); err != nil {
		return err
	}
	defer ch.exit()
	return ch.arena.Check()
}
