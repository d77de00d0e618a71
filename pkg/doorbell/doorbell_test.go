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

package doorbell

import (
	"context"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"mosn.io/transact/pkg/shm"
	"mosn.io/transact/pkg/types"
)

func pair(t *testing.T) (*Doorbell, *Doorbell) {
	path := filepath.Join(t.TempDir(), "bell")
	token := uuid.New()

	span, err := shm.Create(path, Size, false)
	require.Nil(t, err)
	t.Cleanup(func() { shm.Free(span) })
	parent, err := Create(span, token)
	require.Nil(t, err)

	other, err := shm.Attach(path, Size)
	require.Nil(t, err)
	t.Cleanup(func() { shm.Free(other) })
	child, err := Attach(other, token)
	require.Nil(t, err)

	require.Nil(t, parent.Join(types.RoleInitiator))
	require.Nil(t, child.Join(types.RoleAcceptor))
	return parent, child
}

func TestAttachRejectsToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bell")
	span, err := shm.Create(path, Size, false)
	require.Nil(t, err)
	defer shm.Free(span)

	_, err = Attach(span, uuid.New())
	require.True(t, errors.Is(err, types.ErrChannelUnavailable))

	span2, err := shm.Attach(path, Size)
	require.Nil(t, err)
	defer shm.Free(span2)
	_, err = Create(span2, uuid.New())
	require.Nil(t, err)

	span3, err := shm.Attach(path, Size)
	require.Nil(t, err)
	defer shm.Free(span3)
	_, err = Attach(span3, uuid.New())
	require.True(t, errors.Is(err, types.ErrChannelUnavailable))
}

func TestRingWakesWaiter(t *testing.T) {
	parent, child := pair(t)
	seen := child.Seq(types.RoleAcceptor)

	done := make(chan error, 1)
	go func() {
		done <- child.Wait(context.Background(), types.RoleAcceptor, seen, time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	require.Nil(t, parent.Ring(types.RoleAcceptor))

	select {
	case err := <-done:
		require.Nil(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("waiter not woken")
	}
	require.Equal(t, seen+1, child.Seq(types.RoleAcceptor))
}

func TestWaitReturnsWhenAlreadyRung(t *testing.T) {
	parent, child := pair(t)
	seen := child.Seq(types.RoleAcceptor)
	require.Nil(t, parent.Ring(types.RoleAcceptor))
	require.Nil(t, child.Wait(context.Background(), types.RoleAcceptor, seen, time.Second))
}

func TestWaitHonoursContext(t *testing.T) {
	_, child := pair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := child.Wait(ctx, types.RoleAcceptor, child.Seq(types.RoleAcceptor), time.Second)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Less(t, time.Since(start), time.Second)
}

func TestLeaveNotifiesPeer(t *testing.T) {
	parent, child := pair(t)
	seen := parent.Seq(types.RoleInitiator)

	done := make(chan error, 1)
	go func() {
		for {
			err := parent.Wait(context.Background(), types.RoleInitiator, seen, 10*time.Millisecond)
			if err != nil {
				done <- err
				return
			}
			seen = parent.Seq(types.RoleInitiator)
		}
	}()

	child.Leave(types.RoleAcceptor)
	select {
	case err := <-done:
		require.True(t, errors.Is(err, types.ErrPeerClosed))
	case <-time.After(3 * time.Second):
		t.Fatal("leave not observed")
	}
	require.Equal(t, StateDetached, parent.State(types.RoleAcceptor))
}

func TestDeadPeerDetected(t *testing.T) {
	parent, _ := pair(t)

	cmd := exec.Command("true")
	require.Nil(t, cmd.Run())
	atomic.StoreUint32(&parent.hdr.pid[types.RoleAcceptor], uint32(cmd.Process.Pid))
	require.False(t, parent.Alive(types.RoleAcceptor))

	err := parent.Wait(context.Background(), types.RoleInitiator, parent.Seq(types.RoleInitiator), 10*time.Millisecond)
	require.True(t, errors.Is(err, types.ErrPeerClosed))
}

func TestJoinTwiceRejected(t *testing.T) {
	parent, child := pair(t)
	require.True(t, errors.Is(child.Join(types.RoleAcceptor), types.ErrChannelUnavailable))
	require.True(t, errors.Is(parent.Join(types.RoleInitiator), types.ErrChannelUnavailable))
	require.Equal(t, parent.Token(), child.Token())
}
