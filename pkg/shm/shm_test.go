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

package shm

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestPath(t *testing.T) {
	require.Equal(t, "/dev/shm/transact_a", Path("", "a"))
	require.Equal(t, "/tmp/x/transact_a", Path("/tmp/x", "a"))
	require.Equal(t, "/abs/file", Path("/tmp/x", "/abs/file"))
	require.Equal(t, "rel/file", Path("/tmp/x", "rel/file"))
}

func TestAtomicAcrossMappings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atomic")
	span, err := Create(path, 256, true)
	require.Nil(t, err)
	defer Free(span)

	other, err := Attach(path, 256)
	require.Nil(t, err)
	defer Free(other)

	block, err := span.Alloc(8)
	require.Nil(t, err)
	peer, err := other.Alloc(8)
	require.Nil(t, err)

	counter := (*uint32)(unsafe.Pointer(&block[0]))
	mirror := (*uint32)(unsafe.Pointer(&peer[0]))
	expected := 10000
	cpu := runtime.GOMAXPROCS(-1)
	wg := sync.WaitGroup{}

	wg.Add(cpu)
	for i := 0; i < cpu; i++ {
		target := counter
		if i%2 == 1 {
			target = mirror
		}
		go func() {
			for j := 0; j < expected; j++ {
				atomic.AddUint32(target, 1)
			}
			wg.Done()
		}()
	}
	wg.Wait()

	require.Equal(t, uint32(expected*cpu), atomic.LoadUint32(counter))
	require.Equal(t, uint32(expected*cpu), atomic.LoadUint32(mirror))
}

func TestConsistency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consistency")
	span, err := Create(path, 256, false)
	require.Nil(t, err)
	defer Free(span)

	_, err = Attach(path, 512)
	require.NotNil(t, err)
	require.Contains(t, err.Error(), "mismatch 512")

	whole, err := Attach(path, 0)
	require.Nil(t, err)
	require.Equal(t, 256, whole.Size())
	require.Nil(t, Free(whole))

	require.Equal(t, span.Data(), uintptr(unsafe.Pointer(&(span.Origin())[0])))
	require.Equal(t, path, span.Name())
}

func TestCreateReplacesStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stale")
	require.Nil(t, os.WriteFile(path, []byte("leftover"), 0600))

	span, err := Create(path, 128, false)
	require.Nil(t, err)
	defer Free(span)
	require.Equal(t, make([]byte, 128), span.Origin())

	require.Nil(t, Clear(path))
	require.Nil(t, Clear(path))
	_, err = Attach(path, 128)
	require.NotNil(t, err)
}

func TestSpanAlloc(t *testing.T) {
	span := NewShmSpan("heap", make([]byte, 256))
	a, err := span.Alloc(1)
	require.Nil(t, err)
	require.Len(t, a, CachelineSize)
	b, err := span.Alloc(100)
	require.Nil(t, err)
	require.Len(t, b, 128)
	require.Equal(t, 192, span.Used())

	_, err = span.Alloc(128)
	require.NotNil(t, err)
	require.Len(t, span.Rest(), 64)
	require.Equal(t, 256, span.Used())
	_, err = span.Alloc(1)
	require.NotNil(t, err)
}

func TestAttachMissing(t *testing.T) {
	_, err := Attach(filepath.Join(t.TempDir(), "missing"), 64)
	require.NotNil(t, err)
}
