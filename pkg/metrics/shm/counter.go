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

// Package shm adapts words in shared memory to go-metrics types, so both
// processes of a channel update and read the same value.
package shm

import (
	"sync/atomic"

	gometrics "github.com/rcrowley/go-metrics"
)

// ShmCounter is a go-metrics Counter over an int64 in shared memory.
type ShmCounter struct {
	word *int64
}

// NewShmCounter wraps word. A mapped word must stay mapped while the counter is used.
func NewShmCounter(word *int64) ShmCounter {
	return ShmCounter{word: word}
}

// Clear sets the counter to zero.
func (c ShmCounter) Clear() {
	atomic.StoreInt64(c.word, 0)
}

// Count returns the current count.
func (c ShmCounter) Count() int64 {
	return atomic.LoadInt64(c.word)
}

// Dec decrements the counter by the given amount.
func (c ShmCounter) Dec(i int64) {
	atomic.AddInt64(c.word, -i)
}

// Inc increments the counter by the given amount.
func (c ShmCounter) Inc(i int64) {
	atomic.AddInt64(c.word, i)
}

// Snapshot returns a read-only copy of the counter.
func (c ShmCounter) Snapshot() gometrics.Counter {
	return gometrics.CounterSnapshot(c.Count())
}

// NewShmCounterFunc is a registry constructor for word.
func NewShmCounterFunc(word *int64) func() gometrics.Counter {
	return func() gometrics.Counter {
		if word == nil {
			return gometrics.NilCounter{}
		}
		return NewShmCounter(word)
	}
}
