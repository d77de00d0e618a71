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

package types

import (
	"github.com/pkg/errors"
)

// Transport errors. Call sites wrap these with context, test with errors.Is.
var (
	// ErrChannelUnavailable means the named resources could not be created or attached.
	ErrChannelUnavailable = errors.New("channel unavailable")
	// ErrChannelClosed means the operation ran after Close.
	ErrChannelClosed = errors.New("channel closed")
	// ErrArenaExhausted means no extent large enough exists, even after coalescing.
	ErrArenaExhausted = errors.New("arena exhausted")
	// ErrBufferOverrun means a read or write would cross the buffer bound.
	ErrBufferOverrun = errors.New("buffer overrun")
	// ErrBufferClosed means a write after send, a read before receive, or use after release.
	ErrBufferClosed = errors.New("buffer closed")
	// ErrOutOfRange means a scalar fell outside the caller supplied bounds.
	ErrOutOfRange = errors.New("value out of range")

	// ErrPeerClosed means the peer detached or died while we waited on it.
	ErrPeerClosed = errors.New("peer closed")
	// ErrArenaCorrupt means shared allocator metadata failed validation.
	ErrArenaCorrupt = errors.New("arena metadata corrupt")
	// ErrMailboxFull means the peer has too many unconsumed messages in flight.
	ErrMailboxFull = errors.New("mailbox full")
)
