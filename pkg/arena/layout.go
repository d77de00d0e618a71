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

package arena

import (
	"unsafe"

	"mosn.io/transact/pkg/types"
)

// Segment layout, front to back, every region 64-byte aligned:
//
//	header      256 bytes
//	mailbox[0]  MailboxSlots * 32 bytes, messages bound for the initiator
//	mailbox[1]  MailboxSlots * 32 bytes, messages bound for the acceptor
//	extents     the rest, rounded down to BlockSize
const (
	BlockSize    = 64
	HeaderSize   = 256
	MailboxSlots = 64

	extentHeaderSize = BlockSize
	slotSize         = 32
	mailboxSize      = MailboxSlots * slotSize

	// Overhead is the metadata carved before the extent area.
	Overhead = HeaderSize + types.RoleCount*mailboxSize

	segmentMagic   uint64 = 0x544341534e415254 // "TRANSACT"
	segmentVersion uint32 = 1
	extentMagic    uint32 = 0x54584554 // "TEXT"
)

// ExtentState is the lifecycle state of one extent.
type ExtentState uint32

const (
	StateFree ExtentState = iota + 1
	StateAllocated
	StateInFlight
)

func (s ExtentState) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateAllocated:
		return "allocated"
	case StateInFlight:
		return "in-flight"
	}
	return "invalid"
}

// Stat indexes a shared statistics word in the segment header.
type Stat int

const (
	StatSent Stat = iota // + role
	_
	StatReceived // + role
	_
	StatAllocated
	StatAllocFailures
	StatReclaimed
	StatLockSteals

	statCount
)

// SentStat is the number of messages sent by role.
func SentStat(r types.Role) Stat {
	return StatSent + Stat(r)
}

// ReceivedStat is the number of messages received by role.
func ReceivedStat(r types.Role) Stat {
	return StatReceived + Stat(r)
}

// header is the mapping of the first HeaderSize bytes of the segment.
// This struct is never instantiated.
type header struct {
	magic      uint64
	version    uint32
	ready      uint32
	totalSize  uint64
	arenaOff   uint64
	arenaSize  uint64
	token      [16]byte
	lock       uint32 // holder pid, 0 when free
	_          uint32
	seq        uint64 // last mailbox sequence handed out
	generation uint64 // last extent generation handed out
	stats      [statCount]int64

	_ [HeaderSize - 80 - statCount*8]byte
}

// extentHeader sits in the first BlockSize bytes of every extent.
// owner and origin hold role+1, 0 meaning none.
type extentHeader struct {
	magic      uint32
	state      uint32
	length     uint64 // whole extent, header included
	prevLength uint64 // length of the extent before this one, 0 for the first
	size       uint64 // bytes requested at allocation
	used       uint64 // bytes valid for the receiver
	generation uint64
	msgid      uint32
	owner      uint32
	origin     uint32
	flags      uint32
}

const flagKeep uint32 = 1

// slot is one mailbox entry. seq 0 marks it empty.
type slot struct {
	seq        uint64
	offset     uint64
	generation uint64
	msgid      uint32
	_          uint32
}

type mailbox [MailboxSlots]slot

var (
	_ [HeaderSize - unsafe.Sizeof(header{})]byte
	_ [unsafe.Sizeof(header{}) - HeaderSize]byte
	_ [extentHeaderSize - unsafe.Sizeof(extentHeader{})]byte
	_ [unsafe.Sizeof(extentHeader{}) - extentHeaderSize]byte
	_ [slotSize - unsafe.Sizeof(slot{})]byte
	_ [unsafe.Sizeof(slot{}) - slotSize]byte
)

func roleTag(r types.Role) uint32 {
	return uint32(r) + 1
}

func tagRole(tag uint32) (types.Role, bool) {
	if tag == 0 || tag > types.RoleCount {
		return 0, false
	}
	return types.Role(tag - 1), true
}

func alignUp(n uint64) uint64 {
	return (n + BlockSize - 1) &^ (BlockSize - 1)
}
