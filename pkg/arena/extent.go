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
	"mosn.io/transact/pkg/types"
)

// Extent is a handle on one allocated extent. The generation pins it to
// one allocation, a handle outliving its extent resolves to nothing.
type Extent struct {
	a   *Arena
	off uint64
	gen uint64
}

// Offset is the position of the extent inside the extent area.
func (x *Extent) Offset() uint64 {
	return x.off
}

func (x *Extent) Generation() uint64 {
	return x.gen
}

// Valid reports whether the handle still names a live extent.
func (x *Extent) Valid() bool {
	return x.a.lookup(x.off, x.gen) != nil
}

// Size is the number of payload bytes requested at allocation.
func (x *Extent) Size() int {
	if e := x.a.lookup(x.off, x.gen); e != nil {
		return int(e.size)
	}
	return 0
}

// Used is the number of payload bytes the sender marked valid.
func (x *Extent) Used() int {
	if e := x.a.lookup(x.off, x.gen); e != nil {
		return int(e.used)
	}
	return 0
}

func (x *Extent) ID() types.MessageID {
	if e := x.a.lookup(x.off, x.gen); e != nil {
		return types.MessageID(e.msgid)
	}
	return 0
}

func (x *Extent) State() ExtentState {
	if e := x.a.lookup(x.off, x.gen); e != nil {
		return ExtentState(e.state)
	}
	return StateFree
}

// Owner is the role that may touch the payload, false when in flight or freed.
func (x *Extent) Owner() (types.Role, bool) {
	e := x.a.lookup(x.off, x.gen)
	if e == nil || ExtentState(e.state) != StateAllocated {
		return 0, false
	}
	return tagRole(e.owner)
}

// Origin is the role that allocated the extent.
func (x *Extent) Origin() (types.Role, bool) {
	e := x.a.lookup(x.off, x.gen)
	if e == nil {
		return 0, false
	}
	return tagRole(e.origin)
}

// Payload is the requested window of the extent. It aliases shared memory.
func (x *Extent) Payload() []byte {
	e := x.a.lookup(x.off, x.gen)
	if e == nil {
		return nil
	}
	start := x.off + extentHeaderSize
	return x.a.area[start : start+e.size : start+e.size]
}
