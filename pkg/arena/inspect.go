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
	"sync/atomic"

	"github.com/pkg/errors"

	"mosn.io/transact/pkg/log"
	"mosn.io/transact/pkg/types"
)

// ExtentInfo is a snapshot of one extent for inspection.
type ExtentInfo struct {
	Offset     uint64          `json:"offset"`
	Length     uint64          `json:"length"`
	State      string          `json:"state"`
	Size       uint64          `json:"size,omitempty"`
	Used       uint64          `json:"used,omitempty"`
	Generation uint64          `json:"generation,omitempty"`
	ID         types.MessageID `json:"id,omitempty"`
	Owner      string          `json:"owner,omitempty"`
	Origin     string          `json:"origin,omitempty"`
	Keep       bool            `json:"keep,omitempty"`

	state ExtentState
}

// Stats summarizes the extent area. Free+Allocated+InFlight equals Capacity.
type Stats struct {
	Capacity    uint64               `json:"capacity"`
	Overhead    uint64               `json:"overhead"`
	Free        uint64               `json:"free"`
	Allocated   uint64               `json:"allocated"`
	InFlight    uint64               `json:"in_flight"`
	Extents     int                  `json:"extents"`
	FreeExtents int                  `json:"free_extents"`
	LargestFree uint64               `json:"largest_free"`
	Pending     [types.RoleCount]int `json:"pending"`
	Counters    map[string]int64     `json:"counters"`
}

var statNames = map[Stat]string{
	SentStat(types.RoleInitiator):     "parent_sent",
	SentStat(types.RoleAcceptor):      "child_sent",
	ReceivedStat(types.RoleInitiator): "parent_received",
	ReceivedStat(types.RoleAcceptor):  "child_received",
	StatAllocated:                     "allocated",
	StatAllocFailures:                 "alloc_failures",
	StatReclaimed:                     "reclaimed",
	StatLockSteals:                    "lock_steals",
}

// StatName is the metric name of a shared statistics word.
func StatName(s Stat) string {
	return statNames[s]
}

// Stats walks the chain under the lock.
func (a *Arena) Stats() (Stats, error) {
	a.lock()
	defer a.unlock()

	st := Stats{
		Capacity: uint64(len(a.area)),
		Overhead: uint64(Overhead),
		Counters: make(map[string]int64, len(statNames)),
	}
	err := a.walk(func(off uint64, e *extentHeader) bool {
		st.Extents++
		switch ExtentState(e.state) {
		case StateFree:
			st.Free += e.length
			st.FreeExtents++
			if e.length > st.LargestFree {
				st.LargestFree = e.length
			}
		case StateAllocated:
			st.Allocated += e.length
		case StateInFlight:
			st.InFlight += e.length
		}
		return true
	})
	if err != nil {
		return Stats{}, err
	}
	for r, box := range a.boxes {
		for _, s := range box {
			if s.seq != 0 {
				st.Pending[r]++
			}
		}
	}
	for s, name := range statNames {
		st.Counters[name] = atomic.LoadInt64(&a.hdr.stats[s])
	}
	return st, nil
}

// Extents lists the chain in address order.
func (a *Arena) Extents() ([]ExtentInfo, error) {
	a.lock()
	defer a.unlock()

	var out []ExtentInfo
	err := a.walk(func(off uint64, e *extentHeader) bool {
		info := ExtentInfo{
			Offset: off,
			Length: e.length,
			State:  ExtentState(e.state).String(),
			state:  ExtentState(e.state),
		}
		if info.state != StateFree {
			info.Size = e.size
			info.Used = e.used
			info.Generation = e.generation
			info.ID = types.MessageID(e.msgid)
			info.Keep = e.flags&flagKeep != 0
			if r, ok := tagRole(e.owner); ok {
				info.Owner = r.String()
			}
			if r, ok := tagRole(e.origin); ok {
				info.Origin = r.String()
			}
		}
		out = append(out, info)
		return true
	})
	return out, err
}

// Check verifies that the extents partition the area, that no two free
// extents are adjacent and that every mailbox descriptor names an in-flight
// extent bound for that mailbox.
func (a *Arena) Check() error {
	a.lock()
	defer a.unlock()

	var (
		total    uint64
		prevFree bool
		adjacent uint64
		found    bool
	)
	live := make(map[uint64]*extentHeader)
	err := a.walk(func(off uint64, e *extentHeader) bool {
		total += e.length
		free := ExtentState(e.state) == StateFree
		if free && prevFree && !found {
			adjacent, found = off, true
		}
		prevFree = free
		if !free {
			live[off] = e
		}
		return true
	})
	if err != nil {
		return err
	}
	if total != uint64(len(a.area)) {
		return errors.Wrapf(types.ErrArenaCorrupt, "extents cover %d of %d bytes", total, len(a.area))
	}
	if found {
		return errors.Wrapf(types.ErrArenaCorrupt, "free extent at %d follows a free extent", adjacent)
	}
	for r, box := range a.boxes {
		for i, s := range box {
			if s.seq == 0 {
				continue
			}
			e, ok := live[s.offset]
			if !ok || e.generation != s.generation || ExtentState(e.state) != StateInFlight || e.owner != roleTag(types.Role(r)) {
				return errors.Wrapf(types.ErrArenaCorrupt, "mailbox %s slot %d names extent %d generation %d that is not in flight to it",
					types.Role(r), i, s.offset, s.generation)
			}
		}
	}
	return nil
}

// Reclaim frees every extent a departed role held: extents allocated to it
// and messages still waiting for it. Messages it sent that the surviving
// peer has not received yet stay deliverable, and ones it sent with keep
// are freed by the peer's Release instead of returning to it. It returns the number of
// extents and bytes freed.
func (a *Arena) Reclaim(role types.Role) (int, uint64, error) {
	a.lock()
	defer a.unlock()

	tag := roleTag(role)
	var offs []uint64
	var bytes uint64
	err := a.walk(func(off uint64, e *extentHeader) bool {
		switch ExtentState(e.state) {
		case StateAllocated, StateInFlight:
			if e.owner == tag {
				offs = append(offs, off)
				bytes += e.length
			} else if e.origin == tag {
				// nobody is left to take a kept extent back
				e.flags &^= flagKeep
			}
		}
		return true
	})
	if err != nil {
		log.DefaultLogger.Alertf(log.AlertReclaimFailed, "[arena] [reclaim] %s: %v", role, err)
		return 0, 0, err
	}

	for _, off := range offs {
		a.freeLocked(off)
	}
	for i := range a.boxes[role] {
		a.boxes[role][i] = slot{}
	}
	a.addStat(StatReclaimed, int64(len(offs)))

	if len(offs) > 0 {
		log.DefaultLogger.Infof("[arena] [reclaim] %s: freed %d extents, %d bytes", role, len(offs), bytes)
	}
	return len(offs), bytes, nil
}
