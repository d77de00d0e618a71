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
	"strings"

	"github.com/pkg/errors"
)

// Role is the side of a channel a process plays.
// The initiator creates and sizes the shared resources, the acceptor attaches to them.
// Role only matters during setup, message framing and allocation policy are symmetric.
type Role uint32

const (
	RoleInitiator Role = iota
	RoleAcceptor
)

// RoleCount is the number of endpoints of a channel.
const RoleCount = 2

// Peer returns the role on the other side of the channel.
func (r Role) Peer() Role {
	return r ^ 1
}

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "parent"
	case RoleAcceptor:
		return "child"
	default:
		return "unknown"
	}
}

// Valid reports whether r is one of the two channel roles.
func (r Role) Valid() bool {
	return r == RoleInitiator || r == RoleAcceptor
}

// ParseRole accepts "parent"/"initiator" and "child"/"acceptor".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "parent", "initiator":
		return RoleInitiator, nil
	case "child", "acceptor":
		return RoleAcceptor, nil
	}
	return 0, errors.Errorf("unknown channel role %q", s)
}

// MessageID correlates a request with its reply. It is scoped to one channel
// and carries no uniqueness guarantee beyond one outstanding call per id and direction.
type MessageID uint32

const (
	// DefaultShmDir is where relative shared memory and doorbell names are resolved.
	DefaultShmDir = "/dev/shm"
	// ShmFilePrefix is prepended to relative names, as mosn does with mosn_shm_.
	ShmFilePrefix = "transact_"
)
