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

package channel

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"mosn.io/transact/pkg/arena"
	"mosn.io/transact/pkg/doorbell"
	"mosn.io/transact/pkg/types"
)

const (
	// transport name used when none is given
	defaultTransportSuffix = "_bell"
	attachRetryInterval    = 10 * time.Millisecond
)

// Options describe one end of a channel.
type Options struct {
	Role types.Role
	// Name labels logs and metrics, defaults to ShmName.
	Name string
	// TransportName names the doorbell resource, defaults to ShmName + "_bell".
	TransportName string
	// ShmName names the segment. Relative names resolve under Dir.
	ShmName string
	// Size is the segment size. The acceptor may leave it 0 to take the
	// size of the existing segment.
	Size int
	Dir  string

	// Token pins the session. The initiator publishes it (a fresh one when
	// zero) and a non-zero Token makes the acceptor refuse any other.
	Token uuid.UUID

	// AttachTimeout bounds how long the acceptor retries while the
	// initiator is still setting up. 0 means a single attempt.
	AttachTimeout time.Duration
	// PollInterval bounds each doorbell wait slice between liveness checks.
	PollInterval time.Duration
	Mlock        bool
}

// Validate checks opts and fills in defaults.
func (opts *Options) Validate() error {
	if !opts.Role.Valid() {
		return errors.Errorf("invalid role %d", opts.Role)
	}
	if opts.ShmName == "" {
		return errors.New("shared memory name is required")
	}
	if opts.TransportName == "" {
		opts.TransportName = opts.ShmName + defaultTransportSuffix
	}
	if opts.TransportName == opts.ShmName {
		return errors.Errorf("transport and shared memory share the name %s", opts.ShmName)
	}
	if opts.Name == "" {
		opts.Name = opts.ShmName
	}
	if opts.Dir == "" {
		opts.Dir = types.DefaultShmDir
	}
	if opts.Size < 0 || (opts.Role == types.RoleInitiator && opts.Size < arena.MinSegmentSize) {
		return errors.Errorf("segment size %d is below %d", opts.Size, arena.MinSegmentSize)
	}
	if opts.AttachTimeout < 0 {
		return errors.Errorf("negative attach timeout %s", opts.AttachTimeout)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = doorbell.DefaultPollInterval
	}
	return nil
}
