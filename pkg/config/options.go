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

package config

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"mosn.io/transact/pkg/channel"
	"mosn.io/transact/pkg/types"
)

// Options converts the file form into channel options. Defaults are left
// to channel.Options.Validate.
func (c *ChannelConfig) Options() (channel.Options, error) {
	opts := channel.Options{
		Name:          c.Name,
		ShmName:       c.ShmName,
		TransportName: c.TransportName,
		Dir:           c.Dir,
		Size:          int(c.Size.Bytes()),
		Mlock:         c.Mlock,
	}

	role, err := types.ParseRole(c.Role)
	if err != nil {
		return opts, err
	}
	opts.Role = role

	if c.Token != "" {
		if opts.Token, err = uuid.Parse(c.Token); err != nil {
			return opts, errors.Wrapf(err, "invalid token %q", c.Token)
		}
	}
	if opts.AttachTimeout, err = parseDuration("attach_timeout", c.AttachTimeout); err != nil {
		return opts, err
	}
	if opts.PollInterval, err = parseDuration("poll_interval", c.PollInterval); err != nil {
		return opts, err
	}
	return opts, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", field)
	}
	return d, nil
}
