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

package config

import (
	"github.com/c2h5oh/datasize"

	"mosn.io/transact/pkg/metrics/sink/prometheus"
)

// Config is the file form of a channel end and its surroundings.
type Config struct {
	Log     LogConfig     `json:"log,omitempty"`
	Channel ChannelConfig `json:"channel,omitempty"`
	Metrics MetricsConfig `json:"metrics,omitempty"`
}

// LogConfig selects where the default logger writes and at which level.
// An empty path means stderr. Roller uses the mosn roller syntax.
type LogConfig struct {
	Path   string `json:"path,omitempty"`
	Level  string `json:"level,omitempty"`
	Roller string `json:"roller,omitempty"`
}

// ChannelConfig describes a channel end. Durations are Go duration strings
// such as "5s", sizes are strings such as "64KB".
type ChannelConfig struct {
	Name          string            `json:"name,omitempty"`
	Role          string            `json:"role,omitempty"`
	ShmName       string            `json:"shm_name,omitempty"`
	TransportName string            `json:"transport_name,omitempty"`
	Dir           string            `json:"dir,omitempty"`
	Size          datasize.ByteSize `json:"size,omitempty"`
	Token         string            `json:"token,omitempty"`
	AttachTimeout string            `json:"attach_timeout,omitempty"`
	PollInterval  string            `json:"poll_interval,omitempty"`
	Mlock         bool              `json:"mlock,omitempty"`
}

// MetricsConfig for metrics sinks
type MetricsConfig struct {
	StatsMatcher StatsMatcher `json:"stats_matcher,omitempty"`
	// Prometheus starts an exporter when set
	Prometheus *prometheus.Config `json:"prometheus,omitempty"`
	// Console dumps all metrics to stdout when the process ends
	Console bool `json:"console,omitempty"`
}

// StatsMatcher is a configuration for disabling stat instantiation.
type StatsMatcher struct {
	RejectAll     bool     `json:"reject_all,omitempty"`
	ExclusionKeys []string `json:"exclusion_keys,omitempty"`
}
