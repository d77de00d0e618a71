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

package metrics

import (
	gometrics "github.com/rcrowley/go-metrics"
)

// Metric types.
const (
	ChannelType = "channel"
	ArenaType   = "arena"
)

// Metric keys.
const (
	MessagesSent     = "messages_sent"
	MessagesReceived = "messages_received"
	CallsTotal       = "calls_total"
	CallErrors       = "call_errors"
	CallLatency      = "call_latency_us"
	AllocBytes       = "alloc_bytes"
	AllocFailures    = "alloc_failures"
	PeerClosed       = "peer_closed"
	PendingMessages  = "pending_messages"
	ArenaFreeBytes   = "free_bytes"
	ArenaFreeLargest = "largest_free_bytes"
)

// Metrics is a set of named metrics that share a type and labels.
type Metrics interface {
	// Type returns the metrics' type
	Type() string

	// Labels used to distinguish the metrics' owner for same metrics key set
	Labels() map[string]string

	// SortedLabels returns keys and values sorted by key
	SortedLabels() (keys, values []string)

	// Counter creates or returns a go-metrics counter by key
	Counter(key string) gometrics.Counter

	// Gauge creates or returns a go-metrics gauge by key
	Gauge(key string) gometrics.Gauge

	// Histogram creates or returns a go-metrics histogram by key
	Histogram(key string) gometrics.Histogram

	// Register installs an externally backed metric under key,
	// returning the one already registered if any
	Register(key string, metric interface{}) interface{}

	// Each calls f for each registered metric
	Each(f func(string, interface{}))

	// UnregisterAll unregisters all metrics
	UnregisterAll()
}

// MetricsSink receives flushed metrics.
type MetricsSink interface {
	Flush(ms []Metrics)
}
