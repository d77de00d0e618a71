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
	gometrics "github.com/rcrowley/go-metrics"

	"mosn.io/transact/pkg/arena"
	"mosn.io/transact/pkg/log"
	"mosn.io/transact/pkg/metrics"
	"mosn.io/transact/pkg/metrics/shm"
)

// channelStats holds the metrics of one channel end.
type channelStats struct {
	channel metrics.Metrics
	arena   metrics.Metrics

	calls      gometrics.Counter
	callErrors gometrics.Counter
	latency    gometrics.Histogram
	allocBytes gometrics.Counter
	peerClosed gometrics.Counter
}

func newChannelStats(ch *Channel) *channelStats {
	labels := map[string]string{
		"channel": ch.opts.Name,
		"role":    ch.role.String(),
	}
	cm, err := metrics.NewMetrics(metrics.ChannelType, labels)
	if err != nil {
		log.DefaultLogger.Warnf("[channel] [metrics] %s: %v", ch.opts.Name, err)
		cm, _ = metrics.NewNilMetrics(metrics.ChannelType, labels)
	}
	am, err := metrics.NewMetrics(metrics.ArenaType, labels)
	if err != nil {
		log.DefaultLogger.Warnf("[channel] [metrics] %s: %v", ch.opts.Name, err)
		am, _ = metrics.NewNilMetrics(metrics.ArenaType, labels)
	}

	// counted by both processes in the segment header
	a := ch.arena
	cm.Register(metrics.MessagesSent, shm.NewShmCounterFunc(a.StatWord(arena.SentStat(ch.role))))
	cm.Register(metrics.MessagesReceived, shm.NewShmCounterFunc(a.StatWord(arena.ReceivedStat(ch.role))))
	am.Register(metrics.AllocFailures, shm.NewShmCounterFunc(a.StatWord(arena.StatAllocFailures)))

	am.Register(metrics.ArenaFreeBytes, gometrics.NewFunctionalGauge(func() int64 {
		st, err := ch.Stats()
		if err != nil {
			return 0
		}
		return int64(st.Free)
	}))
	am.Register(metrics.ArenaFreeLargest, gometrics.NewFunctionalGauge(func() int64 {
		st, err := ch.Stats()
		if err != nil {
			return 0
		}
		return int64(st.LargestFree)
	}))
	cm.Register(metrics.PendingMessages, gometrics.NewFunctionalGauge(func() int64 {
		st, err := ch.Stats()
		if err != nil {
			return 0
		}
		return int64(st.Pending[ch.role])
	}))

	return &channelStats{
		channel:    cm,
		arena:      am,
		calls:      cm.Counter(metrics.CallsTotal),
		callErrors: cm.Counter(metrics.CallErrors),
		latency:    cm.Histogram(metrics.CallLatency),
		allocBytes: cm.Counter(metrics.AllocBytes),
		peerClosed: cm.Counter(metrics.PeerClosed),
	}
}

// unregister drops the metrics backed by the mapping before it goes away.
func (s *channelStats) unregister() {
	s.channel.UnregisterAll()
	s.arena.UnregisterAll()
}
