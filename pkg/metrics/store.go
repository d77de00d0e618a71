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
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	gometrics "github.com/rcrowley/go-metrics"
)

const MaxLabelCount = 20

// histogram reservoir, same defaults as go-metrics' exp decay sample
const (
	sampleSize  = 1028
	sampleAlpha = 0.015
)

var (
	defaultStore          *store
	ErrLabelCountExceeded = errors.Errorf("label count exceeded, max is %d", MaxLabelCount)
)

// store keeps every Metrics by type and labels.
type store struct {
	disabled      bool
	exclusionKeys map[string]bool

	metrics map[string]Metrics
	mutex   sync.RWMutex
}

// metrics wraps a go-metrics registry.
type metrics struct {
	typ    string
	labels map[string]string

	prefix    string
	labelKeys []string
	labelVals []string

	registry gometrics.Registry
}

func init() {
	defaultStore = &store{
		metrics: make(map[string]Metrics, 16),
	}
}

// SetStatsMatcher disables all metrics, or only the given keys.
func SetStatsMatcher(all bool, exclusionKeys []string) {
	defaultStore.mutex.Lock()
	defer defaultStore.mutex.Unlock()

	defaultStore.disabled = all
	defaultStore.exclusionKeys = make(map[string]bool, len(exclusionKeys))
	for _, k := range exclusionKeys {
		defaultStore.exclusionKeys[k] = true
	}
}

func excluded(key string) bool {
	defaultStore.mutex.RLock()
	defer defaultStore.mutex.RUnlock()
	return defaultStore.disabled || defaultStore.exclusionKeys[key]
}

// NewMetrics returns the Metrics for (type, labels), creating it on first use.
func NewMetrics(typ string, labels map[string]string) (Metrics, error) {
	if len(labels) > MaxLabelCount {
		return nil, ErrLabelCountExceeded
	}

	defaultStore.mutex.Lock()
	defer defaultStore.mutex.Unlock()

	if defaultStore.disabled {
		return NewNilMetrics(typ, labels)
	}

	name, keys, values := fullName(typ, labels)
	if m, ok := defaultStore.metrics[name]; ok {
		return m, nil
	}

	stats := &metrics{
		typ:       typ,
		labels:    labels,
		labelKeys: keys,
		labelVals: values,
		prefix:    name + ".",
		registry:  gometrics.NewRegistry(),
	}

	defaultStore.metrics[name] = stats
	return stats, nil
}

func sortedLabels(labels map[string]string) (keys, values []string) {
	keys = make([]string, 0, len(labels))
	values = make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		values = append(values, labels[k])
	}
	return
}

func (s *metrics) Type() string {
	return s.typ
}

func (s *metrics) Labels() map[string]string {
	return s.labels
}

func (s *metrics) SortedLabels() (keys, values []string) {
	return s.labelKeys, s.labelVals
}

func (s *metrics) Counter(key string) gometrics.Counter {
	if excluded(key) {
		return gometrics.NilCounter{}
	}
	return s.registry.GetOrRegister(key, gometrics.NewCounter).(gometrics.Counter)
}

func (s *metrics) Gauge(key string) gometrics.Gauge {
	if excluded(key) {
		return gometrics.NilGauge{}
	}
	return s.registry.GetOrRegister(key, gometrics.NewGauge).(gometrics.Gauge)
}

func (s *metrics) Histogram(key string) gometrics.Histogram {
	if excluded(key) {
		return gometrics.NilHistogram{}
	}
	return s.registry.GetOrRegister(key, func() gometrics.Histogram {
		return gometrics.NewHistogram(gometrics.NewExpDecaySample(sampleSize, sampleAlpha))
	}).(gometrics.Histogram)
}

func (s *metrics) Register(key string, metric interface{}) interface{} {
	if excluded(key) {
		return metric
	}
	return s.registry.GetOrRegister(key, metric)
}

func (s *metrics) Each(f func(string, interface{})) {
	s.registry.Each(f)
}

func (s *metrics) UnregisterAll() {
	s.registry.UnregisterAll()
}

// GetAll returns all metrics data
func GetAll() []Metrics {
	defaultStore.mutex.RLock()
	defer defaultStore.mutex.RUnlock()
	ms := make([]Metrics, 0, len(defaultStore.metrics))
	for _, m := range defaultStore.metrics {
		ms = append(ms, m)
	}
	sort.Slice(ms, func(i, j int) bool {
		a, _, _ := fullName(ms[i].Type(), ms[i].Labels())
		b, _, _ := fullName(ms[j].Type(), ms[j].Labels())
		return a < b
	})
	return ms
}

// GetMetricsFilter finds metrics by "type.key.value" name.
func GetMetricsFilter(filter string) Metrics {
	defaultStore.mutex.RLock()
	defer defaultStore.mutex.RUnlock()
	return defaultStore.metrics[filter]
}

// ResetAll is only for test and internal usage. DO NOT use this if not sure.
func ResetAll() {
	defaultStore.mutex.Lock()
	defer defaultStore.mutex.Unlock()

	for _, m := range defaultStore.metrics {
		m.UnregisterAll()
	}
	defaultStore.metrics = make(map[string]Metrics, 16)
	defaultStore.disabled = false
	defaultStore.exclusionKeys = nil
}

func fullName(typ string, labels map[string]string) (fullName string, keys, values []string) {
	keys, values = sortedLabels(labels)

	pair := make([]string, 0, len(keys))
	for i := 0; i < len(keys); i++ {
		pair = append(pair, keys[i]+"."+values[i])
	}
	fullName = typ + "." + strings.Join(pair, ".")
	return
}
