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

package prometheus

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	gometrics "github.com/rcrowley/go-metrics"

	"mosn.io/transact/pkg/metrics"
)

const defaultEndpoint = "/metrics"

// Config contains config for the prometheus sink
type Config struct {
	Port     int    `json:"port"`
	Endpoint string `json:"endpoint"`

	DisableCollectProcess bool `json:"disable_collect_process"`
	DisableCollectGo      bool `json:"disable_collect_go"`
	DisablePassiveFlush   bool `json:"disable_passive_flush"`
}

// PromSink flushes store data into prometheus gauges.
type PromSink struct {
	config *Config

	registry *prometheus.Registry

	mu        sync.Mutex
	gaugeVecs map[string]*prometheus.GaugeVec
}

type promHttpExporter struct {
	sink *PromSink
	real http.Handler
}

func (exporter *promHttpExporter) ServeHTTP(rsp http.ResponseWriter, req *http.Request) {
	// 1. flush metrics
	if !exporter.sink.config.DisablePassiveFlush {
		exporter.sink.Flush(metrics.GetAll())
	}

	// 2. export
	exporter.real.ServeHTTP(rsp, req)
}

// Flush copies every metric into a gauge labelled with the metrics' labels.
func (sink *PromSink) Flush(ms []metrics.Metrics) {
	sink.mu.Lock()
	defer sink.mu.Unlock()

	for _, m := range ms {
		typ := m.Type()
		labelKeys, labelVals := m.SortedLabels()

		m.Each(func(name string, i interface{}) {
			switch metric := i.(type) {
			case gometrics.Counter:
				sink.gauge(typ, labelKeys, labelVals, name).Set(float64(metric.Count()))
			case gometrics.Gauge:
				sink.gauge(typ, labelKeys, labelVals, name).Set(float64(metric.Value()))
			case gometrics.Histogram:
				snap := metric.Snapshot()
				sink.gauge(typ, labelKeys, labelVals, name+"_max").Set(float64(snap.Max()))
				sink.gauge(typ, labelKeys, labelVals, name+"_min").Set(float64(snap.Min()))
				sink.gauge(typ, labelKeys, labelVals, name+"_mean").Set(snap.Mean())
				sink.gauge(typ, labelKeys, labelVals, name+"_p99").Set(snap.Percentile(0.99))
			}
		})
	}
}

// NewPromSink validates config and returns a sink with its own registry.
func NewPromSink(config *Config) (*PromSink, error) {
	if config.Endpoint == "" {
		config.Endpoint = defaultEndpoint
	} else if !strings.HasPrefix(config.Endpoint, "/") {
		return nil, errors.Errorf("invalid endpoint format:%s", config.Endpoint)
	}

	promReg := prometheus.NewRegistry()
	// register process and go metrics
	if !config.DisableCollectProcess {
		promReg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	}
	if !config.DisableCollectGo {
		promReg.MustRegister(prometheus.NewGoCollector())
	}

	return &PromSink{
		config:    config,
		registry:  promReg,
		gaugeVecs: make(map[string]*prometheus.GaugeVec),
	}, nil
}

// Handler flushes on every scrape unless passive flush is disabled.
func (sink *PromSink) Handler() http.Handler {
	return &promHttpExporter{
		sink: sink,
		real: promhttp.HandlerFor(sink.registry, promhttp.HandlerOpts{}),
	}
}

// Server serves Handler on the configured port and endpoint.
func (sink *PromSink) Server() (*http.Server, error) {
	if sink.config.Port == 0 {
		return nil, errors.New("prometheus sink's port is not specified")
	}
	srvMux := http.NewServeMux()
	srvMux.Handle(sink.config.Endpoint, sink.Handler())
	return &http.Server{
		Addr:    fmt.Sprintf(":%d", sink.config.Port),
		Handler: srvMux,
	}, nil
}

func (sink *PromSink) gauge(typ string, labelKeys, labelVals []string, name string) prometheus.Gauge {
	namespace := strings.Join(labelKeys, "_")
	key := namespace + "_" + typ + "_" + name
	g, ok := sink.gaugeVecs[key]
	if !ok {
		g = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: flattenKey(namespace),
			Subsystem: flattenKey(typ),
			Name:      flattenKey(name),
		}, labelKeys)

		sink.registry.MustRegister(g)
		sink.gaugeVecs[key] = g
	}
	return g.WithLabelValues(labelVals...)
}

func flattenKey(key string) string {
	return strings.NewReplacer(" ", "_", ".", "_", "-", "_", "=", "_").Replace(key)
}
