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

package console

import (
	"io"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	gometrics "github.com/rcrowley/go-metrics"

	"mosn.io/transact/pkg/log"
	"mosn.io/transact/pkg/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// histogram output percents
var percents = []float64{0.5, 0.75, 0.95, 0.99, 0.999}

// NamespaceData is one label set's metrics, formatted as strings.
type NamespaceData map[string]string

// typeData groups namespaces of one metrics type.
type typeData map[string]NamespaceData

type consoleSink struct {
	writer io.Writer
}

// NewConsoleSink returns a sink that writes human readable metrics to writer.
func NewConsoleSink(writer io.Writer) metrics.MetricsSink {
	return &consoleSink{
		writer: writer,
	}
}

// Flush writes type -> namespace -> key -> value as indented JSON.
func (sink *consoleSink) Flush(ms []metrics.Metrics) {
	b, err := json.MarshalIndent(collect(ms), "", "  ")
	if err != nil {
		log.DefaultLogger.Errorf("[metrics] [console] marshal metrics: %v", err)
		return
	}
	if _, err := sink.writer.Write(append(b, '\n')); err != nil {
		log.DefaultLogger.Errorf("[metrics] [console] write metrics: %v", err)
	}
}

func collect(ms []metrics.Metrics) map[string]typeData {
	all := make(map[string]typeData)
	for _, m := range ms {
		td, ok := all[m.Type()]
		if !ok {
			td = typeData{}
			all[m.Type()] = td
		}
		namespace := makeNamespace(m.SortedLabels())
		data, ok := td[namespace]
		if !ok {
			data = NamespaceData{}
			td[namespace] = data
		}
		m.Each(func(key string, i interface{}) {
			format(data, key, i)
		})
	}
	return all
}

func format(data NamespaceData, key string, i interface{}) {
	switch metric := i.(type) {
	case gometrics.Counter:
		data[key] = strconv.FormatInt(metric.Count(), 10)
	case gometrics.Gauge:
		data[key] = strconv.FormatInt(metric.Value(), 10)
	case gometrics.Histogram:
		h := metric.Snapshot()
		// empty histograms have no percentiles worth printing
		if h.Count() == 0 {
			return
		}
		for idx, v := range h.Percentiles(percents) {
			data[key+"."+strconv.FormatFloat(percents[idx]*100, 'f', 2, 64)+"%"] = strconv.FormatFloat(v, 'f', 2, 64)
		}
		data[key+".min"] = strconv.FormatInt(h.Min(), 10)
		data[key+".max"] = strconv.FormatInt(h.Max(), 10)
	}
}

func makeNamespace(keys, vals []string) string {
	pair := make([]string, 0, len(keys))
	for i := 0; i < len(vals); i++ {
		pair = append(pair, keys[i]+"."+vals[i])
	}
	return strings.Join(pair, ".")
}
