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
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mosn.io/transact/pkg/types"
)

func TestJSONConfigLoad(t *testing.T) {
	cfg, err := Load("testdata/parent.json")
	require.Nil(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "", cfg.Log.Path)
	assert.Equal(t, 64*datasize.KB, cfg.Channel.Size)
	assert.Equal(t, []string{"call_latency_us"}, cfg.Metrics.StatsMatcher.ExclusionKeys)
	require.NotNil(t, cfg.Metrics.Prometheus)
	assert.Equal(t, 34903, cfg.Metrics.Prometheus.Port)
	assert.True(t, cfg.Metrics.Prometheus.DisableCollectGo)
	assert.False(t, cfg.Metrics.Console)

	opts, err := cfg.Channel.Options()
	require.Nil(t, err)
	assert.Equal(t, types.RoleInitiator, opts.Role)
	assert.Equal(t, 64*1024, opts.Size)
	assert.Equal(t, 50*time.Millisecond, opts.PollInterval)
	assert.Equal(t, time.Duration(0), opts.AttachTimeout)
	assert.Equal(t, uuid.Nil, opts.Token)
	assert.True(t, opts.Mlock)
	require.Nil(t, opts.Validate())
}

func TestYamlConfigLoad(t *testing.T) {
	cfg, err := Load("testdata/child.yaml")
	require.Nil(t, err)

	assert.Equal(t, "/tmp/transact/child.log", cfg.Log.Path)
	assert.Equal(t, "size=100 age=7 keep=10 compress=on", cfg.Log.Roller)
	assert.Nil(t, cfg.Metrics.Prometheus)
	assert.True(t, cfg.Metrics.Console)

	opts, err := cfg.Channel.Options()
	require.Nil(t, err)
	assert.Equal(t, types.RoleAcceptor, opts.Role)
	assert.Equal(t, "demo_doorbell", opts.TransportName)
	assert.Equal(t, "/dev/shm", opts.Dir)
	assert.Equal(t, 0, opts.Size)
	assert.Equal(t, 5*time.Second, opts.AttachTimeout)
	assert.Equal(t, uuid.MustParse("5f0c9a6e-2d1b-4c7a-9f3e-8b6d4a2c1e07"), opts.Token)
}

func TestInvalidChannelConfig(t *testing.T) {
	for _, c := range []ChannelConfig{
		{Role: "sibling", ShmName: "x"},
		{Role: "parent", ShmName: "x", Token: "not-a-uuid"},
		{Role: "parent", ShmName: "x", AttachTimeout: "5 seconds"},
		{Role: "child", ShmName: "x", PollInterval: "fast"},
	} {
		c := c
		_, err := c.Options()
		assert.NotNil(t, err, "%+v", c)
	}
}

func TestParseErrors(t *testing.T) {
	_, err := Load("testdata/missing.json")
	require.NotNil(t, err)

	_, err = Parse([]byte(`{"channel": {"size": "lots"}}`), false)
	require.NotNil(t, err)

	_, err = Parse([]byte("channel: [unclosed"), true)
	require.NotNil(t, err)

	cfg, err := Parse([]byte(`{"channel": {"size": "1MB", "role": "initiator"}}`), false)
	require.Nil(t, err)
	assert.Equal(t, datasize.MB, cfg.Channel.Size)
}

func TestRegisterConfigLoadFunc(t *testing.T) {
	RegisterConfigLoadFunc(func(p string) (*Config, error) {
		return &Config{Channel: ChannelConfig{Name: p}}, nil
	})
	defer RegisterConfigLoadFunc(DefaultConfigLoad)

	cfg, err := Load("test")
	require.Nil(t, err)
	assert.Equal(t, "test", cfg.Channel.Name)
}

func TestDumpRoundTrip(t *testing.T) {
	cfg, err := Load("testdata/parent.json")
	require.Nil(t, err)
	b, err := Dump(cfg)
	require.Nil(t, err)

	again, err := Parse(b, false)
	require.Nil(t, err)
	assert.Equal(t, cfg, again)
}
