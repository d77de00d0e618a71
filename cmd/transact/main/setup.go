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

package main

import (
	"net/http"
	"os"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"mosn.io/pkg/utils"

	"mosn.io/transact/pkg/channel"
	"mosn.io/transact/pkg/config"
	"mosn.io/transact/pkg/log"
	"mosn.io/transact/pkg/metrics"
	"mosn.io/transact/pkg/metrics/sink/console"
	"mosn.io/transact/pkg/metrics/sink/prometheus"
	"mosn.io/transact/pkg/types"
)

var (
	flagConfig = cli.StringFlag{
		Name:   "config, c",
		Usage:  "Load configuration from `FILE`, json or yaml",
		EnvVar: "TRANSACT_CONFIG",
	}
	flagLogLevel = cli.StringFlag{
		Name:   "log-level, l",
		Usage:  "log level, trace|debug|info|warning|error|critical|off",
		EnvVar: "LOG_LEVEL",
	}
	flagLogPath = cli.StringFlag{
		Name:  "log-path",
		Usage: "write logs to `FILE` instead of stderr",
	}
	flagName = cli.StringFlag{
		Name:  "name, n",
		Usage: "channel name used in logs and metrics",
	}
	flagShm = cli.StringFlag{
		Name:  "shm, s",
		Usage: "shared memory segment name",
	}
	flagTransport = cli.StringFlag{
		Name:  "transport, t",
		Usage: "doorbell name, defaults to the segment name with a _bell suffix",
	}
	flagDir = cli.StringFlag{
		Name:  "dir, d",
		Usage: "directory for relative names",
	}
	flagSize = cli.StringFlag{
		Name:  "size",
		Usage: "segment size, e.g. 64KB",
	}
	flagToken = cli.StringFlag{
		Name:  "token",
		Usage: "session token the acceptor insists on",
	}
	flagAttachTimeout = cli.DurationFlag{
		Name:  "attach-timeout",
		Usage: "how long the acceptor retries attaching",
	}
	flagPollInterval = cli.DurationFlag{
		Name:  "poll-interval",
		Usage: "longest doorbell wait between peer liveness checks",
	}
	flagMetricsPort = cli.IntFlag{
		Name:  "metrics-port",
		Usage: "serve prometheus metrics on `PORT`",
	}

	channelFlags = []cli.Flag{
		flagConfig, flagLogLevel, flagLogPath,
		flagName, flagShm, flagTransport, flagDir, flagSize, flagToken,
		flagAttachTimeout, flagPollInterval, flagMetricsPort,
	}
)

// loadConfig reads the config file, if any, and lays the flags over it.
func loadConfig(c *cli.Context, role types.Role) (*config.Config, error) {
	cfg := &config.Config{}
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	ch := &cfg.Channel
	ch.Role = role.String()
	override := func(dst *string, flag string) {
		if c.IsSet(flag) {
			*dst = c.String(flag)
		}
	}
	override(&cfg.Log.Level, "log-level")
	override(&cfg.Log.Path, "log-path")
	override(&ch.Name, "name")
	override(&ch.ShmName, "shm")
	override(&ch.TransportName, "transport")
	override(&ch.Dir, "dir")
	override(&ch.Token, "token")
	if c.IsSet("size") {
		if err := ch.Size.UnmarshalText([]byte(c.String("size"))); err != nil {
			return nil, errors.Wrap(err, "invalid size")
		}
	}
	if c.IsSet("attach-timeout") {
		ch.AttachTimeout = c.Duration("attach-timeout").String()
	}
	if c.IsSet("poll-interval") {
		ch.PollInterval = c.Duration("poll-interval").String()
	}
	if c.IsSet("metrics-port") {
		if cfg.Metrics.Prometheus == nil {
			cfg.Metrics.Prometheus = &prometheus.Config{}
		}
		cfg.Metrics.Prometheus.Port = c.Int("metrics-port")
	}
	if role == types.RoleInitiator && ch.Size == 0 {
		ch.Size = 64 * datasize.KB
	}
	return cfg, nil
}

func setupLogger(cfg *config.LogConfig) error {
	if strings.EqualFold(cfg.Level, "off") {
		log.DefaultLogger.Toggle(true)
		return nil
	}
	if err := log.InitRoller(cfg.Roller); err != nil {
		return err
	}
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	return log.InitDefaultLogger(cfg.Path, level)
}

// setupMetrics applies the stats matcher and starts the exporter, if any.
func setupMetrics(cfg *config.MetricsConfig) error {
	metrics.SetStatsMatcher(cfg.StatsMatcher.RejectAll, cfg.StatsMatcher.ExclusionKeys)
	if cfg.Prometheus == nil {
		return nil
	}
	sink, err := prometheus.NewPromSink(cfg.Prometheus)
	if err != nil {
		return err
	}
	srv, err := sink.Server()
	if err != nil {
		return err
	}
	utils.GoWithRecover(func() {
		log.StartLogger.Infof("[transact] [metrics] serving prometheus on %s%s", srv.Addr, cfg.Prometheus.Endpoint)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.DefaultLogger.Errorf("[transact] [metrics] prometheus server: %v", err)
		}
	}, nil)
	return nil
}

func dumpMetrics(cfg *config.MetricsConfig) {
	if cfg.Console {
		console.NewConsoleSink(os.Stdout).Flush(metrics.GetAll())
	}
}

// openChannel runs the common start up of parent and child.
func openChannel(c *cli.Context, role types.Role) (*channel.Channel, *config.Config, error) {
	cfg, err := loadConfig(c, role)
	if err != nil {
		return nil, nil, err
	}
	if err := setupLogger(&cfg.Log); err != nil {
		return nil, nil, err
	}
	if err := setupMetrics(&cfg.Metrics); err != nil {
		return nil, nil, err
	}
	opts, err := cfg.Channel.Options()
	if err != nil {
		return nil, nil, err
	}
	ch, err := channel.Open(opts)
	if err != nil {
		return nil, nil, err
	}
	return ch, cfg, nil
}
