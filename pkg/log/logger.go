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

package log

import (
	"strings"

	"github.com/pkg/errors"
	"mosn.io/pkg/log"
)

// Alert codes passed to Alertf.
const (
	AlertPeerDied      = "transact.peer_died"
	AlertArenaCorrupt  = "transact.arena_corrupt"
	AlertLockStolen    = "transact.lock_stolen"
	AlertReclaimFailed = "transact.reclaim_failed"
)

var (
	// StartLogger is used before configuration is loaded, and by library
	// code that has no logger of its own.
	StartLogger log.ErrorLogger
	// DefaultLogger is replaced by InitDefaultLogger once configuration is known.
	DefaultLogger log.ErrorLogger
)

func init() {
	lg, err := CreateDefaultErrorLogger("", log.INFO)
	if err != nil {
		panic("init start logger error: " + err.Error())
	}
	StartLogger = lg
	DefaultLogger = lg
}

// InitDefaultLogger points DefaultLogger at output with the given level.
func InitDefaultLogger(output string, level log.Level) error {
	lg, err := CreateDefaultErrorLogger(output, level)
	if err != nil {
		return errors.Wrapf(err, "create logger for %q", output)
	}
	DefaultLogger = lg
	return nil
}

// InitRoller sets the rotation policy for file loggers created afterwards,
// for example "size=100 age=7 keep=10 compress=on".
func InitRoller(roller string) error {
	if roller == "" {
		return nil
	}
	if err := log.InitGlobalRoller(roller); err != nil {
		return errors.Wrapf(err, "invalid log roller %q", roller)
	}
	return nil
}

var levels = map[string]log.Level{
	"trace":    log.TRACE,
	"debug":    log.DEBUG,
	"info":     log.INFO,
	"warning":  log.WARN,
	"warn":     log.WARN,
	"error":    log.ERROR,
	"critical": log.FATAL,
	"fatal":    log.FATAL,
}

// ParseLevel maps the names accepted on the command line and in config
// files to a log level. The empty string means info.
func ParseLevel(s string) (log.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return log.INFO, nil
	}
	if lv, ok := levels[s]; ok {
		return lv, nil
	}
	return log.INFO, errors.Errorf("unknown log level %q", s)
}
