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
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

// testRoller must be installed before any file logger starts, mosn.io/pkg/log
// reads the global roller unlocked.
const testRoller = "size=100 age=7 keep=10 compress=off"

func TestMain(m *testing.M) {
	if err := InitRoller(testRoller); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(m.Run())
}

// rejected rollers leave the global roller untouched
func TestInitRollerRejects(t *testing.T) {
	for _, bad := range []string{
		"size=100 age=10 keep=10 compress=1",
		"size = 100 age = 10 keep = 10",
		"size=100, age=10, keep=10, compress=off",
		"size=big",
		"hours=2",
	} {
		assert.NotNil(t, InitRoller(bad), bad)
	}
	assert.Nil(t, InitRoller(""))
}
