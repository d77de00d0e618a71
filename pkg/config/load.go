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
	"os"
	"path/filepath"

	"github.com/ghodss/yaml"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"mosn.io/transact/pkg/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ConfigLoadFunc parses a path into a config
type ConfigLoadFunc func(path string) (*Config, error)

var configLoadFunc ConfigLoadFunc = DefaultConfigLoad

// RegisterConfigLoadFunc replaces the default loader
func RegisterConfigLoadFunc(f ConfigLoadFunc) {
	configLoadFunc = f
}

// DefaultConfigLoad reads a JSON file, or a YAML one when the extension
// says so.
func DefaultConfigLoad(path string) (*Config, error) {
	log.StartLogger.Infof("[config] [default load] load config from %s", path)
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "load config failed")
	}
	return Parse(content, yamlFormat(path))
}

// Parse decodes content as JSON, or as YAML when isYAML is set.
func Parse(content []byte, isYAML bool) (*Config, error) {
	if isYAML {
		b, err := yaml.YAMLToJSON(content)
		if err != nil {
			return nil, errors.Wrap(err, "translate yaml to json error")
		}
		content = b
	}
	cfg := &Config{}
	if err := json.Unmarshal(content, cfg); err != nil {
		return nil, errors.Wrap(err, "json unmarshal config failed")
	}
	return cfg, nil
}

// Load config file and parse
func Load(path string) (*Config, error) {
	return configLoadFunc(path)
}

func yamlFormat(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".yaml" || ext == ".yml"
}

// Dump renders cfg as indented JSON.
func Dump(cfg *Config) ([]byte, error) {
	return json.MarshalIndent(cfg, "", "  ")
}
