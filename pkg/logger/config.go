/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package logger

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

var errUnknownOutput = errors.New("unknown log output")

// Environment variables consulted for fields a Config leaves empty.
const (
	envLevel      = "LOG_LEVEL"
	envDebug      = "DEBUG"
	envOutput     = "LOG_OUTPUT"
	envTimeFormat = "LOG_TIME_FORMAT"
)

// Config selects level, destination and timestamp layout. Output is
// "stdout" or "stderr"; scan results go to stdout, so stderr is the
// default.
type Config struct {
	Level      string `json:"level" yaml:"level"`
	Debug      bool   `json:"debug" yaml:"debug"`
	Output     string `json:"output" yaml:"output"`
	TimeFormat string `json:"time_format" yaml:"time_format"`
}

// DefaultConfig is an empty Config completed from the environment.
func DefaultConfig() *Config {
	c := (&Config{}).withEnv()

	return &c
}

// withEnv returns a copy of c with empty fields taken from the
// environment, then from the built-in defaults.
func (c *Config) withEnv() Config {
	out := *c

	if out.Level == "" {
		out.Level = envOr(envLevel, "info")
	}

	if !out.Debug {
		out.Debug = envBool(envDebug)
	}

	if out.Output == "" {
		out.Output = envOr(envOutput, "stderr")
	}

	if out.TimeFormat == "" {
		out.TimeFormat = os.Getenv(envTimeFormat)
	}

	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))

	switch v {
	case "yes", "on":
		return true
	default:
		b, _ := strconv.ParseBool(v)
		return b
	}
}
