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

// Package logger provides JSON structured logging using zerolog
package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// zlogger implements Logger without global state.
type zlogger struct {
	logger zerolog.Logger
}

// New builds a logger from config. Empty fields fall back to the
// environment, a nil config behaves like DefaultConfig.
func New(config *Config) (Logger, error) {
	if config == nil {
		config = &Config{}
	}

	cfg := config.withEnv()
	config = &cfg

	var output io.Writer = os.Stdout

	switch config.Output {
	case "", "stdout":
	case "stderr":
		output = os.Stderr
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownOutput, config.Output)
	}

	level := zerolog.InfoLevel

	if config.Debug {
		level = zerolog.DebugLevel
	} else if config.Level != "" {
		var err error

		level, err = zerolog.ParseLevel(config.Level)
		if err != nil {
			return nil, err
		}
	}

	timeFormat := time.RFC3339
	if config.TimeFormat != "" {
		timeFormat = config.TimeFormat
	}

	zerolog.TimeFieldFormat = timeFormat

	return &zlogger{
		logger: zerolog.New(output).Level(level).With().Timestamp().Logger(),
	}, nil
}

// NewComponent is New followed by WithComponent.
func NewComponent(component string, config *Config) (Logger, error) {
	l, err := New(config)
	if err != nil {
		return nil, err
	}

	return l.WithComponent(component), nil
}

func (l *zlogger) Trace() *zerolog.Event { return l.logger.Trace() }
func (l *zlogger) Debug() *zerolog.Event { return l.logger.Debug() }
func (l *zlogger) Info() *zerolog.Event  { return l.logger.Info() }
func (l *zlogger) Warn() *zerolog.Event  { return l.logger.Warn() }
func (l *zlogger) Error() *zerolog.Event { return l.logger.Error() }
func (l *zlogger) With() zerolog.Context { return l.logger.With() }

func (l *zlogger) WithComponent(component string) Logger {
	return &zlogger{logger: l.logger.With().Str("component", component).Logger()}
}

func (l *zlogger) WithFields(fields map[string]interface{}) Logger {
	ctx := l.logger.With()
	for key, value := range fields {
		ctx = ctx.Interface(key, value)
	}

	return &zlogger{logger: ctx.Logger()}
}

func (l *zlogger) SetLevel(level zerolog.Level) {
	l.logger = l.logger.Level(level)
}

func (l *zlogger) SetDebug(debug bool) {
	if debug {
		l.SetLevel(zerolog.DebugLevel)
	} else {
		l.SetLevel(zerolog.InfoLevel)
	}
}

// GetLevel reports the logger's current level. Only implemented by loggers
// created in this package.
func GetLevel(l Logger) zerolog.Level {
	if z, ok := l.(*zlogger); ok {
		return z.logger.GetLevel()
	}

	return zerolog.NoLevel
}
