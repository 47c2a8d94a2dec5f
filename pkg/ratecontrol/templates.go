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

package ratecontrol

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrUnknownTemplate = errors.New("unknown timing template")

// Template is a named timing preset, T0 (paranoid) through T5 (insane).
type Template struct {
	Level       int
	Name        string
	MinRate     float64
	MaxRate     float64
	InitialRTT  time.Duration
	MinRTT      time.Duration
	MaxRTT      time.Duration
	MaxRetries  int
	HostTimeout time.Duration
	// ScanDelay is the fixed gap between probes; zero means the window
	// alone decides.
	ScanDelay time.Duration
}

var templates = [...]Template{
	{
		Level: 0, Name: "paranoid",
		MinRate: 1.0 / 300, MaxRate: 1.0 / 300,
		InitialRTT: 5 * time.Minute, MinRTT: 100 * time.Millisecond, MaxRTT: 5 * time.Minute,
		MaxRetries: 10, ScanDelay: 5 * time.Minute,
	},
	{
		Level: 1, Name: "sneaky",
		MinRate: 1.0 / 15, MaxRate: 1.0 / 15,
		InitialRTT: 15 * time.Second, MinRTT: 100 * time.Millisecond, MaxRTT: 15 * time.Second,
		MaxRetries: 10, ScanDelay: 15 * time.Second,
	},
	{
		Level: 2, Name: "polite",
		MinRate: 2.5, MaxRate: 2.5,
		InitialRTT: time.Second, MinRTT: 100 * time.Millisecond, MaxRTT: 10 * time.Second,
		MaxRetries: 10, ScanDelay: 400 * time.Millisecond,
	},
	{
		Level: 3, Name: "normal",
		MinRate: 1, MaxRate: 10_000,
		InitialRTT: time.Second, MinRTT: 100 * time.Millisecond, MaxRTT: 10 * time.Second,
		MaxRetries: 10,
	},
	{
		Level: 4, Name: "aggressive",
		MinRate: 10, MaxRate: 100_000,
		InitialRTT: 500 * time.Millisecond, MinRTT: 100 * time.Millisecond, MaxRTT: 1250 * time.Millisecond,
		MaxRetries: 6, HostTimeout: 15 * time.Minute,
	},
	{
		Level: 5, Name: "insane",
		MinRate: 100, MaxRate: 1_000_000,
		InitialRTT: 250 * time.Millisecond, MinRTT: 50 * time.Millisecond, MaxRTT: 300 * time.Millisecond,
		MaxRetries: 2, HostTimeout: 15 * time.Minute,
	},
}

// DefaultTemplate is T3.
func DefaultTemplate() Template {
	return templates[3]
}

// Templates returns every preset in level order.
func Templates() []Template {
	return append([]Template(nil), templates[:]...)
}

// LookupTemplate accepts "T0".."T5", "0".."5" or the preset name.
func LookupTemplate(s string) (Template, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.TrimPrefix(key, "t")

	for _, t := range templates {
		if key == t.Name || key == fmt.Sprint(t.Level) {
			return t, nil
		}
	}

	return Template{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, s)
}

func (t Template) String() string {
	return fmt.Sprintf("T%d (%s)", t.Level, t.Name)
}

// Config converts the preset into a controller configuration.
func (t Template) Config() Config {
	return Config{
		MinRate:    t.MinRate,
		MaxRate:    t.MaxRate,
		InitialRTT: t.InitialRTT,
		MinRTO:     t.MinRTT,
		MaxRTO:     t.MaxRTT,
	}
}
