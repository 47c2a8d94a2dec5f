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

//go:build !linux || !(amd64 || arm64 || 386)

package rawsock

import (
	"fmt"

	"github.com/carverauto/sweepcore/pkg/engine"
)

// Sender is unavailable on this platform.
type Sender struct{}

func OpenSender() (*Sender, error) {
	return nil, fmt.Errorf("%w: %w", engine.ErrResourceFatal, ErrUnsupportedPlatform)
}

func (*Sender) Send([]byte) error { return ErrUnsupportedPlatform }

func (*Sender) SendBatch([][]byte) (int, error) { return 0, ErrUnsupportedPlatform }

func (*Sender) Close() error { return nil }
