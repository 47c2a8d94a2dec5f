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

package engine

import "errors"

var (
	// ErrTransient marks a send failure worth retrying, such as a full
	// socket buffer.
	ErrTransient = errors.New("transient failure")
	// ErrResourceFatal ends the session: the interface or socket is gone.
	ErrResourceFatal = errors.New("resource failure")

	ErrNoTransmitter    = errors.New("raw techniques need a transmitter")
	ErrNoReceiver       = errors.New("raw techniques need a receiver")
	ErrNoEmitter        = errors.New("an emitter is required")
	ErrZombieUnsuitable = errors.New("zombie is unsuitable for an idle scan")
	ErrAlreadyRunning   = errors.New("session has already been run")
)
