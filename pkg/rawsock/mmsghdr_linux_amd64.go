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

//go:build linux && amd64

package rawsock

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmsghdr mirrors struct mmsghdr on amd64.
type mmsghdr struct {
	Hdr    unix.Msghdr
	MsgLen uint32
	_      uint32 // pads the struct to the C layout
}

func sendmmsg(fd int, msgs []mmsghdr, flags int) (int, error) {
	var p unsafe.Pointer

	if len(msgs) > 0 {
		p = unsafe.Pointer(&msgs[0])
	}

	r1, _, errno := unix.Syscall6(unix.SYS_SENDMMSG, uintptr(fd), uintptr(p),
		uintptr(len(msgs)), uintptr(flags), 0, 0)
	if errno != 0 {
		return int(r1), errno
	}

	return int(r1), nil
}
