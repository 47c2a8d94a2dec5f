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

import (
	"container/heap"
	"time"

	"github.com/carverauto/sweepcore/pkg/models"
	"github.com/carverauto/sweepcore/pkg/tracker"
)

// deadline is one scheduled timeout. Tracked deadlines carry the tracker
// handle; stateless ones are UDP retransmissions keyed by target, or loss
// samples when watch is set.
type deadline struct {
	at        time.Time
	target    models.Target
	technique models.Technique
	handle    tracker.Handle
	tracked   bool
	watch     bool
	attempt   int
}

// deadlineHeap is a min-heap on at.
type deadlineHeap []deadline

var _ heap.Interface = (*deadlineHeap)(nil)

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }

func (h deadlineHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *deadlineHeap) Push(x any) { *h = append(*h, x.(deadline)) }

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = deadline{}
	*h = old[:n-1]

	return d
}

func (h *deadlineHeap) push(d deadline) { heap.Push(h, d) }

// due pops every deadline at or before now.
func (h *deadlineHeap) due(now time.Time) []deadline {
	var out []deadline

	for h.Len() > 0 && !(*h)[0].at.After(now) {
		out = append(out, heap.Pop(h).(deadline))
	}

	return out
}

// next is the earliest pending deadline.
func (h deadlineHeap) next() (time.Time, bool) {
	if len(h) == 0 {
		return time.Time{}, false
	}

	return h[0].at, true
}
