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

package correlate

import (
	"sync"

	"github.com/carverauto/sweepcore/pkg/models"
)

const seenShards = 32

// seenSet records every (target, technique) that has produced an outcome.
// It grows with the number of resolved targets, never with the number of
// replies.
type seenSet struct {
	shards [seenShards]seenShard
}

type seenShard struct {
	mu   sync.Mutex
	keys map[models.OutcomeKey]struct{}
}

func newSeenSet() *seenSet {
	s := &seenSet{}

	for i := range s.shards {
		s.shards[i].keys = make(map[models.OutcomeKey]struct{})
	}

	return s
}

// insert adds k and reports whether it was absent.
func (s *seenSet) insert(k models.OutcomeKey) bool {
	sh := &s.shards[k.Hash()%seenShards]

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.keys[k]; ok {
		return false
	}

	sh.keys[k] = struct{}{}

	return true
}

func (s *seenSet) contains(k models.OutcomeKey) bool {
	sh := &s.shards[k.Hash()%seenShards]

	sh.mu.Lock()
	defer sh.mu.Unlock()

	_, ok := sh.keys[k]

	return ok
}

func (s *seenSet) len() int {
	n := 0

	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.keys)
		sh.mu.Unlock()
	}

	return n
}
