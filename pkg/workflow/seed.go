// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
)

// StepSeed derives the deterministic seed for a step from the run's
// base seed and the step's schedule index. The derivation is
// SHA-256(LE64(base) || LE64(index)) truncated to its first 8 bytes,
// read little-endian. It is a pure function, so a replayed run with the
// same base seed reproduces every step seed exactly.
func StepSeed(base uint64, stepIndex int) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], base)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(stepIndex))
	sum := sha256.Sum256(buf[:])
	return binary.LittleEndian.Uint64(sum[:8])
}

// seededJitter returns a deterministic jitter fraction in [0, 1) for a
// retry attempt, drawn from a PRNG keyed by the step seed. Backoff
// delays are therefore reproducible under replay.
func seededJitter(stepSeed uint64, attempt int) float64 {
	mixed := stepSeed ^ uint64(attempt)*0x9e3779b97f4a7c15
	rng := rand.New(rand.NewSource(int64(mixed)))
	return rng.Float64()
}
