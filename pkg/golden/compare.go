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

package golden

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/tombee/baton/pkg/canonical"
)

// maxReportedDiffs bounds the diff list returned for debugging; the
// first diff is always authoritative.
const maxReportedDiffs = 10

// FieldDiff is one semantic difference between two records.
type FieldDiff struct {
	// EventIndex is the position of the differing event.
	EventIndex int

	// Path is the field path within the event, e.g. "output.v".
	Path string

	// Actual and Expected are the differing values; nil means absent.
	Actual   any
	Expected any
}

func (d FieldDiff) String() string {
	return fmt.Sprintf("event[%d].%s: actual=%v expected=%v", d.EventIndex, d.Path, d.Actual, d.Expected)
}

// Report is the outcome of comparing two golden records.
type Report struct {
	// Equal is true when no semantic difference was found.
	Equal bool

	// MatchedEvents counts events equal before the first difference.
	MatchedEvents int

	// FirstDiffIndex is the index of the first differing event, or -1.
	FirstDiffIndex int

	// Diffs holds up to maxReportedDiffs field-level differences.
	Diffs []FieldDiff

	// CountMismatch is set when the records have different lengths;
	// a count mismatch is always the first structural difference.
	CountMismatch bool
}

// CompareOptions controls comparison semantics.
type CompareOptions struct {
	// IgnoreTimestamps strips top-level timestamp fields and any field
	// named duration_* before deep equality. Default true.
	IgnoreTimestamps bool
}

// Compare checks two event sequences for semantic equality. With
// timestamps ignored (the default for replay verification), two runs of
// the same spec with the same seed must compare equal.
func Compare(actual, expected []Event, opts *CompareOptions) (*Report, error) {
	if opts == nil {
		opts = &CompareOptions{IgnoreTimestamps: true}
	}

	report := &Report{FirstDiffIndex: -1}

	if len(actual) != len(expected) {
		report.CountMismatch = true
		report.FirstDiffIndex = minInt(len(actual), len(expected))
		report.Diffs = append(report.Diffs, FieldDiff{
			EventIndex: report.FirstDiffIndex,
			Path:       "(event count)",
			Actual:     len(actual),
			Expected:   len(expected),
		})
	}

	n := minInt(len(actual), len(expected))
	for i := 0; i < n; i++ {
		a, err := normalizeEvent(actual[i], opts)
		if err != nil {
			return nil, err
		}
		e, err := normalizeEvent(expected[i], opts)
		if err != nil {
			return nil, err
		}

		diffs := diffValues(i, "", a, e, maxReportedDiffs-len(report.Diffs))
		if len(diffs) == 0 {
			if report.FirstDiffIndex == -1 || i < report.FirstDiffIndex {
				report.MatchedEvents++
			}
			continue
		}

		if report.FirstDiffIndex == -1 {
			report.FirstDiffIndex = i
		}
		report.Diffs = append(report.Diffs, diffs...)
		if len(report.Diffs) >= maxReportedDiffs {
			break
		}
	}

	report.Equal = report.FirstDiffIndex == -1 && !report.CountMismatch
	return report, nil
}

// normalizeEvent converts an event to a comparable map, stripping
// excluded fields per the options.
func normalizeEvent(ev Event, opts *CompareOptions) (map[string]any, error) {
	data, err := canonical.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("normalize event: %w", err)
	}
	// Decode numbers as json.Number: a float64 round trip would make
	// distinct 64-bit seeds beyond 2^53 compare equal.
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("normalize event: %w", err)
	}
	if opts.IgnoreTimestamps {
		delete(m, "timestamp")
		// The replay flag is provenance, not semantics: a replay must
		// compare equal to the run it reproduces.
		delete(m, "replay")
		stripDurations(m)
	}
	return m, nil
}

// stripDurations removes every field named duration_* at any depth.
// Timing leaks into nested outputs the same way it leaks at the top.
func stripDurations(v any) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			if strings.HasPrefix(k, "duration_") {
				delete(val, k)
				continue
			}
			stripDurations(child)
		}
	case []any:
		for _, child := range val {
			stripDurations(child)
		}
	}
}

// diffValues collects up to limit field-level differences between two
// normalized values.
func diffValues(eventIndex int, path string, a, e any, limit int) []FieldDiff {
	if limit <= 0 {
		return nil
	}
	if reflect.DeepEqual(a, e) {
		return nil
	}

	am, aok := a.(map[string]any)
	em, eok := e.(map[string]any)
	if aok && eok {
		var diffs []FieldDiff
		for _, k := range unionKeys(am, em) {
			av, aHas := am[k]
			ev, eHas := em[k]
			childPath := joinPath(path, k)
			switch {
			case !aHas:
				diffs = append(diffs, FieldDiff{EventIndex: eventIndex, Path: childPath, Actual: nil, Expected: ev})
			case !eHas:
				diffs = append(diffs, FieldDiff{EventIndex: eventIndex, Path: childPath, Actual: av, Expected: nil})
			default:
				diffs = append(diffs, diffValues(eventIndex, childPath, av, ev, limit-len(diffs))...)
			}
			if len(diffs) >= limit {
				return diffs[:limit]
			}
		}
		return diffs
	}

	aa, aok := a.([]any)
	ee, eok := e.([]any)
	if aok && eok && len(aa) == len(ee) {
		var diffs []FieldDiff
		for i := range aa {
			diffs = append(diffs, diffValues(eventIndex, fmt.Sprintf("%s[%d]", path, i), aa[i], ee[i], limit-len(diffs))...)
			if len(diffs) >= limit {
				return diffs[:limit]
			}
		}
		return diffs
	}

	return []FieldDiff{{EventIndex: eventIndex, Path: path, Actual: a, Expected: e}}
}

func unionKeys(a, b map[string]any) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
