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

// Package canonical provides the canonical JSON encoding that defines
// object identity throughout the system: lexicographically sorted object
// keys, no insignificant whitespace, UTF-8, and normalized numbers.
// SHA-256 over this encoding is the content hash; the 16-hex-character
// prefix is used where storage savings justify it.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// HashPrefixLen is the number of hex characters kept when a shortened
// content hash is stored (checkpoint rows, golden step hashes).
const HashPrefixLen = 16

// Marshal encodes v into canonical JSON. Two values that are JSON-equal
// produce byte-identical output regardless of map insertion order or the
// concrete Go numeric type carrying the value.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the full SHA-256 digest of the canonical encoding of v.
func Hash(v any) ([32]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// HashHex returns the full SHA-256 digest of the canonical encoding of v
// as a lowercase hex string.
func HashHex(v any) (string, error) {
	sum, err := Hash(v)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum[:]), nil
}

// HashPrefix returns the 16-hex-character prefix of the SHA-256 digest of
// the canonical encoding of v.
func HashPrefix(v any) (string, error) {
	full, err := HashHex(v)
	if err != nil {
		return "", err
	}
	return full[:HashPrefixLen], nil
}

// encode writes the canonical form of v to buf.
//
// Arbitrary Go values are first normalized through encoding/json so that
// struct tags, json.Marshaler implementations, and numeric conversions
// behave exactly as they would in a plain json.Marshal call. Only the
// container types that encoding/json itself produces are walked directly.
func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		return encodeString(buf, val)
	case json.Number:
		return encodeNumber(buf, val.String())
	case float64:
		return encodeFloat(buf, val)
	case float32:
		return encodeFloat(buf, float64(val))
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
		return nil
	case int8:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
		return nil
	case int16:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
		return nil
	case int32:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
		return nil
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
		return nil
	case uint:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
		return nil
	case uint8:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
		return nil
	case uint16:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
		return nil
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
		return nil
	case uint64:
		buf.WriteString(strconv.FormatUint(val, 10))
		return nil
	case map[string]any:
		return encodeObject(buf, val)
	case []any:
		return encodeArray(buf, val)
	default:
		// Normalize everything else (structs, typed maps/slices, pointers)
		// through encoding/json, then re-encode canonically.
		normalized, err := normalize(v)
		if err != nil {
			return err
		}
		return encode(buf, normalized)
	}
}

func encodeObject(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encode(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, a []any) error {
	buf.WriteByte('[')
	for i, v := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, v); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// encodeString delegates to encoding/json for escaping so that the output
// matches what readers of the record expect from any JSON tooling.
// HTML escaping is disabled: '<', '>', and '&' stay literal.
func encodeString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("encode string: %w", err)
	}
	// json.Encoder appends a newline; canonical form has none.
	buf.Truncate(buf.Len() - 1)
	return nil
}

// encodeFloat writes a float without a trailing ".0" for integral values
// and without superfluous zeros otherwise. NaN and infinities are not
// representable in JSON and are rejected.
func encodeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("cannot encode %v as JSON", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

// encodeNumber re-normalizes a json.Number literal. Integers are kept
// exact across the full int64 and uint64 ranges; only genuinely
// fractional literals take the float path.
func encodeNumber(buf *bytes.Buffer, s string) error {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		buf.WriteString(strconv.FormatUint(u, 10))
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number literal %q: %w", s, err)
	}
	return encodeFloat(buf, f)
}

// normalize round-trips v through encoding/json, producing only
// map[string]any, []any, string, json.Number, bool, and nil. Numbers
// are decoded as json.Number so integers beyond 2^53 survive the
// round trip exactly.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize value: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("normalize value: %w", err)
	}
	return out, nil
}
