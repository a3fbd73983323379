// Copyright 2026 The DevFlow Authors
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

package manifest

import (
	"strconv"
	"strings"
)

// tuple is a parsed major.minor.patch version, used internally by the
// dependency constraint grammar. It is intentionally independent of the
// [semver] package: this grammar needs a case-insensitive
// string-equality fallback for unparseable candidates, which is a
// dependency-resolution concern specific to this engine rather than generic
// SemVer parsing (Plugin.Version itself is still parsed with
// [semver.Parse]).
type tuple struct {
	major, minor, patch uint64
}

// compare returns -1, 0, or 1 as a strict numeric comparison of t against o.
func (t tuple) compare(o tuple) int {
	if t.major != o.major {
		return cmpUint(t.major, o.major)
	}

	if t.minor != o.minor {
		return cmpUint(t.minor, o.minor)
	}

	return cmpUint(t.patch, o.patch)
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// parseTuple parses a numeric "major[.minor[.patch]]" string, as permitted by
// the dependency operand grammar (which allows "~1" and "~1.2" as well as
// full triples). Missing components default to 0. It rejects anything with a
// non-numeric component (including SemVer pre-release/build tags), so that
// callers fall back to string-equality matching for tag-like versions.
func parseTuple(raw string) (tuple, int, error) {
	parts := strings.Split(raw, ".")
	if len(parts) > 3 {
		return tuple{}, 0, strconv.ErrSyntax
	}

	nums := [3]uint64{}

	for i, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return tuple{}, 0, err
		}

		nums[i] = n
	}

	return tuple{major: nums[0], minor: nums[1], patch: nums[2]}, len(parts), nil
}

// A Constraint is a parsed dependency version specifier. It mirrors SemVer
// range semantics for its supported operators, and falls back to
// case-insensitive string equality for candidates that do not parse as a
// plain numeric version (tag-like versions such as "1.0.0-rc").
type Constraint struct {
	raw string

	// any reports whether this constraint matches every candidate
	// ("*", "latest", or the empty string).
	any bool

	// op is the comparator for this constraint: "", ">=", ">", "<=", "<",
	// "==", "!=", "^", or "~". Empty means "exact or string fallback".
	op string

	// operand is the parsed numeric operand, valid when hasOperand is true.
	operand    tuple
	hasOperand bool

	// operandDepth records how many components the operand specified, which
	// matters for "~X", "~X.Y", and "~X.Y.Z".
	operandDepth int
}

// ParseConstraint parses a dependency version specifier against this
// grammar: exact ("1.2.3"), wildcard ("*", "latest", ""), caret ("^1.2.3"),
// tilde ("~1.2.3", "~1.2", "~1"), and comparators (">=", ">", "<=", "<",
// "==", "!="). Specifiers whose operand does not parse as a plain numeric
// tuple (e.g. ">=1.0.0-rc") are kept as exact constraints that fall back to
// string equality in [Constraint.Satisfies].
func ParseConstraint(raw string) Constraint {
	trimmed := strings.TrimSpace(raw)

	switch trimmed {
	case "", "*", "latest":
		return Constraint{raw: raw, any: true}
	}

	for _, op := range []string{">=", "<=", "==", "!=", ">", "<"} {
		if rest, ok := strings.CutPrefix(trimmed, op); ok {
			return newOperandConstraint(raw, op, strings.TrimSpace(rest))
		}
	}

	if rest, ok := strings.CutPrefix(trimmed, "^"); ok {
		return newOperandConstraint(raw, "^", rest)
	}

	if rest, ok := strings.CutPrefix(trimmed, "~"); ok {
		return newOperandConstraint(raw, "~", rest)
	}

	return newOperandConstraint(raw, "", trimmed)
}

func newOperandConstraint(raw, op, operand string) Constraint {
	t, depth, err := parseTuple(operand)
	if err != nil {
		// Unparseable operand: keep the raw text for the string-equality
		// fallback in Satisfies.
		return Constraint{raw: raw, op: ""}
	}

	return Constraint{raw: raw, op: op, operand: t, hasOperand: true, operandDepth: depth}
}

// String returns the original specifier text.
func (c Constraint) String() string {
	return c.raw
}

// Satisfies reports whether candidate satisfies the constraint. If candidate
// fails to parse as a plain numeric version, the constraint falls back to
// case-insensitive string equality against the constraint's own raw text.
func (c Constraint) Satisfies(candidate string) bool {
	if c.any {
		return true
	}

	trimmedCandidate := strings.TrimSpace(candidate)

	got, _, err := parseTuple(trimmedCandidate)
	if err != nil || !c.hasOperand {
		return strings.EqualFold(trimmedCandidate, strings.TrimSpace(c.raw))
	}

	switch c.op {
	case "^":
		return satisfiesCaret(c.operand, got)
	case "~":
		return satisfiesTilde(c.operand, got, c.operandDepth)
	case ">=":
		return got.compare(c.operand) >= 0
	case ">":
		return got.compare(c.operand) > 0
	case "<=":
		return got.compare(c.operand) <= 0
	case "<":
		return got.compare(c.operand) < 0
	case "!=":
		return got.compare(c.operand) != 0
	default:
		return got.compare(c.operand) == 0
	}
}

// satisfiesCaret implements "^X.Y.Z": >= X.Y.Z and, for X>0, same major; for
// major 0, same minor; for 0.0.Z, exact build.
func satisfiesCaret(want, got tuple) bool {
	if got.compare(want) < 0 {
		return false
	}

	switch {
	case want.major > 0:
		return got.major == want.major
	case want.minor > 0:
		return got.major == 0 && got.minor == want.minor
	default:
		return got.major == 0 && got.minor == 0 && got.patch == want.patch
	}
}

// CompareVersions orders two plain version strings the same way Satisfies
// compares a resolved candidate against an operand: numerically when both
// parse as a major[.minor[.patch]] tuple, falling back to a lexical
// comparison otherwise. The resolver uses this to pick the highest version
// satisfying a constraint.
func CompareVersions(a, b string) int {
	ta, _, errA := parseTuple(strings.TrimSpace(a))
	tb, _, errB := parseTuple(strings.TrimSpace(b))

	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}

	return ta.compare(tb)
}

// satisfiesTilde implements "~X.Y.Z" (same major+minor, >= patch),
// "~X.Y" (same major+minor), and "~X" (same major).
func satisfiesTilde(want, got tuple, depth int) bool {
	switch depth {
	case 1:
		return got.major == want.major
	case 2:
		return got.major == want.major && got.minor == want.minor
	default:
		return got.major == want.major && got.minor == want.minor && got.compare(want) >= 0
	}
}
