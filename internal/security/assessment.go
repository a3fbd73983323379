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

package security

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/devflow-project/engine/internal/manifest"
)

// Severity is the risk level of one static-assessment finding.
type Severity string

// The severities a [Finding] may carry.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// TrustLevel is the overall trust derived from a [RiskReport]'s findings.
type TrustLevel string

// The trust levels a [RiskReport] may resolve to.
const (
	TrustHigh   TrustLevel = "high"
	TrustMedium TrustLevel = "medium"
	TrustLow    TrustLevel = "low"
)

// Finding is one pattern match against a plugin's entry-point source, or a
// hit against the configured vulnerable-package list.
type Finding struct {
	Severity Severity
	Family   string
	Message  string
}

// RiskReport is the outcome of a static assessment of one plugin.
type RiskReport struct {
	PluginID   manifest.PluginID
	Findings   []Finding
	TrustLevel TrustLevel
}

// patternFamily is one of the three pattern families the static assessment
// matches source text against.
type patternFamily struct {
	name     string
	severity Severity
	pattern  *regexp.Regexp
}

//nolint:gochecknoglobals // static pattern tables
var patternFamilies = []patternFamily{
	{
		name:     "filesystem",
		severity: SeverityMedium,
		pattern:  regexp.MustCompile(`(?i)\b(os\.Remove|rm\s+-rf|unlink|rmdir|DeleteFile)\b`),
	},
	{
		name:     "network",
		severity: SeverityMedium,
		pattern:  regexp.MustCompile(`(?i)\b(net\.Dial|http\.(Get|Post|Client)|socket\.connect|requests\.(get|post)|fetch\()\b`),
	},
	{
		name:     "reflection-ffi",
		severity: SeverityHigh,
		pattern:  regexp.MustCompile(`(?i)\b(unsafe\.Pointer|ctypes\.|reflect\.Value|eval\(|exec\(|child_process|subprocess\.)\b`),
	},
}

// Assess performs a static risk assessment of plugin's entry-point source
//: it matches source against three pattern
// families and cross-checks plugin's declared ecosystem dependencies against
// vulnerablePackages.
func Assess(plugin *manifest.Plugin, source []byte, vulnerablePackages []string) RiskReport {
	report := RiskReport{PluginID: plugin.ID}

	text := string(source)

	for _, family := range patternFamilies {
		for _, match := range family.pattern.FindAllString(text, -1) {
			report.Findings = append(report.Findings, Finding{
				Severity: family.severity,
				Family:   family.name,
				Message:  fmt.Sprintf("entry point matches %s pattern family: %q", family.name, match),
			})
		}
	}

	vulnerable := make(map[string]bool, len(vulnerablePackages))
	for _, name := range vulnerablePackages {
		vulnerable[strings.ToLower(name)] = true
	}

	for _, dep := range plugin.Dependencies {
		if dep.Kind.IsEcosystemPackage() && vulnerable[strings.ToLower(dep.Name)] {
			report.Findings = append(report.Findings, Finding{
				Severity: SeverityCritical,
				Family:   "vulnerable-dependency",
				Message:  fmt.Sprintf("dependency %q is on the vulnerable package list", dep.Name),
			})
		}
	}

	report.TrustLevel = deriveTrustLevel(report.Findings)

	return report
}

// deriveTrustLevel applies the rule: any High (or Critical) finding
// drops trust to Low; more than two Medium findings also drops it to Low; any
// single Medium finding drops it to Medium; otherwise trust is High.
func deriveTrustLevel(findings []Finding) TrustLevel {
	var mediumCount int

	for _, f := range findings {
		if f.Severity == SeverityHigh || f.Severity == SeverityCritical {
			return TrustLow
		}

		if f.Severity == SeverityMedium {
			mediumCount++
		}
	}

	if mediumCount > 2 {
		return TrustLow
	}

	if mediumCount > 0 {
		return TrustMedium
	}

	return TrustHigh
}

// Render formats a RiskReport as a short human-readable summary (spec
// SPEC_FULL supplement "risk report rendering").
func (r RiskReport) Render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "trust=%s findings=%d\n", r.TrustLevel, len(r.Findings))

	for _, f := range r.Findings {
		fmt.Fprintf(&b, "  [%s] %s: %s\n", f.Severity, f.Family, f.Message)
	}

	return b.String()
}
