// Copyright 2026 Harbor AI Inc. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package sessions

import "strings"

// classifyRule maps an error-text pattern to an operator hint.
type classifyRule struct {
	pattern string
	hint    string
}

const (
	HintCredentials  = "likely missing or invalid credentials"
	HintConnectivity = "likely network or startup failure"
)

// classifyRules is evaluated in order against the lowercased error text.
// The result is an advisory hint for operators, never authoritative
// branching input.
var classifyRules = []classifyRule{
	{"unauthorized", HintCredentials},
	{"credential", HintCredentials},
	{"401", HintCredentials},
	{"forbidden", HintCredentials},
	{"permission denied", HintCredentials},
	{"authentication", HintCredentials},
	{"connection refused", HintConnectivity},
	{"no such host", HintConnectivity},
	{"timeout", HintConnectivity},
	{"deadline exceeded", HintConnectivity},
	{"never became reachable", HintConnectivity},
	{"unreachable", HintConnectivity},
	{"eof", HintConnectivity},
}

// Classify returns an advisory hint for an error, or "" when no rule
// matches.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	text := strings.ToLower(err.Error())
	for _, r := range classifyRules {
		if strings.Contains(text, r.pattern) {
			return r.hint
		}
	}
	return ""
}

// describeError renders the persisted error text, appending the hint when
// one applies.
func describeError(err error) string {
	if err == nil {
		return ""
	}
	if hint := Classify(err); hint != "" {
		return err.Error() + " (" + hint + ")"
	}
	return err.Error()
}
