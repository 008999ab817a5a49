// Copyright 2026 The Matrix Secretary Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// Parse strips JSONC comments and trailing commas from data, then
// unmarshals the result into a Policy. The input format is the same
// JSON stored in the policy table, extended with // line comments,
// /* block comments */, and trailing commas.
func Parse(data []byte) (*Policy, error) {
	stripped := jsonc.ToJSON(data)

	var document Policy
	if err := json.Unmarshal(stripped, &document); err != nil {
		return nil, fmt.Errorf("parsing policy: %w", err)
	}
	if document.PolicyKey == "" {
		return nil, fmt.Errorf("parsing policy: missing policy_key")
	}

	return &document, nil
}

// ReadFile reads a JSONC policy file from disk and parses it into a
// Policy. Returns a descriptive error if the file cannot be read or
// the JSON is malformed.
func ReadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	document, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return document, nil
}

// Encode serializes a policy to the canonical JSON stored in the
// policy table.
func (p *Policy) Encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding policy %q: %w", p.PolicyKey, err)
	}
	return data, nil
}
