// Copyright 2026 The Matrix Secretary Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"embed"
	"fmt"
	"path/filepath"
	"strings"
)

//go:embed examples/*.jsonc
var exampleFiles embed.FS

// Examples returns the built-in example policies, parsed and
// validated. An error here indicates a bug in the embedded content,
// not a runtime condition.
func Examples() ([]*Policy, error) {
	entries, err := exampleFiles.ReadDir("examples")
	if err != nil {
		return nil, fmt.Errorf("reading embedded example directory: %w", err)
	}

	var policies []*Policy
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonc" {
			continue
		}

		path := "examples/" + entry.Name()
		data, err := exampleFiles.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading embedded example %s: %w", path, err)
		}

		document, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("parsing embedded example %s: %w", path, err)
		}

		if issues := Validate(document); len(issues) > 0 {
			return nil, fmt.Errorf("validating embedded example %s: %s", path, strings.Join(issues, "; "))
		}

		policies = append(policies, document)
	}
	return policies, nil
}
