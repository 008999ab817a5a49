// Copyright 2026 The Matrix Secretary Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import "strings"

// aliasDigraphs transliterates German umlauts and sharp s before the
// character filter strips everything outside [A-Za-z0-9_].
var aliasDigraphs = strings.NewReplacer(
	"ä", "ae",
	"ö", "oe",
	"ü", "ue",
	"Ä", "Ae",
	"Ö", "Oe",
	"Ü", "Ue",
	"ß", "ss",
	" ", "_",
)

// EscapeAsAlias sanitizes a string into a Matrix alias localpart:
// umlauts become digraphs, spaces become underscores, every other
// character outside [A-Za-z0-9_] is dropped, and the result is
// lower-cased. EscapeAsAlias("Büro Raum") returns "buero_raum".
func EscapeAsAlias(name string) string {
	replaced := aliasDigraphs.Replace(name)
	var builder strings.Builder
	builder.Grow(len(replaced))
	for _, r := range replaced {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			builder.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			builder.WriteRune(r - 'A' + 'a')
		}
	}
	return builder.String()
}
