package store

import "strings"

// placeholderList returns "?,?,?" for n placeholders.
func placeholderList(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

// keysToArgs prefixes keys with target for "target_id = ? AND key IN (...)".
func keysToArgs(target int, keys []string) []any {
	args := make([]any, 0, len(keys)+1)
	args = append(args, target)
	for _, k := range keys {
		args = append(args, k)
	}
	return args
}

// chunks splits keys so a single statement stays under SQLite's bound
// parameter limit.
func chunks(keys []string, size int) [][]string {
	var out [][]string
	for len(keys) > size {
		out = append(out, keys[:size])
		keys = keys[size:]
	}
	if len(keys) > 0 {
		out = append(out, keys)
	}
	return out
}
