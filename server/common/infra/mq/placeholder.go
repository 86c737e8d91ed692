package mq

import "strings"

var placeholderFragments = []string{
	"dummy",
	"placeholder",
	"localhost",
	"example.com",
	"your-namespace",
	"sharedaccesskey=key",
	"sharedaccesskey=xxx",
	"sharedaccesskey=<",
	"sharedaccesskey=your",
	"sharedaccesskeyname=your",
}

// IsPlaceholderConnectionString reports whether s looks like a stand-in value
// copied from a template rather than a reachable broker.
func IsPlaceholderConnectionString(s string) bool {
	lower := strings.ToLower(s)
	for _, fragment := range placeholderFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// IsUsableConnectionString is false for blank and placeholder values.
func IsUsableConnectionString(s string) bool {
	return strings.TrimSpace(s) != "" && !IsPlaceholderConnectionString(s)
}
