package types

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// MaxNameLength bounds entity ids, resource names and limit names.
	MaxNameLength = 128

	// NamespaceNamePattern is the accepted shape for namespace names:
	// letter-initial, then letters, digits and hyphens, at most 56 chars.
	NamespaceNamePattern = `^[A-Za-z][A-Za-z0-9-]{0,54}$`

	// NamespaceIDLength is the length of a generated namespace id.
	NamespaceIDLength = 11
)

var namespaceNameRe = regexp.MustCompile(NamespaceNamePattern)

// ValidationError reports a rejected input value.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// ValidateName checks entity ids, resource names and limit names: non-empty,
// at most MaxNameLength characters, no control characters, no slashes.
func ValidateName(field, s string) error {
	if s == "" {
		return &ValidationError{Field: field, Value: s, Reason: "must not be empty"}
	}
	if len(s) > MaxNameLength {
		return &ValidationError{Field: field, Value: s, Reason: fmt.Sprintf("must be at most %d characters", MaxNameLength)}
	}
	if strings.ContainsRune(s, '/') {
		return &ValidationError{Field: field, Value: s, Reason: "must not contain slashes"}
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return &ValidationError{Field: field, Value: s, Reason: "must not contain control characters"}
		}
	}
	return nil
}

// ValidateNamespaceName checks a human namespace name against
// NamespaceNamePattern.
func ValidateNamespaceName(name string) error {
	if !namespaceNameRe.MatchString(name) {
		return &ValidationError{Field: "namespace", Value: name, Reason: "must match " + NamespaceNamePattern}
	}
	return nil
}
