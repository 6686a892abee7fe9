package policy

import "strings"

// EnvironmentClassifier decides whether the deployment is production.
type EnvironmentClassifier interface {
	IsProduction() bool
}

// StaticEnvironment is a fixed classification.
type StaticEnvironment bool

// IsProduction implements EnvironmentClassifier.
func (s StaticEnvironment) IsProduction() bool {
	return bool(s)
}

// NamedEnvironment classifies by deployment name; "production" and "prod"
// are production, case-insensitively.
type NamedEnvironment string

// IsProduction implements EnvironmentClassifier.
func (n NamedEnvironment) IsProduction() bool {
	switch strings.ToLower(strings.TrimSpace(string(n))) {
	case "production", "prod":
		return true
	default:
		return false
	}
}
