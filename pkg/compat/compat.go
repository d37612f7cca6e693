// Package compat implements the host/extension interface-version compatibility rule.
package compat

import (
	"fmt"

	masterminds "github.com/Masterminds/semver/v3"

	"github.com/morezero/extension-bridge/pkg/envelope"
)

// Rule holds the host's interface version and an optional extra constraint
// range (e.g. ">=1.2.0"). The zero Rule accepts nothing; build one with NewRule.
type Rule struct {
	Host       *masterminds.Version
	Constraint *masterminds.Constraints
}

// NewRule parses the host interface version and an optional constraint range.
// An empty constraint string means no extra constraint.
func NewRule(hostVersion, constraint string) (*Rule, error) {
	host, err := masterminds.NewVersion(hostVersion)
	if err != nil {
		return nil, fmt.Errorf("compat: invalid host interface version %q: %w", hostVersion, err)
	}

	r := &Rule{Host: host}
	if constraint != "" {
		c, err := masterminds.NewConstraint(constraint)
		if err != nil {
			return nil, fmt.Errorf("compat: invalid compatibility range %q: %w", constraint, err)
		}
		r.Constraint = c
	}
	return r, nil
}

// Check verifies an extension's self-reported interface version against the
// rule. The rule is deterministic:
//
//  1. The version must parse as semver.
//  2. Its major version must equal the host's major version exactly.
//  3. It must not be newer than the host's version (semver precedence), i.e.
//     an extension built against a newer minor/patch of the interface is
//     rejected.
//  4. If an extra constraint range is configured, the version must satisfy it.
//
// On violation Check returns a LoadError with code INCOMPATIBLE_VERSION.
func (r *Rule) Check(extVersion string) (*masterminds.Version, error) {
	v, err := masterminds.NewVersion(extVersion)
	if err != nil {
		return nil, envelope.NewLoadError(envelope.ErrCodeIncompatibleVersion,
			"unparseable interface version %q: %v", extVersion, err)
	}

	if v.Major() != r.Host.Major() {
		return nil, envelope.NewLoadError(envelope.ErrCodeIncompatibleVersion,
			"interface major %d does not match host major %d (host %s)", v.Major(), r.Host.Major(), r.Host)
	}

	if v.GreaterThan(r.Host) {
		return nil, envelope.NewLoadError(envelope.ErrCodeIncompatibleVersion,
			"interface version %s is newer than host %s", v, r.Host)
	}

	if r.Constraint != nil && !r.Constraint.Check(v) {
		return nil, envelope.NewLoadError(envelope.ErrCodeIncompatibleVersion,
			"interface version %s outside host compatibility range %s", v, r.Constraint)
	}

	return v, nil
}
