package permission

import (
	"context"
	"fmt"
	"os"

	"github.com/phrazzld/casework/internal/config"
	"gopkg.in/yaml.v3"
)

// Policy is the on-disk role table.
//
//	roles:
//	  - name: investigator
//	    capabilities: [task:submit, task:read]
//	    rate_limit: 120
//	    rate_window: 1m
type Policy struct {
	Roles []config.RoleConfig `yaml:"roles"`
}

// LoadPolicyFile reads and validates a YAML role table.
func LoadPolicyFile(path string) ([]config.RoleConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicy(raw)
}

// ParsePolicy decodes a YAML role table, rejecting unknown capabilities and
// duplicate role names.
func ParsePolicy(raw []byte) ([]config.RoleConfig, error) {
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if err := ValidateRoles(p.Roles); err != nil {
		return nil, err
	}
	return p.Roles, nil
}

// ValidateRoles checks role names and capability tokens.
func ValidateRoles(roles []config.RoleConfig) error {
	seen := make(map[string]bool, len(roles))
	for _, r := range roles {
		if r.Name == "" {
			return fmt.Errorf("policy: role without name")
		}
		if seen[r.Name] {
			return fmt.Errorf("policy: duplicate role %q", r.Name)
		}
		seen[r.Name] = true
		for _, c := range r.Capabilities {
			if _, err := ParseCapability(c); err != nil {
				return fmt.Errorf("policy: role %q: %w", r.Name, err)
			}
		}
	}
	return nil
}

// ResolveRoles picks the policy file when configured, inline roles otherwise.
func ResolveRoles(cfg config.PermissionsConfig) ([]config.RoleConfig, error) {
	if cfg.PolicyFile != "" {
		return LoadPolicyFile(cfg.PolicyFile)
	}
	if err := ValidateRoles(cfg.Roles); err != nil {
		return nil, err
	}
	return cfg.Roles, nil
}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored by WithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
