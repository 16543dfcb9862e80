package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"lienchain/crypto"
	"lienchain/native/roles"
)

// RoleAllocation maps intrinsic role names to the bech32 addresses assigned
// at deployment.
type RoleAllocation struct {
	Roles map[string][]string `yaml:"roles"`
}

// LoadRoleAllocation parses the YAML role allocation file.
func LoadRoleAllocation(path string) (*RoleAllocation, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	alloc := &RoleAllocation{}
	if err := yaml.Unmarshal(raw, alloc); err != nil {
		return nil, fmt.Errorf("config: role allocation %s: %w", path, err)
	}
	return alloc, nil
}

// Apply grants every allocated role on the registry. Only intrinsic roles may
// be allocated from configuration; lifecycle roles are granted solely by the
// engine.
func (a *RoleAllocation) Apply(registry *roles.Registry) error {
	if a == nil {
		return nil
	}
	for name, addrs := range a.Roles {
		role, known := roles.ByName(name)
		if !known {
			return fmt.Errorf("config: unknown role %q", name)
		}
		if !role.Intrinsic() {
			return fmt.Errorf("config: role %q is lifecycle-managed and cannot be allocated", name)
		}
		for _, encoded := range addrs {
			addr, err := crypto.DecodeAddress(encoded)
			if err != nil {
				return fmt.Errorf("config: role %q address %q: %w", name, encoded, err)
			}
			registry.Grant(role, addr.Raw())
		}
	}
	return nil
}
