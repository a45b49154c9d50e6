package config

import (
	"fmt"
	"sort"
	"strings"
)

// profileOverrides returns profiles.<name> from the file settings, to be
// shallow-merged over the top level.
func profileOverrides(settings map[string]any, name string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	profiles, _ := settings["profiles"].(map[string]any)
	if profiles == nil {
		return nil, fmt.Errorf("profile %q not found: config has no profiles", name)
	}
	ovAny, ok := profiles[name]
	if !ok {
		return nil, fmt.Errorf("profile %q not found (have %s)", name, strings.Join(profileNames(profiles), ", "))
	}
	if ovAny == nil {
		return map[string]any{}, nil
	}
	ov, ok := ovAny.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("profiles.%s must be a mapping", name)
	}
	if _, nested := ov["profiles"]; nested {
		return nil, fmt.Errorf("profiles.%s must not define profiles", name)
	}
	return cloneMap(ov), nil
}

// applyProfile shallow-merges profiles.<name> into the top level of settings.
func applyProfile(settings map[string]any, name string) (map[string]any, error) {
	ov, err := profileOverrides(settings, name)
	if err != nil {
		return nil, err
	}
	out := cloneMap(settings)
	for k, v := range ov {
		out[k] = v
	}
	return out, nil
}

func profileNames(profiles map[string]any) []string {
	names := make([]string, 0, len(profiles))
	for k := range profiles {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
