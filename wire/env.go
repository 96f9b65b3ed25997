package wire

import (
	"fmt"
	"sort"
	"strings"
)

// ParseEnv parses a list of "K=V" strings into a map, splitting each entry on
// the first '=' only, so values may themselves contain '='. An entry with no
// '=' maps the whole entry to the empty string.
func ParseEnv(envs []string) map[string]string {
	vars := make(map[string]string, len(envs))
	for _, env := range envs {
		k, v, found := strings.Cut(env, "=")
		if !found {
			vars[env] = ""
			continue
		}
		vars[k] = v
	}
	return vars
}

// FormatEnv renders a variable map as "K=V" strings in sorted key order.
func FormatEnv(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	envs := make([]string, 0, len(keys))
	for _, k := range keys {
		envs = append(envs, fmt.Sprintf("%s=%s", k, vars[k]))
	}
	return envs
}
