package configure

import (
	"sort"

	"github.com/3cpo-dev/cloudworkers/pkg/api"
)

// HostOverrideKeys are the fleet defaults that can be set per host.
var HostOverrideKeys = []string{api.DefaultBlockchainProvider, api.DefaultImage, api.DefaultSentryDSN, api.DefaultGasStrategy}

// ResolveHostVars picks each key's value independently: a non-empty
// override wins, then a non-empty persisted host value, then the fleet
// default.
func ResolveHostVars(defaults, host, overrides map[string]string) map[string]string {
	keys := map[string]struct{}{}
	for _, m := range []map[string]string{defaults, host, overrides} {
		for k := range m {
			keys[k] = struct{}{}
		}
	}
	out := make(map[string]string, len(keys))
	for k := range keys {
		switch {
		case overrides[k] != "":
			out[k] = overrides[k]
		case host[k] != "":
			out[k] = host[k]
		default:
			out[k] = defaults[k]
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
