package configure

import (
	"time"

	"github.com/3cpo-dev/cloudworkers/pkg/api"
)

// MergeByAddress folds results into the records whose public address
// matches, because executors only know hosts by address. Records of hosts
// that produced output without failing become configured. It returns the updated node names
// and the addresses no record matched.
func MergeByAddress(cfg *api.FleetConfig, res Results, now time.Time) (updated, unmatched []string) {
	byAddr := map[string][]string{}
	for _, name := range cfg.NodeNames() {
		addr := cfg.Instances[name].PublicAddress
		byAddr[addr] = append(byAddr[addr], name)
	}
	addrs := map[string]bool{}
	for _, a := range res.Seen {
		addrs[a] = true
	}
	for a := range res.Captured {
		addrs[a] = true
	}
	failed := map[string]bool{}
	for _, a := range res.Failed {
		failed[a] = true
	}
	touched := map[string]bool{}
	for _, addr := range sortedKeys(addrs) {
		names := byAddr[addr]
		if len(names) == 0 {
			unmatched = append(unmatched, addr)
			continue
		}
		for _, name := range names {
			rec := cfg.Instances[name]
			if values := res.Captured[addr]; len(values) > 0 {
				if rec.Captured == nil {
					rec.Captured = map[string]string{}
				}
				for k, v := range values {
					rec.Captured[k] = v
				}
			}
			if !failed[addr] {
				rec.Status = api.NodeConfigured
				t := now.UTC()
				rec.ConfiguredAt = &t
			}
			cfg.Instances[name] = rec
			touched[name] = true
		}
	}
	return sortedKeys(touched), unmatched
}
