package core

import (
	"github.com/3cpo-dev/cloudworkers/internal/providers"
	"github.com/3cpo-dev/cloudworkers/pkg/api"
)

// ledger binds the engine's document to one provider kind. Every mutation
// is saved before it returns.
type ledger struct {
	e    *Engine
	kind string
}

func (e *Engine) ledger(kind string) *ledger { return &ledger{e: e, kind: kind} }

func (l *ledger) read(fn func(cfg *api.FleetConfig)) {
	l.e.mu.Lock()
	defer l.e.mu.Unlock()
	fn(l.e.cfg)
}

func (l *ledger) write(fn func(cfg *api.FleetConfig)) error {
	l.e.mu.Lock()
	defer l.e.mu.Unlock()
	return l.e.mutateLocked(func(cfg *api.FleetConfig) error {
		fn(cfg)
		return nil
	})
}

func (l *ledger) Network() (v string) {
	l.read(func(cfg *api.FleetConfig) { v = cfg.Network })
	return v
}

func (l *ledger) Namespace() (v string) {
	l.read(func(cfg *api.FleetConfig) { v = cfg.Namespace })
	return v
}

func (l *ledger) NamespaceNetwork() (v string) {
	l.read(func(cfg *api.FleetConfig) { v = cfg.NamespaceNetwork })
	return v
}

func (l *ledger) Default(key string) (v string) {
	l.read(func(cfg *api.FleetConfig) { v = cfg.Defaults[key] })
	return v
}

func (l *ledger) KeyPath(suffix string) string {
	return l.e.store.KeyPath(l.NamespaceNetwork(), suffix)
}

func (l *ledger) Params() (p api.ProviderParams, ok bool) {
	l.read(func(cfg *api.FleetConfig) { p, ok = cfg.ProviderParams[l.kind] })
	return p, ok
}

func (l *ledger) SaveParams(p api.ProviderParams) error {
	p.Credential = ""
	return l.write(func(cfg *api.FleetConfig) { cfg.ProviderParams[l.kind] = p })
}

func (l *ledger) Resource(kind string) (id string, ok bool) {
	l.read(func(cfg *api.FleetConfig) { id, ok = cfg.SharedResources[l.kind][kind] })
	return id, ok
}

func (l *ledger) RecordResource(kind, id string) error {
	return l.write(func(cfg *api.FleetConfig) {
		if cfg.SharedResources[l.kind] == nil {
			cfg.SharedResources[l.kind] = map[string]string{}
		}
		cfg.SharedResources[l.kind][kind] = id
	})
}

func (l *ledger) ForgetResource(kind string) error {
	return l.write(func(cfg *api.FleetConfig) {
		delete(cfg.SharedResources[l.kind], kind)
		if len(cfg.SharedResources[l.kind]) == 0 {
			delete(cfg.SharedResources, l.kind)
		}
	})
}

func (l *ledger) Instances() (out []api.InstanceRecord) {
	l.read(func(cfg *api.FleetConfig) { out = cfg.InstancesFor(l.kind) })
	return out
}

func (l *ledger) ForgetInstance(nodeName string) error {
	return l.write(func(cfg *api.FleetConfig) {
		if rec, ok := cfg.Instances[nodeName]; ok && rec.Provider == l.kind {
			delete(cfg.Instances, nodeName)
		}
	})
}

// Emit journals the event. Drivers log transitions themselves.
func (l *ledger) Emit(ev providers.Event) {
	if ev.Kind == providers.EventRetry {
		l.e.opts.Metrics.TeardownRetry(l.kind, ev.Subject)
	}
	l.e.log.Debug().Str("provider", l.kind).Str("event", ev.Kind).Str("subject", ev.Subject).Msg("Event")
	l.e.journal(l.kind, ev.Kind, ev.Subject, ev.Detail)
}
