// Package providertest provides an in-memory Ledger for driver tests.
package providertest

import (
	"path/filepath"
	"sort"
	"sync"

	"github.com/3cpo-dev/cloudworkers/internal/providers"
	"github.com/3cpo-dev/cloudworkers/pkg/api"
)

// Ledger is an in-memory providers.Ledger. Saves counts persisted mutations.
type Ledger struct {
	mu        sync.Mutex
	Dir       string
	Kind      string
	Defaults  map[string]string
	Stored    *api.ProviderParams
	Resources map[string]string
	Records   map[string]api.InstanceRecord
	Events    []providers.Event
	Saves     int
	// FailSave makes every mutation fail with this error.
	FailSave error
}

func NewLedger(dir, kind string) *Ledger {
	return &Ledger{
		Dir:       dir,
		Kind:      kind,
		Defaults:  map[string]string{},
		Resources: map[string]string{},
		Records:   map[string]api.InstanceRecord{},
	}
}

func (l *Ledger) Network() string          { return "lynx" }
func (l *Ledger) Namespace() string        { return "alpha" }
func (l *Ledger) NamespaceNetwork() string { return "lynx-alpha-2026-03-04" }

func (l *Ledger) Default(key string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Defaults[key]
}

func (l *Ledger) KeyPath(suffix string) string {
	return filepath.Join(l.Dir, l.NamespaceNetwork()+"."+suffix)
}

func (l *Ledger) Params() (api.ProviderParams, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Stored == nil {
		return api.ProviderParams{}, false
	}
	return *l.Stored, true
}

func (l *Ledger) SaveParams(p api.ProviderParams) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailSave != nil {
		return l.FailSave
	}
	p.Credential = ""
	l.Stored = &p
	l.Saves++
	return nil
}

func (l *Ledger) Resource(kind string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.Resources[kind]
	return id, ok
}

func (l *Ledger) RecordResource(kind, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailSave != nil {
		return l.FailSave
	}
	l.Resources[kind] = id
	l.Saves++
	return nil
}

func (l *Ledger) ForgetResource(kind string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailSave != nil {
		return l.FailSave
	}
	delete(l.Resources, kind)
	l.Saves++
	return nil
}

func (l *Ledger) Instances() []api.InstanceRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.Records))
	for n := range l.Records {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]api.InstanceRecord, 0, len(names))
	for _, n := range names {
		out = append(out, l.Records[n].Clone())
	}
	return out
}

func (l *Ledger) ForgetInstance(nodeName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailSave != nil {
		return l.FailSave
	}
	delete(l.Records, nodeName)
	l.Saves++
	return nil
}

func (l *Ledger) Emit(ev providers.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Events = append(l.Events, ev)
}

// AddInstance seeds a record owned by this ledger's provider.
func (l *Ledger) AddInstance(rec api.InstanceRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec.Provider == "" {
		rec.Provider = l.Kind
	}
	l.Records[rec.NodeName] = rec
}

// EventKinds returns the kinds of all emitted events in order.
func (l *Ledger) EventKinds() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.Events))
	for _, e := range l.Events {
		out = append(out, e.Kind+":"+e.Subject)
	}
	return out
}
