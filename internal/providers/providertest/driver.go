package providertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/3cpo-dev/cloudworkers/internal/providers"
	"github.com/3cpo-dev/cloudworkers/pkg/api"
)

// Driver is a scriptable providers.Driver. Calls records every capability
// invocation as "op" or "op:subject".
type Driver struct {
	mu sync.Mutex

	KindName string
	// Prereqs are the shared resource kinds, in creation order.
	Prereqs []string
	// Credential must be present in the explicit params or env under
	// CredentialVar when CredentialVar is set.
	CredentialVar string
	ExistingOnly  bool
	FailCreate    map[string]error
	FailDestroy   map[string]bool
	// IncompleteTeardowns makes that many teardown calls give up.
	IncompleteTeardowns int

	Calls    []string
	addrSeq  int
	Resolved api.ProviderParams
}

func NewDriver(kind string, prereqs ...string) *Driver {
	return &Driver{
		KindName:    kind,
		Prereqs:     prereqs,
		FailCreate:  map[string]error{},
		FailDestroy: map[string]bool{},
	}
}

func (d *Driver) call(s string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls = append(d.Calls, s)
}

// CallLog returns a copy of Calls.
func (d *Driver) CallLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.Calls...)
}

// Reset clears the call log.
func (d *Driver) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls = nil
}

func (d *Driver) Kind() string { return d.KindName }

func (d *Driver) RequiresExistingNamespace() bool { return d.ExistingOnly }

func (d *Driver) ConfigureParams(_ context.Context, src providers.ParamSources, l providers.Ledger) (api.ProviderParams, error) {
	d.call("configure")
	if d.CredentialVar != "" && providers.First(src.Explicit.Credential, src.Env.Get(d.CredentialVar)) == "" {
		return api.ProviderParams{}, &providers.MissingCredentialsError{Provider: d.KindName, Variable: d.CredentialVar}
	}
	persisted, _ := l.Params()
	p := api.ProviderParams{Region: providers.First(src.Explicit.Region, persisted.Region, "test-1")}
	if err := l.SaveParams(p); err != nil {
		return api.ProviderParams{}, err
	}
	d.mu.Lock()
	d.Resolved = p
	d.mu.Unlock()
	return p, nil
}

func (d *Driver) EnsurePrerequisites(ctx context.Context, l providers.Ledger) error {
	d.call("prerequisites")
	for _, kind := range d.Prereqs {
		if _, ok := l.Resource(kind); ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		d.call("create:" + kind)
		if err := l.RecordResource(kind, "id-"+kind); err != nil {
			return err
		}
		l.Emit(providers.Event{Kind: providers.EventResourceCreated, Subject: kind})
	}
	return nil
}

func (d *Driver) CreateInstance(ctx context.Context, nodeName string, l providers.Ledger) (api.InstanceRecord, error) {
	d.call("instance:" + nodeName)
	if err := ctx.Err(); err != nil {
		return api.InstanceRecord{}, err
	}
	for _, kind := range d.Prereqs {
		if _, ok := l.Resource(kind); !ok {
			return api.InstanceRecord{}, fmt.Errorf("%s missing", kind)
		}
	}
	d.mu.Lock()
	err := d.FailCreate[nodeName]
	if err == nil {
		d.addrSeq++
	}
	seq := d.addrSeq
	d.mu.Unlock()
	if err != nil {
		return api.InstanceRecord{}, providers.APIError(d.KindName, "create", nodeName, err)
	}
	return api.InstanceRecord{
		NodeName:      nodeName,
		Provider:      d.KindName,
		PublicAddress: fmt.Sprintf("192.0.2.%d", seq),
		InstanceID:    fmt.Sprintf("i-%d", seq),
		DeployAttrs:   []api.DeployAttr{{Key: api.AttrDefaultUser, Value: "root"}},
	}, nil
}

func (d *Driver) DestroyInstances(ctx context.Context, nodeNames []string, l providers.Ledger) (bool, error) {
	owned := map[string]bool{}
	for _, rec := range l.Instances() {
		owned[rec.NodeName] = true
	}
	ok := true
	for _, n := range nodeNames {
		if !owned[n] {
			continue
		}
		d.call("destroy:" + n)
		d.mu.Lock()
		fail := d.FailDestroy[n]
		d.mu.Unlock()
		if fail {
			ok = false
			continue
		}
		if err := l.ForgetInstance(n); err != nil {
			return false, err
		}
		l.Emit(providers.Event{Kind: providers.EventInstanceDeleted, Subject: n})
	}
	return ok, nil
}

func (d *Driver) DestroySharedResources(ctx context.Context, l providers.Ledger) (bool, error) {
	d.call("teardown")
	if len(l.Instances()) > 0 {
		return false, errors.New("shared resources still referenced by instances")
	}
	d.mu.Lock()
	giveUp := d.IncompleteTeardowns > 0
	if giveUp {
		d.IncompleteTeardowns--
	}
	d.mu.Unlock()
	for i := len(d.Prereqs) - 1; i >= 0; i-- {
		kind := d.Prereqs[i]
		if _, ok := l.Resource(kind); !ok {
			continue
		}
		if giveUp {
			l.Emit(providers.Event{Kind: providers.EventRetry, Subject: kind, Detail: "dependency violation"})
			return false, nil
		}
		d.call("delete:" + kind)
		if err := l.ForgetResource(kind); err != nil {
			return false, err
		}
	}
	return true, nil
}
