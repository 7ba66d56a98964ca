package providers

import (
	"context"

	"github.com/3cpo-dev/cloudworkers/pkg/api"
)

// Driver kinds.
const (
	KindAWS          = "aws"
	KindDigitalOcean = "digitalocean"
	KindHetzner      = "hetzner"
	KindGeneric      = "generic"
)

// Event names reported through Ledger.Emit.
const (
	EventResourceCreated = "resource_created"
	EventResourceDeleted = "resource_deleted"
	EventRetry           = "retry"
	EventInstanceCreated = "instance_created"
	EventInstanceDeleted = "instance_deleted"
	EventInstanceFailed  = "instance_failed"
)

// Event is a state transition reported by a driver as it happens.
type Event struct {
	Kind    string
	Subject string
	Detail  string
}

// Ledger is the driver's handle on the persisted fleet state, bound to one
// provider kind. Every mutating call is persisted before it returns.
type Ledger interface {
	Network() string
	Namespace() string
	// NamespaceNetwork is the dated label used for cloud names and tags.
	NamespaceNetwork() string
	// Default returns the fleet-wide default value for key.
	Default(key string) string
	// KeyPath returns the local path for a key file this driver owns.
	KeyPath(suffix string) string

	Params() (api.ProviderParams, bool)
	SaveParams(p api.ProviderParams) error

	Resource(kind string) (string, bool)
	RecordResource(kind, id string) error
	ForgetResource(kind string) error

	// Instances returns the records owned by this provider.
	Instances() []api.InstanceRecord
	ForgetInstance(nodeName string) error

	Emit(ev Event)
}

// ParamSources holds the inputs ConfigureParams resolves from, in order:
// Explicit, then persisted params, then Env, then driver defaults.
type ParamSources struct {
	Explicit api.ProviderParams
	Env      Env
}

// Driver is the capability set every provider backend implements.
type Driver interface {
	Kind() string
	// ConfigureParams resolves and persists the driver settings. It must
	// return a MissingCredentialsError before touching state when a
	// required credential is absent.
	ConfigureParams(ctx context.Context, src ParamSources, l Ledger) (api.ProviderParams, error)
	// EnsurePrerequisites creates the missing part of the shared resource chain.
	EnsurePrerequisites(ctx context.Context, l Ledger) error
	// CreateInstance creates a node and blocks until it is reachable.
	CreateInstance(ctx context.Context, nodeName string, l Ledger) (api.InstanceRecord, error)
	// DestroyInstances terminates the named nodes, forgetting each record as
	// soon as its termination is confirmed. It reports whether all succeeded.
	DestroyInstances(ctx context.Context, nodeNames []string, l Ledger) (bool, error)
	// DestroySharedResources tears the chain down in reverse order. A false
	// result with a nil error means teardown is incomplete and can be rerun.
	DestroySharedResources(ctx context.Context, l Ledger) (bool, error)
}

// ExistingNamespaceOnly is implemented by drivers that refuse to initialise
// a namespace.
type ExistingNamespaceOnly interface {
	RequiresExistingNamespace() bool
}

// RequiresExistingNamespace reports whether d may only operate on saved namespaces.
func RequiresExistingNamespace(d Driver) bool {
	if x, ok := d.(ExistingNamespaceOnly); ok {
		return x.RequiresExistingNamespace()
	}
	return false
}

// Env is a snapshot of the process environment taken once at startup.
type Env map[string]string

func (e Env) Get(key string) string { return e[key] }

// First returns the first non-empty value.
func First(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
