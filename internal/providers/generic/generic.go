// Package generic attaches hosts that already exist somewhere else. It
// owns no cloud resources.
package generic

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/3cpo-dev/cloudworkers/internal/providers"
	"github.com/3cpo-dev/cloudworkers/internal/telemetry"
	"github.com/3cpo-dev/cloudworkers/pkg/api"
)

// Host describes a machine to attach.
type Host struct {
	Address string `validate:"required,hostname|ip"`
	User    string `validate:"required"`
	KeyPath string
	Port    int `validate:"gte=0,lte=65535"`
}

type Provider struct {
	host *Host
	log  zerolog.Logger
}

// New returns a driver that registers host under the next node name it is
// asked to create. host may be nil when only destroying.
func New(host *Host) *Provider {
	return &Provider{host: host, log: telemetry.Component("generic")}
}

func (p *Provider) Kind() string { return providers.KindGeneric }

// RequiresExistingNamespace is true: attaching a host never creates a fleet.
func (p *Provider) RequiresExistingNamespace() bool { return true }

// ConfigureParams has nothing to resolve.
func (p *Provider) ConfigureParams(context.Context, providers.ParamSources, providers.Ledger) (api.ProviderParams, error) {
	return api.ProviderParams{}, nil
}

func (p *Provider) EnsurePrerequisites(context.Context, providers.Ledger) error { return nil }

func (p *Provider) DestroySharedResources(context.Context, providers.Ledger) (bool, error) {
	return true, nil
}

func (p *Provider) CreateInstance(ctx context.Context, nodeName string, l providers.Ledger) (api.InstanceRecord, error) {
	if p.host == nil {
		return api.InstanceRecord{}, errors.New("generic: no host given")
	}
	if err := ctx.Err(); err != nil {
		return api.InstanceRecord{}, err
	}
	if err := validator.New().Struct(p.host); err != nil {
		return api.InstanceRecord{}, fmt.Errorf("generic host: %w", err)
	}
	attrs := []api.DeployAttr{{Key: api.AttrDefaultUser, Value: p.host.User}}
	if p.host.KeyPath != "" {
		attrs = append(attrs, api.DeployAttr{Key: api.AttrSSHKeyPath, Value: p.host.KeyPath})
	}
	if p.host.Port != 0 && p.host.Port != 22 {
		attrs = append(attrs, api.DeployAttr{Key: api.AttrSSHPort, Value: strconv.Itoa(p.host.Port)})
	}
	p.log.Info().Str("node", nodeName).Str("address", p.host.Address).Msg("Attached existing host")
	return api.InstanceRecord{
		NodeName:      nodeName,
		Provider:      p.Kind(),
		PublicAddress: p.host.Address,
		InstanceID:    p.host.Address,
		DeployAttrs:   attrs,
	}, nil
}

// DestroyInstances only forgets the records; the hosts keep running.
func (p *Provider) DestroyInstances(ctx context.Context, nodeNames []string, l providers.Ledger) (bool, error) {
	owned := map[string]bool{}
	for _, rec := range l.Instances() {
		owned[rec.NodeName] = true
	}
	for _, name := range nodeNames {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if !owned[name] {
			continue
		}
		if err := l.ForgetInstance(name); err != nil {
			return false, err
		}
		p.log.Info().Str("node", name).Msg("Detached host")
		l.Emit(providers.Event{Kind: providers.EventInstanceDeleted, Subject: name})
	}
	return true, nil
}
