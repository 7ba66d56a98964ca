package aws

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/rs/zerolog"

	"github.com/3cpo-dev/cloudworkers/internal/providers"
	"github.com/3cpo-dev/cloudworkers/internal/telemetry"
	"github.com/3cpo-dev/cloudworkers/pkg/api"
)

// Shared resource kinds, in creation order.
const (
	ResKeypair           = "keypair"
	ResVPC               = "vpc"
	ResGateway           = "internet_gateway"
	ResGatewayAttachment = "gateway_attachment"
	ResRouteTable        = "route_table"
	ResDefaultRoute      = "default_route"
	ResSubnet            = "subnet"
	ResRouteAssociation  = "route_table_association"
	ResSecurityGroup     = "security_group"
	ResIngress           = "security_group_ingress"
)

const (
	vpcCIDR       = "172.16.0.0/16"
	subnetCIDR    = "172.16.1.0/24"
	anywhereCIDR  = "0.0.0.0/0"
	defaultUser   = "ubuntu"
	keyFileExt    = "awskeypair"
	defaultType   = "t3.small"
	defaultRegion = "us-east-1"
)

// IngressPorts are opened to the world on the fleet security group.
var IngressPorts = []int64{22, 9151, 9101}

// DefaultAMIs are Ubuntu 20.04 LTS images per region.
var DefaultAMIs = map[string]string{
	"us-east-1":      "ami-09e67e426f25ce0d7",
	"us-east-2":      "ami-00399ec92321828f5",
	"us-west-1":      "ami-0d382e80be7ffdae5",
	"us-west-2":      "ami-03d5c68bab01f3496",
	"eu-central-1":   "ami-05f7491af5eef733a",
	"eu-west-1":      "ami-0a8e758f5e873d1c1",
	"eu-west-2":      "ami-0194c3e07668a7e36",
	"eu-west-3":      "ami-0f7cd40eac2214b37",
	"eu-north-1":     "ami-0ff338189efb7ed37",
	"ap-south-1":     "ami-0c1a7f89451184c8b",
	"ap-northeast-1": "ami-0df99b3a8349462c6",
	"ap-northeast-2": "ami-04876f29fd3a5e8ba",
	"ap-southeast-1": "ami-0d058fe428540cd89",
	"ap-southeast-2": "ami-0567f647e75c7bc05",
	"ca-central-1":   "ami-0801628222e2e96d6",
	"sa-east-1":      "ami-0e66f5495b4efdd0f",
}

// EC2API is the subset of the EC2 client the driver uses. *ec2.EC2 satisfies it.
type EC2API interface {
	CreateKeyPairWithContext(aws.Context, *ec2.CreateKeyPairInput, ...request.Option) (*ec2.CreateKeyPairOutput, error)
	DeleteKeyPairWithContext(aws.Context, *ec2.DeleteKeyPairInput, ...request.Option) (*ec2.DeleteKeyPairOutput, error)
	CreateVpcWithContext(aws.Context, *ec2.CreateVpcInput, ...request.Option) (*ec2.CreateVpcOutput, error)
	DeleteVpcWithContext(aws.Context, *ec2.DeleteVpcInput, ...request.Option) (*ec2.DeleteVpcOutput, error)
	CreateInternetGatewayWithContext(aws.Context, *ec2.CreateInternetGatewayInput, ...request.Option) (*ec2.CreateInternetGatewayOutput, error)
	AttachInternetGatewayWithContext(aws.Context, *ec2.AttachInternetGatewayInput, ...request.Option) (*ec2.AttachInternetGatewayOutput, error)
	DetachInternetGatewayWithContext(aws.Context, *ec2.DetachInternetGatewayInput, ...request.Option) (*ec2.DetachInternetGatewayOutput, error)
	DeleteInternetGatewayWithContext(aws.Context, *ec2.DeleteInternetGatewayInput, ...request.Option) (*ec2.DeleteInternetGatewayOutput, error)
	CreateRouteTableWithContext(aws.Context, *ec2.CreateRouteTableInput, ...request.Option) (*ec2.CreateRouteTableOutput, error)
	CreateRouteWithContext(aws.Context, *ec2.CreateRouteInput, ...request.Option) (*ec2.CreateRouteOutput, error)
	DeleteRouteWithContext(aws.Context, *ec2.DeleteRouteInput, ...request.Option) (*ec2.DeleteRouteOutput, error)
	DeleteRouteTableWithContext(aws.Context, *ec2.DeleteRouteTableInput, ...request.Option) (*ec2.DeleteRouteTableOutput, error)
	CreateSubnetWithContext(aws.Context, *ec2.CreateSubnetInput, ...request.Option) (*ec2.CreateSubnetOutput, error)
	AssociateRouteTableWithContext(aws.Context, *ec2.AssociateRouteTableInput, ...request.Option) (*ec2.AssociateRouteTableOutput, error)
	DisassociateRouteTableWithContext(aws.Context, *ec2.DisassociateRouteTableInput, ...request.Option) (*ec2.DisassociateRouteTableOutput, error)
	DeleteSubnetWithContext(aws.Context, *ec2.DeleteSubnetInput, ...request.Option) (*ec2.DeleteSubnetOutput, error)
	CreateSecurityGroupWithContext(aws.Context, *ec2.CreateSecurityGroupInput, ...request.Option) (*ec2.CreateSecurityGroupOutput, error)
	AuthorizeSecurityGroupIngressWithContext(aws.Context, *ec2.AuthorizeSecurityGroupIngressInput, ...request.Option) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	DeleteSecurityGroupWithContext(aws.Context, *ec2.DeleteSecurityGroupInput, ...request.Option) (*ec2.DeleteSecurityGroupOutput, error)
	CreateTagsWithContext(aws.Context, *ec2.CreateTagsInput, ...request.Option) (*ec2.CreateTagsOutput, error)
	RunInstancesWithContext(aws.Context, *ec2.RunInstancesInput, ...request.Option) (*ec2.Reservation, error)
	DescribeInstancesWithContext(aws.Context, *ec2.DescribeInstancesInput, ...request.Option) (*ec2.DescribeInstancesOutput, error)
	TerminateInstancesWithContext(aws.Context, *ec2.TerminateInstancesInput, ...request.Option) (*ec2.TerminateInstancesOutput, error)
}

// Options configure the driver beyond the resolved params.
type Options struct {
	Profile      string
	Region       string
	InstanceType string
	AMIs         map[string]string
	PollInterval time.Duration
	Teardown     providers.RetryConfig
	// NewClient overrides session construction; tests use it to inject a fake.
	NewClient func(p api.ProviderParams) (EC2API, error)
}

type Provider struct {
	opts   Options
	log    zerolog.Logger
	mu     sync.Mutex
	client EC2API
	params api.ProviderParams
}

func New(opts Options) *Provider {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Teardown.MaxRetries == 0 {
		opts.Teardown = providers.TeardownRetryConfig(10, 10*time.Second)
	}
	if opts.NewClient == nil {
		opts.NewClient = newSessionClient
	}
	return &Provider{opts: opts, log: telemetry.Component("aws")}
}

func (p *Provider) Kind() string { return providers.KindAWS }

func newSessionClient(params api.ProviderParams) (EC2API, error) {
	sess, err := session.NewSessionWithOptions(session.Options{
		Profile:           params.Profile,
		SharedConfigState: session.SharedConfigEnable,
		Config:            aws.Config{Region: aws.String(params.Region)},
	})
	if err != nil {
		return nil, fmt.Errorf("aws session for profile %s: %w", params.Profile, err)
	}
	return ec2.New(sess), nil
}

// ConfigureParams resolves profile and region. The profile has no default:
// flag, persisted value or AWS_PROFILE must provide it.
func (p *Provider) ConfigureParams(ctx context.Context, src providers.ParamSources, l providers.Ledger) (api.ProviderParams, error) {
	persisted, _ := l.Params()
	params := api.ProviderParams{
		Profile: providers.First(src.Explicit.Profile, persisted.Profile, src.Env.Get("AWS_PROFILE"), p.opts.Profile),
		Region: providers.First(src.Explicit.Region, persisted.Region, src.Env.Get("AWS_DEFAULT_REGION"),
			p.opts.Region, defaultRegion),
		InstanceType: providers.First(src.Explicit.InstanceType, persisted.InstanceType, p.opts.InstanceType, defaultType),
	}
	if params.Profile == "" {
		return api.ProviderParams{}, &providers.MissingCredentialsError{
			Provider: providers.KindAWS,
			Variable: "AWS_PROFILE",
			Hint:     "pass --aws-profile or export AWS_PROFILE; see https://docs.aws.amazon.com/cli/latest/userguide/cli-configure-profiles.html",
		}
	}
	persistedImage := persisted.Image
	if persisted.Region != params.Region {
		persistedImage = ""
	}
	params.Image = providers.First(src.Explicit.Image, persistedImage, p.opts.AMIs[params.Region], DefaultAMIs[params.Region])
	if params.Image == "" {
		return api.ProviderParams{}, fmt.Errorf("aws: no AMI known for region %s; set aws.amis in config", params.Region)
	}
	if err := providers.ValidateParams(p.Kind(), params); err != nil {
		return api.ProviderParams{}, err
	}
	client, err := p.opts.NewClient(params)
	if err != nil {
		return api.ProviderParams{}, err
	}
	if err := l.SaveParams(params); err != nil {
		return api.ProviderParams{}, err
	}
	p.mu.Lock()
	p.client, p.params = client, params
	p.mu.Unlock()
	p.log.Info().Str("profile", params.Profile).Str("region", params.Region).Msg("Resolved AWS parameters")
	return params, nil
}

func (p *Provider) session() (EC2API, api.ProviderParams, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil, api.ProviderParams{}, errors.New("aws: ConfigureParams must run first")
	}
	return p.client, p.params, nil
}

func (p *Provider) EnsurePrerequisites(ctx context.Context, l providers.Ledger) error {
	client, _, err := p.session()
	if err != nil {
		return err
	}
	return p.graph(client).Ensure(ctx, l)
}

func (p *Provider) DestroySharedResources(ctx context.Context, l providers.Ledger) (bool, error) {
	client, _, err := p.session()
	if err != nil {
		return false, err
	}
	return p.graph(client).Teardown(ctx, l, p.opts.Teardown)
}

// CreateInstance launches one instance into the fleet subnet and polls
// until it is running with a public address.
func (p *Provider) CreateInstance(ctx context.Context, nodeName string, l providers.Ledger) (api.InstanceRecord, error) {
	client, params, err := p.session()
	if err != nil {
		return api.InstanceRecord{}, err
	}
	subnet, ok1 := l.Resource(ResSubnet)
	group, ok2 := l.Resource(ResSecurityGroup)
	keyName, ok3 := l.Resource(ResKeypair)
	if !ok1 || !ok2 || !ok3 {
		return api.InstanceRecord{}, errors.New("aws: shared resources missing; prerequisites must be ensured first")
	}
	ports := make([]string, 0, len(IngressPorts))
	for _, port := range IngressPorts {
		ports = append(ports, fmt.Sprint(port))
	}
	userData := base64.StdEncoding.EncodeToString([]byte(providers.WorkerUserData(nodeName, ports)))
	out, err := client.RunInstancesWithContext(ctx, &ec2.RunInstancesInput{
		ImageId:      aws.String(params.Image),
		UserData:     aws.String(userData),
		InstanceType: aws.String(params.InstanceType),
		MinCount:     aws.Int64(1),
		MaxCount:     aws.Int64(1),
		KeyName:      aws.String(keyName),
		NetworkInterfaces: []*ec2.InstanceNetworkInterfaceSpecification{{
			AssociatePublicIpAddress: aws.Bool(true),
			DeleteOnTermination:      aws.Bool(true),
			DeviceIndex:              aws.Int64(0),
			Groups:                   []*string{aws.String(group)},
			SubnetId:                 aws.String(subnet),
		}},
		TagSpecifications: []*ec2.TagSpecification{{
			ResourceType: aws.String(ec2.ResourceTypeInstance),
			Tags: []*ec2.Tag{
				{Key: aws.String("Name"), Value: aws.String(nodeName)},
				{Key: aws.String("Fleet"), Value: aws.String(l.NamespaceNetwork())},
			},
		}},
	})
	if err != nil {
		return api.InstanceRecord{}, providers.APIError(p.Kind(), "run instance", nodeName, err)
	}
	if len(out.Instances) == 0 {
		return api.InstanceRecord{}, providers.APIError(p.Kind(), "run instance", nodeName, errors.New("no instance returned"))
	}
	id := aws.StringValue(out.Instances[0].InstanceId)
	p.log.Info().Str("node", nodeName).Str("instance_id", id).Msg("Instance launched, waiting until running")

	var address string
	err = providers.PollUntil(ctx, p.opts.PollInterval, func(ctx context.Context) (bool, error) {
		desc, err := client.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{InstanceIds: []*string{aws.String(id)}})
		if err != nil {
			if isCode(err, "InvalidInstanceID.NotFound") {
				return false, nil
			}
			return false, providers.APIError(p.Kind(), "describe instance", id, err)
		}
		for _, r := range desc.Reservations {
			for _, inst := range r.Instances {
				state := aws.StringValue(inst.State.Name)
				if state == ec2.InstanceStateNameRunning && aws.StringValue(inst.PublicIpAddress) != "" {
					address = aws.StringValue(inst.PublicIpAddress)
					return true, nil
				}
				if state == ec2.InstanceStateNameTerminated || state == ec2.InstanceStateNameShuttingDown {
					return false, providers.APIError(p.Kind(), "wait instance", id, fmt.Errorf("instance entered state %s", state))
				}
				p.log.Debug().Str("node", nodeName).Str("state", state).Msg("Waiting for instance")
			}
		}
		return false, nil
	})
	if err != nil {
		p.abandon(ctx, client, nodeName, id)
		return api.InstanceRecord{}, err
	}
	return api.InstanceRecord{
		NodeName:      nodeName,
		Provider:      p.Kind(),
		PublicAddress: address,
		InstanceID:    id,
		DeployAttrs: []api.DeployAttr{
			{Key: api.AttrDefaultUser, Value: defaultUser},
			{Key: api.AttrSSHKeyPath, Value: l.KeyPath(keyFileExt)},
		},
	}, nil
}

// abandon terminates an instance that never became ready.
func (p *Provider) abandon(ctx context.Context, client EC2API, nodeName, id string) {
	err := providers.Cleanup(ctx, func(ctx context.Context) error {
		_, err := client.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{InstanceIds: []*string{aws.String(id)}})
		return err
	})
	if err != nil && !isCode(err, "InvalidInstanceID.NotFound") {
		p.log.Error().Err(err).Str("node", nodeName).Str("instance_id", id).
			Msg("Instance never became ready and could not be terminated; terminate it by hand")
		return
	}
	p.log.Warn().Str("node", nodeName).Str("instance_id", id).Msg("Instance never became ready, terminated")
}

// DestroyInstances terminates only names this provider owns, forgetting each
// record right after its termination is accepted.
func (p *Provider) DestroyInstances(ctx context.Context, nodeNames []string, l providers.Ledger) (bool, error) {
	client, _, err := p.session()
	if err != nil {
		return false, err
	}
	owned := map[string]api.InstanceRecord{}
	for _, rec := range l.Instances() {
		owned[rec.NodeName] = rec
	}
	ok := true
	for _, name := range nodeNames {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		rec, found := owned[name]
		if !found {
			continue
		}
		_, err := client.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{InstanceIds: []*string{aws.String(rec.InstanceID)}})
		if err != nil && !isCode(err, "InvalidInstanceID.NotFound") {
			p.log.Error().Err(err).Str("node", name).Str("instance_id", rec.InstanceID).Msg("Terminate failed")
			ok = false
			continue
		}
		if err := l.ForgetInstance(name); err != nil {
			return false, err
		}
		p.log.Info().Str("node", name).Str("instance_id", rec.InstanceID).Msg("Instance terminated")
		l.Emit(providers.Event{Kind: providers.EventInstanceDeleted, Subject: name, Detail: rec.InstanceID})
	}
	return ok, nil
}

func isCode(err error, code string) bool {
	var ae awserr.Error
	return errors.As(err, &ae) && ae.Code() == code
}

func isNotFound(err error) bool {
	var ae awserr.Error
	return errors.As(err, &ae) && strings.HasSuffix(ae.Code(), ".NotFound")
}
