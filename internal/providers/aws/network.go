package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"

	"github.com/3cpo-dev/cloudworkers/internal/providers"
	gssh "github.com/3cpo-dev/cloudworkers/internal/ssh"
)

// graph returns the shared resource chain. Attachments, routes and ingress
// rules are their own steps so a crash between two API calls never leaves
// an unrecorded resource behind.
func (p *Provider) graph(client EC2API) providers.Graph {
	n := &network{client: client, p: p}
	return providers.Graph{
		Provider: p.Kind(),
		Log:      p.log,
		Steps: []providers.Step{
			{Kind: ResKeypair, Create: n.createKeypair, Delete: n.deleteKeypair},
			{Kind: ResVPC, Create: n.createVPC, Delete: n.deleteVPC},
			{Kind: ResGateway, Create: n.createGateway, Delete: n.deleteGateway},
			{Kind: ResGatewayAttachment, Create: n.attachGateway, Delete: n.detachGateway},
			{Kind: ResRouteTable, Create: n.createRouteTable, Delete: n.deleteRouteTable},
			{Kind: ResDefaultRoute, Create: n.createDefaultRoute, Delete: n.deleteDefaultRoute},
			{Kind: ResSubnet, Create: n.createSubnet, Delete: n.deleteSubnet},
			{Kind: ResRouteAssociation, Create: n.associateRouteTable, Delete: n.disassociateRouteTable},
			{Kind: ResSecurityGroup, Create: n.createSecurityGroup, Delete: n.deleteSecurityGroup},
			{Kind: ResIngress, Create: n.authorizeIngress, Delete: n.revokeIngress},
		},
	}
}

type network struct {
	client EC2API
	p      *Provider
}

func need(l providers.Ledger, kind string) (string, error) {
	id, ok := l.Resource(kind)
	if !ok {
		return "", fmt.Errorf("%s not recorded", kind)
	}
	return id, nil
}

// gone treats "already deleted" answers as success.
func gone(err error) error {
	if err == nil || isNotFound(err) {
		return nil
	}
	return err
}

func (n *network) tag(ctx context.Context, l providers.Ledger, id string) {
	_, err := n.client.CreateTagsWithContext(ctx, &ec2.CreateTagsInput{
		Resources: []*string{aws.String(id)},
		Tags:      []*ec2.Tag{{Key: aws.String("Name"), Value: aws.String(l.NamespaceNetwork())}},
	})
	if err != nil {
		n.p.log.Warn().Err(err).Str("id", id).Msg("Tagging failed")
	}
}

func (n *network) createKeypair(ctx context.Context, l providers.Ledger) (string, error) {
	name := l.NamespaceNetwork()
	out, err := n.client.CreateKeyPairWithContext(ctx, &ec2.CreateKeyPairInput{KeyName: aws.String(name)})
	if isCode(err, "InvalidKeyPair.Duplicate") {
		// Left behind by a run that stopped before recording it. Nothing
		// can launch with an unrecorded key pair, so it is replaced.
		n.p.log.Warn().Str("key_pair", name).Msg("Replacing unrecorded key pair")
		if _, err := n.client.DeleteKeyPairWithContext(ctx, &ec2.DeleteKeyPairInput{KeyName: aws.String(name)}); gone(err) != nil {
			return "", fmt.Errorf("replace key pair %s: %w", name, err)
		}
		out, err = n.client.CreateKeyPairWithContext(ctx, &ec2.CreateKeyPairInput{KeyName: aws.String(name)})
	}
	if err != nil {
		return "", err
	}
	if err := gssh.WriteKeyFile(l.KeyPath(keyFileExt), []byte(aws.StringValue(out.KeyMaterial))); err != nil {
		return "", err
	}
	return aws.StringValue(out.KeyName), nil
}

func (n *network) deleteKeypair(ctx context.Context, l providers.Ledger, id string) error {
	if _, err := n.client.DeleteKeyPairWithContext(ctx, &ec2.DeleteKeyPairInput{KeyName: aws.String(id)}); gone(err) != nil {
		return err
	}
	return gssh.RemoveKeyFile(l.KeyPath(keyFileExt))
}

func (n *network) createVPC(ctx context.Context, l providers.Ledger) (string, error) {
	out, err := n.client.CreateVpcWithContext(ctx, &ec2.CreateVpcInput{CidrBlock: aws.String(vpcCIDR)})
	if err != nil {
		return "", err
	}
	id := aws.StringValue(out.Vpc.VpcId)
	n.tag(ctx, l, id)
	return id, nil
}

func (n *network) deleteVPC(ctx context.Context, _ providers.Ledger, id string) error {
	_, err := n.client.DeleteVpcWithContext(ctx, &ec2.DeleteVpcInput{VpcId: aws.String(id)})
	return gone(err)
}

func (n *network) createGateway(ctx context.Context, l providers.Ledger) (string, error) {
	out, err := n.client.CreateInternetGatewayWithContext(ctx, &ec2.CreateInternetGatewayInput{})
	if err != nil {
		return "", err
	}
	id := aws.StringValue(out.InternetGateway.InternetGatewayId)
	n.tag(ctx, l, id)
	return id, nil
}

func (n *network) deleteGateway(ctx context.Context, _ providers.Ledger, id string) error {
	_, err := n.client.DeleteInternetGatewayWithContext(ctx, &ec2.DeleteInternetGatewayInput{InternetGatewayId: aws.String(id)})
	return gone(err)
}

// attachGateway records the attachment as "<igw>/<vpc>".
func (n *network) attachGateway(ctx context.Context, l providers.Ledger) (string, error) {
	igw, err := need(l, ResGateway)
	if err != nil {
		return "", err
	}
	vpc, err := need(l, ResVPC)
	if err != nil {
		return "", err
	}
	_, err = n.client.AttachInternetGatewayWithContext(ctx, &ec2.AttachInternetGatewayInput{
		InternetGatewayId: aws.String(igw),
		VpcId:             aws.String(vpc),
	})
	if err != nil {
		return "", err
	}
	return igw + "/" + vpc, nil
}

func (n *network) detachGateway(ctx context.Context, _ providers.Ledger, id string) error {
	igw, vpc, ok := strings.Cut(id, "/")
	if !ok {
		return fmt.Errorf("malformed gateway attachment %q", id)
	}
	_, err := n.client.DetachInternetGatewayWithContext(ctx, &ec2.DetachInternetGatewayInput{
		InternetGatewayId: aws.String(igw),
		VpcId:             aws.String(vpc),
	})
	if isCode(err, "Gateway.NotAttached") {
		return nil
	}
	return gone(err)
}

func (n *network) createRouteTable(ctx context.Context, l providers.Ledger) (string, error) {
	vpc, err := need(l, ResVPC)
	if err != nil {
		return "", err
	}
	out, err := n.client.CreateRouteTableWithContext(ctx, &ec2.CreateRouteTableInput{VpcId: aws.String(vpc)})
	if err != nil {
		return "", err
	}
	id := aws.StringValue(out.RouteTable.RouteTableId)
	n.tag(ctx, l, id)
	return id, nil
}

func (n *network) deleteRouteTable(ctx context.Context, _ providers.Ledger, id string) error {
	_, err := n.client.DeleteRouteTableWithContext(ctx, &ec2.DeleteRouteTableInput{RouteTableId: aws.String(id)})
	return gone(err)
}

func (n *network) createDefaultRoute(ctx context.Context, l providers.Ledger) (string, error) {
	rtb, err := need(l, ResRouteTable)
	if err != nil {
		return "", err
	}
	igw, err := need(l, ResGateway)
	if err != nil {
		return "", err
	}
	_, err = n.client.CreateRouteWithContext(ctx, &ec2.CreateRouteInput{
		RouteTableId:         aws.String(rtb),
		DestinationCidrBlock: aws.String(anywhereCIDR),
		GatewayId:            aws.String(igw),
	})
	if err != nil {
		return "", err
	}
	return rtb + "/" + anywhereCIDR, nil
}

func (n *network) deleteDefaultRoute(ctx context.Context, _ providers.Ledger, id string) error {
	rtb, cidr, ok := strings.Cut(id, "/")
	if !ok {
		return fmt.Errorf("malformed route %q", id)
	}
	_, err := n.client.DeleteRouteWithContext(ctx, &ec2.DeleteRouteInput{
		RouteTableId:         aws.String(rtb),
		DestinationCidrBlock: aws.String(cidr),
	})
	return gone(err)
}

func (n *network) createSubnet(ctx context.Context, l providers.Ledger) (string, error) {
	vpc, err := need(l, ResVPC)
	if err != nil {
		return "", err
	}
	out, err := n.client.CreateSubnetWithContext(ctx, &ec2.CreateSubnetInput{
		CidrBlock: aws.String(subnetCIDR),
		VpcId:     aws.String(vpc),
	})
	if err != nil {
		return "", err
	}
	id := aws.StringValue(out.Subnet.SubnetId)
	n.tag(ctx, l, id)
	return id, nil
}

func (n *network) deleteSubnet(ctx context.Context, _ providers.Ledger, id string) error {
	_, err := n.client.DeleteSubnetWithContext(ctx, &ec2.DeleteSubnetInput{SubnetId: aws.String(id)})
	return gone(err)
}

func (n *network) associateRouteTable(ctx context.Context, l providers.Ledger) (string, error) {
	rtb, err := need(l, ResRouteTable)
	if err != nil {
		return "", err
	}
	subnet, err := need(l, ResSubnet)
	if err != nil {
		return "", err
	}
	out, err := n.client.AssociateRouteTableWithContext(ctx, &ec2.AssociateRouteTableInput{
		RouteTableId: aws.String(rtb),
		SubnetId:     aws.String(subnet),
	})
	if err != nil {
		return "", err
	}
	return aws.StringValue(out.AssociationId), nil
}

func (n *network) disassociateRouteTable(ctx context.Context, _ providers.Ledger, id string) error {
	_, err := n.client.DisassociateRouteTableWithContext(ctx, &ec2.DisassociateRouteTableInput{AssociationId: aws.String(id)})
	return gone(err)
}

func (n *network) createSecurityGroup(ctx context.Context, l providers.Ledger) (string, error) {
	vpc, err := need(l, ResVPC)
	if err != nil {
		return "", err
	}
	name := "Ursula-" + l.NamespaceNetwork()
	out, err := n.client.CreateSecurityGroupWithContext(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(name),
		Description: aws.String("Worker node ingress for " + l.NamespaceNetwork()),
		VpcId:       aws.String(vpc),
	})
	if err != nil {
		return "", err
	}
	id := aws.StringValue(out.GroupId)
	n.tag(ctx, l, id)
	return id, nil
}

func (n *network) deleteSecurityGroup(ctx context.Context, _ providers.Ledger, id string) error {
	_, err := n.client.DeleteSecurityGroupWithContext(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(id)})
	return gone(err)
}

func (n *network) authorizeIngress(ctx context.Context, l providers.Ledger) (string, error) {
	group, err := need(l, ResSecurityGroup)
	if err != nil {
		return "", err
	}
	perms := make([]*ec2.IpPermission, 0, len(IngressPorts))
	ports := make([]string, 0, len(IngressPorts))
	for _, port := range IngressPorts {
		perms = append(perms, &ec2.IpPermission{
			IpProtocol: aws.String("tcp"),
			FromPort:   aws.Int64(port),
			ToPort:     aws.Int64(port),
			IpRanges:   []*ec2.IpRange{{CidrIp: aws.String(anywhereCIDR)}},
		})
		ports = append(ports, fmt.Sprint(port))
	}
	_, err = n.client.AuthorizeSecurityGroupIngressWithContext(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       aws.String(group),
		IpPermissions: perms,
	})
	if err != nil && !isCode(err, "InvalidPermission.Duplicate") {
		return "", err
	}
	return group + "/tcp:" + strings.Join(ports, ","), nil
}

// revokeIngress is a no-op: the rules go away with their group.
func (n *network) revokeIngress(context.Context, providers.Ledger, string) error {
	return nil
}
