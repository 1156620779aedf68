package adapter

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog"

	ticketaws "github.com/ticketops-framework/ticketops/internal/aws"
	"github.com/ticketops-framework/ticketops/internal/core"
)

// netruleAPI is the slice of the EC2 client the network rule adapter needs.
type netruleAPI interface {
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	AuthorizeSecurityGroupEgress(ctx context.Context, params *ec2.AuthorizeSecurityGroupEgressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupEgressOutput, error)
	RevokeSecurityGroupIngress(ctx context.Context, params *ec2.RevokeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupIngressOutput, error)
	RevokeSecurityGroupEgress(ctx context.Context, params *ec2.RevokeSecurityGroupEgressInput, optFns ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupEgressOutput, error)
}

// NetRuleAdapter adds and removes security group rules.
type NetRuleAdapter struct {
	api    func(core.ScopedCredentials) netruleAPI
	wait   func(service string)
	logger zerolog.Logger
}

// NewNetRuleAdapter creates the network rule adapter backed by real EC2 clients.
func NewNetRuleAdapter(factory *ticketaws.ClientFactory, logger zerolog.Logger) *NetRuleAdapter {
	return &NetRuleAdapter{
		api:    func(c core.ScopedCredentials) netruleAPI { return factory.EC2Client(c) },
		wait:   factory.WaitForService,
		logger: logger,
	}
}

func (a *NetRuleAdapter) Kinds() []core.ActionKind {
	return []core.ActionKind{core.ActionNetworkRuleAdd, core.ActionNetworkRuleRemove}
}

func (a *NetRuleAdapter) Validate(ctx context.Context, req *core.ActionRequest, xc *core.ExecutionContext) error {
	if req.ResourceSelector == "" {
		return &core.ValidationError{Kind: core.KindPrecondition, Msg: "resource selector is required"}
	}
	rule := req.NetworkRule
	if rule == nil {
		return &core.ValidationError{Kind: core.KindPrecondition, Msg: "network rule spec is required"}
	}
	if rule.Direction != "ingress" && rule.Direction != "egress" {
		return &core.ValidationError{Kind: core.KindPrecondition, Msg: fmt.Sprintf("invalid direction %q", rule.Direction)}
	}
	switch rule.Protocol {
	case "tcp", "udp", "icmp":
	default:
		return &core.ValidationError{Kind: core.KindPrecondition, Msg: fmt.Sprintf("invalid protocol %q", rule.Protocol)}
	}
	if len(rule.Ports) == 0 {
		return &core.ValidationError{Kind: core.KindPrecondition, Msg: "at least one port is required"}
	}
	for _, p := range rule.Ports {
		if p < 1 || p > 65535 {
			return &core.ValidationError{Kind: core.KindPrecondition, Msg: fmt.Sprintf("port %d out of range", p)}
		}
	}
	if _, err := netip.ParsePrefix(rule.CIDR); err != nil {
		return &core.ValidationError{Kind: core.KindPrecondition, Msg: fmt.Sprintf("invalid CIDR %q", rule.CIDR)}
	}
	return nil
}

// resolveGroup maps a selector to exactly one security group. Selectors
// starting with "sg-" are treated as group IDs; anything else matches the
// group name.
func (a *NetRuleAdapter) resolveGroup(ctx context.Context, api netruleAPI, selector string) (*ec2types.SecurityGroup, error) {
	a.wait("ec2")

	input := &ec2.DescribeSecurityGroupsInput{}
	if strings.HasPrefix(selector, "sg-") {
		input.GroupIds = []string{selector}
	} else {
		input.Filters = []ec2types.Filter{
			{Name: aws.String("group-name"), Values: []string{selector}},
		}
	}

	out, err := api.DescribeSecurityGroups(ctx, input)
	if err != nil {
		if strings.Contains(err.Error(), "InvalidGroup") {
			return nil, core.NewNotFound(selector)
		}
		return nil, &core.ApplyError{Kind: core.KindMutationFailed, Op: "DescribeSecurityGroups", Err: err}
	}

	switch len(out.SecurityGroups) {
	case 0:
		return nil, core.NewNotFound(selector)
	case 1:
		return &out.SecurityGroups[0], nil
	default:
		return nil, core.NewAmbiguousTarget(selector, len(out.SecurityGroups))
	}
}

// ruleExists reports whether a permission for proto/port/cidr is already
// present. IPv4 rules live in IpRanges, IPv6 rules in Ipv6Ranges.
func ruleExists(perms []ec2types.IpPermission, protocol string, port int32, cidr string) bool {
	ipv6 := strings.Contains(cidr, ":")
	for _, p := range perms {
		if aws.ToString(p.IpProtocol) != protocol {
			continue
		}
		if aws.ToInt32(p.FromPort) != port || aws.ToInt32(p.ToPort) != port {
			continue
		}
		if ipv6 {
			for _, r := range p.Ipv6Ranges {
				if aws.ToString(r.CidrIpv6) == cidr {
					return true
				}
			}
		} else {
			for _, r := range p.IpRanges {
				if aws.ToString(r.CidrIp) == cidr {
					return true
				}
			}
		}
	}
	return false
}

func ipPermissionFor(protocol string, port int32, cidr string) ec2types.IpPermission {
	perm := ec2types.IpPermission{
		IpProtocol: aws.String(protocol),
		FromPort:   aws.Int32(port),
		ToPort:     aws.Int32(port),
	}
	if strings.Contains(cidr, ":") {
		perm.Ipv6Ranges = []ec2types.Ipv6Range{{CidrIpv6: aws.String(cidr)}}
	} else {
		perm.IpRanges = []ec2types.IpRange{{CidrIp: aws.String(cidr)}}
	}
	return perm
}

func (a *NetRuleAdapter) Apply(ctx context.Context, req *core.ActionRequest, xc *core.ExecutionContext) (*core.AppliedState, error) {
	api := a.api(*xc.Credentials)
	rule := req.NetworkRule

	group, err := a.resolveGroup(ctx, api, req.ResourceSelector)
	if err != nil {
		return nil, err
	}
	groupID := aws.ToString(group.GroupId)

	existing := group.IpPermissions
	if rule.Direction == "egress" {
		existing = group.IpPermissionsEgress
	}

	if req.Kind == core.ActionNetworkRuleAdd {
		return a.applyAdd(ctx, api, xc, rule, groupID, existing)
	}
	return a.applyRemove(ctx, api, xc, rule, groupID, existing)
}

func (a *NetRuleAdapter) applyAdd(ctx context.Context, api netruleAPI, xc *core.ExecutionContext, rule *core.NetworkRuleSpec, groupID string, existing []ec2types.IpPermission) (*core.AppliedState, error) {
	// Ports already covered by an identical rule are skipped so a retried
	// ticket converges; the batch only carries the missing ports.
	var missing []int32
	for _, port := range rule.Ports {
		if !ruleExists(existing, rule.Protocol, port, rule.CIDR) {
			missing = append(missing, port)
		}
	}
	if len(missing) == 0 {
		return &core.AppliedState{
			Kind:        core.ActionNetworkRuleAdd,
			Description: fmt.Sprintf("all requested rules already present on %s", groupID),
			NoOp:        true,
			Fields:      map[string]string{"group_id": groupID},
		}, nil
	}

	perms := make([]ec2types.IpPermission, 0, len(missing))
	for _, port := range missing {
		perms = append(perms, ipPermissionFor(rule.Protocol, port, rule.CIDR))
	}

	a.wait("ec2")
	var err error
	if rule.Direction == "ingress" {
		_, err = api.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       aws.String(groupID),
			IpPermissions: perms,
		})
	} else {
		_, err = api.AuthorizeSecurityGroupEgress(ctx, &ec2.AuthorizeSecurityGroupEgressInput{
			GroupId:       aws.String(groupID),
			IpPermissions: perms,
		})
	}
	if err != nil {
		return nil, &core.ApplyError{Kind: core.KindMutationFailed, Op: "authorize rules on " + groupID, Err: err}
	}

	state := ruleState("revoke_rules", groupID, rule, missing)
	state.Kind = core.ActionNetworkRuleAdd
	state.Description = fmt.Sprintf("added %d %s %s rule(s) on %s for %s",
		len(missing), rule.Direction, rule.Protocol, groupID, rule.CIDR)
	xc.PushCompensation(core.ActionNetworkRuleAdd, state)

	a.logger.Info().Str("group_id", groupID).Ints32("ports", missing).Msg("security group rules added")
	return &state, nil
}

func (a *NetRuleAdapter) applyRemove(ctx context.Context, api netruleAPI, xc *core.ExecutionContext, rule *core.NetworkRuleSpec, groupID string, existing []ec2types.IpPermission) (*core.AppliedState, error) {
	// Removal demands every named rule exists; a partial match is a
	// misidentified target, not something to silently narrow.
	for _, port := range rule.Ports {
		if !ruleExists(existing, rule.Protocol, port, rule.CIDR) {
			return nil, core.NewRuleNotFound(fmt.Sprintf("no %s %s rule for port %d from %s on %s",
				rule.Direction, rule.Protocol, port, rule.CIDR, groupID))
		}
	}

	perms := make([]ec2types.IpPermission, 0, len(rule.Ports))
	for _, port := range rule.Ports {
		perms = append(perms, ipPermissionFor(rule.Protocol, port, rule.CIDR))
	}

	a.wait("ec2")
	var err error
	if rule.Direction == "ingress" {
		_, err = api.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
			GroupId:       aws.String(groupID),
			IpPermissions: perms,
		})
	} else {
		_, err = api.RevokeSecurityGroupEgress(ctx, &ec2.RevokeSecurityGroupEgressInput{
			GroupId:       aws.String(groupID),
			IpPermissions: perms,
		})
	}
	if err != nil {
		return nil, &core.ApplyError{Kind: core.KindMutationFailed, Op: "revoke rules on " + groupID, Err: err}
	}

	state := ruleState("authorize_rules", groupID, rule, rule.Ports)
	state.Kind = core.ActionNetworkRuleRemove
	state.Description = fmt.Sprintf("removed %d %s %s rule(s) on %s for %s",
		len(rule.Ports), rule.Direction, rule.Protocol, groupID, rule.CIDR)
	xc.PushCompensation(core.ActionNetworkRuleRemove, state)

	a.logger.Info().Str("group_id", groupID).Ints32("ports", rule.Ports).Msg("security group rules removed")
	return &state, nil
}

func ruleState(inverseOp, groupID string, rule *core.NetworkRuleSpec, ports []int32) core.AppliedState {
	strs := make([]string, 0, len(ports))
	for _, p := range ports {
		strs = append(strs, strconv.Itoa(int(p)))
	}
	return core.AppliedState{
		Fields: map[string]string{
			"op":        inverseOp,
			"group_id":  groupID,
			"direction": rule.Direction,
			"protocol":  rule.Protocol,
			"ports":     strings.Join(strs, ","),
			"cidr":      rule.CIDR,
		},
	}
}

func (a *NetRuleAdapter) Compensate(ctx context.Context, step core.CompensationStep, xc *core.ExecutionContext) error {
	api := a.api(*xc.Credentials)

	groupID := step.State.Field("group_id")
	direction := step.State.Field("direction")
	protocol := step.State.Field("protocol")
	cidr := step.State.Field("cidr")
	op := step.State.Field("op")

	var perms []ec2types.IpPermission
	for _, s := range strings.Split(step.State.Field("ports"), ",") {
		port, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("corrupt port list %q: %w", step.State.Field("ports"), err)
		}
		perms = append(perms, ipPermissionFor(protocol, int32(port), cidr))
	}

	a.wait("ec2")
	var err error
	switch {
	case op == "revoke_rules" && direction == "ingress":
		_, err = api.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
			GroupId: aws.String(groupID), IpPermissions: perms,
		})
	case op == "revoke_rules":
		_, err = api.RevokeSecurityGroupEgress(ctx, &ec2.RevokeSecurityGroupEgressInput{
			GroupId: aws.String(groupID), IpPermissions: perms,
		})
	case op == "authorize_rules" && direction == "ingress":
		_, err = api.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId: aws.String(groupID), IpPermissions: perms,
		})
	case op == "authorize_rules":
		_, err = api.AuthorizeSecurityGroupEgress(ctx, &ec2.AuthorizeSecurityGroupEgressInput{
			GroupId: aws.String(groupID), IpPermissions: perms,
		})
	default:
		return fmt.Errorf("unknown compensation op %q", op)
	}
	if err != nil {
		return fmt.Errorf("%s on %s: %w", op, groupID, err)
	}
	return nil
}
