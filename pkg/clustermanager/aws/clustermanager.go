/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package aws is an optional reference collaborators.ClusterManager
// backed directly by EC2 RunInstances/TerminateInstances/DescribeInstances,
// the same primitives the fleet's own instance provisioning is built
// on rather than an Auto Scaling group wrapper. It is never imported by
// pkg/placement, pkg/autoscaling, pkg/reconcile or pkg/framework — only
// by tests and the demo binary that wires a concrete ClusterManager in.
package aws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/controller-runtime/pkg/log"

	fleetv1alpha1 "github.com/nimbusfleet/fleetcore/pkg/apis/fleet/v1alpha1"
	"github.com/nimbusfleet/fleetcore/pkg/collaborators"
)

const instanceGroupTagKey = "fleetcore:instance-group"

// ec2API is the narrow slice of *ec2.Client this package calls,
// declared locally so tests can substitute a fake without standing up
// a real EC2 endpoint — the same interface-wrapped-SDK-client shape
// the rest of this tree uses for every external collaborator.
type ec2API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// GroupSpec is the EC2 launch shape bound to one InstanceGroup. The
// autoscaler controller only ever asks for a count; ClusterManager
// owns translating that into concrete RunInstances calls.
type GroupSpec struct {
	GroupID          string
	ImageID          string
	InstanceType     types.InstanceType
	SubnetID         string
	SecurityGroupIDs []string
}

// Options configures the ClusterManager.
type Options struct {
	// PollInterval is how often Run issues DescribeInstances for every
	// registered group. Default 30s.
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval == 0 {
		o.PollInterval = 30 * time.Second
	}
	return o
}

// ClusterManager implements collaborators.ClusterManager against one
// AWS account/region's EC2 API.
type ClusterManager struct {
	client ec2API
	opts   Options

	mu     sync.RWMutex
	groups map[string]GroupSpec

	events chan collaborators.InstanceGroupEvent
}

// NewClusterManager constructs a ClusterManager. client is expected to
// be built by the caller from config.LoadDefaultConfig, keeping this
// package free of credential-resolution concerns.
func NewClusterManager(client *ec2.Client, opts Options) *ClusterManager {
	return newClusterManager(client, opts)
}

func newClusterManager(client ec2API, opts Options) *ClusterManager {
	cm := &ClusterManager{
		client: client,
		opts:   opts.withDefaults(),
		groups: map[string]GroupSpec{},
		events: make(chan collaborators.InstanceGroupEvent, 32),
	}
	return cm
}

// RegisterGroup binds an InstanceGroup's scaling decisions to a
// concrete EC2 launch spec and announces it on Events as added.
func (c *ClusterManager) RegisterGroup(group fleetv1alpha1.InstanceGroup, spec GroupSpec) {
	c.mu.Lock()
	_, existed := c.groups[group.ID]
	c.groups[group.ID] = spec
	c.mu.Unlock()

	kind := collaborators.InstanceGroupAdded
	if existed {
		kind = collaborators.InstanceGroupUpdated
	}
	select {
	case c.events <- collaborators.InstanceGroupEvent{Kind: kind, Group: group}:
	default:
	}
}

// ScaleUp launches count instances for groupID using its registered
// GroupSpec, tagging each with the group id so ScaleDown and the
// polling loop can recognize group membership.
func (c *ClusterManager) ScaleUp(ctx context.Context, groupID string, count int) error {
	if count <= 0 {
		return nil
	}
	c.mu.RLock()
	spec, ok := c.groups[groupID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("clustermanager/aws: no GroupSpec registered for group %s", groupID)
	}

	logger := log.FromContext(ctx)
	out, err := c.client.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:          aws.String(spec.ImageID),
		InstanceType:     spec.InstanceType,
		MinCount:         aws.Int32(int32(count)),
		MaxCount:         aws.Int32(int32(count)),
		SubnetId:         aws.String(spec.SubnetID),
		SecurityGroupIds: spec.SecurityGroupIDs,
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         []types.Tag{{Key: aws.String(instanceGroupTagKey), Value: aws.String(groupID)}},
		}},
	})
	if err != nil {
		return fmt.Errorf("clustermanager/aws: run instances for group %s: %w", groupID, err)
	}
	logger.Info("launched instances", "group", groupID, "count", len(out.Instances))
	return nil
}

// ScaleDown terminates the given instance ids, returning the subset
// EC2 did not confirm as shutting-down/terminated so the caller can
// re-enable them rather than leaking capacity out of the offer pool.
func (c *ClusterManager) ScaleDown(ctx context.Context, groupID string, instanceIDs []string) (terminated, notTerminated []string, err error) {
	if len(instanceIDs) == 0 {
		return nil, nil, nil
	}
	out, err := c.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: instanceIDs})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return nil, instanceIDs, fmt.Errorf("clustermanager/aws: terminate instances for group %s: %s: %w", groupID, apiErr.ErrorCode(), err)
		}
		return nil, instanceIDs, fmt.Errorf("clustermanager/aws: terminate instances for group %s: %w", groupID, err)
	}

	confirmed := map[string]bool{}
	for _, sc := range out.TerminatingInstances {
		if sc.InstanceId == nil {
			continue
		}
		state := sc.CurrentState
		if state != nil && (state.Name == types.InstanceStateNameShuttingDown || state.Name == types.InstanceStateNameTerminated) {
			confirmed[*sc.InstanceId] = true
		}
	}
	for _, id := range instanceIDs {
		if confirmed[id] {
			terminated = append(terminated, id)
		} else {
			notTerminated = append(notTerminated, id)
		}
	}
	return terminated, notTerminated, nil
}

// Events returns the channel of instance-group notices. RegisterGroup
// is the only sender (Added or Updated); Run's polling publishes
// nothing on it.
func (c *ClusterManager) Events() <-chan collaborators.InstanceGroupEvent { return c.events }

// Run polls DescribeInstances for every registered group's live
// membership at Options.PollInterval until ctx is cancelled. The
// responses are not inspected; only a failed poll is logged. It is
// deliberately separate from the constructor so tests can exercise
// ScaleUp/ScaleDown/RegisterGroup without a background goroutine racing
// a fake EC2 client.
func (c *ClusterManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.pollOnce(ctx); err != nil {
				log.FromContext(ctx).Error(err, "clustermanager/aws: poll failed")
			}
		}
	}
}

func (c *ClusterManager) pollOnce(ctx context.Context) error {
	c.mu.RLock()
	groupIDs := make([]string, 0, len(c.groups))
	for id := range c.groups {
		groupIDs = append(groupIDs, id)
	}
	c.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, groupID := range groupIDs {
		groupID := groupID
		g.Go(func() error { return c.describeGroup(ctx, groupID) })
	}
	return g.Wait()
}

func (c *ClusterManager) describeGroup(ctx context.Context, groupID string) error {
	_, err := c.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:" + instanceGroupTagKey), Values: []string{groupID}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running"}},
		},
	})
	if err != nil {
		return fmt.Errorf("clustermanager/aws: describe instances for group %s: %w", groupID, err)
	}
	return nil
}
