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

// Command fleetcored wires the placement engine and reconciliation
// framework together over a synthetic in-memory fleet, the way
// cmd/controller-kwok exercises karpenter's controllers over a fake
// cloud provider instead of a real one. It submits a trickle of
// synthetic tasks and instance offers so the full pipeline — queue,
// offer pool, constraints, placement, autoscaling, reconciliation —
// runs end to end and its /metrics endpoint is worth looking at.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/controller-runtime/pkg/log"

	fleetv1alpha1 "github.com/nimbusfleet/fleetcore/pkg/apis/fleet/v1alpha1"
	"github.com/nimbusfleet/fleetcore/pkg/autoscaling"
	clustermanageraws "github.com/nimbusfleet/fleetcore/pkg/clustermanager/aws"
	"github.com/nimbusfleet/fleetcore/pkg/collaborators"
	"github.com/nimbusfleet/fleetcore/pkg/constraints"
	"github.com/nimbusfleet/fleetcore/pkg/framework"
	"github.com/nimbusfleet/fleetcore/pkg/logging"
	"github.com/nimbusfleet/fleetcore/pkg/metrics"
	"github.com/nimbusfleet/fleetcore/pkg/offers"
	"github.com/nimbusfleet/fleetcore/pkg/placement"
	"github.com/nimbusfleet/fleetcore/pkg/queue"
	"github.com/nimbusfleet/fleetcore/pkg/reconcile"

	"github.com/nimbusfleet/fleetcore/cmd/fleetcored/simfleet"
)

const instanceGroupID = "default"

func main() {
	metricsAddr := flag.String("metrics-addr", ":8080", "address the prometheus /metrics endpoint binds to")
	devLog := flag.Bool("dev", false, "use the development logging preset instead of production")
	awsClusterManager := flag.Bool("aws-cluster-manager", false, "scale a real EC2 instance group instead of the synthetic in-memory one (requires ambient AWS credentials)")
	awsSubnetID := flag.String("aws-subnet-id", "", "subnet id for EC2 launches when -aws-cluster-manager is set")
	awsAMI := flag.String("aws-ami-id", "", "AMI id for EC2 launches when -aws-cluster-manager is set")
	flag.Parse()

	mode := logging.Production
	if *devLog {
		mode = logging.Development
	}
	logger, err := logging.New(mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetcored: building logger: %s\n", err)
		os.Exit(1)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = logging.IntoContext(ctx, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	metricsReg := metrics.New(reg)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		logger.Info("metrics endpoint listening", "addr", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil && ctx.Err() == nil {
			logger.Error(err, "metrics server exited")
		}
	}()

	group := fleetv1alpha1.InstanceGroup{
		ID:                       instanceGroupID,
		Tier:                     fleetv1alpha1.TierCritical,
		TypicalSlotCPU:           2,
		MinSize:                  0,
		MaxSize:                  20,
		MinIdleToKeep:            1,
		MaxIdleToKeep:            3,
		CoolDownSec:              10,
		ShortfallAdjustingFactor: 1.2,
	}
	slot := fleetv1alpha1.Resources{CPU: 4, MemoryMB: 8192, DiskMB: 51200}

	fleet := simfleet.New(42)
	fleet.RegisterGroup(group, slot)

	var cluster collaborators.ClusterManager = fleet
	if *awsClusterManager {
		cm, err := buildAWSClusterManager(ctx, group, *awsAMI, *awsSubnetID)
		if err != nil {
			logger.Error(err, "constructing AWS cluster manager")
			os.Exit(1)
		}
		go func() {
			if err := cm.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error(err, "AWS cluster manager polling loop exited")
			}
		}()
		cluster = cm
	}

	q := queue.New()
	if err := q.SetSLA([]fleetv1alpha1.CapacityGroupSLA{
		{Name: "default", Tier: fleetv1alpha1.TierCritical, Dimension: fleetv1alpha1.DimensionCPU, Guaranteed: 8, Max: 16, BufferFactor: 0.25},
	}); err != nil {
		logger.Error(err, "setting sla")
		os.Exit(1)
	}

	pool := offers.NewPool(fleet)

	registry := constraints.NewRegistry(nil, nil)

	scaler := autoscaling.NewController(cluster, pool, autoscaling.Options{
		DelayAutoscaleUpSecs:   5,
		DelayAutoscaleDownSecs: 30,
	})
	scaler.SetGroup(group)

	placementEngine := placement.NewEngine(q, pool, registry, scaler, fleet, metricsReg, placement.Options{
		SchedulerIterationIntervalMs: 500,
		LeaseOfferExpirySecs:         30,
		FitnessGoodEnough:            0.9,
	})

	fw, err := framework.NewFramework(jobChildIndex, framework.Options{
		ActiveTimeout: 50 * time.Millisecond,
		IdleTimeout:   500 * time.Millisecond,
	})
	if err != nil {
		logger.Error(err, "constructing framework")
		os.Exit(1)
	}

	go pool.WatchAgentStatus(ctx, noopAgentStatusMonitor{})
	go placementEngine.Run(ctx)
	go fw.Run(ctx)
	go offerGenerator(ctx, fleet, pool)
	go taskGenerator(ctx, q, fw, fleet)
	go logEvents(ctx, fw)

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	fw.Shutdown(shutdownCtx)
}

// buildAWSClusterManager loads ambient AWS credentials and constructs
// an EC2-backed ClusterManager for group, used in place of the
// synthetic fleet's scaling when -aws-cluster-manager is set.
func buildAWSClusterManager(ctx context.Context, group fleetv1alpha1.InstanceGroup, amiID, subnetID string) (*clustermanageraws.ClusterManager, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	cm := clustermanageraws.NewClusterManager(ec2.NewFromConfig(cfg), clustermanageraws.Options{})
	cm.RegisterGroup(group, clustermanageraws.GroupSpec{
		GroupID:      group.ID,
		ImageID:      amiID,
		InstanceType: types.InstanceTypeM5Large,
		SubnetID:     subnetID,
	})
	return cm, nil
}

// noopAgentStatusMonitor never reports a health change; the simulated
// fleet never marks an agent unhealthy.
type noopAgentStatusMonitor struct{}

func (noopAgentStatusMonitor) Changes() <-chan collaborators.AgentStatusChange {
	ch := make(chan collaborators.AgentStatusChange)
	return ch
}

// offerGenerator periodically turns the simulated fleet's live
// instances into fresh offers, standing in for the wire protocol's
// continuous offer stream.
func offerGenerator(ctx context.Context, fleet *simfleet.Fleet, pool *offers.Pool) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, o := range fleet.GenerateOffers(now) {
				if err := pool.AddOffer(ctx, o); err != nil {
					log.FromContext(ctx).Error(err, "adding synthetic offer")
				}
			}
		}
	}
}

// taskGenerator periodically enqueues a synthetic task and registers a
// reconciliation engine for its job, the way an external API submission
// would create both queue entries and a job root to reconcile.
func taskGenerator(ctx context.Context, q *queue.Queue, fw *framework.Framework, jobStore collaborators.JobStore) {
	rng := rand.New(rand.NewSource(7))
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobID := uuid.NewString()
			taskID := uuid.NewString()
			task := &fleetv1alpha1.Task{
				ID:                taskID,
				JobID:             jobID,
				Request:           fleetv1alpha1.Resources{CPU: 1 + rng.Float64()*2, MemoryMB: 512},
				Tier:              fleetv1alpha1.TierCritical,
				CapacityGroup:     "default",
				EnqueuedAtUnixSec: time.Now().Unix(),
			}
			if err := q.Enqueue(task); err != nil {
				log.FromContext(ctx).Error(err, "enqueue synthetic task")
				continue
			}

			bootstrap := fleetv1alpha1.NewEntityHolder(jobID, nil).WithChild(fleetv1alpha1.NewEntityHolder(taskID, task))
			engine := reconcile.NewEngine(jobID, bootstrap, jobStore, taskStartDiff, reconcile.Options{})
			if err := fw.NewEngine(ctx, engine); err != nil {
				log.FromContext(ctx).Error(err, "registering reconciliation engine", "job", jobID)
			}
		}
	}
}

// taskStartDiff is the demo's only reconciliation rule: any task
// present in Reference but missing from Running is "started", which
// here just means copying it into Running and persisting it to Store.
// A production diff would compare against the offer source's actual
// launch acknowledgment instead of running unconditionally.
func taskStartDiff(reference, running *fleetv1alpha1.EntityHolder) []reconcile.ChangeAction {
	var actions []reconcile.ChangeAction
	for _, child := range reference.Children {
		if running.Child(child.ID) != nil {
			continue
		}
		child := child
		actions = append(actions, &reconcile.FuncAction{
			ActionID: "start-" + child.ID,
			Fn: func(ctx context.Context) ([]reconcile.ModelUpdateAction, error) {
				task, ok := child.Entity.(*fleetv1alpha1.Task)
				if !ok {
					return nil, fmt.Errorf("taskStartDiff: child %s has no task payload", child.ID)
				}
				started := task.Clone()
				started.State = fleetv1alpha1.TaskStartInitiated
				startedHolder := child.WithEntity(started)
				return []reconcile.ModelUpdateAction{
					{TargetModel: fleetv1alpha1.ModelRunning, Op: reconcile.OpAdd, Path: child.ID, Payload: startedHolder},
					{TargetModel: fleetv1alpha1.ModelStore, Op: reconcile.OpAdd, Path: child.ID, Payload: startedHolder, OriginalTaskID: child.ID},
				}, nil
			},
		})
	}
	return actions
}

// jobChildIndex exposes a job's task ids to the framework's
// find-by-child-id lookup, reading the engine's reference tree.
func jobChildIndex(e framework.Engine) []string {
	re, ok := e.(*reconcile.Engine)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(re.Reference().Children))
	for _, c := range re.Reference().Children {
		ids = append(ids, c.ID)
	}
	return ids
}

// logEvents drains the framework's merged reconciliation event stream
// to the structured logger, the operational surface a real deployment
// would instead forward to its own event sink.
func logEvents(ctx context.Context, fw *framework.Framework) {
	logger := log.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events():
			if !ok {
				return
			}
			if ev.Err != nil {
				logger.Error(ev.Err, "reconciliation event", "root", ev.EngineRootID, "kind", ev.Kind, "summary", ev.ChangeSummary)
				continue
			}
			logger.V(1).Info("reconciliation event", "root", ev.EngineRootID, "kind", ev.Kind, "model", ev.Model, "summary", ev.ChangeSummary)
		}
	}
}
