// Copyright Amazon.com Inc. or its affiliates. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License"). You may
// not use this file except in compliance with the License. A copy of the
// License is located at
//
//	http://aws.amazon.com/apache2.0/
//
// or in the "license" file accompanying this file. This file is distributed
// on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either
// express or implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package handlers wires environment configuration and AWS/Kubernetes
// clients into the add-on handlers. Each Lambda binary asks for its
// handler by name; the local CLI uses the same registry.
package handlers

import (
	"context"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"k8s.io/client-go/dynamic"

	"github.com/awslabs/hyperpod-addons/internal/addons/certmanager"
	"github.com/awslabs/hyperpod-addons/internal/addons/clusterpolicy"
	"github.com/awslabs/hyperpod-addons/internal/addons/coredns"
	"github.com/awslabs/hyperpod-addons/internal/addons/datascientist"
	"github.com/awslabs/hyperpod-addons/internal/addons/hptoaddon"
	"github.com/awslabs/hyperpod-addons/internal/addons/karpenter"
	"github.com/awslabs/hyperpod-addons/internal/addons/observability"
	"github.com/awslabs/hyperpod-addons/internal/addons/tieredcache"
	"github.com/awslabs/hyperpod-addons/internal/addons/workspace"
	"github.com/awslabs/hyperpod-addons/internal/awsapi"
	"github.com/awslabs/hyperpod-addons/internal/helm"
	"github.com/awslabs/hyperpod-addons/internal/kubernetes"
	"github.com/awslabs/hyperpod-addons/internal/lifecycle"
)

// Name identifies one add-on handler.
type Name string

const (
	CertManager   Name = "certmanager"
	ClusterPolicy Name = "clusterpolicy"
	CoreDNS       Name = "coredns"
	DataScientist Name = "datascientist"
	HPTOAddon     Name = "hptoaddon"
	Karpenter     Name = "karpenter"
	Observability Name = "observability"
	TieredCache   Name = "tieredcache"
	Workspace     Name = "workspace"
)

type builder func(ctx context.Context, ev *lifecycle.Event, log logr.Logger) (lifecycle.Handler, error)

var registry = map[Name]builder{
	CertManager:   buildCertManager,
	ClusterPolicy: buildClusterPolicy,
	CoreDNS:       buildCoreDNS,
	DataScientist: buildDataScientist,
	HPTOAddon:     buildHPTOAddon,
	Karpenter:     buildKarpenter,
	Observability: buildObservability,
	TieredCache:   buildTieredCache,
	Workspace:     buildWorkspace,
}

// Names lists the registered handlers in stable order.
func Names() []Name {
	names := make([]Name, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// New builds the named handler from the environment. Build failures
// surface as a handler that fails every operation, so the protocol layer
// still publishes exactly one result (and still acknowledges deletes).
func New(ctx context.Context, name Name, ev *lifecycle.Event, log logr.Logger) lifecycle.Handler {
	build, ok := registry[name]
	if !ok {
		return failing{lifecycle.Configurationf("unknown handler %q", name)}
	}
	h, err := build(ctx, ev, log)
	if err != nil {
		return failing{err}
	}
	return h
}

// failing turns a construction error into a handler so the error flows
// through the normal outcome mapping, delete asymmetry included.
type failing struct{ err error }

func (f failing) Create(context.Context, *lifecycle.Event) (*lifecycle.Output, error) {
	return nil, f.err
}

func (f failing) Update(context.Context, *lifecycle.Event) (*lifecycle.Output, error) {
	return nil, f.err
}

func (f failing) Delete(context.Context, *lifecycle.Event) (*lifecycle.Output, error) {
	return nil, f.err
}

func region() string {
	return os.Getenv("AWS_REGION")
}

// eksClusterName reads the cluster name; the handlers' templates disagree
// on the variable name, so both spellings are accepted.
func eksClusterName() string {
	if name := os.Getenv("EKS_CLUSTER_NAME"); name != "" {
		return name
	}
	return os.Getenv("CLUSTER_NAME")
}

// clusterSet builds the Kubernetes client set for the configured EKS
// cluster, minting the bearer token through STS.
func clusterSet(ctx context.Context, clients *awsapi.Clients) (*kubernetes.Set, error) {
	name := eksClusterName()
	if name == "" {
		return nil, lifecycle.Configurationf("missing required environment variable: EKS_CLUSTER_NAME")
	}
	minter := awsapi.NewTokenSource(clients.STS, name)
	return kubernetes.SetFromCluster(ctx, clients.EKS, minter, name)
}

func buildClusterPolicy(ctx context.Context, _ *lifecycle.Event, log logr.Logger) (lifecycle.Handler, error) {
	clients, err := awsapi.NewClients(ctx, region())
	if err != nil {
		return nil, err
	}
	return clusterpolicy.New(clients.SageMaker, log), nil
}

func buildObservability(ctx context.Context, _ *lifecycle.Event, log logr.Logger) (lifecycle.Handler, error) {
	clients, err := awsapi.NewClients(ctx, region())
	if err != nil {
		return nil, err
	}
	return observability.New(clients.CloudFormation, log), nil
}

func buildCoreDNS(ctx context.Context, ev *lifecycle.Event, log logr.Logger) (lifecycle.Handler, error) {
	if ev.RequestType == lifecycle.RequestDelete {
		// Delete is a no-op; don't make it depend on a reachable cluster.
		return coredns.NewWithDefaults(nil, log), nil
	}
	clients, err := awsapi.NewClients(ctx, region())
	if err != nil {
		return nil, err
	}
	set, err := clusterSet(ctx, clients)
	if err != nil {
		return nil, err
	}
	return coredns.NewWithDefaults(set.Kubernetes(), log), nil
}

func buildCertManager(ctx context.Context, ev *lifecycle.Event, log logr.Logger) (lifecycle.Handler, error) {
	cfg := certmanager.Config{
		ChartRef:     os.Getenv("CHART_REF"),
		ChartVersion: os.Getenv("CHART_VERSION"),
	}
	clients, err := awsapi.NewClients(ctx, region())
	if err != nil {
		return nil, err
	}
	set, err := clusterSet(ctx, clients)
	if err != nil {
		if ev.RequestType == lifecycle.RequestDelete {
			// An unreachable cluster on delete means there is nothing
			// left to uninstall.
			log.Info("Cluster unreachable on delete, acknowledging", "error", err.Error())
			return certmanager.New(nil, nil, nil, cfg, log), nil
		}
		return nil, err
	}
	helmClient, err := helm.New(set.RESTConfig(), certmanager.Namespace, log)
	if err != nil {
		return nil, err
	}
	workloads := kubernetes.NewWorkloads(kubernetes.WorkloadsConfig{Client: set.Kubernetes(), Log: log})
	return certmanager.New(helmClient, set.Kubernetes(), workloads, cfg, log), nil
}

func buildHPTOAddon(ctx context.Context, ev *lifecycle.Event, log logr.Logger) (lifecycle.Handler, error) {
	clients, err := awsapi.NewClients(ctx, region())
	if err != nil {
		return nil, err
	}
	cfg := hptoaddon.Config{ClusterName: eksClusterName()}

	// The cert-manager probe is best effort; an unreachable cluster just
	// skips it.
	var workloads *kubernetes.Workloads
	if ev.RequestType == lifecycle.RequestCreate {
		if set, err := clusterSet(ctx, clients); err == nil {
			workloads = kubernetes.NewWorkloads(kubernetes.WorkloadsConfig{Client: set.Kubernetes(), Log: log})
		} else {
			log.Info("Skipping cert-manager probe, cluster not reachable", "error", err.Error())
		}
	}
	return hptoaddon.New(clients.EKS, workloads, cfg, log), nil
}

func buildKarpenter(ctx context.Context, ev *lifecycle.Event, log logr.Logger) (lifecycle.Handler, error) {
	cfg := karpenter.Config{
		HyperPodClusterName: os.Getenv("HYPERPOD_CLUSTER_NAME"),
		NodeClassName:       os.Getenv("NODECLASS_NAME"),
		NodePoolPrefix:      os.Getenv("NODEPOOL_NAME"),
	}
	clients, err := awsapi.NewClients(ctx, region())
	if err != nil {
		return nil, err
	}
	if ev.RequestType == lifecycle.RequestDelete {
		return karpenter.New(clients.SageMaker, nil, nil, cfg, log), nil
	}
	set, err := clusterSet(ctx, clients)
	if err != nil {
		return nil, err
	}
	dyn := func() dynamic.Interface { return set.Dynamic() }
	refresh := func(ctx context.Context) error { return set.Refresh(ctx) }
	return karpenter.New(clients.SageMaker, dyn, refresh, cfg, log), nil
}

func buildDataScientist(ctx context.Context, _ *lifecycle.Event, log logr.Logger) (lifecycle.Handler, error) {
	clients, err := awsapi.NewClients(ctx, region())
	if err != nil {
		return nil, err
	}
	cfg := datascientist.Config{
		ClusterName:        eksClusterName(),
		Region:             region(),
		AccountID:          os.Getenv("ACCOUNT_ID"),
		HyperPodClusterARN: os.Getenv("HYPERPOD_CLUSTER_ARN"),
		EKSClusterARN:      os.Getenv("EKS_CLUSTER_ARN"),
		Mappings:           datascientist.MappingsFromEnv(os.Getenv),
	}
	set, err := clusterSet(ctx, clients)
	if err != nil {
		return nil, err
	}
	return datascientist.New(clients.IAM, clients.EKS, set.Kubernetes(), cfg, log), nil
}

func buildTieredCache(ctx context.Context, ev *lifecycle.Event, log logr.Logger) (lifecycle.Handler, error) {
	buffer := float64(tieredcache.DefaultBufferGiB)
	if raw := os.Getenv("KV_CACHE_MEMORY_BUFFER_GB"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, lifecycle.Configurationf("invalid KV_CACHE_MEMORY_BUFFER_GB value %q", raw)
		}
		buffer = parsed
	}
	cfg := tieredcache.Config{
		HyperPodClusterName: os.Getenv("HYPERPOD_CLUSTER_NAME"),
		KVCacheJSON:         os.Getenv("TIERED_KV_CACHE_CONFIG"),
		StorageJSON:         os.Getenv("TIERED_STORAGE_CONFIG"),
		BufferGiB:           buffer,
		NVMeCapacity:        os.Getenv("NVME_CAPACITY"),
		NVMePath:            os.Getenv("NVME_PATH"),
		Testing:             strings.EqualFold(os.Getenv("TESTING"), "true"),
	}
	clients, err := awsapi.NewClients(ctx, region())
	if err != nil {
		return nil, err
	}
	if ev.RequestType == lifecycle.RequestDelete {
		return tieredcache.New(clients.SageMaker, nil, nil, cfg, log), nil
	}
	set, err := clusterSet(ctx, clients)
	if err != nil {
		return nil, err
	}
	return tieredcache.NewWithDefaults(clients.SageMaker, set.Kubernetes(), cfg, log), nil
}

func buildWorkspace(ctx context.Context, _ *lifecycle.Event, log logr.Logger) (lifecycle.Handler, error) {
	clients, err := awsapi.NewClients(ctx, region())
	if err != nil {
		return nil, err
	}
	set, err := clusterSet(ctx, clients)
	if err != nil {
		return nil, err
	}
	return workspace.New(set.Dynamic(), log), nil
}
