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

// Package tieredcache sizes the ai-toolkit KV cache from the HyperPod
// instance memory and rolls the configuration out to the cache daemonset.
package tieredcache

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	ktypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	k8s "k8s.io/client-go/kubernetes"

	"github.com/awslabs/hyperpod-addons/internal/awsapi"
	"github.com/awslabs/hyperpod-addons/internal/kubernetes"
	"github.com/awslabs/hyperpod-addons/internal/lifecycle"
)

const (
	toolkitNamespace = "aws-hyperpod"
	toolkitConfigMap = "ai-toolkit-config"
	toolkitDaemonSet = "ai-toolkit"
	configKey        = "config.toml"

	// DefaultBufferGiB is subtracted from the pod memory budget to leave
	// headroom for the toolkit process itself.
	DefaultBufferGiB = 1

	defaultNVMeCapacity = "100GiB"
	defaultNVMePath     = "/tmp/ai-toolkit-kvcache"

	// rolloutTimeout bounds the daemonset rollout wait after a config
	// change. Image pulls on fresh GPU nodes routinely take minutes.
	rolloutTimeout = 10 * time.Minute
)

// capacityLinePattern matches the in-memory capacity line of the toolkit
// TOML, anchored on its trailing comment so the SSD capacity line is not
// touched.
var capacityLinePattern = regexp.MustCompile(`(capacity\s*=\s*)"[^"]*"(\s*#\s*Total in-memory cache size)`)

// nvmeInsertionMarker is where the SSD directory block goes, right before
// the logging section of the toolkit TOML.
const nvmeInsertionMarker = "\n# Logging configuration\n[log]"

// Config holds the handler's parameters.
type Config struct {
	HyperPodClusterName string

	// KVCacheJSON and StorageJSON are the raw TIERED_KV_CACHE_CONFIG and
	// TIERED_STORAGE_CONFIG payloads.
	KVCacheJSON string
	StorageJSON string

	BufferGiB    float64
	NVMeCapacity string
	NVMePath     string

	// Testing lifts the P-series restriction on instance types.
	Testing bool
}

func (c *Config) applyDefaults() {
	if c.NVMeCapacity == "" {
		c.NVMeCapacity = defaultNVMeCapacity
	}
	if c.NVMePath == "" {
		c.NVMePath = defaultNVMePath
	}
}

// Handler implements the KV cache configuration lifecycle.
type Handler struct {
	sagemaker awsapi.SageMakerAPI
	kube      k8s.Interface
	workloads *kubernetes.Workloads
	cfg       Config
	backoff   wait.Backoff
	log       logr.Logger
}

var _ lifecycle.Handler = &Handler{}

func New(sm awsapi.SageMakerAPI, kube k8s.Interface, workloads *kubernetes.Workloads, cfg Config, log logr.Logger) *Handler {
	cfg.applyDefaults()
	return &Handler{
		sagemaker: sm,
		kube:      kube,
		workloads: workloads,
		cfg:       cfg,
		backoff:   lifecycle.DefaultBackoff(),
		log:       log.WithName("tieredcache"),
	}
}

// NewWithDefaults builds the handler with a rollout wait sized for the
// production daemonset.
func NewWithDefaults(sm awsapi.SageMakerAPI, kube k8s.Interface, cfg Config, log logr.Logger) *Handler {
	workloads := kubernetes.NewWorkloads(kubernetes.WorkloadsConfig{
		Client:  kube,
		Log:     log,
		Timeout: rolloutTimeout,
	})
	return New(sm, kube, workloads, cfg, log)
}

// Create configures the cache. Configuration parse errors fail the
// invocation; failures inside the configure step are reported in the
// response payload instead so the stack can still come up.
func (h *Handler) Create(ctx context.Context, _ *lifecycle.Event) (*lifecycle.Output, error) {
	settings, err := ParseSettings(h.cfg.KVCacheJSON, h.cfg.StorageJSON)
	if err != nil {
		return nil, lifecycle.NewConfiguration(err)
	}
	if !settings.Enabled() {
		return &lifecycle.Output{
			Reason: "KV cache not enabled (check TIERED_STORAGE_CONFIG.Mode and TIERED_KV_CACHE_CONFIG.KVCacheMode)",
			Data:   map[string]any{"KVCacheConfigured": false},
		}, nil
	}

	groupTypes, err := h.instanceGroupTypes(ctx)
	if err != nil {
		return nil, err
	}

	out, err := h.configure(ctx, settings, groupTypes)
	if err != nil {
		h.log.Error(err, "KV cache configuration failed")
		return &lifecycle.Output{
			Reason: fmt.Sprintf("KV cache configuration failed: %s", err),
			Data:   map[string]any{"KVCacheConfigured": false},
		}, nil
	}
	return out, nil
}

// Update re-runs the configuration; every step converges.
func (h *Handler) Update(ctx context.Context, ev *lifecycle.Event) (*lifecycle.Output, error) {
	return h.Create(ctx, ev)
}

// Delete has nothing to unwind: the cache dies with the cluster.
func (h *Handler) Delete(context.Context, *lifecycle.Event) (*lifecycle.Output, error) {
	return &lifecycle.Output{Reason: "KV cache configuration cleanup not required"}, nil
}

func (h *Handler) instanceGroupTypes(ctx context.Context) (map[string]string, error) {
	var out *sagemaker.DescribeClusterOutput
	err := lifecycle.Retry(ctx, h.log, h.backoff, func(ctx context.Context) error {
		var err error
		out, err = h.sagemaker.DescribeCluster(ctx, &sagemaker.DescribeClusterInput{
			ClusterName: aws.String(h.cfg.HyperPodClusterName),
		})
		if err != nil {
			return lifecycle.Transientf("failed to describe HyperPod cluster %s: %s", h.cfg.HyperPodClusterName, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	types := make(map[string]string, len(out.InstanceGroups))
	for _, ig := range out.InstanceGroups {
		types[aws.ToString(ig.InstanceGroupName)] = string(ig.InstanceType)
	}
	return types, nil
}

func (h *Handler) configure(ctx context.Context, settings Settings, groupTypes map[string]string) (*lifecycle.Output, error) {
	if len(settings.InstanceGroups) == 0 {
		return nil, fmt.Errorf("instance type could not be determined: no instance group configured")
	}
	instanceType, ok := groupTypes[settings.InstanceGroups[0]]
	if !ok {
		available := make([]string, 0, len(groupTypes))
		for name := range groupTypes {
			available = append(available, name)
		}
		return nil, fmt.Errorf("instance group %q not found in cluster (available: %s)",
			settings.InstanceGroups[0], strings.Join(available, ", "))
	}

	totalGiB, err := instanceMemory(instanceType, h.cfg.Testing)
	if err != nil {
		return nil, err
	}
	alloc, err := computeAllocation(totalGiB, settings.MemoryPercentage, h.cfg.BufferGiB)
	if err != nil {
		return nil, err
	}
	h.log.Info("Computed cache sizing",
		"instanceType", instanceType, "totalGiB", totalGiB,
		"podMemory", alloc.K8sQuantity, "cacheCapacity", alloc.CacheCapacity)

	var changes []string

	configMapChanges, err := h.updateConfigMap(ctx, alloc.CacheCapacity, settings.NVMeEnabled)
	if err != nil {
		return nil, err
	}
	changes = append(changes, configMapChanges...)

	daemonSetChanges, err := h.patchDaemonSet(ctx, settings.InstanceGroups, instanceType, alloc.K8sQuantity)
	if err != nil {
		return nil, err
	}
	changes = append(changes, daemonSetChanges...)

	if len(changes) > 0 {
		h.log.Info("Restarting cache pods to pick up configuration", "changes", changes)
		if err := h.workloads.DeletePodsByLabel(ctx, toolkitNamespace, "name="+toolkitDaemonSet); err != nil {
			return nil, err
		}
		if err := h.workloads.DaemonSetReady(ctx, toolkitNamespace, toolkitDaemonSet); err != nil {
			return nil, err
		}
	}

	return &lifecycle.Output{
		Reason: "KV cache configuration completed successfully",
		Data: map[string]any{
			"KVCacheConfigured":   true,
			"ConfigChanged":       len(changes) > 0,
			"ChangesMade":         strings.Join(changes, ","),
			"InstanceType":        instanceType,
			"InstanceGroups":      strings.Join(settings.InstanceGroups, ","),
			"MemoryAllocation":    alloc.K8sQuantity,
			"MemoryAllocationGiB": alloc.AllocationGiB,
			"MemoryPercentage":    settings.MemoryPercentage,
			"CacheCapacity":       alloc.CacheCapacity,
			"CacheCapacityGiB":    alloc.CacheCapacityGiB,
			"NVMeEnabled":         settings.NVMeEnabled,
		},
	}, nil
}

// updateConfigMap rewrites the in-memory capacity line of the toolkit TOML
// and inserts the SSD directory block when NVMe tiering is on.
func (h *Handler) updateConfigMap(ctx context.Context, cacheCapacity string, nvmeEnabled bool) ([]string, error) {
	cm, err := h.kube.CoreV1().ConfigMaps(toolkitNamespace).Get(ctx, toolkitConfigMap, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get configmap %s/%s: %w", toolkitNamespace, toolkitConfigMap, err)
	}
	current, ok := cm.Data[configKey]
	if !ok {
		return nil, fmt.Errorf("configmap %s/%s has no %s entry", toolkitNamespace, toolkitConfigMap, configKey)
	}

	var changes []string
	updated := capacityLinePattern.ReplaceAllString(current, `${1}"`+cacheCapacity+`"${2}`)
	if updated != current {
		changes = append(changes, "cache_capacity="+cacheCapacity)
	} else {
		h.log.Info("Cache capacity pattern not found in config")
	}

	if nvmeEnabled {
		if !strings.Contains(updated, "cache.ssd.directory") {
			block := fmt.Sprintf("\n[[cache.ssd.directory]]\npath = %q\n# Size of each shard file\nshard_size = \"64MiB\"\n# Total size of the on-disk cache\ncapacity = %q\n",
				h.cfg.NVMePath, h.cfg.NVMeCapacity)
			withNVMe := strings.Replace(updated, nvmeInsertionMarker, block+nvmeInsertionMarker, 1)
			if withNVMe != updated {
				updated = withNVMe
				changes = append(changes, "nvme_config")
			} else {
				h.log.Info("Could not find insertion point for NVMe config")
			}
		} else {
			h.log.Info("NVMe SSD configuration already exists, skipping")
		}
	}

	if len(changes) == 0 || updated == current {
		return nil, nil
	}

	cm.Data[configKey] = updated
	if _, err := h.kube.CoreV1().ConfigMaps(toolkitNamespace).Update(ctx, cm, metav1.UpdateOptions{}); err != nil {
		return nil, fmt.Errorf("failed to update configmap %s/%s: %w", toolkitNamespace, toolkitConfigMap, err)
	}
	return changes, nil
}

// patchDaemonSet pins the cache daemonset to the configured instance
// groups and sizes the toolkit container's memory. Existing CPU requests
// and unrelated selectors survive the strategic merge.
func (h *Handler) patchDaemonSet(ctx context.Context, instanceGroups []string, instanceType, memory string) ([]string, error) {
	ds, err := h.kube.AppsV1().DaemonSets(toolkitNamespace).Get(ctx, toolkitDaemonSet, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get daemonset %s/%s: %w", toolkitNamespace, toolkitDaemonSet, err)
	}

	var changes []string
	podSpec := map[string]any{}
	selector := map[string]any{"node.kubernetes.io/instance-type": instanceType}

	switch {
	case len(instanceGroups) == 1:
		selector["sagemaker.amazonaws.com/instance-group-name"] = instanceGroups[0]
		changes = append(changes, fmt.Sprintf("node_selector=instance_group:%s,instance_type:%s", instanceGroups[0], instanceType))
	case len(instanceGroups) > 1:
		// A node selector can only match one group; several groups need
		// an In expression. Clear any single-group pin left behind.
		selector["sagemaker.amazonaws.com/instance-group-name"] = nil
		values := make([]any, 0, len(instanceGroups))
		for _, g := range instanceGroups {
			values = append(values, g)
		}
		podSpec["affinity"] = map[string]any{
			"nodeAffinity": map[string]any{
				"requiredDuringSchedulingIgnoredDuringExecution": map[string]any{
					"nodeSelectorTerms": []any{map[string]any{
						"matchExpressions": []any{map[string]any{
							"key":      "sagemaker.amazonaws.com/instance-group-name",
							"operator": "In",
							"values":   values,
						}},
					}},
				},
			},
		}
		changes = append(changes, fmt.Sprintf("node_affinity=instance_groups:%s,instance_type:%s", strings.Join(instanceGroups, ","), instanceType))
	default:
		changes = append(changes, "node_selector=instance_type:"+instanceType)
	}
	podSpec["nodeSelector"] = selector

	hasToolkitContainer := false
	for _, c := range ds.Spec.Template.Spec.Containers {
		if c.Name == toolkitDaemonSet {
			hasToolkitContainer = true
			break
		}
	}
	if hasToolkitContainer {
		podSpec["containers"] = []any{map[string]any{
			"name": toolkitDaemonSet,
			"resources": map[string]any{
				"requests": map[string]any{"memory": memory},
				"limits":   map[string]any{"memory": memory},
			},
		}}
		changes = append(changes, "memory_request="+memory)
	} else {
		h.log.Info("Toolkit container not found in daemonset, skipping memory update")
	}

	patch, err := json.Marshal(map[string]any{
		"spec": map[string]any{"template": map[string]any{"spec": podSpec}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode daemonset patch: %w", err)
	}
	_, err = h.kube.AppsV1().DaemonSets(toolkitNamespace).Patch(ctx, toolkitDaemonSet, ktypes.StrategicMergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to patch daemonset %s/%s: %w", toolkitNamespace, toolkitDaemonSet, err)
	}
	return changes, nil
}
