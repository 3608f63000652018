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

// Package karpenter provisions the HyperpodNodeClass and the NodePools
// derived from the HyperPod cluster's instance groups.
package karpenter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/dynamic"

	"github.com/awslabs/hyperpod-addons/internal/awsapi"
	"github.com/awslabs/hyperpod-addons/internal/lifecycle"
)

var (
	nodeClassGVR = schema.GroupVersionResource{
		Group:    "karpenter.sagemaker.amazonaws.com",
		Version:  "v1",
		Resource: "hyperpodnodeclasses",
	}
	nodePoolGVR = schema.GroupVersionResource{
		Group:    "karpenter.sh",
		Version:  "v1",
		Resource: "nodepools",
	}
)

// Config holds the handler's parameters. The auth retry settings cover
// EKS access-entry propagation: the first requests after entry creation
// can come back unauthorized.
type Config struct {
	HyperPodClusterName string
	NodeClassName       string
	NodePoolPrefix      string

	AuthRetries    int
	AuthRetryDelay time.Duration
	StatusAttempts int
	StatusInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.AuthRetries == 0 {
		c.AuthRetries = 5
	}
	if c.AuthRetryDelay == 0 {
		c.AuthRetryDelay = 10 * time.Second
	}
	if c.StatusAttempts == 0 {
		c.StatusAttempts = 12
	}
	if c.StatusInterval == 0 {
		c.StatusInterval = 5 * time.Second
	}
}

// Handler implements the node provisioning lifecycle.
type Handler struct {
	sagemaker awsapi.SageMakerAPI
	// dyn is called per request so that refresh can swap the underlying
	// client after re-minting a token.
	dyn     func() dynamic.Interface
	refresh func(ctx context.Context) error
	cfg     Config
	backoff wait.Backoff
	log     logr.Logger
}

var _ lifecycle.Handler = &Handler{}

// New builds the handler. refresh may be nil when token expiry cannot
// occur (tests).
func New(sm awsapi.SageMakerAPI, dyn func() dynamic.Interface, refresh func(ctx context.Context) error, cfg Config, log logr.Logger) *Handler {
	cfg.applyDefaults()
	return &Handler{
		sagemaker: sm,
		dyn:       dyn,
		refresh:   refresh,
		cfg:       cfg,
		backoff:   lifecycle.DefaultBackoff(),
		log:       log.WithName("karpenter"),
	}
}

// Create builds the node class from the HyperPod instance groups, waits
// for its status to expose the per-role instance types, and creates one
// pool per role plus a catch-all default pool.
func (h *Handler) Create(ctx context.Context, _ *lifecycle.Event) (*lifecycle.Output, error) {
	if h.cfg.HyperPodClusterName == "" || h.cfg.NodeClassName == "" || h.cfg.NodePoolPrefix == "" {
		return nil, lifecycle.Configurationf("HYPERPOD_CLUSTER_NAME, NODECLASS_NAME and NODEPOOL_NAME are required")
	}

	var cluster *sagemaker.DescribeClusterOutput
	err := lifecycle.Retry(ctx, h.log, h.backoff, func(ctx context.Context) error {
		var err error
		cluster, err = h.sagemaker.DescribeCluster(ctx, &sagemaker.DescribeClusterInput{
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
	var groups []string
	for _, ig := range cluster.InstanceGroups {
		groups = append(groups, strings.TrimSpace(aws.ToString(ig.InstanceGroupName)))
	}
	h.log.Info("Found instance groups", "count", len(groups), "groups", groups)

	if err := h.createWithAuthRetry(ctx, nodeClassGVR, buildNodeClass(h.cfg.NodeClassName, groups)); err != nil {
		return nil, fmt.Errorf("failed to create NodeClass: %w", err)
	}

	roleTypes, defaultTypes := h.waitForRoleMapping(ctx)

	var createdPools []string
	roles := make([]string, 0, len(roleTypes))
	for role := range roleTypes {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		poolName := h.cfg.NodePoolPrefix + "-" + role
		h.log.Info("Creating NodePool", "name", poolName, "types", roleTypes[role])
		pool := buildNodePool(poolName, h.cfg.NodeClassName, roleTypes[role], role, false)
		if err := h.createWithAuthRetry(ctx, nodePoolGVR, pool); err != nil {
			return nil, fmt.Errorf("failed to create NodePool %s: %w", poolName, err)
		}
		createdPools = append(createdPools, poolName)
	}

	defaultPool := h.cfg.NodePoolPrefix + "-default"
	h.log.Info("Creating default NodePool", "name", defaultPool, "types", defaultTypes)
	pool := buildNodePool(defaultPool, h.cfg.NodeClassName, defaultTypes, "", true)
	if err := h.createWithAuthRetry(ctx, nodePoolGVR, pool); err != nil {
		return nil, fmt.Errorf("failed to create default NodePool: %w", err)
	}
	createdPools = append(createdPools, defaultPool)

	return &lifecycle.Output{
		Data: map[string]any{
			"NodeClassName": h.cfg.NodeClassName,
			"NodePools":     strings.Join(createdPools, ","),
		},
	}, nil
}

// Update converges the same way Create does; every create adopts on 409.
func (h *Handler) Update(ctx context.Context, ev *lifecycle.Event) (*lifecycle.Output, error) {
	return h.Create(ctx, ev)
}

// Delete leaves the node class and pools in place: they die with the
// cluster.
func (h *Handler) Delete(context.Context, *lifecycle.Event) (*lifecycle.Output, error) {
	return &lifecycle.Output{Reason: "Delete completed (no action needed)"}, nil
}

// createWithAuthRetry creates obj, adopting an existing one. Unauthorized
// responses are retried after re-minting the token, since access-entry
// propagation lags entry creation.
func (h *Handler) createWithAuthRetry(ctx context.Context, gvr schema.GroupVersionResource, obj *unstructured.Unstructured) error {
	var lastErr error
	for attempt := 0; attempt < h.cfg.AuthRetries; attempt++ {
		_, err := h.dyn().Resource(gvr).Create(ctx, obj, metav1.CreateOptions{})
		if err == nil || apierrors.IsAlreadyExists(err) {
			return nil
		}
		if apierrors.IsUnauthorized(err) && attempt < h.cfg.AuthRetries-1 {
			h.log.Info("Unauthorized, waiting for AccessEntry propagation",
				"attempt", attempt+1, "of", h.cfg.AuthRetries)
			lastErr = err
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(h.cfg.AuthRetryDelay):
			}
			if h.refresh != nil {
				if rerr := h.refresh(ctx); rerr != nil {
					return lifecycle.NewCredential(rerr)
				}
			}
			continue
		}
		return err
	}
	return lifecycle.NewCredential(lastErr)
}

// waitForRoleMapping polls the node class status until it reports instance
// groups, then folds them into a role to instance-types mapping. Types on
// groups without a node-role label feed the default pool. An empty result
// after the attempt budget is not an error: pools are then created with
// open instance-type requirements.
func (h *Handler) waitForRoleMapping(ctx context.Context) (map[string][]string, []string) {
	roleSet := map[string]map[string]struct{}{}
	defaultSet := map[string]struct{}{}

	for attempt := 0; attempt < h.cfg.StatusAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return flatten(roleSet), sortedKeys(defaultSet)
		case <-time.After(h.cfg.StatusInterval):
		}

		obj, err := h.dyn().Resource(nodeClassGVR).Get(ctx, h.cfg.NodeClassName, metav1.GetOptions{})
		if err != nil {
			h.log.V(1).Info("Waiting for NodeClass status", "attempt", attempt+1, "error", err.Error())
			continue
		}
		instanceGroups, found, _ := unstructured.NestedSlice(obj.Object, "status", "instanceGroups")
		if !found || len(instanceGroups) == 0 {
			h.log.V(1).Info("Waiting for NodeClass status", "attempt", attempt+1)
			continue
		}

		for _, raw := range instanceGroups {
			ig, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			role := desiredRole(ig)
			types, _, _ := unstructured.NestedStringSlice(ig, "instanceTypes")
			if role == "" {
				for _, t := range types {
					defaultSet[t] = struct{}{}
				}
				continue
			}
			if roleSet[role] == nil {
				roleSet[role] = map[string]struct{}{}
			}
			for _, t := range types {
				roleSet[role][t] = struct{}{}
			}
		}
		h.log.Info("Found role to instance-types mapping", "roles", len(roleSet))
		break
	}
	return flatten(roleSet), sortedKeys(defaultSet)
}

func desiredRole(ig map[string]any) string {
	labels, _, _ := unstructured.NestedSlice(ig, "desiredLabels")
	for _, raw := range labels {
		label, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if key, _ := label["key"].(string); key == "node-role" {
			value, _ := label["value"].(string)
			return value
		}
	}
	return ""
}

func flatten(sets map[string]map[string]struct{}) map[string][]string {
	out := make(map[string][]string, len(sets))
	for role, set := range sets {
		out[role] = sortedKeys(set)
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func buildNodeClass(name string, instanceGroups []string) *unstructured.Unstructured {
	groups := make([]any, 0, len(instanceGroups))
	for _, g := range instanceGroups {
		groups = append(groups, g)
	}
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "karpenter.sagemaker.amazonaws.com/v1",
		"kind":       "HyperpodNodeClass",
		"metadata":   map[string]any{"name": name},
		"spec":       map[string]any{"instanceGroups": groups},
	}}
}

func buildNodePool(name, nodeClassName string, instanceTypes []string, role string, isDefault bool) *unstructured.Unstructured {
	var requirements []any
	if len(instanceTypes) > 0 {
		values := make([]any, 0, len(instanceTypes))
		for _, t := range instanceTypes {
			values = append(values, t)
		}
		requirements = append(requirements, map[string]any{
			"key":      "node.kubernetes.io/instance-type",
			"operator": "In",
			"values":   values,
		})
	} else {
		requirements = append(requirements, map[string]any{
			"key":      "node.kubernetes.io/instance-type",
			"operator": "Exists",
		})
	}
	if isDefault {
		requirements = append(requirements, map[string]any{
			"key":      "node-role",
			"operator": "DoesNotExist",
		})
	} else if role != "" {
		requirements = append(requirements, map[string]any{
			"key":      "node-role",
			"operator": "In",
			"values":   []any{role},
		})
	}

	spec := map[string]any{
		"template": map[string]any{
			"spec": map[string]any{
				"nodeClassRef": map[string]any{
					"group": "karpenter.sagemaker.amazonaws.com",
					"kind":  "HyperpodNodeClass",
					"name":  nodeClassName,
				},
				"expireAfter":  "Never",
				"requirements": requirements,
			},
		},
		"disruption": map[string]any{
			"consolidationPolicy": "WhenEmptyOrUnderutilized",
			"consolidateAfter":    "30m",
		},
	}
	if isDefault {
		spec["weight"] = int64(1)
	}

	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "karpenter.sh/v1",
		"kind":       "NodePool",
		"metadata":   map[string]any{"name": name},
		"spec":       spec,
	}}
}
