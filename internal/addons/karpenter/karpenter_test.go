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

package karpenter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	sagemakertypes "github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/dynamic"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/awslabs/hyperpod-addons/internal/lifecycle"
)

type fakeSageMaker struct {
	describeCluster func(ctx context.Context, params *sagemaker.DescribeClusterInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeClusterOutput, error)
}

func (f *fakeSageMaker) DescribeCluster(ctx context.Context, params *sagemaker.DescribeClusterInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeClusterOutput, error) {
	return f.describeCluster(ctx, params, optFns...)
}

func (f *fakeSageMaker) CreateClusterSchedulerConfig(context.Context, *sagemaker.CreateClusterSchedulerConfigInput, ...func(*sagemaker.Options)) (*sagemaker.CreateClusterSchedulerConfigOutput, error) {
	panic("unexpected CreateClusterSchedulerConfig call")
}

func (f *fakeSageMaker) DescribeClusterSchedulerConfig(context.Context, *sagemaker.DescribeClusterSchedulerConfigInput, ...func(*sagemaker.Options)) (*sagemaker.DescribeClusterSchedulerConfigOutput, error) {
	panic("unexpected DescribeClusterSchedulerConfig call")
}

func (f *fakeSageMaker) UpdateClusterSchedulerConfig(context.Context, *sagemaker.UpdateClusterSchedulerConfigInput, ...func(*sagemaker.Options)) (*sagemaker.UpdateClusterSchedulerConfigOutput, error) {
	panic("unexpected UpdateClusterSchedulerConfig call")
}

func (f *fakeSageMaker) DeleteClusterSchedulerConfig(context.Context, *sagemaker.DeleteClusterSchedulerConfigInput, ...func(*sagemaker.Options)) (*sagemaker.DeleteClusterSchedulerConfigOutput, error) {
	panic("unexpected DeleteClusterSchedulerConfig call")
}

func hyperPodCluster(groupNames ...string) *fakeSageMaker {
	groups := make([]sagemakertypes.ClusterInstanceGroupDetails, 0, len(groupNames))
	for _, name := range groupNames {
		groups = append(groups, sagemakertypes.ClusterInstanceGroupDetails{
			InstanceGroupName: aws.String(name),
		})
	}
	return &fakeSageMaker{
		describeCluster: func(context.Context, *sagemaker.DescribeClusterInput, ...func(*sagemaker.Options)) (*sagemaker.DescribeClusterOutput, error) {
			return &sagemaker.DescribeClusterOutput{InstanceGroups: groups}, nil
		},
	}
}

func newFakeDynamic() *dynamicfake.FakeDynamicClient {
	return dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
		map[schema.GroupVersionResource]string{
			nodeClassGVR: "HyperpodNodeClassList",
			nodePoolGVR:  "NodePoolList",
		})
}

func fastConfig() Config {
	return Config{
		HyperPodClusterName: "hp-cluster",
		NodeClassName:       "hyperpod-nodeclass",
		NodePoolPrefix:      "hyperpod-karpenter",
		AuthRetryDelay:      time.Millisecond,
		StatusAttempts:      3,
		StatusInterval:      time.Millisecond,
	}
}

// servesStatus makes every Get on the node class return the given
// instance-group status, standing in for the controller reconciling it.
func servesStatus(dyn *dynamicfake.FakeDynamicClient, name string, instanceGroups []any) {
	obj := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "karpenter.sagemaker.amazonaws.com/v1",
		"kind":       "HyperpodNodeClass",
		"metadata":   map[string]any{"name": name},
		"status":     map[string]any{"instanceGroups": instanceGroups},
	}}
	dyn.PrependReactor("get", "hyperpodnodeclasses", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, obj, nil
	})
}

func TestCreate_BuildsNodeClassAndPools(t *testing.T) {
	dyn := newFakeDynamic()
	servesStatus(dyn, "hyperpod-nodeclass", []any{
		map[string]any{
			"instanceTypes": []any{"ml.g5.8xlarge", "ml.g5.4xlarge"},
			"desiredLabels": []any{map[string]any{"key": "node-role", "value": "worker"}},
		},
		map[string]any{
			"instanceTypes": []any{"ml.m5.2xlarge"},
		},
	})

	h := New(hyperPodCluster("worker-group", "system-group"),
		func() dynamic.Interface { return dyn }, nil, fastConfig(), testr.New(t))

	out, err := h.Create(context.Background(), &lifecycle.Event{RequestType: lifecycle.RequestCreate})
	require.NoError(t, err)
	assert.Equal(t, "hyperpod-nodeclass", out.Data["NodeClassName"])
	assert.Equal(t, "hyperpod-karpenter-worker,hyperpod-karpenter-default", out.Data["NodePools"])

	nc, err := dyn.Tracker().Get(nodeClassGVR, "", "hyperpod-nodeclass")
	require.NoError(t, err)
	groups, _, err := unstructured.NestedStringSlice(nc.(*unstructured.Unstructured).Object, "spec", "instanceGroups")
	require.NoError(t, err)
	assert.Equal(t, []string{"worker-group", "system-group"}, groups)

	worker := getPool(t, dyn, "hyperpod-karpenter-worker")
	reqs := poolRequirements(t, worker)
	assert.Equal(t, map[string]any{
		"key":      "node.kubernetes.io/instance-type",
		"operator": "In",
		"values":   []any{"ml.g5.4xlarge", "ml.g5.8xlarge"},
	}, reqs[0])
	assert.Equal(t, map[string]any{
		"key":      "node-role",
		"operator": "In",
		"values":   []any{"worker"},
	}, reqs[1])
	ref, _, err := unstructured.NestedStringMap(worker.Object, "spec", "template", "spec", "nodeClassRef")
	require.NoError(t, err)
	assert.Equal(t, "hyperpod-nodeclass", ref["name"])
	assert.Equal(t, "HyperpodNodeClass", ref["kind"])

	def := getPool(t, dyn, "hyperpod-karpenter-default")
	reqs = poolRequirements(t, def)
	assert.Equal(t, map[string]any{
		"key":      "node.kubernetes.io/instance-type",
		"operator": "In",
		"values":   []any{"ml.m5.2xlarge"},
	}, reqs[0])
	assert.Equal(t, map[string]any{
		"key":      "node-role",
		"operator": "DoesNotExist",
	}, reqs[1])
	weight, found, err := unstructured.NestedInt64(def.Object, "spec", "weight")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), weight)
}

func TestCreate_NoStatusYieldsOpenDefaultPool(t *testing.T) {
	dyn := newFakeDynamic()
	h := New(hyperPodCluster("worker-group"),
		func() dynamic.Interface { return dyn }, nil, fastConfig(), testr.New(t))

	out, err := h.Create(context.Background(), &lifecycle.Event{RequestType: lifecycle.RequestCreate})
	require.NoError(t, err)
	assert.Equal(t, "hyperpod-karpenter-default", out.Data["NodePools"])

	def := getPool(t, dyn, "hyperpod-karpenter-default")
	reqs := poolRequirements(t, def)
	assert.Equal(t, map[string]any{
		"key":      "node.kubernetes.io/instance-type",
		"operator": "Exists",
	}, reqs[0])
}

func TestCreate_AdoptsExistingNodeClass(t *testing.T) {
	dyn := newFakeDynamic()
	_, err := dyn.Resource(nodeClassGVR).Create(context.Background(),
		buildNodeClass("hyperpod-nodeclass", []string{"stale-group"}), metav1.CreateOptions{})
	require.NoError(t, err)

	h := New(hyperPodCluster("worker-group"),
		func() dynamic.Interface { return dyn }, nil, fastConfig(), testr.New(t))

	_, err = h.Create(context.Background(), &lifecycle.Event{RequestType: lifecycle.RequestCreate})
	require.NoError(t, err)
}

func TestCreate_RetriesUnauthorizedAndRefreshes(t *testing.T) {
	dyn := newFakeDynamic()
	denials := 2
	dyn.PrependReactor("create", "hyperpodnodeclasses", func(k8stesting.Action) (bool, runtime.Object, error) {
		if denials > 0 {
			denials--
			return true, nil, apierrors.NewUnauthorized("token expired")
		}
		return false, nil, nil
	})

	refreshes := 0
	h := New(hyperPodCluster("worker-group"),
		func() dynamic.Interface { return dyn },
		func(context.Context) error { refreshes++; return nil },
		fastConfig(), testr.New(t))

	_, err := h.Create(context.Background(), &lifecycle.Event{RequestType: lifecycle.RequestCreate})
	require.NoError(t, err)
	assert.Equal(t, 2, refreshes)
}

func TestCreate_ExhaustedAuthRetriesIsCredentialError(t *testing.T) {
	dyn := newFakeDynamic()
	dyn.PrependReactor("create", "hyperpodnodeclasses", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewUnauthorized("token expired")
	})

	h := New(hyperPodCluster("worker-group"),
		func() dynamic.Interface { return dyn },
		func(context.Context) error { return nil },
		fastConfig(), testr.New(t))

	_, err := h.Create(context.Background(), &lifecycle.Event{RequestType: lifecycle.RequestCreate})
	require.Error(t, err)
	assert.True(t, lifecycle.IsCredential(err))
}

func TestCreate_MissingConfigIsPermanent(t *testing.T) {
	cfg := fastConfig()
	cfg.NodeClassName = ""
	h := New(hyperPodCluster(), func() dynamic.Interface { return newFakeDynamic() }, nil, cfg, testr.New(t))

	_, err := h.Create(context.Background(), &lifecycle.Event{RequestType: lifecycle.RequestCreate})
	require.Error(t, err)
	assert.True(t, lifecycle.IsConfiguration(err))
}

func TestDelete_IsImmediateSuccess(t *testing.T) {
	// No SageMaker or cluster access happens on delete: the fakes would
	// panic if touched.
	h := New(&fakeSageMaker{}, func() dynamic.Interface { panic("unexpected cluster access") }, nil, fastConfig(), testr.New(t))

	out, err := h.Delete(context.Background(), &lifecycle.Event{RequestType: lifecycle.RequestDelete})
	require.NoError(t, err)
	assert.Equal(t, "Delete completed (no action needed)", out.Reason)
}

func getPool(t *testing.T, dyn *dynamicfake.FakeDynamicClient, name string) *unstructured.Unstructured {
	t.Helper()
	obj, err := dyn.Tracker().Get(nodePoolGVR, "", name)
	require.NoError(t, err)
	return obj.(*unstructured.Unstructured)
}

func poolRequirements(t *testing.T, pool *unstructured.Unstructured) []any {
	t.Helper()
	reqs, found, err := unstructured.NestedSlice(pool.Object, "spec", "template", "spec", "requirements")
	require.NoError(t, err)
	require.True(t, found)
	return reqs
}

// A flaky DescribeCluster is retried before anything touches the cluster.
func TestCreate_RetriesDescribeCluster(t *testing.T) {
	attempts := 0
	healthy := hyperPodCluster("worker-group")
	sm := &fakeSageMaker{
		describeCluster: func(ctx context.Context, in *sagemaker.DescribeClusterInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeClusterOutput, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("connection reset")
			}
			return healthy.describeCluster(ctx, in, optFns...)
		},
	}
	dyn := newFakeDynamic()
	h := New(sm, func() dynamic.Interface { return dyn }, nil, fastConfig(), testr.New(t))
	h.backoff = wait.Backoff{Duration: time.Millisecond, Factor: 1.0, Steps: 4}

	_, err := h.Create(context.Background(), &lifecycle.Event{RequestType: lifecycle.RequestCreate})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestCreate_ExhaustedDescribeRetriesIsTransient(t *testing.T) {
	sm := &fakeSageMaker{
		describeCluster: func(context.Context, *sagemaker.DescribeClusterInput, ...func(*sagemaker.Options)) (*sagemaker.DescribeClusterOutput, error) {
			return nil, errors.New("connection reset")
		},
	}
	h := New(sm, func() dynamic.Interface { panic("cluster must not be touched") }, nil, fastConfig(), testr.New(t))
	h.backoff = wait.Backoff{Duration: time.Millisecond, Factor: 1.0, Steps: 2}

	_, err := h.Create(context.Background(), &lifecycle.Event{RequestType: lifecycle.RequestCreate})
	require.Error(t, err)
	assert.True(t, lifecycle.IsTransient(err))
}
