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

package kubernetes

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/awslabs/hyperpod-addons/internal/lifecycle"
)

func newWorkloads(t *testing.T, objs ...runtime.Object) *Workloads {
	t.Helper()
	return NewWorkloads(WorkloadsConfig{
		Client:       fake.NewSimpleClientset(objs...),
		Log:          testr.New(t),
		PollInterval: time.Millisecond,
		Timeout:      100 * time.Millisecond,
	})
}

func deployment(namespace, name string, labels map[string]string, replicas, ready, available, updated int32) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: namespace,
			Name:      name,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{Replicas: &replicas},
		Status: appsv1.DeploymentStatus{
			ReadyReplicas:     ready,
			AvailableReplicas: available,
			UpdatedReplicas:   updated,
		},
	}
}

func TestProbeDeploymentsByLabel(t *testing.T) {
	selector := "app.kubernetes.io/name=cert-manager"
	labels := map[string]string{"app.kubernetes.io/name": "cert-manager"}

	tests := []struct {
		name string
		objs []runtime.Object
		want lifecycle.Existence
	}{
		{
			name: "nothing installed",
			want: lifecycle.Existence{},
		},
		{
			name: "installed but not ready",
			objs: []runtime.Object{deployment("cert-manager", "cert-manager", labels, 1, 0, 0, 1)},
			want: lifecycle.Existence{Exists: true, Detail: "cert-manager"},
		},
		{
			name: "installed and serving",
			objs: []runtime.Object{deployment("cert-manager", "cert-manager", labels, 1, 1, 1, 1)},
			want: lifecycle.Existence{Exists: true, Ready: true, Detail: "cert-manager"},
		},
		{
			name: "other deployments do not match",
			objs: []runtime.Object{deployment("cert-manager", "something-else", map[string]string{"app": "other"}, 1, 1, 1, 1)},
			want: lifecycle.Existence{},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := newWorkloads(t, tc.objs...)
			got, err := w.ProbeDeploymentsByLabel(context.Background(), "cert-manager", selector)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDeploymentsReady(t *testing.T) {
	t.Run("all available", func(t *testing.T) {
		w := newWorkloads(t,
			deployment("cert-manager", "cert-manager", nil, 1, 1, 1, 1),
			deployment("cert-manager", "cert-manager-webhook", nil, 1, 1, 1, 1),
		)
		err := w.DeploymentsReady(context.Background(), "cert-manager", []string{"cert-manager", "cert-manager-webhook"})
		assert.NoError(t, err)
	})

	t.Run("missing deployment times out with last state", func(t *testing.T) {
		w := newWorkloads(t, deployment("cert-manager", "cert-manager", nil, 1, 1, 1, 1))
		err := w.DeploymentsReady(context.Background(), "cert-manager", []string{"cert-manager", "cert-manager-webhook"})
		require.Error(t, err)
		assert.True(t, lifecycle.IsTimeout(err))
		assert.Contains(t, err.Error(), "cert-manager-webhook not found")
	})

	t.Run("unavailable deployment times out", func(t *testing.T) {
		w := newWorkloads(t, deployment("kube-system", "coredns", nil, 2, 1, 1, 2))
		err := w.DeploymentsReady(context.Background(), "kube-system", []string{"coredns"})
		require.Error(t, err)
		assert.True(t, lifecycle.IsTimeout(err))
		assert.Contains(t, err.Error(), "1/2 replicas available")
	})
}

func TestDeploymentRolledOut(t *testing.T) {
	t.Run("rolled out", func(t *testing.T) {
		d := deployment("kube-system", "coredns", nil, 2, 2, 2, 2)
		w := newWorkloads(t, d)
		assert.NoError(t, w.DeploymentRolledOut(context.Background(), "kube-system", "coredns"))
	})

	t.Run("stale generation times out", func(t *testing.T) {
		d := deployment("kube-system", "coredns", nil, 2, 2, 2, 2)
		d.Generation = 3
		d.Status.ObservedGeneration = 2
		w := newWorkloads(t, d)
		err := w.DeploymentRolledOut(context.Background(), "kube-system", "coredns")
		require.Error(t, err)
		assert.True(t, lifecycle.IsTimeout(err))
	})
}

func TestDaemonSetReady(t *testing.T) {
	ds := func(desired, ready int32) *appsv1.DaemonSet {
		return &appsv1.DaemonSet{
			ObjectMeta: metav1.ObjectMeta{Namespace: "kube-system", Name: "cache"},
			Status: appsv1.DaemonSetStatus{
				DesiredNumberScheduled: desired,
				NumberReady:            ready,
			},
		}
	}

	t.Run("ready", func(t *testing.T) {
		w := newWorkloads(t, ds(3, 3))
		assert.NoError(t, w.DaemonSetReady(context.Background(), "kube-system", "cache"))
	})

	t.Run("no pods scheduled counts as unready", func(t *testing.T) {
		w := newWorkloads(t, ds(0, 0))
		err := w.DaemonSetReady(context.Background(), "kube-system", "cache")
		require.Error(t, err)
		assert.True(t, lifecycle.IsTimeout(err))
	})
}

func TestPodsReadyByLabel(t *testing.T) {
	pod := func(name string, ready bool) *corev1.Pod {
		status := corev1.ConditionFalse
		if ready {
			status = corev1.ConditionTrue
		}
		return &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Namespace: "kube-system",
				Name:      name,
				Labels:    map[string]string{"app": "cache"},
			},
			Status: corev1.PodStatus{
				Phase:      corev1.PodRunning,
				Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: status}},
			},
		}
	}

	t.Run("all ready", func(t *testing.T) {
		w := newWorkloads(t, pod("cache-1", true), pod("cache-2", true))
		assert.NoError(t, w.PodsReadyByLabel(context.Background(), "kube-system", "app=cache"))
	})

	t.Run("one unready pod times out naming it", func(t *testing.T) {
		w := newWorkloads(t, pod("cache-1", true), pod("cache-2", false))
		err := w.PodsReadyByLabel(context.Background(), "kube-system", "app=cache")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cache-2")
	})

	t.Run("no pods times out", func(t *testing.T) {
		w := newWorkloads(t)
		err := w.PodsReadyByLabel(context.Background(), "kube-system", "app=cache")
		require.Error(t, err)
		assert.True(t, lifecycle.IsTimeout(err))
	})
}

func TestDeletePodsByLabel(t *testing.T) {
	w := newWorkloads(t, &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: "kube-system",
			Name:      "cache-1",
			Labels:    map[string]string{"app": "cache"},
		},
	})
	require.NoError(t, w.DeletePodsByLabel(context.Background(), "kube-system", "app=cache"))
}
