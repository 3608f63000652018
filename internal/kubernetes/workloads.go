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
	"fmt"
	"time"

	"github.com/go-logr/logr"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/awslabs/hyperpod-addons/internal/lifecycle"
)

const (
	// defaultWorkloadPollInterval paces readiness polling against the
	// API server.
	defaultWorkloadPollInterval = 5 * time.Second
	// defaultWorkloadTimeout bounds a single readiness wait.
	defaultWorkloadTimeout = 5 * time.Minute
)

// Workloads provides readiness probes and bounded waits over the workload
// API of the target cluster.
type Workloads struct {
	client       kubernetes.Interface
	log          logr.Logger
	pollInterval time.Duration
	timeout      time.Duration
}

// WorkloadsConfig contains configuration for the workloads wrapper.
type WorkloadsConfig struct {
	Client       kubernetes.Interface
	Log          logr.Logger
	PollInterval time.Duration
	Timeout      time.Duration
}

// NewWorkloads creates a workloads wrapper.
func NewWorkloads(cfg WorkloadsConfig) *Workloads {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultWorkloadPollInterval
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultWorkloadTimeout
	}
	return &Workloads{
		client:       cfg.Client,
		log:          cfg.Log.WithName("workloads"),
		pollInterval: cfg.PollInterval,
		timeout:      cfg.Timeout,
	}
}

// ProbeDeploymentsByLabel reports whether any deployment matching selector
// exists in namespace, and whether at least one of them has ready replicas.
func (w *Workloads) ProbeDeploymentsByLabel(ctx context.Context, namespace, selector string) (lifecycle.Existence, error) {
	list, err := w.client.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return lifecycle.Existence{}, nil
		}
		return lifecycle.Existence{}, lifecycle.Transientf("failed to list deployments in %s: %s", namespace, err)
	}
	if len(list.Items) == 0 {
		return lifecycle.Existence{}, nil
	}
	for _, d := range list.Items {
		if d.Status.ReadyReplicas > 0 {
			return lifecycle.Existence{Exists: true, Ready: true, Detail: d.Name}, nil
		}
	}
	return lifecycle.Existence{Exists: true, Detail: list.Items[0].Name}, nil
}

// DeploymentsReady waits until every named deployment in namespace has all
// of its desired replicas available. On timeout the returned error carries
// the last observed laggard.
func (w *Workloads) DeploymentsReady(ctx context.Context, namespace string, names []string) error {
	_, err := lifecycle.Poll(ctx, w.pollInterval, w.timeout, func(ctx context.Context) (lifecycle.RemoteState, error) {
		for _, name := range names {
			d, err := w.client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				if apierrors.IsNotFound(err) {
					return lifecycle.RemoteState{Status: fmt.Sprintf("deployment %s/%s not found", namespace, name)}, nil
				}
				return lifecycle.RemoteState{}, lifecycle.Transientf("failed to get deployment %s/%s: %s", namespace, name, err)
			}
			if !deploymentAvailable(d) {
				return lifecycle.RemoteState{
					Status: fmt.Sprintf("deployment %s/%s has %d/%d replicas available",
						namespace, name, d.Status.AvailableReplicas, desiredReplicas(d)),
				}, nil
			}
		}
		return lifecycle.RemoteState{Terminal: true, Status: "available"}, nil
	})
	return err
}

// DeploymentRolledOut waits until the deployment's latest generation is
// fully rolled out.
func (w *Workloads) DeploymentRolledOut(ctx context.Context, namespace, name string) error {
	_, err := lifecycle.Poll(ctx, w.pollInterval, w.timeout, func(ctx context.Context) (lifecycle.RemoteState, error) {
		d, err := w.client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return lifecycle.RemoteState{}, lifecycle.Transientf("failed to get deployment %s/%s: %s", namespace, name, err)
		}
		if d.Generation > d.Status.ObservedGeneration {
			return lifecycle.RemoteState{Status: "waiting for rollout to be observed"}, nil
		}
		desired := desiredReplicas(d)
		if d.Status.UpdatedReplicas < desired {
			return lifecycle.RemoteState{
				Status: fmt.Sprintf("%d/%d replicas updated", d.Status.UpdatedReplicas, desired),
			}, nil
		}
		if d.Status.AvailableReplicas < desired {
			return lifecycle.RemoteState{
				Status: fmt.Sprintf("%d/%d replicas available", d.Status.AvailableReplicas, desired),
			}, nil
		}
		return lifecycle.RemoteState{Terminal: true, Status: "rolled out"}, nil
	})
	return err
}

// DaemonSetReady waits until the daemonset has as many ready pods as
// scheduled ones, with at least one pod scheduled.
func (w *Workloads) DaemonSetReady(ctx context.Context, namespace, name string) error {
	_, err := lifecycle.Poll(ctx, w.pollInterval, w.timeout, func(ctx context.Context) (lifecycle.RemoteState, error) {
		ds, err := w.client.AppsV1().DaemonSets(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				return lifecycle.RemoteState{Status: fmt.Sprintf("daemonset %s/%s not found", namespace, name)}, nil
			}
			return lifecycle.RemoteState{}, lifecycle.Transientf("failed to get daemonset %s/%s: %s", namespace, name, err)
		}
		if ds.Status.DesiredNumberScheduled == 0 || ds.Status.NumberReady < ds.Status.DesiredNumberScheduled {
			return lifecycle.RemoteState{
				Status: fmt.Sprintf("daemonset %s/%s has %d/%d pods ready",
					namespace, name, ds.Status.NumberReady, ds.Status.DesiredNumberScheduled),
			}, nil
		}
		return lifecycle.RemoteState{Terminal: true, Status: "ready"}, nil
	})
	return err
}

// DeletePodsByLabel deletes all pods matching selector in namespace so the
// owning controller recreates them with the current template.
func (w *Workloads) DeletePodsByLabel(ctx context.Context, namespace, selector string) error {
	err := w.client.CoreV1().Pods(namespace).DeleteCollection(ctx, metav1.DeleteOptions{}, metav1.ListOptions{LabelSelector: selector})
	if err != nil && !apierrors.IsNotFound(err) {
		return lifecycle.Transientf("failed to delete pods matching %q in %s: %s", selector, namespace, err)
	}
	return nil
}

// PodsReadyByLabel waits until every pod matching selector in namespace is
// running and ready, and at least one such pod exists.
func (w *Workloads) PodsReadyByLabel(ctx context.Context, namespace, selector string) error {
	_, err := lifecycle.Poll(ctx, w.pollInterval, w.timeout, func(ctx context.Context) (lifecycle.RemoteState, error) {
		list, err := w.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
		if err != nil {
			return lifecycle.RemoteState{}, lifecycle.Transientf("failed to list pods matching %q in %s: %s", selector, namespace, err)
		}
		if len(list.Items) == 0 {
			return lifecycle.RemoteState{Status: fmt.Sprintf("no pods matching %q yet", selector)}, nil
		}
		for i := range list.Items {
			if !podReady(&list.Items[i]) {
				return lifecycle.RemoteState{
					Status: fmt.Sprintf("pod %s is not ready", list.Items[i].Name),
				}, nil
			}
		}
		return lifecycle.RemoteState{Terminal: true, Status: "ready"}, nil
	})
	return err
}

func desiredReplicas(d *appsv1.Deployment) int32 {
	if d.Spec.Replicas == nil {
		return 1
	}
	return *d.Spec.Replicas
}

func deploymentAvailable(d *appsv1.Deployment) bool {
	desired := desiredReplicas(d)
	return d.Status.ObservedGeneration >= d.Generation &&
		d.Status.AvailableReplicas >= desired &&
		d.Status.UpdatedReplicas >= desired
}

func podReady(p *corev1.Pod) bool {
	if p.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, cond := range p.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}
