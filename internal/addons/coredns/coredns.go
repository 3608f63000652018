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

// Package coredns moves the CoreDNS deployment onto Fargate by annotating
// its pod template, then waits for the rollout.
package coredns

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	ktypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	kube "github.com/awslabs/hyperpod-addons/internal/kubernetes"
	"github.com/awslabs/hyperpod-addons/internal/lifecycle"
)

const (
	namespace      = "kube-system"
	deploymentName = "coredns"

	// fargatePatch pins CoreDNS pods to Fargate capacity.
	fargatePatch = `{"spec":{"template":{"metadata":{"annotations":{"eks.amazonaws.com/compute-type":"fargate"}}}}}`

	rolloutTimeout = 540 * time.Second
)

// Handler implements the CoreDNS lifecycle.
type Handler struct {
	client    kubernetes.Interface
	workloads *kube.Workloads
	log       logr.Logger
}

var _ lifecycle.Handler = &Handler{}

// New builds the handler. The workloads wrapper may carry a shorter
// timeout in tests.
func New(client kubernetes.Interface, workloads *kube.Workloads, log logr.Logger) *Handler {
	return &Handler{client: client, workloads: workloads, log: log.WithName("coredns")}
}

// NewWithDefaults builds the handler with the production rollout budget.
func NewWithDefaults(client kubernetes.Interface, log logr.Logger) *Handler {
	return New(client, kube.NewWorkloads(kube.WorkloadsConfig{
		Client:  client,
		Log:     log,
		Timeout: rolloutTimeout,
	}), log)
}

// Create patches the deployment and waits for the new pods to land on
// Fargate.
func (h *Handler) Create(ctx context.Context, _ *lifecycle.Event) (*lifecycle.Output, error) {
	h.log.Info("Patching CoreDNS deployment with Fargate compute-type annotation")
	_, err := h.client.AppsV1().Deployments(namespace).Patch(ctx, deploymentName,
		ktypes.StrategicMergePatchType, []byte(fargatePatch), metav1.PatchOptions{})
	if err != nil {
		return nil, lifecycle.Transientf("failed to patch CoreDNS: %s", err)
	}

	if err := h.workloads.DeploymentRolledOut(ctx, namespace, deploymentName); err != nil {
		return nil, err
	}
	h.log.Info("CoreDNS rollout completed")
	return &lifecycle.Output{
		Reason: "CoreDNS patched for Fargate successfully",
		Data:   map[string]any{"CoreDNSPatched": true},
	}, nil
}

// Update re-applies the annotation; the patch is a no-op when already set.
func (h *Handler) Update(ctx context.Context, ev *lifecycle.Event) (*lifecycle.Output, error) {
	return h.Create(ctx, ev)
}

// Delete has nothing to undo.
func (h *Handler) Delete(context.Context, *lifecycle.Event) (*lifecycle.Output, error) {
	return &lifecycle.Output{Reason: "Delete completed (no action needed)"}, nil
}
