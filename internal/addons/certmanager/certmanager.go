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

// Package certmanager installs cert-manager from the HyperPod helm chart
// with every other chart component disabled.
package certmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/awslabs/hyperpod-addons/internal/helm"
	kube "github.com/awslabs/hyperpod-addons/internal/kubernetes"
	"github.com/awslabs/hyperpod-addons/internal/lifecycle"
)

const (
	// Namespace is where cert-manager lives.
	Namespace = "cert-manager"
	// ReleaseName is the helm release holding the chart.
	ReleaseName = "cert-manager"

	existsSelector = "app.kubernetes.io/name=cert-manager"
	readyTimeout   = 300 * time.Second
)

// deployments that must be available before the install counts as done.
var deployments = []string{
	"cert-manager",
	"cert-manager-cainjector",
	"cert-manager-webhook",
}

// HelmClient is the slice of the helm wrapper this handler needs.
type HelmClient interface {
	Installed(releaseName string) (bool, error)
	Install(ctx context.Context, spec helm.InstallSpec) error
	Upgrade(ctx context.Context, spec helm.InstallSpec) error
	Uninstall(releaseName string) error
}

// Config carries the chart coordinates.
type Config struct {
	ChartRef     string
	ChartVersion string
}

// Handler implements the cert-manager lifecycle.
type Handler struct {
	helm      HelmClient
	client    kubernetes.Interface
	workloads *kube.Workloads
	cfg       Config
	log       logr.Logger
}

var _ lifecycle.Handler = &Handler{}

// New builds the handler. helmClient and client may be nil only on the
// delete path, where an unreachable cluster is tolerated.
func New(helmClient HelmClient, client kubernetes.Interface, workloads *kube.Workloads, cfg Config, log logr.Logger) *Handler {
	return &Handler{
		helm:      helmClient,
		client:    client,
		workloads: workloads,
		cfg:       cfg,
		log:       log.WithName("certmanager"),
	}
}

// Create installs cert-manager unless it is already serving.
func (h *Handler) Create(ctx context.Context, _ *lifecycle.Event) (*lifecycle.Output, error) {
	if h.cfg.ChartRef == "" {
		return nil, lifecycle.Configurationf("missing required environment variable: CHART_REF")
	}

	existing, err := h.workloads.ProbeDeploymentsByLabel(ctx, Namespace, existsSelector)
	if err != nil {
		return nil, err
	}
	if existing.Ready {
		h.log.Info("cert-manager already exists, skipping installation")
		return &lifecycle.Output{
			Reason: "cert-manager already exists, skipped installation",
			Data: map[string]any{
				"CertManagerInstalled": false,
				"CertManagerExists":    true,
			},
		}, nil
	}

	if err := kube.EnsureNamespace(ctx, h.client, Namespace); err != nil {
		return nil, err
	}
	if err := h.helm.Install(ctx, h.installSpec()); err != nil {
		return nil, err
	}
	if err := h.workloads.DeploymentsReady(ctx, Namespace, deployments); err != nil {
		return nil, fmt.Errorf("cert-manager deployments failed to become ready: %w", err)
	}

	return &lifecycle.Output{
		Reason: "cert-manager installed successfully via HyperPod Helm Chart",
		Data: map[string]any{
			"CertManagerInstalled": true,
			"CertManagerExists":    false,
		},
	}, nil
}

// Update upgrades (or installs, when absent) the release.
func (h *Handler) Update(ctx context.Context, _ *lifecycle.Event) (*lifecycle.Output, error) {
	existing, err := h.workloads.ProbeDeploymentsByLabel(ctx, Namespace, existsSelector)
	if err != nil {
		return nil, err
	}

	if err := h.helm.Upgrade(ctx, h.installSpec()); err != nil {
		return nil, err
	}
	if err := h.workloads.DeploymentsReady(ctx, Namespace, deployments); err != nil {
		return nil, fmt.Errorf("cert-manager deployments failed to become ready: %w", err)
	}

	reason := "cert-manager updated successfully via HyperPod Helm Chart"
	if !existing.Ready {
		reason = "cert-manager installed successfully via HyperPod Helm Chart (was not present)"
	}
	return &lifecycle.Output{
		Reason: reason,
		Data:   map[string]any{"CertManagerUpdated": true},
	}, nil
}

// Delete uninstalls the release and sweeps the namespace if it is empty.
// The handler may be built without clients here; that means the cluster is
// already gone and there is nothing to clean up.
func (h *Handler) Delete(ctx context.Context, _ *lifecycle.Event) (*lifecycle.Output, error) {
	done := &lifecycle.Output{Reason: "cert-manager uninstall completed successfully"}
	if h.helm == nil || h.client == nil {
		h.log.Info("Cluster unreachable, skipping cert-manager cleanup")
		return done, nil
	}

	installed, err := h.helm.Installed(ReleaseName)
	if err != nil {
		return nil, err
	}
	if !installed {
		h.log.Info("Helm release not found, skipping uninstall", "release", ReleaseName)
		return done, nil
	}

	if err := h.helm.Uninstall(ReleaseName); err != nil {
		return nil, err
	}

	if h.namespaceEmpty(ctx) {
		if err := kube.DeleteNamespace(ctx, h.client, Namespace); err != nil {
			return nil, err
		}
		h.log.Info("Deleted namespace", "namespace", Namespace)
	} else {
		h.log.Info("Namespace contains resources, skipping deletion", "namespace", Namespace)
	}
	return done, nil
}

func (h *Handler) installSpec() helm.InstallSpec {
	return helm.InstallSpec{
		ReleaseName: ReleaseName,
		Namespace:   Namespace,
		ChartRef:    h.cfg.ChartRef,
		Version:     h.cfg.ChartVersion,
		Values:      chartValues(),
		Timeout:     readyTimeout,
	}
}

// namespaceEmpty approximates "kubectl get all" emptiness with the
// workload kinds the chart creates.
func (h *Handler) namespaceEmpty(ctx context.Context) bool {
	pods, err := h.client.CoreV1().Pods(Namespace).List(ctx, metav1.ListOptions{})
	if err != nil || len(pods.Items) > 0 {
		return false
	}
	svcs, err := h.client.CoreV1().Services(Namespace).List(ctx, metav1.ListOptions{})
	if err != nil || len(svcs.Items) > 0 {
		return false
	}
	deps, err := h.client.AppsV1().Deployments(Namespace).List(ctx, metav1.ListOptions{})
	if err != nil || len(deps.Items) > 0 {
		return false
	}
	return true
}

// chartValues enables cert-manager and disables every other component of
// the HyperPod chart.
func chartValues() map[string]any {
	enabled := func(v bool) map[string]any { return map[string]any{"enabled": v} }
	devicePlugin := func(v bool) map[string]any {
		return map[string]any{"devicePlugin": enabled(v)}
	}
	return map[string]any{
		"cert-manager":                 enabled(true),
		"trainingOperators":            enabled(false),
		"mlflow":                       enabled(false),
		"nvidia-device-plugin":         devicePlugin(false),
		"aws-efa-k8s-device-plugin":    devicePlugin(false),
		"neuron-device-plugin":         devicePlugin(false),
		"storage":                      enabled(false),
		"health-monitoring-agent":      enabled(false),
		"mpi-operator":                 enabled(false),
		"deep-health-check":            enabled(false),
		"job-auto-restart":             enabled(false),
		"cluster-role-and-bindings":    enabled(false),
		"namespaced-role-and-bindings": enabled(false),
		"team-role-and-bindings":       enabled(false),
		"inferenceOperators":           enabled(false),
		"hyperpod-patching":            enabled(false),
	}
}
