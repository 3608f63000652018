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

// Package hptoaddon manages the HyperPod training operator EKS add-on.
//
// Installation is reported in the response payload rather than via a
// failure: the add-on depends on cert-manager and may land in
// CREATE_FAILED when that dependency is not ready, and the surrounding
// stack must still come up.
package hptoaddon

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/go-logr/logr"

	"github.com/awslabs/hyperpod-addons/internal/awsapi"
	kube "github.com/awslabs/hyperpod-addons/internal/kubernetes"
	"github.com/awslabs/hyperpod-addons/internal/lifecycle"
)

const (
	// AddonName is the published EKS add-on for the training operator.
	AddonName = "amazon-sagemaker-hyperpod-training-operator"

	certManagerNamespace = "cert-manager"
	certManagerSelector  = "app.kubernetes.io/name=cert-manager"
)

// Config holds the handler's tunables. The production budgets match the
// add-on's typical install and delete times.
type Config struct {
	ClusterName    string
	CreateInterval time.Duration
	CreateTimeout  time.Duration
	DeleteInterval time.Duration
	DeleteTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.CreateInterval == 0 {
		c.CreateInterval = 30 * time.Second
	}
	if c.CreateTimeout == 0 {
		c.CreateTimeout = 300 * time.Second
	}
	if c.DeleteInterval == 0 {
		c.DeleteInterval = 10 * time.Second
	}
	if c.DeleteTimeout == 0 {
		c.DeleteTimeout = 300 * time.Second
	}
}

// Handler implements the training operator add-on lifecycle.
type Handler struct {
	eks       awsapi.EKSAPI
	workloads *kube.Workloads
	cfg       Config
	log       logr.Logger
}

var _ lifecycle.Handler = &Handler{}

// New builds the handler. workloads may be nil when no cluster connection
// could be established; the cert-manager probe is then skipped.
func New(eksClient awsapi.EKSAPI, workloads *kube.Workloads, cfg Config, log logr.Logger) *Handler {
	cfg.applyDefaults()
	return &Handler{eks: eksClient, workloads: workloads, cfg: cfg, log: log.WithName("hptoaddon")}
}

// Create installs the add-on, adopting an existing installation, and
// reports the terminal status in the payload. An install failure is part
// of the payload, not a lifecycle failure.
func (h *Handler) Create(ctx context.Context, _ *lifecycle.Event) (*lifecycle.Output, error) {
	if h.cfg.ClusterName == "" {
		return nil, lifecycle.Configurationf("missing required environment variable: EKS_CLUSTER_NAME")
	}

	h.probeCertManager(ctx)

	arn, status, err := h.install(ctx)
	if err != nil {
		h.log.Error(err, "Failed to install training operator add-on")
		return &lifecycle.Output{
			Reason: fmt.Sprintf("Failed to install HPTO add-on: %s", err),
			Data: map[string]any{
				"HptoInstalled": false,
				"AddonStatus":   "N/A",
			},
		}, nil
	}

	return &lifecycle.Output{
		Reason: fmt.Sprintf("HPTO add-on installation attempted, status: %s", status),
		Data: map[string]any{
			"HptoAddonArn":  arn,
			"HptoInstalled": installedStatus(status),
			"AddonStatus":   string(status),
		},
	}, nil
}

// Update only verifies the add-on is still present.
func (h *Handler) Update(ctx context.Context, _ *lifecycle.Event) (*lifecycle.Output, error) {
	_, err := h.eks.DescribeAddon(ctx, &eks.DescribeAddonInput{
		ClusterName: aws.String(h.cfg.ClusterName),
		AddonName:   aws.String(AddonName),
	})
	if err != nil {
		if awsapi.IsNotFound(err) {
			return &lifecycle.Output{Reason: "HPTO add-on not found"}, nil
		}
		return nil, fmt.Errorf("failed to describe add-on: %w", err)
	}
	return &lifecycle.Output{Reason: "HPTO add-on checked and updated if necessary"}, nil
}

// Delete removes the add-on and waits for it to disappear.
func (h *Handler) Delete(ctx context.Context, _ *lifecycle.Event) (*lifecycle.Output, error) {
	if h.cfg.ClusterName == "" {
		h.log.Info("Cluster name not found, skipping cleanup")
		return &lifecycle.Output{Reason: "HPTO add-on uninstall completed"}, nil
	}

	_, err := h.eks.DeleteAddon(ctx, &eks.DeleteAddonInput{
		ClusterName: aws.String(h.cfg.ClusterName),
		AddonName:   aws.String(AddonName),
	})
	if err != nil {
		if awsapi.IsNotFound(err) {
			h.log.Info("HPTO add-on not found, already deleted")
			return &lifecycle.Output{
				Reason: "HPTO add-on uninstall completed",
				Data:   map[string]any{"HptoUninstalled": true},
			}, nil
		}
		return nil, fmt.Errorf("failed to delete add-on: %w", err)
	}

	_, err = lifecycle.Poll(ctx, h.cfg.DeleteInterval, h.cfg.DeleteTimeout, func(ctx context.Context) (lifecycle.RemoteState, error) {
		out, err := h.eks.DescribeAddon(ctx, &eks.DescribeAddonInput{
			ClusterName: aws.String(h.cfg.ClusterName),
			AddonName:   aws.String(AddonName),
		})
		if awsapi.IsNotFound(err) {
			return lifecycle.RemoteState{Terminal: true, Status: "deleted"}, nil
		}
		if err != nil {
			return lifecycle.RemoteState{}, lifecycle.Transientf("failed to describe add-on during delete: %s", err)
		}
		return lifecycle.RemoteState{Status: string(out.Addon.Status)}, nil
	})
	if err != nil {
		return nil, err
	}

	h.log.Info("HPTO add-on deleted")
	return &lifecycle.Output{
		Reason: "HPTO add-on uninstall completed",
		Data:   map[string]any{"HptoUninstalled": true},
	}, nil
}

// probeCertManager is best effort: a missing cert-manager only predicts a
// CREATE_FAILED add-on, it does not block the attempt.
func (h *Handler) probeCertManager(ctx context.Context) {
	if h.workloads == nil {
		return
	}
	existence, err := h.workloads.ProbeDeploymentsByLabel(ctx, certManagerNamespace, certManagerSelector)
	if err != nil || !existence.Ready {
		h.log.Info("Warning: cert-manager pods not ready, HPTO add-on may enter CREATE_FAILED state")
	}
}

func (h *Handler) install(ctx context.Context) (arn string, status types.AddonStatus, err error) {
	out, err := h.eks.DescribeAddon(ctx, &eks.DescribeAddonInput{
		ClusterName: aws.String(h.cfg.ClusterName),
		AddonName:   aws.String(AddonName),
	})
	if err == nil {
		h.log.Info("HPTO add-on already exists", "status", out.Addon.Status)
		return aws.ToString(out.Addon.AddonArn), out.Addon.Status, nil
	}
	if !awsapi.IsNotFound(err) {
		return "", "", fmt.Errorf("failed to describe add-on: %w", err)
	}

	h.log.Info("Creating HPTO add-on", "cluster", h.cfg.ClusterName)
	created, err := h.eks.CreateAddon(ctx, &eks.CreateAddonInput{
		ClusterName:      aws.String(h.cfg.ClusterName),
		AddonName:        aws.String(AddonName),
		ResolveConflicts: types.ResolveConflictsOverwrite,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to create add-on: %w", err)
	}
	arn = aws.ToString(created.Addon.AddonArn)

	last, err := lifecycle.Poll(ctx, h.cfg.CreateInterval, h.cfg.CreateTimeout, func(ctx context.Context) (lifecycle.RemoteState, error) {
		out, err := h.eks.DescribeAddon(ctx, &eks.DescribeAddonInput{
			ClusterName: aws.String(h.cfg.ClusterName),
			AddonName:   aws.String(AddonName),
		})
		if err != nil {
			return lifecycle.RemoteState{}, lifecycle.Transientf("failed to describe add-on: %s", err)
		}
		status = out.Addon.Status
		arn = aws.ToString(out.Addon.AddonArn)
		return lifecycle.RemoteState{
			Terminal: isTerminalStatus(status),
			Status:   string(status),
		}, nil
	})
	if lifecycle.IsTimeout(err) {
		// Report whatever status the add-on last showed.
		h.log.Info("Timeout waiting for terminal state", "status", last.Status)
		return arn, status, nil
	}
	if err != nil {
		return "", "", err
	}
	return arn, status, nil
}

func isTerminalStatus(s types.AddonStatus) bool {
	switch s {
	case types.AddonStatusActive, types.AddonStatusCreateFailed, types.AddonStatusDegraded:
		return true
	}
	return false
}

// installedStatus reports whether a status counts as an installed add-on.
func installedStatus(s types.AddonStatus) bool {
	switch s {
	case types.AddonStatusActive, types.AddonStatusDegraded, types.AddonStatusUpdating:
		return true
	}
	return false
}
