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

// Package clusterpolicy manages the HyperPod cluster scheduler
// configuration behind the Custom::ClusterSchedulerConfig resource.
package clusterpolicy

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/awslabs/hyperpod-addons/internal/awsapi"
	"github.com/awslabs/hyperpod-addons/internal/lifecycle"
)

const defaultDescription = "HyperPod cluster scheduler configuration"

// Handler implements the scheduler config lifecycle.
type Handler struct {
	sagemaker awsapi.SageMakerAPI
	backoff   wait.Backoff
	log       logr.Logger
}

var _ lifecycle.Handler = &Handler{}

// New builds the handler.
func New(sm awsapi.SageMakerAPI, log logr.Logger) *Handler {
	return &Handler{sagemaker: sm, backoff: lifecycle.DefaultBackoff(), log: log.WithName("clusterpolicy")}
}

// throttled marks throttling responses transient so the retry loop
// re-attempts them; everything else aborts immediately.
func throttled(err error) error {
	if awsapi.IsThrottling(err) {
		return lifecycle.NewTransient(err)
	}
	return err
}

// Create provisions a new scheduler config and reports its id as the
// physical resource id.
func (h *Handler) Create(ctx context.Context, ev *lifecycle.Event) (*lifecycle.Output, error) {
	spec, err := specFromEvent(ev)
	if err != nil {
		return nil, err
	}

	var out *sagemaker.CreateClusterSchedulerConfigOutput
	err = lifecycle.Retry(ctx, h.log, h.backoff, func(ctx context.Context) error {
		var err error
		out, err = h.sagemaker.CreateClusterSchedulerConfig(ctx, &sagemaker.CreateClusterSchedulerConfigInput{
			ClusterArn:      aws.String(spec.clusterArn),
			Name:            aws.String(spec.name),
			SchedulerConfig: spec.scheduler,
			Description:     aws.String(spec.description),
		})
		return throttled(err)
	})
	if err != nil {
		if lifecycle.IsTransient(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create cluster scheduler config: %w", err)
	}

	h.log.Info("Created cluster scheduler config", "id", aws.ToString(out.ClusterSchedulerConfigId))
	return &lifecycle.Output{
		PhysicalResourceID: aws.ToString(out.ClusterSchedulerConfigId),
		Data: map[string]any{
			"ClusterSchedulerConfigArn": aws.ToString(out.ClusterSchedulerConfigArn),
			"ClusterSchedulerConfigId":  aws.ToString(out.ClusterSchedulerConfigId),
		},
	}, nil
}

// Update applies the new scheduler config to the existing id. The current
// version is looked up first because updates target a specific version.
func (h *Handler) Update(ctx context.Context, ev *lifecycle.Event) (*lifecycle.Output, error) {
	if ev.PhysicalResourceID == "" {
		return nil, lifecycle.Configurationf("no physical resource ID provided for update")
	}
	spec, err := specFromEvent(ev)
	if err != nil {
		return nil, err
	}

	var desc *sagemaker.DescribeClusterSchedulerConfigOutput
	err = lifecycle.Retry(ctx, h.log, h.backoff, func(ctx context.Context) error {
		var err error
		desc, err = h.sagemaker.DescribeClusterSchedulerConfig(ctx, &sagemaker.DescribeClusterSchedulerConfigInput{
			ClusterSchedulerConfigId: aws.String(ev.PhysicalResourceID),
		})
		return throttled(err)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe cluster scheduler config %s: %w", ev.PhysicalResourceID, err)
	}

	var out *sagemaker.UpdateClusterSchedulerConfigOutput
	err = lifecycle.Retry(ctx, h.log, h.backoff, func(ctx context.Context) error {
		var err error
		out, err = h.sagemaker.UpdateClusterSchedulerConfig(ctx, &sagemaker.UpdateClusterSchedulerConfigInput{
			ClusterSchedulerConfigId: aws.String(ev.PhysicalResourceID),
			TargetVersion:            desc.ClusterSchedulerConfigVersion,
			SchedulerConfig:          spec.scheduler,
			Description:              aws.String(spec.description),
		})
		return throttled(err)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update cluster scheduler config %s: %w", ev.PhysicalResourceID, err)
	}

	return &lifecycle.Output{
		PhysicalResourceID: ev.PhysicalResourceID,
		Data: map[string]any{
			"ClusterSchedulerConfigArn": aws.ToString(out.ClusterSchedulerConfigArn),
			"ClusterSchedulerConfigId":  ev.PhysicalResourceID,
		},
	}, nil
}

// Delete removes the scheduler config. An unknown or malformed id means
// there is nothing left to delete.
func (h *Handler) Delete(ctx context.Context, ev *lifecycle.Event) (*lifecycle.Output, error) {
	if ev.PhysicalResourceID == "" {
		return &lifecycle.Output{Reason: "no cluster scheduler config to delete"}, nil
	}
	err := lifecycle.Retry(ctx, h.log, h.backoff, func(ctx context.Context) error {
		_, err := h.sagemaker.DeleteClusterSchedulerConfig(ctx, &sagemaker.DeleteClusterSchedulerConfigInput{
			ClusterSchedulerConfigId: aws.String(ev.PhysicalResourceID),
		})
		return throttled(err)
	})
	if err != nil {
		if awsapi.IsNotFound(err) || awsapi.IsValidation(err) {
			h.log.Info("Cluster scheduler config already deleted or not found", "id", ev.PhysicalResourceID)
			return &lifecycle.Output{Reason: "cluster scheduler config already deleted"}, nil
		}
		return nil, fmt.Errorf("failed to delete cluster scheduler config %s: %w", ev.PhysicalResourceID, err)
	}
	return nil, nil
}

type spec struct {
	clusterArn  string
	name        string
	description string
	scheduler   *types.SchedulerConfig
}

func specFromEvent(ev *lifecycle.Event) (*spec, error) {
	clusterArn := ev.Property("ClusterArn")
	name := ev.Property("Name")
	if clusterArn == "" || name == "" {
		return nil, lifecycle.Configurationf("ClusterArn and Name are required")
	}
	raw, ok := ev.ResourceProperties["SchedulerConfig"].(map[string]any)
	if !ok {
		return nil, lifecycle.Configurationf("SchedulerConfig is required")
	}
	scheduler, err := schedulerConfigFrom(raw)
	if err != nil {
		return nil, err
	}
	description := ev.Property("Description")
	if description == "" {
		description = defaultDescription
	}
	return &spec{
		clusterArn:  clusterArn,
		name:        name,
		description: description,
		scheduler:   scheduler,
	}, nil
}

// schedulerConfigFrom converts the template payload into the API shape.
// PriorityClass weights arrive as strings from the template engine and are
// coerced to integers.
func schedulerConfigFrom(raw map[string]any) (*types.SchedulerConfig, error) {
	cfg := &types.SchedulerConfig{}

	if fs, ok := raw["FairShare"].(string); ok && fs != "" {
		cfg.FairShare = types.FairShare(fs)
	}

	classes, ok := raw["PriorityClasses"].([]any)
	if !ok {
		return cfg, nil
	}
	for _, c := range classes {
		class, ok := c.(map[string]any)
		if !ok {
			return nil, lifecycle.Configurationf("PriorityClasses entries must be objects")
		}
		pc := types.PriorityClass{}
		if name, ok := class["Name"].(string); ok {
			pc.Name = aws.String(name)
		}
		weight, err := coerceWeight(class["Weight"])
		if err != nil {
			return nil, err
		}
		pc.Weight = weight
		cfg.PriorityClasses = append(cfg.PriorityClasses, pc)
	}
	return cfg, nil
}

func coerceWeight(v any) (*int32, error) {
	switch w := v.(type) {
	case nil:
		return nil, nil
	case string:
		n, err := strconv.Atoi(w)
		if err != nil {
			return nil, lifecycle.Configurationf("invalid priority class weight %q", w)
		}
		return aws.Int32(int32(n)), nil
	case float64:
		return aws.Int32(int32(w)), nil
	case int:
		return aws.Int32(int32(w)), nil
	default:
		return nil, lifecycle.Configurationf("invalid priority class weight type %T", v)
	}
}
