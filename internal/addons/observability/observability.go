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

// Package observability provisions the nested observability stack by
// forwarding the parent's parameters to a CreateStack call.
package observability

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/go-logr/logr"

	"github.com/awslabs/hyperpod-addons/internal/awsapi"
	"github.com/awslabs/hyperpod-addons/internal/lifecycle"
)

const stackNameSuffix = "-ObservabilityStack"

// forwardedParameters are passed through from the resource properties to
// the nested stack verbatim. PrivateSubnetIds is handled separately
// because it arrives as a list.
var forwardedParameters = []string{
	"ResourceNamePrefix",
	"CustomResourceS3Bucket",
	"GrafanaCreatorfunctionS3Key",
	"GrafanaServiceAccountfunctionS3Key",
	"FunctionS3Key",
	"EKSClusterName",
	"TrainingMetricLevel",
	"TaskGovernanceMetricLevel",
	"ClusterMetricLevel",
	"NodeMetricLevel",
	"AcceleratedComputeMetricLevel",
	"ScalingMetricLevel",
	"NetworkMetricLevel",
	"Logging",
	"VpcId",
	"SecurityGroupId",
	"GrafanaWorkspaceName",
	"GrafanaWorkspaceId",
	"GrafanaWorkspaceArn",
	"PrometheusWorkspaceId",
	"PrometheusWorkspaceArn",
	"PrometheusWorkspaceEndpoint",
	"HyperPodObservabilityRole",
	"GrafanaRole",
	"HyperPodObservabilityRoleType",
	"GrafanaRoleType",
	"PrometheusWorkspaceType",
	"GrafanaWorkspaceType",
}

var capabilities = []types.Capability{
	types.CapabilityCapabilityIam,
	types.CapabilityCapabilityNamedIam,
	types.CapabilityCapabilityAutoExpand,
}

// Handler implements the observability stack lifecycle.
type Handler struct {
	cfn awsapi.CloudFormationAPI
	log logr.Logger
}

var _ lifecycle.Handler = &Handler{}

// New builds the handler.
func New(cfn awsapi.CloudFormationAPI, log logr.Logger) *Handler {
	return &Handler{cfn: cfn, log: log.WithName("observability")}
}

// Create launches the nested stack. A failed rollout deletes the nested
// stack rather than leaving it behind for manual cleanup.
func (h *Handler) Create(ctx context.Context, ev *lifecycle.Event) (*lifecycle.Output, error) {
	stackName, templateURL, params, err := stackInputs(ev)
	if err != nil {
		return nil, err
	}

	h.log.Info("Creating CloudFormation stack", "stack", stackName)
	out, err := h.cfn.CreateStack(ctx, &cloudformation.CreateStackInput{
		StackName:                   aws.String(stackName),
		TemplateURL:                 aws.String(templateURL),
		OnFailure:                   types.OnFailureDelete,
		EnableTerminationProtection: aws.Bool(false),
		Parameters:                  params,
		Capabilities:                capabilities,
	})
	if err != nil {
		if awsapi.IsAlreadyExists(err) {
			return &lifecycle.Output{Reason: "Observability Stack already exists"}, nil
		}
		return nil, fmt.Errorf("failed to create stack %s: %w", stackName, err)
	}

	h.log.Info("Stack creation initiated", "stackId", aws.ToString(out.StackId))
	return &lifecycle.Output{
		Reason: "Observability Stack created successfully",
		Data:   map[string]any{"StackId": aws.ToString(out.StackId)},
	}, nil
}

// Update forwards the current parameter set to UpdateStack. A no-change
// update is benign.
func (h *Handler) Update(ctx context.Context, ev *lifecycle.Event) (*lifecycle.Output, error) {
	stackName, templateURL, params, err := stackInputs(ev)
	if err != nil {
		return nil, err
	}

	h.log.Info("Updating CloudFormation stack", "stack", stackName)
	out, err := h.cfn.UpdateStack(ctx, &cloudformation.UpdateStackInput{
		StackName:    aws.String(stackName),
		TemplateURL:  aws.String(templateURL),
		Parameters:   params,
		Capabilities: capabilities,
	})
	if err != nil {
		if strings.Contains(err.Error(), "No updates are to be performed") {
			return &lifecycle.Output{Reason: "Observability Stack already up to date"}, nil
		}
		return nil, fmt.Errorf("failed to update stack %s: %w", stackName, err)
	}

	return &lifecycle.Output{
		Reason: "Observability Stack updated successfully",
		Data:   map[string]any{"StackId": aws.ToString(out.StackId)},
	}, nil
}

// Delete is a no-op: the nested stack's lifecycle is owned by its parent.
func (h *Handler) Delete(context.Context, *lifecycle.Event) (*lifecycle.Output, error) {
	return &lifecycle.Output{Reason: "Observability Stack deleted successfully"}, nil
}

func stackInputs(ev *lifecycle.Event) (stackName, templateURL string, params []types.Parameter, err error) {
	prefix := ev.Property("ResourceNamePrefix")
	templateURL = ev.Property("StackTemplateUrl")
	if prefix == "" || templateURL == "" {
		return "", "", nil, lifecycle.Configurationf("ResourceNamePrefix and StackTemplateUrl are required")
	}

	for _, key := range forwardedParameters {
		params = append(params, types.Parameter{
			ParameterKey:   aws.String(key),
			ParameterValue: aws.String(ev.Property(key)),
		})
	}
	params = append(params, types.Parameter{
		ParameterKey:   aws.String("PrivateSubnetIds"),
		ParameterValue: aws.String(joinSubnets(ev.ResourceProperties["PrivateSubnetIds"])),
	})
	return prefix + stackNameSuffix, templateURL, params, nil
}

// joinSubnets flattens the subnet id list into the comma-separated form
// CommaDelimitedList parameters expect.
func joinSubnets(v any) string {
	items, ok := v.([]any)
	if !ok {
		s, _ := v.(string)
		return s
	}
	parts := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ",")
}
