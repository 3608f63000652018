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

// Package awsapi holds the narrow, mockable client surfaces the handlers
// use against the AWS control planes. Each interface carries only the
// operations a handler actually calls.
package awsapi

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
)

// EKSAPI is the EKS control-plane surface used by the handlers.
type EKSAPI interface {
	DescribeCluster(ctx context.Context, params *eks.DescribeClusterInput, optFns ...func(*eks.Options)) (*eks.DescribeClusterOutput, error)
	CreateAddon(ctx context.Context, params *eks.CreateAddonInput, optFns ...func(*eks.Options)) (*eks.CreateAddonOutput, error)
	DescribeAddon(ctx context.Context, params *eks.DescribeAddonInput, optFns ...func(*eks.Options)) (*eks.DescribeAddonOutput, error)
	DeleteAddon(ctx context.Context, params *eks.DeleteAddonInput, optFns ...func(*eks.Options)) (*eks.DeleteAddonOutput, error)
	CreateAccessEntry(ctx context.Context, params *eks.CreateAccessEntryInput, optFns ...func(*eks.Options)) (*eks.CreateAccessEntryOutput, error)
	DescribeAccessEntry(ctx context.Context, params *eks.DescribeAccessEntryInput, optFns ...func(*eks.Options)) (*eks.DescribeAccessEntryOutput, error)
	DeleteAccessEntry(ctx context.Context, params *eks.DeleteAccessEntryInput, optFns ...func(*eks.Options)) (*eks.DeleteAccessEntryOutput, error)
}

// SageMakerAPI is the SageMaker control-plane surface used by the handlers.
type SageMakerAPI interface {
	DescribeCluster(ctx context.Context, params *sagemaker.DescribeClusterInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeClusterOutput, error)
	CreateClusterSchedulerConfig(ctx context.Context, params *sagemaker.CreateClusterSchedulerConfigInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateClusterSchedulerConfigOutput, error)
	DescribeClusterSchedulerConfig(ctx context.Context, params *sagemaker.DescribeClusterSchedulerConfigInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeClusterSchedulerConfigOutput, error)
	UpdateClusterSchedulerConfig(ctx context.Context, params *sagemaker.UpdateClusterSchedulerConfigInput, optFns ...func(*sagemaker.Options)) (*sagemaker.UpdateClusterSchedulerConfigOutput, error)
	DeleteClusterSchedulerConfig(ctx context.Context, params *sagemaker.DeleteClusterSchedulerConfigInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DeleteClusterSchedulerConfigOutput, error)
}

// IAMAPI is the IAM surface used by the data-scientist handler.
type IAMAPI interface {
	GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	PutRolePolicy(ctx context.Context, params *iam.PutRolePolicyInput, optFns ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error)
	DeleteRolePolicy(ctx context.Context, params *iam.DeleteRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DeleteRolePolicyOutput, error)
}

// CloudFormationAPI is the nested-stack orchestration surface.
type CloudFormationAPI interface {
	CreateStack(ctx context.Context, params *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	UpdateStack(ctx context.Context, params *cloudformation.UpdateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error)
}

// Clients bundles the service clients for one invocation.
type Clients struct {
	EKS            EKSAPI
	SageMaker      SageMakerAPI
	IAM            IAMAPI
	CloudFormation CloudFormationAPI

	// STS is kept concrete: the presigner needs the real client.
	STS *sts.Client
}

// NewClients resolves the ambient credentials once and builds the service
// clients for the given region.
func NewClients(ctx context.Context, region string) (*Clients, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return &Clients{
		EKS:            eks.NewFromConfig(cfg),
		SageMaker:      sagemaker.NewFromConfig(cfg),
		IAM:            iam.NewFromConfig(cfg),
		CloudFormation: cloudformation.NewFromConfig(cfg),
		STS:            sts.NewFromConfig(cfg),
	}, nil
}

// IsNotFound reports whether err is a not-found style API error.
func IsNotFound(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.ErrorCode() {
	case "ResourceNotFoundException", "ResourceNotFound", "NoSuchEntity", "NotFoundException":
		return true
	}
	return false
}

// IsAlreadyExists reports whether err indicates the target already exists.
func IsAlreadyExists(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.ErrorCode() {
	case "ResourceInUseException", "EntityAlreadyExists", "AlreadyExistsException":
		return true
	}
	return false
}

// IsThrottling reports whether err is a rate-limit style API error worth
// retrying.
func IsThrottling(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.ErrorCode() {
	case "Throttling", "ThrottlingException", "TooManyRequestsException", "RequestLimitExceeded":
		return true
	}
	return false
}

// IsValidation reports whether err is a validation error. The scheduler
// config delete path treats these like not-found (a malformed physical id
// means there is nothing to delete).
func IsValidation(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.ErrorCode() == "ValidationException"
}
