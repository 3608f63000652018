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

package hptoaddon

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/aws/smithy-go"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awslabs/hyperpod-addons/internal/lifecycle"
)

var notFound = &smithy.GenericAPIError{Code: "ResourceNotFoundException"}

// fakeEKS simulates the add-on control plane. Before CreateAddon the
// add-on exists only if preExisting is set; afterwards each DescribeAddon
// advances through statuses, holding the last one. DeleteAddon switches to
// the afterDelete sequence, where an exhausted sequence means not found.
type fakeEKS struct {
	preExisting bool
	statuses    []types.AddonStatus
	afterDelete []types.AddonStatus

	created   bool
	deleted   bool
	describes int
}

func (f *fakeEKS) DescribeAddon(context.Context, *eks.DescribeAddonInput, ...func(*eks.Options)) (*eks.DescribeAddonOutput, error) {
	if f.deleted {
		if f.describes >= len(f.afterDelete) {
			return nil, notFound
		}
		s := f.afterDelete[f.describes]
		f.describes++
		return describeOut(s), nil
	}
	if !f.preExisting && !f.created {
		return nil, notFound
	}
	i := f.describes
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	if i < 0 {
		return nil, notFound
	}
	f.describes++
	return describeOut(f.statuses[i]), nil
}

func describeOut(s types.AddonStatus) *eks.DescribeAddonOutput {
	return &eks.DescribeAddonOutput{Addon: &types.Addon{
		AddonArn: aws.String("arn:aws:eks:addon/hpto"),
		Status:   s,
	}}
}

func (f *fakeEKS) CreateAddon(context.Context, *eks.CreateAddonInput, ...func(*eks.Options)) (*eks.CreateAddonOutput, error) {
	f.created = true
	f.describes = 0
	return &eks.CreateAddonOutput{Addon: &types.Addon{
		AddonArn: aws.String("arn:aws:eks:addon/hpto"),
		Status:   types.AddonStatusCreating,
	}}, nil
}

func (f *fakeEKS) DeleteAddon(context.Context, *eks.DeleteAddonInput, ...func(*eks.Options)) (*eks.DeleteAddonOutput, error) {
	if !f.preExisting && !f.created {
		return nil, notFound
	}
	f.deleted = true
	f.describes = 0
	return &eks.DeleteAddonOutput{}, nil
}

func (f *fakeEKS) DescribeCluster(context.Context, *eks.DescribeClusterInput, ...func(*eks.Options)) (*eks.DescribeClusterOutput, error) {
	panic("not used")
}

func (f *fakeEKS) CreateAccessEntry(context.Context, *eks.CreateAccessEntryInput, ...func(*eks.Options)) (*eks.CreateAccessEntryOutput, error) {
	panic("not used")
}

func (f *fakeEKS) DescribeAccessEntry(context.Context, *eks.DescribeAccessEntryInput, ...func(*eks.Options)) (*eks.DescribeAccessEntryOutput, error) {
	panic("not used")
}

func (f *fakeEKS) DeleteAccessEntry(context.Context, *eks.DeleteAccessEntryInput, ...func(*eks.Options)) (*eks.DeleteAccessEntryOutput, error) {
	panic("not used")
}

func newHandler(t *testing.T, f *fakeEKS) *Handler {
	t.Helper()
	return New(f, nil, Config{
		ClusterName:    "hp-eks-cluster",
		CreateInterval: time.Millisecond,
		CreateTimeout:  50 * time.Millisecond,
		DeleteInterval: time.Millisecond,
		DeleteTimeout:  50 * time.Millisecond,
	}, testr.New(t))
}

func TestCreate_InstallsAndWaitsForActive(t *testing.T) {
	f := &fakeEKS{statuses: []types.AddonStatus{types.AddonStatusCreating, types.AddonStatusActive}}
	h := newHandler(t, f)

	out, err := h.Create(context.Background(), &lifecycle.Event{RequestType: lifecycle.RequestCreate})
	require.NoError(t, err)
	assert.True(t, f.created)
	assert.Equal(t, true, out.Data["HptoInstalled"])
	assert.Equal(t, string(types.AddonStatusActive), out.Data["AddonStatus"])
	assert.Equal(t, "HPTO add-on installation attempted, status: ACTIVE", out.Reason)
}

func TestCreate_CreateFailedStillSucceedsWithPayload(t *testing.T) {
	f := &fakeEKS{statuses: []types.AddonStatus{types.AddonStatusCreating, types.AddonStatusCreateFailed}}
	h := newHandler(t, f)

	out, err := h.Create(context.Background(), &lifecycle.Event{RequestType: lifecycle.RequestCreate})
	require.NoError(t, err)
	assert.Equal(t, false, out.Data["HptoInstalled"])
	assert.Equal(t, string(types.AddonStatusCreateFailed), out.Data["AddonStatus"])
}

func TestCreate_StuckCreatingReportsLastStatus(t *testing.T) {
	f := &fakeEKS{statuses: []types.AddonStatus{types.AddonStatusCreating}}
	h := newHandler(t, f)

	out, err := h.Create(context.Background(), &lifecycle.Event{RequestType: lifecycle.RequestCreate})
	require.NoError(t, err)
	assert.Equal(t, false, out.Data["HptoInstalled"])
	assert.Equal(t, string(types.AddonStatusCreating), out.Data["AddonStatus"])
}

func TestCreate_AdoptsExistingAddon(t *testing.T) {
	f := &fakeEKS{preExisting: true, statuses: []types.AddonStatus{types.AddonStatusActive}}
	h := newHandler(t, f)

	out, err := h.Create(context.Background(), &lifecycle.Event{RequestType: lifecycle.RequestCreate})
	require.NoError(t, err)
	assert.False(t, f.created)
	assert.Equal(t, true, out.Data["HptoInstalled"])
	assert.Equal(t, "arn:aws:eks:addon/hpto", out.Data["HptoAddonArn"])
}

func TestCreate_MissingClusterNameIsPermanent(t *testing.T) {
	h := New(&fakeEKS{}, nil, Config{}, testr.New(t))

	_, err := h.Create(context.Background(), &lifecycle.Event{RequestType: lifecycle.RequestCreate})
	require.Error(t, err)
	assert.True(t, lifecycle.IsConfiguration(err))
	assert.Equal(t, "missing required environment variable: EKS_CLUSTER_NAME", err.Error())
}

func TestUpdate_NotFoundIsBenign(t *testing.T) {
	h := newHandler(t, &fakeEKS{})

	out, err := h.Update(context.Background(), &lifecycle.Event{RequestType: lifecycle.RequestUpdate})
	require.NoError(t, err)
	assert.Equal(t, "HPTO add-on not found", out.Reason)
}

func TestDelete_WaitsForDisappearance(t *testing.T) {
	f := &fakeEKS{
		preExisting: true,
		statuses:    []types.AddonStatus{types.AddonStatusActive},
		afterDelete: []types.AddonStatus{types.AddonStatusDeleting, types.AddonStatusDeleting},
	}
	h := newHandler(t, f)

	out, err := h.Delete(context.Background(), &lifecycle.Event{RequestType: lifecycle.RequestDelete})
	require.NoError(t, err)
	assert.True(t, f.deleted)
	assert.Equal(t, true, out.Data["HptoUninstalled"])
}

func TestDelete_AlreadyGoneIsBenign(t *testing.T) {
	h := newHandler(t, &fakeEKS{})

	out, err := h.Delete(context.Background(), &lifecycle.Event{RequestType: lifecycle.RequestDelete})
	require.NoError(t, err)
	assert.Equal(t, "HPTO add-on uninstall completed", out.Reason)
}

func TestInstalledStatus(t *testing.T) {
	assert.True(t, installedStatus(types.AddonStatusActive))
	assert.True(t, installedStatus(types.AddonStatusDegraded))
	assert.True(t, installedStatus(types.AddonStatusUpdating))
	assert.False(t, installedStatus(types.AddonStatusCreateFailed))
	assert.False(t, installedStatus(types.AddonStatusCreating))
}
