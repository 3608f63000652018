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
	"encoding/base64"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awslabs/hyperpod-addons/internal/lifecycle"
)

type staticMinter string

func (m staticMinter) Token(context.Context) (string, error) { return string(m), nil }

func TestConfigFromEKSCluster(t *testing.T) {
	caPEM := "-----BEGIN CERTIFICATE-----\nabc\n-----END CERTIFICATE-----\n"
	described := &eks.DescribeClusterOutput{
		Cluster: &types.Cluster{
			Endpoint: aws.String("https://example.eks.amazonaws.com"),
			CertificateAuthority: &types.Certificate{
				Data: aws.String(base64.StdEncoding.EncodeToString([]byte(caPEM))),
			},
		},
	}

	cfg, err := ConfigFromEKSCluster(described, staticMinter("tok"))
	require.NoError(t, err)
	assert.Equal(t, "https://example.eks.amazonaws.com", cfg.Endpoint)
	assert.Equal(t, caPEM, string(cfg.CAData))
}

func TestConfigFromEKSCluster_Incomplete(t *testing.T) {
	tests := []struct {
		name string
		out  *eks.DescribeClusterOutput
	}{
		{name: "nil output", out: nil},
		{name: "nil cluster", out: &eks.DescribeClusterOutput{}},
		{
			name: "missing certificate authority",
			out: &eks.DescribeClusterOutput{Cluster: &types.Cluster{
				Endpoint: aws.String("https://example.eks.amazonaws.com"),
			}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ConfigFromEKSCluster(tc.out, staticMinter("tok"))
			require.Error(t, err)
			assert.True(t, lifecycle.IsConfiguration(err))
		})
	}
}

func TestConfigFromEKSCluster_BadCAEncoding(t *testing.T) {
	out := &eks.DescribeClusterOutput{
		Cluster: &types.Cluster{
			Endpoint: aws.String("https://example.eks.amazonaws.com"),
			CertificateAuthority: &types.Certificate{
				Data: aws.String("not base64 at all!!"),
			},
		},
	}
	_, err := ConfigFromEKSCluster(out, staticMinter("tok"))
	require.Error(t, err)
	assert.True(t, lifecycle.IsConfiguration(err))
}

func TestNewSet_BuildsClientsFromMintedToken(t *testing.T) {
	set, err := NewSet(context.Background(), Config{
		Endpoint: "https://example.eks.amazonaws.com",
		Minter:   staticMinter("k8s-aws-v1.abc"),
	})
	require.NoError(t, err)
	assert.NotNil(t, set.Kubernetes())
	assert.NotNil(t, set.Dynamic())

	rc := set.RESTConfig()
	assert.Equal(t, "https://example.eks.amazonaws.com", rc.Host)
	assert.Equal(t, "k8s-aws-v1.abc", rc.BearerToken)
	assert.Equal(t, userAgent, rc.UserAgent)
}

type fakeEKS struct {
	describeCluster func(ctx context.Context, params *eks.DescribeClusterInput, optFns ...func(*eks.Options)) (*eks.DescribeClusterOutput, error)
}

func (f *fakeEKS) DescribeCluster(ctx context.Context, params *eks.DescribeClusterInput, optFns ...func(*eks.Options)) (*eks.DescribeClusterOutput, error) {
	return f.describeCluster(ctx, params, optFns...)
}

func (f *fakeEKS) CreateAddon(context.Context, *eks.CreateAddonInput, ...func(*eks.Options)) (*eks.CreateAddonOutput, error) {
	panic("unexpected CreateAddon call")
}

func (f *fakeEKS) DescribeAddon(context.Context, *eks.DescribeAddonInput, ...func(*eks.Options)) (*eks.DescribeAddonOutput, error) {
	panic("unexpected DescribeAddon call")
}

func (f *fakeEKS) DeleteAddon(context.Context, *eks.DeleteAddonInput, ...func(*eks.Options)) (*eks.DeleteAddonOutput, error) {
	panic("unexpected DeleteAddon call")
}

func (f *fakeEKS) CreateAccessEntry(context.Context, *eks.CreateAccessEntryInput, ...func(*eks.Options)) (*eks.CreateAccessEntryOutput, error) {
	panic("unexpected CreateAccessEntry call")
}

func (f *fakeEKS) DescribeAccessEntry(context.Context, *eks.DescribeAccessEntryInput, ...func(*eks.Options)) (*eks.DescribeAccessEntryOutput, error) {
	panic("unexpected DescribeAccessEntry call")
}

func (f *fakeEKS) DeleteAccessEntry(context.Context, *eks.DeleteAccessEntryInput, ...func(*eks.Options)) (*eks.DeleteAccessEntryOutput, error) {
	panic("unexpected DeleteAccessEntry call")
}

// A cluster that no longer exists is a credential problem; a transport
// blip stays transient.
func TestSetFromCluster_ClassifiesDescribeFailures(t *testing.T) {
	gone := &fakeEKS{
		describeCluster: func(context.Context, *eks.DescribeClusterInput, ...func(*eks.Options)) (*eks.DescribeClusterOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "ResourceNotFoundException"}
		},
	}
	_, err := SetFromCluster(context.Background(), gone, staticMinter("tok"), "hp-eks")
	require.Error(t, err)
	assert.True(t, lifecycle.IsCredential(err))

	flaky := &fakeEKS{
		describeCluster: func(context.Context, *eks.DescribeClusterInput, ...func(*eks.Options)) (*eks.DescribeClusterOutput, error) {
			return nil, errors.New("connection reset")
		},
	}
	_, err = SetFromCluster(context.Background(), flaky, staticMinter("tok"), "hp-eks")
	require.Error(t, err)
	assert.True(t, lifecycle.IsTransient(err))
}
