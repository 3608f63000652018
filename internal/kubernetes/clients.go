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

// Package kubernetes builds clients for the EKS cluster the handlers
// operate on. The handlers run outside the cluster, so the REST config is
// assembled from the DescribeCluster output and a freshly minted bearer
// token instead of in-cluster discovery.
package kubernetes

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/eks"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/awslabs/hyperpod-addons/internal/awsapi"
	"github.com/awslabs/hyperpod-addons/internal/lifecycle"
)

const userAgent = "hyperpod-addons"

// TokenMinter mints a bearer token for the target cluster.
// *awsapi.TokenSource satisfies it; tests substitute a stub.
type TokenMinter interface {
	Token(ctx context.Context) (string, error)
}

// Config holds what is needed to reach the target cluster.
type Config struct {
	// Endpoint is the cluster API server URL.
	Endpoint string
	// CAData is the PEM-encoded cluster certificate authority.
	CAData []byte
	// Minter provides bearer tokens for the API server.
	Minter TokenMinter

	QPS   float32
	Burst int
}

// Set provides a unified interface for the Kubernetes clients used against
// the target cluster.
type Set struct {
	cfg        Config
	config     *rest.Config
	kubernetes *kubernetes.Clientset
	dynamic    *dynamic.DynamicClient
}

// NewSet builds a client Set for the given cluster, minting an initial
// bearer token.
func NewSet(ctx context.Context, cfg Config) (*Set, error) {
	s := &Set{cfg: cfg}
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Refresh mints a fresh token and rebuilds the clients around it. Callers
// that see a 401 mid-flight use this to recover from token expiry.
func (s *Set) Refresh(ctx context.Context) error {
	token, err := s.cfg.Minter.Token(ctx)
	if err != nil {
		return err
	}

	config := &rest.Config{
		Host:        s.cfg.Endpoint,
		BearerToken: token,
		TLSClientConfig: rest.TLSClientConfig{
			CAData: s.cfg.CAData,
		},
		QPS:       s.cfg.QPS,
		Burst:     s.cfg.Burst,
		UserAgent: userAgent,
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return fmt.Errorf("failed to build clientset: %w", err)
	}
	dynamicClient, err := dynamic.NewForConfig(config)
	if err != nil {
		return fmt.Errorf("failed to build dynamic client: %w", err)
	}

	s.config = config
	s.kubernetes = clientset
	s.dynamic = dynamicClient
	return nil
}

// Kubernetes returns the standard Kubernetes clientset.
func (s *Set) Kubernetes() *kubernetes.Clientset {
	return s.kubernetes
}

// Dynamic returns the dynamic client.
func (s *Set) Dynamic() *dynamic.DynamicClient {
	return s.dynamic
}

// RESTConfig returns a copy of the underlying REST config.
func (s *Set) RESTConfig() *rest.Config {
	return rest.CopyConfig(s.config)
}

// ConfigFromEKSCluster derives a Config from a DescribeCluster result.
func ConfigFromEKSCluster(out *eks.DescribeClusterOutput, minter TokenMinter) (Config, error) {
	if out == nil || out.Cluster == nil || out.Cluster.Endpoint == nil ||
		out.Cluster.CertificateAuthority == nil || out.Cluster.CertificateAuthority.Data == nil {
		return Config{}, lifecycle.Configurationf("cluster description is missing endpoint or certificate authority")
	}
	ca, err := base64.StdEncoding.DecodeString(*out.Cluster.CertificateAuthority.Data)
	if err != nil {
		return Config{}, lifecycle.Configurationf("failed to decode cluster certificate authority: %s", err)
	}
	return Config{
		Endpoint: *out.Cluster.Endpoint,
		CAData:   ca,
		Minter:   minter,
	}, nil
}

// SetFromCluster describes the EKS cluster and builds a client Set for it.
// A cluster that no longer exists is a credential-resolution failure, not
// a transient one: no amount of retrying brings it back.
func SetFromCluster(ctx context.Context, eksClient awsapi.EKSAPI, minter TokenMinter, clusterName string) (*Set, error) {
	out, err := eksClient.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: &clusterName})
	if err != nil {
		if awsapi.IsNotFound(err) {
			return nil, lifecycle.Credentialf("cluster %q not found: %s", clusterName, err)
		}
		return nil, lifecycle.Transientf("failed to describe cluster %q: %s", clusterName, err)
	}
	cfg, err := ConfigFromEKSCluster(out, minter)
	if err != nil {
		return nil, err
	}
	return NewSet(ctx, cfg)
}
