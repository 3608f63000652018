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

package awsapi

import (
	"context"
	"encoding/base64"

	"github.com/aws/aws-sdk-go-v2/service/sts"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/awslabs/hyperpod-addons/internal/lifecycle"
)

const (
	tokenPrefix = "k8s-aws-v1."

	// clusterIDHeader is what aws-iam-authenticator validates server side.
	clusterIDHeader = "x-k8s-aws-id"
)

// TokenSource mints short-lived bearer tokens for an EKS cluster. Tokens
// expire after roughly 15 minutes; callers that see a 401 should mint a
// fresh one rather than cache.
type TokenSource struct {
	presigner   *sts.PresignClient
	clusterName string
}

// NewTokenSource builds a token source for clusterName backed by stsClient.
func NewTokenSource(stsClient *sts.Client, clusterName string) *TokenSource {
	return &TokenSource{
		presigner:   sts.NewPresignClient(stsClient),
		clusterName: clusterName,
	}
}

// Token presigns a GetCallerIdentity call scoped to the cluster and encodes
// it in the aws-iam-authenticator token format.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	req, err := s.presigner.PresignGetCallerIdentity(ctx, &sts.GetCallerIdentityInput{},
		func(o *sts.PresignOptions) {
			o.ClientOptions = append(o.ClientOptions,
				sts.WithAPIOptions(
					smithyhttp.SetHeaderValue(clusterIDHeader, s.clusterName),
					smithyhttp.SetHeaderValue("X-Amz-Expires", "60"),
				),
			)
		},
	)
	if err != nil {
		return "", lifecycle.Credentialf("failed to presign cluster token: %s", err)
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString([]byte(req.URL)), nil
}
