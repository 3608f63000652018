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

package main

import (
	"context"

	"github.com/aws/aws-lambda-go/cfn"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/awslabs/hyperpod-addons/internal/cfnresponse"
	"github.com/awslabs/hyperpod-addons/internal/handlers"
	"github.com/awslabs/hyperpod-addons/internal/lifecycle"
	"github.com/awslabs/hyperpod-addons/internal/logging"
)

func main() {
	log := logging.FromEnv()
	lambda.Start(func(ctx context.Context, raw cfn.Event) error {
		ev := cfnresponse.FromLambdaEvent(raw)
		h := handlers.New(ctx, handlers.DataScientist, ev, log)
		return lifecycle.Execute(ctx, log, h, ev, cfnresponse.NewHTTPPublisher(log))
	})
}
