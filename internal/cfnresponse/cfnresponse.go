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

// Package cfnresponse delivers the CloudFormation custom-resource
// acknowledgment to the caller-supplied callback endpoint.
package cfnresponse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/cfn"
	"github.com/go-logr/logr"

	"github.com/awslabs/hyperpod-addons/internal/lifecycle"
)

const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

// response is the wire shape CloudFormation expects on the presigned
// callback URL.
type response struct {
	Status             string         `json:"Status"`
	Reason             string         `json:"Reason"`
	PhysicalResourceID string         `json:"PhysicalResourceId"`
	StackID            string         `json:"StackId"`
	RequestID          string         `json:"RequestId"`
	LogicalResourceID  string         `json:"LogicalResourceId"`
	NoEcho             bool           `json:"NoEcho"`
	Data               map[string]any `json:"Data,omitempty"`
}

// FromLambdaEvent converts the Lambda-delivered custom-resource event into
// the lifecycle event the handlers consume.
func FromLambdaEvent(ev cfn.Event) *lifecycle.Event {
	return &lifecycle.Event{
		RequestType:           lifecycle.RequestType(ev.RequestType),
		RequestID:             ev.RequestID,
		ResponseURL:           ev.ResponseURL,
		StackID:               ev.StackID,
		ResourceType:          ev.ResourceType,
		LogicalResourceID:     ev.LogicalResourceID,
		PhysicalResourceID:    ev.PhysicalResourceID,
		ResourceProperties:    ev.ResourceProperties,
		OldResourceProperties: ev.OldResourceProperties,
	}
}

// HTTPPublisher publishes results with a signed PUT to the event's
// ResponseURL.
type HTTPPublisher struct {
	client *http.Client
	log    logr.Logger
}

var _ lifecycle.Publisher = &HTTPPublisher{}

func NewHTTPPublisher(log logr.Logger) *HTTPPublisher {
	return &HTTPPublisher{
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log.WithName("cfn-response"),
	}
}

// Publish delivers the acknowledgment. SuccessWithWarning maps to SUCCESS
// on the wire; the suppressed error stays visible in the Reason.
func (p *HTTPPublisher) Publish(ctx context.Context, ev *lifecycle.Event, res *lifecycle.Result) error {
	body := response{
		Status:             StatusSuccess,
		Reason:             res.Reason,
		PhysicalResourceID: res.PhysicalResourceID,
		StackID:            ev.StackID,
		RequestID:          ev.RequestID,
		LogicalResourceID:  ev.LogicalResourceID,
		Data:               res.Data,
	}
	if res.Outcome == lifecycle.Failed {
		body.Status = StatusFailed
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, ev.ResponseURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build response request: %w", err)
	}
	// The callback URL is a presigned S3 PUT; a content-type header would
	// break the signature.
	req.Header.Set("Content-Type", "")
	req.ContentLength = int64(len(payload))

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver response: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("callback endpoint returned %d: %s", resp.StatusCode, string(msg))
	}

	p.log.V(1).Info("response delivered", "status", body.Status, "requestId", ev.RequestID)
	return nil
}
