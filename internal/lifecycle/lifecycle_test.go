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

package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	createOut *Output
	createErr error
	updateOut *Output
	updateErr error
	deleteOut *Output
	deleteErr error

	creates int
	deletes int
	panics  bool
}

func (f *fakeHandler) Create(ctx context.Context, ev *Event) (*Output, error) {
	f.creates++
	if f.panics {
		panic("boom")
	}
	return f.createOut, f.createErr
}

func (f *fakeHandler) Update(ctx context.Context, ev *Event) (*Output, error) {
	return f.updateOut, f.updateErr
}

func (f *fakeHandler) Delete(ctx context.Context, ev *Event) (*Output, error) {
	f.deletes++
	return f.deleteOut, f.deleteErr
}

func TestRun_OutcomeMapping(t *testing.T) {
	tests := []struct {
		name        string
		requestType RequestType
		handler     *fakeHandler
		wantOutcome Outcome
		wantReason  string
	}{
		{
			name:        "create success",
			requestType: RequestCreate,
			handler:     &fakeHandler{createOut: &Output{Reason: "installed"}},
			wantOutcome: Success,
			wantReason:  "installed",
		},
		{
			name:        "create failure",
			requestType: RequestCreate,
			handler:     &fakeHandler{createErr: errors.New("chart not found")},
			wantOutcome: Failed,
			wantReason:  "chart not found",
		},
		{
			name:        "missing configuration fails with the verbatim reason",
			requestType: RequestCreate,
			handler:     &fakeHandler{createErr: Configurationf("missing required environment variable: CLUSTER_NAME")},
			wantOutcome: Failed,
			wantReason:  "missing required environment variable: CLUSTER_NAME",
		},
		{
			name:        "delete success",
			requestType: RequestDelete,
			handler:     &fakeHandler{deleteOut: &Output{Reason: "nothing to do"}},
			wantOutcome: Success,
			wantReason:  "nothing to do",
		},
		{
			name:        "delete failure is still a success",
			requestType: RequestDelete,
			handler:     &fakeHandler{deleteErr: errors.New("cluster unreachable")},
			wantOutcome: SuccessWithWarning,
			wantReason:  "proceeding with deletion despite error: cluster unreachable",
		},
		{
			name:        "delete with credential failure is still a success",
			requestType: RequestDelete,
			handler:     &fakeHandler{deleteErr: Credentialf("describe cluster: not found")},
			wantOutcome: SuccessWithWarning,
			wantReason:  "proceeding with deletion despite error: describe cluster: not found",
		},
		{
			name:        "unknown request type",
			requestType: RequestType("Reboot"),
			handler:     &fakeHandler{},
			wantOutcome: Failed,
			wantReason:  `invalid request type: "Reboot"`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev := &Event{RequestType: tc.requestType, LogicalResourceID: "AddOn"}
			res := Run(context.Background(), logr.Discard(), tc.handler, ev)
			require.NotNil(t, res)
			assert.Equal(t, tc.wantOutcome, res.Outcome)
			assert.Equal(t, tc.wantReason, res.Reason)
		})
	}
}

func TestRun_IdempotentCreate(t *testing.T) {
	// Invoking Create twice yields Success both times; the handler is
	// responsible for converging, Run only maps the outcomes.
	h := &fakeHandler{createOut: &Output{Reason: "already present, skipped"}}
	ev := &Event{RequestType: RequestCreate, LogicalResourceID: "AddOn"}

	first := Run(context.Background(), logr.Discard(), h, ev)
	second := Run(context.Background(), logr.Discard(), h, ev)

	assert.Equal(t, Success, first.Outcome)
	assert.Equal(t, Success, second.Outcome)
	assert.Equal(t, 2, h.creates)
}

func TestRun_PanicBecomesResult(t *testing.T) {
	h := &fakeHandler{panics: true}
	ev := &Event{RequestType: RequestCreate, LogicalResourceID: "AddOn"}

	res := Run(context.Background(), logr.Discard(), h, ev)

	require.NotNil(t, res)
	assert.Equal(t, Failed, res.Outcome)
	assert.Contains(t, res.Reason, "handler panicked")
}

func TestRun_PhysicalResourceID(t *testing.T) {
	tests := []struct {
		name       string
		event      *Event
		output     *Output
		wantPhysID string
	}{
		{
			name:       "output id wins",
			event:      &Event{RequestType: RequestCreate, LogicalResourceID: "AddOn", PhysicalResourceID: "old-id"},
			output:     &Output{PhysicalResourceID: "new-id"},
			wantPhysID: "new-id",
		},
		{
			name:       "event id carried through",
			event:      &Event{RequestType: RequestCreate, LogicalResourceID: "AddOn", PhysicalResourceID: "old-id"},
			output:     &Output{},
			wantPhysID: "old-id",
		},
		{
			name:       "logical id on first create",
			event:      &Event{RequestType: RequestCreate, LogicalResourceID: "AddOn"},
			output:     &Output{},
			wantPhysID: "AddOn",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := &fakeHandler{createOut: tc.output}
			res := Run(context.Background(), logr.Discard(), h, tc.event)
			assert.Equal(t, tc.wantPhysID, res.PhysicalResourceID)
		})
	}
}

type recordingPublisher struct {
	published []*Result
	err       error
}

func (p *recordingPublisher) Publish(ctx context.Context, ev *Event, res *Result) error {
	p.published = append(p.published, res)
	return p.err
}

func TestExecute_PublishesExactlyOnce(t *testing.T) {
	pub := &recordingPublisher{}
	h := &fakeHandler{createOut: &Output{Reason: "done"}}
	ev := &Event{RequestType: RequestCreate, LogicalResourceID: "AddOn"}

	err := Execute(context.Background(), logr.Discard(), h, ev, pub)

	require.NoError(t, err)
	require.Len(t, pub.published, 1)
	assert.Equal(t, Success, pub.published[0].Outcome)
}

func TestExecute_PublishesEvenOnHandlerError(t *testing.T) {
	pub := &recordingPublisher{}
	h := &fakeHandler{createErr: errors.New("no capacity")}
	ev := &Event{RequestType: RequestCreate, LogicalResourceID: "AddOn"}

	err := Execute(context.Background(), logr.Discard(), h, ev, pub)

	require.NoError(t, err)
	require.Len(t, pub.published, 1)
	assert.Equal(t, Failed, pub.published[0].Outcome)
}

func TestEvent_Property(t *testing.T) {
	ev := &Event{ResourceProperties: map[string]any{
		"ClusterName": "hp-eks",
		"Replicas":    3,
	}}

	assert.Equal(t, "hp-eks", ev.Property("ClusterName"))
	assert.Equal(t, "", ev.Property("Replicas"), "non-string property reads as empty")
	assert.Equal(t, "", ev.Property("Missing"))

	var empty Event
	assert.Equal(t, "", empty.Property("anything"))
}
