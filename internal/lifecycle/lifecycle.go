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

// Package lifecycle implements the reconciliation protocol shared by every
// custom-resource handler in this repository: resolve credentials, probe for
// the target, create-or-adopt, wait for readiness, and publish exactly one
// acknowledgment per invocation.
//
// The protocol is deliberately asymmetric on Delete. A failed delete must
// not block teardown of the surrounding stack, so uncaught errors on the
// Delete path are reported as a successful acknowledgment carrying a warning
// reason instead of a failure.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
)

// RequestType is the lifecycle operation requested by the orchestrator.
type RequestType string

const (
	RequestCreate RequestType = "Create"
	RequestUpdate RequestType = "Update"
	RequestDelete RequestType = "Delete"
)

// Event is the inbound lifecycle event for one logical resource. It is
// immutable and supplied exactly once per invocation.
type Event struct {
	RequestType        RequestType
	RequestID          string
	ResponseURL        string
	StackID            string
	ResourceType       string
	LogicalResourceID  string
	PhysicalResourceID string

	// ResourceProperties is the opaque configuration payload supplied by
	// the template. OldResourceProperties carries the prior payload on
	// Update events.
	ResourceProperties    map[string]any
	OldResourceProperties map[string]any
}

// Property returns a string-valued resource property, or "" if absent.
func (e *Event) Property(key string) string {
	if e.ResourceProperties == nil {
		return ""
	}
	s, _ := e.ResourceProperties[key].(string)
	return s
}

// Outcome is the terminal disposition of one invocation.
type Outcome string

const (
	Success Outcome = "Success"
	// SuccessWithWarning is a successful acknowledgment that suppressed a
	// delete-path error. The warning is carried in the Reason so the
	// asymmetry stays visible in stack events.
	SuccessWithWarning Outcome = "SuccessWithWarning"
	Failed             Outcome = "Failed"
)

// Result is produced exactly once per invocation and always published, even
// when the handler panics.
type Result struct {
	Outcome            Outcome
	Reason             string
	PhysicalResourceID string
	Data               map[string]any
}

// Output is what a handler returns on a successful operation.
type Output struct {
	Reason             string
	PhysicalResourceID string
	Data               map[string]any
}

// Existence is what an existence probe reports about the target. "Not
// found" is a normal outcome here, never an error.
type Existence struct {
	Exists bool
	Ready  bool
	Detail string
}

// RemoteState is a readiness snapshot of the managed resource, polled and
// never persisted.
type RemoteState struct {
	// Terminal reports whether the resource will not transition further
	// without external action.
	Terminal bool
	Status   string
}

// Handler is one add-on's parameterization of the protocol. Each method is
// idempotent: a second Create against an existing resource adopts or
// converges, a Delete of an absent resource reports nothing to do.
type Handler interface {
	Create(ctx context.Context, ev *Event) (*Output, error)
	Update(ctx context.Context, ev *Event) (*Output, error)
	Delete(ctx context.Context, ev *Event) (*Output, error)
}

// Publisher delivers the acknowledgment to the orchestrator's callback
// endpoint.
type Publisher interface {
	Publish(ctx context.Context, ev *Event, res *Result) error
}

// Run drives one event through the handler and maps the outcome. It never
// panics: handler panics become Failed (or SuccessWithWarning on Delete)
// results so the invocation always terminates with exactly one Result.
func Run(ctx context.Context, log logr.Logger, h Handler, ev *Event) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(fmt.Errorf("%v", r), "handler panicked", "requestType", ev.RequestType)
			res = resultFromError(ev, fmt.Errorf("handler panicked: %v", r))
		}
	}()

	log.Info("handling lifecycle event",
		"requestType", ev.RequestType,
		"logicalResourceId", ev.LogicalResourceID,
		"physicalResourceId", ev.PhysicalResourceID)

	var out *Output
	var err error
	switch ev.RequestType {
	case RequestCreate:
		out, err = h.Create(ctx, ev)
	case RequestUpdate:
		out, err = h.Update(ctx, ev)
	case RequestDelete:
		out, err = h.Delete(ctx, ev)
	default:
		err = Configurationf("invalid request type: %q", ev.RequestType)
	}
	if err != nil {
		return resultFromError(ev, err)
	}
	if out == nil {
		out = &Output{}
	}

	reason := out.Reason
	if reason == "" {
		reason = fmt.Sprintf("%s completed successfully", ev.RequestType)
	}
	return &Result{
		Outcome:            Success,
		Reason:             reason,
		PhysicalResourceID: physicalID(ev, out.PhysicalResourceID),
		Data:               out.Data,
	}
}

// Execute runs the handler and publishes the result. Publication happens
// exactly once per invocation; a publish failure is returned so the caller
// can surface it, but by then the outcome is already decided.
func Execute(ctx context.Context, log logr.Logger, h Handler, ev *Event, pub Publisher) error {
	res := Run(ctx, log, h, ev)
	log.Info("publishing result",
		"outcome", res.Outcome,
		"reason", res.Reason,
		"physicalResourceId", res.PhysicalResourceID)
	if err := pub.Publish(ctx, ev, res); err != nil {
		return fmt.Errorf("failed to publish result: %w", err)
	}
	return nil
}

func resultFromError(ev *Event, err error) *Result {
	if ev.RequestType == RequestDelete {
		// Deliberate asymmetry: a failed delete is acknowledged as a
		// success so it cannot wedge teardown of the surrounding stack.
		return &Result{
			Outcome:            SuccessWithWarning,
			Reason:             fmt.Sprintf("proceeding with deletion despite error: %s", err),
			PhysicalResourceID: physicalID(ev, ""),
		}
	}
	return &Result{
		Outcome:            Failed,
		Reason:             err.Error(),
		PhysicalResourceID: physicalID(ev, ""),
	}
}

// physicalID picks the physical resource id to report. The orchestrator
// treats a changed id as a replacement, so an unset id falls back to the
// prior one, then to the logical id on first create.
func physicalID(ev *Event, fromOutput string) string {
	if fromOutput != "" {
		return fromOutput
	}
	if ev.PhysicalResourceID != "" {
		return ev.PhysicalResourceID
	}
	return ev.LogicalResourceID
}
