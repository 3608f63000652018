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
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"
)

// DefaultBackoff bounds transient-error retries: 4 attempts spanning
// roughly 30 seconds, well inside any handler's invocation deadline.
func DefaultBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: 2 * time.Second,
		Factor:   2.0,
		Jitter:   0.1,
		Steps:    4,
	}
}

// Retry runs op, re-attempting transient failures with the given backoff.
// Permanent, credential, and every other non-transient error aborts
// immediately. When the attempts are exhausted the last transient error is
// returned.
func Retry(ctx context.Context, log logr.Logger, backoff wait.Backoff, op func(ctx context.Context) error) error {
	var last error
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		if err := op(ctx); err != nil {
			if IsTransient(err) {
				last = err
				log.V(1).Info("retrying after transient failure", "error", err.Error())
				return false, nil
			}
			return false, err
		}
		return true, nil
	})
	if wait.Interrupted(err) && last != nil {
		return last
	}
	return err
}

// Poll checks the resource state at a fixed interval until a terminal
// condition or the timeout. On timeout the last observed state is returned
// alongside a TimeoutError; the caller never blocks past the budget. Probe
// errors abort the poll immediately.
func Poll(ctx context.Context, interval, timeout time.Duration, probe func(ctx context.Context) (RemoteState, error)) (RemoteState, error) {
	var last RemoteState
	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true,
		func(ctx context.Context) (bool, error) {
			state, err := probe(ctx)
			if err != nil {
				return false, err
			}
			last = state
			return state.Terminal, nil
		})
	if err == nil {
		return last, nil
	}
	if wait.Interrupted(err) {
		return last, NewTimeout(last, timeout.String())
	}
	return last, err
}
