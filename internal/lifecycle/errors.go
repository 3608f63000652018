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
	"errors"
	"fmt"
)

// TransientError marks a failure that may resolve on its own (API throttling,
// a dropped connection, an access entry still propagating). Mutators wrap
// such failures so Retry knows the operation is worth re-attempting.
type TransientError struct {
	err error
}

func NewTransient(err error) *TransientError {
	return &TransientError{err: err}
}

func Transientf(format string, args ...any) *TransientError {
	return &TransientError{err: fmt.Errorf(format, args...)}
}

func (e *TransientError) Error() string {
	if e == nil || e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsTransient returns true if any error in the chain is a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// ConfigurationError marks malformed or missing input. It must never be
// retried: the same input will fail the same way, so the invocation fails
// fast with the reason surfaced verbatim.
type ConfigurationError struct {
	err error
}

func NewConfiguration(err error) *ConfigurationError {
	return &ConfigurationError{err: err}
}

func Configurationf(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{err: fmt.Errorf(format, args...)}
}

func (e *ConfigurationError) Error() string {
	if e == nil || e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *ConfigurationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsConfiguration returns true if any error in the chain is a ConfigurationError.
func IsConfiguration(err error) bool {
	var c *ConfigurationError
	return errors.As(err, &c)
}

// CredentialError marks a failure to resolve credentials for the remote
// control plane, typically because the backing cluster is unreachable or
// already deleted. On the Delete path the caller treats this as "already
// gone" rather than a failure.
type CredentialError struct {
	err error
}

func NewCredential(err error) *CredentialError {
	return &CredentialError{err: err}
}

func Credentialf(format string, args ...any) *CredentialError {
	return &CredentialError{err: fmt.Errorf(format, args...)}
}

func (e *CredentialError) Error() string {
	if e == nil || e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *CredentialError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsCredential returns true if any error in the chain is a CredentialError.
func IsCredential(err error) bool {
	var c *CredentialError
	return errors.As(err, &c)
}

// TimeoutError is returned by Poll when the resource never reached a
// terminal state inside the budget. It carries the last observed state so
// callers can report what the resource looked like when time ran out.
type TimeoutError struct {
	LastState RemoteState
	budget    string
}

func NewTimeout(last RemoteState, budget string) *TimeoutError {
	return &TimeoutError{LastState: last, budget: budget}
}

func (e *TimeoutError) Error() string {
	if e == nil {
		return ""
	}
	if e.LastState.Status == "" {
		return fmt.Sprintf("timed out after %s waiting for a terminal state", e.budget)
	}
	return fmt.Sprintf("timed out after %s waiting for a terminal state, last observed: %s", e.budget, e.LastState.Status)
}

// IsTimeout returns true if any error in the chain is a TimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}
