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

// Package logging builds the process logger. Everything downstream takes a
// logr.Logger; zap is an implementation detail of the entrypoints.
package logging

import (
	"os"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a JSON logger writing to stdout, which is where Lambda
// collects logs from. verbosity maps to logr V-levels: 0 keeps only Info
// and above, 1 turns on debug detail.
func New(verbosity int) logr.Logger {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stdout"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-verbosity))

	zl, err := cfg.Build()
	if err != nil {
		// The production config only fails on bad output paths; stdout
		// cannot be one of those.
		panic(err)
	}
	return zapr.NewLogger(zl)
}

// FromEnv builds the logger with verbosity taken from LOG_VERBOSITY.
func FromEnv() logr.Logger {
	v, _ := strconv.Atoi(os.Getenv("LOG_VERBOSITY"))
	return New(v)
}
