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

// Package workspace installs the default WorkspaceTemplate custom
// resources for JupyterLab and Code Editor spaces.
package workspace

import (
	"context"
	"embed"
	"fmt"
	"sort"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"sigs.k8s.io/yaml"

	"github.com/awslabs/hyperpod-addons/internal/lifecycle"
)

const (
	namespace    = "jupyter-k8s-system"
	fieldManager = "hyperpod-addons"
)

var templateGVR = schema.GroupVersionResource{
	Group:    "workspace.jupyter.org",
	Version:  "v1alpha1",
	Resource: "workspacetemplates",
}

//go:embed templates/*.yaml
var templateFS embed.FS

// Handler applies the bundled workspace templates.
type Handler struct {
	dynamic dynamic.Interface
	log     logr.Logger
}

var _ lifecycle.Handler = &Handler{}

// New builds the handler.
func New(dyn dynamic.Interface, log logr.Logger) *Handler {
	return &Handler{dynamic: dyn, log: log.WithName("workspace")}
}

// Create server-side-applies every bundled template.
func (h *Handler) Create(ctx context.Context, _ *lifecycle.Event) (*lifecycle.Output, error) {
	templates, err := loadTemplates()
	if err != nil {
		return nil, err
	}
	for _, obj := range templates {
		h.log.Info("Applying workspace template", "name", obj.GetName())
		_, err := h.dynamic.Resource(templateGVR).Namespace(namespace).Apply(ctx, obj.GetName(), obj,
			metav1.ApplyOptions{FieldManager: fieldManager, Force: true})
		if err != nil {
			return nil, lifecycle.Transientf("failed to apply workspace template %s: %s", obj.GetName(), err)
		}
	}

	return &lifecycle.Output{
		Data: map[string]any{
			"JupyterCPUTemplate":    "jupyter-cpu-template",
			"JupyterGPUTemplate":    "jupyter-gpu-template",
			"CodeEditorCPUTemplate": "code-editor-cpu-template",
			"CodeEditorGPUTemplate": "code-editor-gpu-template",
		},
	}, nil
}

// Update converges to the bundled templates.
func (h *Handler) Update(ctx context.Context, ev *lifecycle.Event) (*lifecycle.Output, error) {
	return h.Create(ctx, ev)
}

// Delete removes every bundled template, tolerating absence.
func (h *Handler) Delete(ctx context.Context, _ *lifecycle.Event) (*lifecycle.Output, error) {
	templates, err := loadTemplates()
	if err != nil {
		return nil, err
	}
	for _, obj := range templates {
		h.log.Info("Deleting workspace template", "name", obj.GetName())
		err := h.dynamic.Resource(templateGVR).Namespace(namespace).Delete(ctx, obj.GetName(), metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("failed to delete workspace template %s: %w", obj.GetName(), err)
		}
	}
	return nil, nil
}

func loadTemplates() ([]*unstructured.Unstructured, error) {
	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		return nil, fmt.Errorf("failed to read bundled templates: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []*unstructured.Unstructured
	for _, entry := range entries {
		raw, err := templateFS.ReadFile("templates/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read bundled template %s: %w", entry.Name(), err)
		}
		obj := &unstructured.Unstructured{}
		if err := yaml.Unmarshal(raw, &obj.Object); err != nil {
			return nil, fmt.Errorf("failed to parse bundled template %s: %w", entry.Name(), err)
		}
		out = append(out, obj)
	}
	return out, nil
}
