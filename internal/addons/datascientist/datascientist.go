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

// Package datascientist grants data-scientist IAM roles console and
// Kubernetes access to a HyperPod cluster: an inline UI policy, an EKS
// access entry per role, and namespace-scoped RBAC.
package datascientist

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/go-logr/logr"
	rbacv1 "k8s.io/api/rbac/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8s "k8s.io/client-go/kubernetes"

	"github.com/awslabs/hyperpod-addons/internal/awsapi"
	"github.com/awslabs/hyperpod-addons/internal/kubernetes"
	"github.com/awslabs/hyperpod-addons/internal/lifecycle"
)

const (
	// MaxMappings bounds the DATA_SCIENTIST_ROLE_<i> env scan.
	MaxMappings = 10

	policyBaseName     = "HyperPodDataScientistUI"
	namespaceGroupBase = "hyperpod-data-scientist-namespace-level"
	clusterGroupBase   = "hyperpod-data-scientist-cluster-level"
)

// Mapping binds one IAM role to the namespaces it may work in.
type Mapping struct {
	RoleName   string
	Namespaces string
}

// NamespaceList splits the comma-separated namespace field, defaulting to
// the default namespace.
func (m Mapping) NamespaceList() []string {
	raw := m.Namespaces
	if strings.TrimSpace(raw) == "" {
		raw = "default"
	}
	var out []string
	for _, ns := range strings.Split(raw, ",") {
		if ns = strings.Trim(ns, " ,"); ns != "" {
			out = append(out, ns)
		}
	}
	return out
}

// MappingsFromEnv scans the numbered role/namespace variable pairs.
func MappingsFromEnv(getenv func(string) string) []Mapping {
	var mappings []Mapping
	for i := 1; i <= MaxMappings; i++ {
		role := strings.TrimSpace(getenv(fmt.Sprintf("DATA_SCIENTIST_ROLE_%d", i)))
		if role == "" {
			continue
		}
		mappings = append(mappings, Mapping{
			RoleName:   role,
			Namespaces: strings.TrimSpace(getenv(fmt.Sprintf("DATA_SCIENTIST_ROLE_%d_NAMESPACES", i))),
		})
	}
	return mappings
}

// Config holds the handler's parameters.
type Config struct {
	ClusterName        string
	Region             string
	AccountID          string
	HyperPodClusterARN string
	EKSClusterARN      string
	Mappings           []Mapping
}

// Handler implements the data-scientist access lifecycle.
type Handler struct {
	iam  awsapi.IAMAPI
	eks  awsapi.EKSAPI
	kube k8s.Interface
	cfg  Config
	log  logr.Logger
}

var _ lifecycle.Handler = &Handler{}

func New(iamClient awsapi.IAMAPI, eksClient awsapi.EKSAPI, kube k8s.Interface, cfg Config, log logr.Logger) *Handler {
	return &Handler{iam: iamClient, eks: eksClient, kube: kube, cfg: cfg, log: log.WithName("datascientist")}
}

func policyName(clusterName string) string {
	return policyBaseName + "-" + clusterName
}

func kubernetesGroups(index int) (namespaceGroup, clusterGroup string) {
	return fmt.Sprintf("%s-%d", namespaceGroupBase, index),
		fmt.Sprintf("%s-%d", clusterGroupBase, index)
}

// Create processes each mapping independently so one broken role does not
// block the rest, then fails the invocation only if any mapping failed.
func (h *Handler) Create(ctx context.Context, _ *lifecycle.Event) (*lifecycle.Output, error) {
	if len(h.cfg.Mappings) == 0 {
		return &lifecycle.Output{
			Reason: "No data scientist mappings specified. Skipping setup.",
			Data:   map[string]any{"DataScientistSetupSkipped": true},
		}, nil
	}

	var failed []string
	for i, mapping := range h.cfg.Mappings {
		index := i + 1
		if err := h.setupMapping(ctx, mapping, index); err != nil {
			h.log.Error(err, "Mapping setup failed", "index", index, "role", mapping.RoleName)
			failed = append(failed, mapping.RoleName)
			continue
		}
		h.log.Info("Mapping setup complete", "index", index, "role", mapping.RoleName)
	}

	total := len(h.cfg.Mappings)
	if len(failed) > 0 {
		return nil, fmt.Errorf("failed to complete %d of %d data scientist setups (roles: %s)",
			len(failed), total, strings.Join(failed, ", "))
	}
	return &lifecycle.Output{
		Reason: fmt.Sprintf("Successfully completed all %d data scientist mappings", total),
		Data: map[string]any{
			"DataScientistSetupComplete": true,
			"TotalSetups":                total,
			"SuccessfulSetups":           total,
		},
	}, nil
}

// Update is not supported: group indexes are positional, so changing the
// mapping list in place would silently rebind roles to other namespaces.
func (h *Handler) Update(context.Context, *lifecycle.Event) (*lifecycle.Output, error) {
	return nil, lifecycle.Configurationf("update is not supported for data scientist setup; delete and recreate the resource")
}

// Delete removes the inline policy and access entry for every mapping.
// Each cleanup is best effort; accumulated failures surface as one error
// so the protocol layer can acknowledge with a warning.
func (h *Handler) Delete(ctx context.Context, _ *lifecycle.Event) (*lifecycle.Output, error) {
	if len(h.cfg.Mappings) == 0 {
		return &lifecycle.Output{Reason: "No data scientist mappings specified. Nothing to clean up."}, nil
	}

	var failed []string
	for i, mapping := range h.cfg.Mappings {
		if err := h.cleanupMapping(ctx, mapping); err != nil {
			h.log.Error(err, "Mapping cleanup failed", "index", i+1, "role", mapping.RoleName)
			failed = append(failed, mapping.RoleName)
		}
	}
	total := len(h.cfg.Mappings)
	if len(failed) > 0 {
		return nil, fmt.Errorf("failed to clean up %d of %d data scientist setups (roles: %s)",
			len(failed), total, strings.Join(failed, ", "))
	}
	return &lifecycle.Output{
		Reason: fmt.Sprintf("Successfully cleaned up all %d data scientist setups", total),
		Data: map[string]any{
			"DataScientistCleanupComplete": true,
			"TotalCleanups":                total,
			"SuccessfulCleanups":           total,
		},
	}, nil
}

func (h *Handler) setupMapping(ctx context.Context, mapping Mapping, index int) error {
	roleARN, err := h.resolveRole(ctx, mapping.RoleName)
	if err != nil {
		return err
	}
	if err := h.attachUIPolicy(ctx, mapping.RoleName); err != nil {
		return err
	}
	namespaceGroup, clusterGroup := kubernetesGroups(index)
	if err := h.ensureAccessEntry(ctx, roleARN, []string{namespaceGroup, clusterGroup}); err != nil {
		return err
	}
	return h.deployRBAC(ctx, mapping.NamespaceList(), namespaceGroup, clusterGroup, index)
}

func (h *Handler) resolveRole(ctx context.Context, roleName string) (string, error) {
	out, err := h.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(roleName)})
	if err != nil {
		if awsapi.IsNotFound(err) {
			return "", lifecycle.Configurationf("IAM role %q not found", roleName)
		}
		return "", lifecycle.Transientf("failed to resolve IAM role %q: %s", roleName, err)
	}
	return aws.ToString(out.Role.Arn), nil
}

func (h *Handler) attachUIPolicy(ctx context.Context, roleName string) error {
	doc, err := json.Marshal(uiPolicyDocument(h.cfg))
	if err != nil {
		return fmt.Errorf("failed to encode policy document: %w", err)
	}
	_, err = h.iam.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
		RoleName:       aws.String(roleName),
		PolicyName:     aws.String(policyName(h.cfg.ClusterName)),
		PolicyDocument: aws.String(string(doc)),
	})
	if err != nil {
		return fmt.Errorf("failed to attach policy to role %q: %w", roleName, err)
	}
	return nil
}

func (h *Handler) ensureAccessEntry(ctx context.Context, roleARN string, groups []string) error {
	_, err := h.eks.DescribeAccessEntry(ctx, &eks.DescribeAccessEntryInput{
		ClusterName:  aws.String(h.cfg.ClusterName),
		PrincipalArn: aws.String(roleARN),
	})
	if err == nil {
		h.log.Info("Access entry already exists", "principal", roleARN)
		return nil
	}
	if !awsapi.IsNotFound(err) {
		return fmt.Errorf("failed to describe access entry for %q: %w", roleARN, err)
	}
	_, err = h.eks.CreateAccessEntry(ctx, &eks.CreateAccessEntryInput{
		ClusterName:      aws.String(h.cfg.ClusterName),
		PrincipalArn:     aws.String(roleARN),
		KubernetesGroups: groups,
	})
	if err != nil && !awsapi.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create access entry for %q: %w", roleARN, err)
	}
	return nil
}

func (h *Handler) deployRBAC(ctx context.Context, namespaces []string, namespaceGroup, clusterGroup string, index int) error {
	for _, ns := range namespaces {
		if err := kubernetes.EnsureNamespace(ctx, h.kube, ns); err != nil {
			h.log.Info("Failed to ensure namespace", "namespace", ns, "error", err.Error())
		}
	}

	if err := kubernetes.EnsureClusterRole(ctx, h.kube, clusterRole(index)); err != nil {
		return fmt.Errorf("failed to apply cluster role: %w", err)
	}
	if err := kubernetes.EnsureClusterRoleBinding(ctx, h.kube, clusterRoleBinding(clusterGroup, index)); err != nil {
		return fmt.Errorf("failed to apply cluster role binding: %w", err)
	}

	for _, ns := range namespaces {
		if err := kubernetes.EnsureRole(ctx, h.kube, namespaceRole(ns, index)); err != nil {
			return fmt.Errorf("failed to apply role in namespace %q: %w", ns, err)
		}
		if err := kubernetes.EnsureRoleBinding(ctx, h.kube, namespaceRoleBinding(ns, namespaceGroup, index)); err != nil {
			return fmt.Errorf("failed to apply role binding in namespace %q: %w", ns, err)
		}
	}
	return nil
}

func (h *Handler) cleanupMapping(ctx context.Context, mapping Mapping) error {
	var errs []string

	_, err := h.iam.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{
		RoleName:   aws.String(mapping.RoleName),
		PolicyName: aws.String(policyName(h.cfg.ClusterName)),
	})
	if err != nil && !awsapi.IsNotFound(err) {
		errs = append(errs, fmt.Sprintf("delete policy: %s", err))
	}

	roleARN, err := h.resolveRole(ctx, mapping.RoleName)
	if err != nil {
		if lifecycle.IsConfiguration(err) {
			// Role gone entirely; the access entry died with it.
			return nil
		}
		errs = append(errs, err.Error())
	} else {
		_, err = h.eks.DeleteAccessEntry(ctx, &eks.DeleteAccessEntryInput{
			ClusterName:  aws.String(h.cfg.ClusterName),
			PrincipalArn: aws.String(roleARN),
		})
		if err != nil && !awsapi.IsNotFound(err) {
			errs = append(errs, fmt.Sprintf("delete access entry: %s", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup for role %q: %s", mapping.RoleName, strings.Join(errs, "; "))
	}
	return nil
}

type policyStatement struct {
	Sid      string   `json:"Sid"`
	Effect   string   `json:"Effect"`
	Action   []string `json:"Action"`
	Resource string   `json:"Resource"`
}

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

func uiPolicyDocument(cfg Config) policyDocument {
	return policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{
			{
				Sid:      "DescribeHyperpodClusterPermissions",
				Effect:   "Allow",
				Action:   []string{"sagemaker:DescribeCluster"},
				Resource: cfg.HyperPodClusterARN,
			},
			{
				Sid:    "AllowK8SMutateViaConsole",
				Effect: "Allow",
				Action: []string{
					"eks:DescribeCluster",
					"eks:AccessKubernetesApi",
					"eks:MutateViaKubernetesApi",
					"eks:DescribeAddon",
				},
				Resource: cfg.EKSClusterARN,
			},
			{
				Sid:      "ListPermission",
				Effect:   "Allow",
				Action:   []string{"sagemaker:ListClusters"},
				Resource: fmt.Sprintf("arn:aws:sagemaker:%s:%s:cluster/*", cfg.Region, cfg.AccountID),
			},
			{
				Sid:    "SageMakerEndpointAccess",
				Effect: "Allow",
				Action: []string{
					"sagemaker:DescribeEndpoint",
					"sagemaker:InvokeEndpoint",
					"sagemaker:ListEndpoints",
				},
				Resource: fmt.Sprintf("arn:aws:sagemaker:%s:%s:endpoint/*", cfg.Region, cfg.AccountID),
			},
		},
	}
}

func clusterRole(index int) *rbacv1.ClusterRole {
	return &rbacv1.ClusterRole{
		ObjectMeta: metav1.ObjectMeta{
			Name: fmt.Sprintf("hyperpod-data-scientist-cluster-role-%d", index),
		},
		Rules: []rbacv1.PolicyRule{
			{APIGroups: []string{""}, Resources: []string{"pods"}, Verbs: []string{"get", "list"}},
			{APIGroups: []string{""}, Resources: []string{"nodes"}, Verbs: []string{"get", "list"}},
			{APIGroups: []string{""}, Resources: []string{"namespaces"}, Verbs: []string{"get", "list"}},
			{APIGroups: []string{""}, Resources: []string{"events"}, Verbs: []string{"get", "list"}},
			{APIGroups: []string{"apiextensions.k8s.io"}, Resources: []string{"customresourcedefinitions"}, Verbs: []string{"get"}},
			{APIGroups: []string{"authorization.k8s.io"}, Resources: []string{"selfsubjectaccessreviews"}, Verbs: []string{"create"}},
		},
	}
}

func clusterRoleBinding(clusterGroup string, index int) *rbacv1.ClusterRoleBinding {
	return &rbacv1.ClusterRoleBinding{
		ObjectMeta: metav1.ObjectMeta{
			Name: fmt.Sprintf("hyperpod-data-scientist-cluster-role-binding-%d", index),
		},
		Subjects: []rbacv1.Subject{{
			Kind:     rbacv1.GroupKind,
			Name:     clusterGroup,
			APIGroup: rbacv1.GroupName,
		}},
		RoleRef: rbacv1.RoleRef{
			Kind:     "ClusterRole",
			Name:     fmt.Sprintf("hyperpod-data-scientist-cluster-role-%d", index),
			APIGroup: rbacv1.GroupName,
		},
	}
}

func namespaceRole(namespace string, index int) *rbacv1.Role {
	return &rbacv1.Role{
		ObjectMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("hyperpod-data-scientist-namespace-role-%d", index),
			Namespace: namespace,
		},
		Rules: []rbacv1.PolicyRule{
			{APIGroups: []string{""}, Resources: []string{"pods"}, Verbs: []string{"create", "get"}},
			{APIGroups: []string{""}, Resources: []string{"nodes"}, Verbs: []string{"get", "list"}},
			{APIGroups: []string{""}, Resources: []string{"pods/log"}, Verbs: []string{"get", "list"}},
			{APIGroups: []string{""}, Resources: []string{"pods/exec"}, Verbs: []string{"get", "create"}},
			{APIGroups: []string{"kubeflow.org"}, Resources: []string{"pytorchjobs", "pytorchjobs/status"}, Verbs: []string{"get", "list", "create", "delete", "update", "describe"}},
			{APIGroups: []string{""}, Resources: []string{"configmaps"}, Verbs: []string{"create", "update", "get", "list", "delete"}},
			{APIGroups: []string{""}, Resources: []string{"secrets"}, Verbs: []string{"create", "get", "list", "delete"}},
			{APIGroups: []string{"inference.sagemaker.aws.amazon.com"}, Resources: []string{"inferenceendpointconfigs", "jumpstartmodels"}, Verbs: []string{"get", "list", "create", "delete", "update", "describe"}},
			{APIGroups: []string{"inference.sagemaker.aws.amazon.com"}, Resources: []string{"sagemakerendpointregistrations"}, Verbs: []string{"get", "list", "describe"}},
			{APIGroups: []string{"autoscaling"}, Resources: []string{"horizontalpodautoscalers"}, Verbs: []string{"get", "list", "watch", "create", "update", "patch", "delete"}},
		},
	}
}

func namespaceRoleBinding(namespace, namespaceGroup string, index int) *rbacv1.RoleBinding {
	return &rbacv1.RoleBinding{
		ObjectMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("hyperpod-data-scientist-namespace-role-binding-%d", index),
			Namespace: namespace,
		},
		Subjects: []rbacv1.Subject{{
			Kind:     rbacv1.GroupKind,
			Name:     namespaceGroup,
			APIGroup: rbacv1.GroupName,
		}},
		RoleRef: rbacv1.RoleRef{
			Kind:     "Role",
			Name:     fmt.Sprintf("hyperpod-data-scientist-namespace-role-%d", index),
			APIGroup: rbacv1.GroupName,
		},
	}
}
