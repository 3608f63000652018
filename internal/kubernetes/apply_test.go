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

package kubernetes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestEnsureNamespace(t *testing.T) {
	ctx := context.Background()

	t.Run("creates when absent", func(t *testing.T) {
		client := fake.NewSimpleClientset()
		require.NoError(t, EnsureNamespace(ctx, client, "hyperpod"))
		_, err := client.CoreV1().Namespaces().Get(ctx, "hyperpod", metav1.GetOptions{})
		assert.NoError(t, err)
	})

	t.Run("tolerates existing", func(t *testing.T) {
		client := fake.NewSimpleClientset(&corev1.Namespace{
			ObjectMeta: metav1.ObjectMeta{Name: "hyperpod"},
		})
		assert.NoError(t, EnsureNamespace(ctx, client, "hyperpod"))
	})
}

func TestDeleteNamespace_ToleratesAbsence(t *testing.T) {
	client := fake.NewSimpleClientset()
	assert.NoError(t, DeleteNamespace(context.Background(), client, "gone"))
}

func TestEnsureClusterRole_UpdatesExisting(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset(&rbacv1.ClusterRole{
		ObjectMeta: metav1.ObjectMeta{Name: "viewer"},
		Rules: []rbacv1.PolicyRule{
			{APIGroups: []string{""}, Resources: []string{"pods"}, Verbs: []string{"get"}},
		},
	})

	require.NoError(t, EnsureClusterRole(ctx, client, &rbacv1.ClusterRole{
		ObjectMeta: metav1.ObjectMeta{Name: "viewer"},
		Rules: []rbacv1.PolicyRule{
			{APIGroups: []string{""}, Resources: []string{"pods", "services"}, Verbs: []string{"get", "list"}},
		},
	}))

	got, err := client.RbacV1().ClusterRoles().Get(ctx, "viewer", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"pods", "services"}, got.Rules[0].Resources)
}

func TestEnsureRoleBinding_ReplacesExisting(t *testing.T) {
	ctx := context.Background()
	binding := func(roleRef string) *rbacv1.RoleBinding {
		return &rbacv1.RoleBinding{
			ObjectMeta: metav1.ObjectMeta{Namespace: "team-a", Name: "editors"},
			RoleRef:    rbacv1.RoleRef{Kind: "Role", Name: roleRef},
		}
	}
	client := fake.NewSimpleClientset(binding("old-role"))

	require.NoError(t, EnsureRoleBinding(ctx, client, binding("new-role")))

	got, err := client.RbacV1().RoleBindings("team-a").Get(ctx, "editors", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "new-role", got.RoleRef.Name)
}
