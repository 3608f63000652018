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

// Package helm wraps the helm v3 action machinery for installing chart
// based add-ons on the target cluster.
package helm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/cli"
	"helm.sh/helm/v3/pkg/registry"
	"helm.sh/helm/v3/pkg/storage/driver"
	"k8s.io/client-go/rest"

	"github.com/awslabs/hyperpod-addons/internal/lifecycle"
)

// InstallSpec describes one chart release.
type InstallSpec struct {
	ReleaseName string
	Namespace   string
	// ChartRef is anything helm can locate: an OCI reference or a
	// repository URL.
	ChartRef string
	Version  string
	Values   map[string]any
	Timeout  time.Duration
}

// Client drives helm releases against one namespace of the target cluster.
type Client struct {
	cfg      *action.Configuration
	settings *cli.EnvSettings
	log      logr.Logger
}

// New initializes the helm action machinery against the given REST config.
// Release state is stored in cluster secrets, matching the helm CLI
// default.
func New(restConfig *rest.Config, namespace string, log logr.Logger) (*Client, error) {
	cfg := new(action.Configuration)
	getter := newRESTClientGetter(restConfig, namespace)
	debug := func(format string, v ...any) {
		log.V(1).Info(fmt.Sprintf(format, v...))
	}
	if err := cfg.Init(getter, namespace, "secret", debug); err != nil {
		return nil, fmt.Errorf("failed to initialize helm: %w", err)
	}
	registryClient, err := registry.NewClient()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize helm registry client: %w", err)
	}
	cfg.RegistryClient = registryClient

	return &Client{cfg: cfg, settings: cli.New(), log: log.WithName("helm")}, nil
}

// Installed reports whether the named release exists in any state.
func (c *Client) Installed(releaseName string) (bool, error) {
	get := action.NewGet(c.cfg)
	_, err := get.Run(releaseName)
	if errors.Is(err, driver.ErrReleaseNotFound) {
		return false, nil
	}
	if err != nil {
		return false, lifecycle.Transientf("failed to look up release %s: %s", releaseName, err)
	}
	return true, nil
}

// Install fetches the chart and installs it, waiting for the release's
// workloads inside the install timeout.
func (c *Client) Install(ctx context.Context, spec InstallSpec) error {
	install := action.NewInstall(c.cfg)
	install.ReleaseName = spec.ReleaseName
	install.Namespace = spec.Namespace
	install.CreateNamespace = true
	install.ChartPathOptions.Version = spec.Version

	path, err := install.ChartPathOptions.LocateChart(spec.ChartRef, c.settings)
	if err != nil {
		return lifecycle.Transientf("failed to locate chart %s: %s", spec.ChartRef, err)
	}
	ch, err := loader.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load chart %s: %w", spec.ChartRef, err)
	}
	return c.install(ctx, install, ch, spec)
}

func (c *Client) install(ctx context.Context, install *action.Install, ch *chart.Chart, spec InstallSpec) error {
	install.Wait = true
	install.Timeout = spec.Timeout
	if install.Timeout == 0 {
		install.Timeout = 5 * time.Minute
	}

	c.log.Info("Installing release", "release", spec.ReleaseName, "namespace", spec.Namespace, "chart", ch.Name())
	if _, err := install.RunWithContext(ctx, ch, spec.Values); err != nil {
		return fmt.Errorf("failed to install release %s: %w", spec.ReleaseName, err)
	}
	return nil
}

// Upgrade converges the release to the chart, installing it when absent
// (helm upgrade --install semantics).
func (c *Client) Upgrade(ctx context.Context, spec InstallSpec) error {
	installed, err := c.Installed(spec.ReleaseName)
	if err != nil {
		return err
	}
	if !installed {
		return c.Install(ctx, spec)
	}

	upgrade := action.NewUpgrade(c.cfg)
	upgrade.Namespace = spec.Namespace
	upgrade.ChartPathOptions.Version = spec.Version

	path, err := upgrade.ChartPathOptions.LocateChart(spec.ChartRef, c.settings)
	if err != nil {
		return lifecycle.Transientf("failed to locate chart %s: %s", spec.ChartRef, err)
	}
	ch, err := loader.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load chart %s: %w", spec.ChartRef, err)
	}
	return c.upgrade(ctx, upgrade, ch, spec)
}

func (c *Client) upgrade(ctx context.Context, upgrade *action.Upgrade, ch *chart.Chart, spec InstallSpec) error {
	upgrade.Wait = true
	upgrade.Timeout = spec.Timeout
	if upgrade.Timeout == 0 {
		upgrade.Timeout = 5 * time.Minute
	}

	c.log.Info("Upgrading release", "release", spec.ReleaseName, "namespace", spec.Namespace, "chart", ch.Name())
	if _, err := upgrade.RunWithContext(ctx, spec.ReleaseName, ch, spec.Values); err != nil {
		return fmt.Errorf("failed to upgrade release %s: %w", spec.ReleaseName, err)
	}
	return nil
}

// Uninstall removes the release, tolerating absence.
func (c *Client) Uninstall(releaseName string) error {
	uninstall := action.NewUninstall(c.cfg)
	_, err := uninstall.Run(releaseName)
	if errors.Is(err, driver.ErrReleaseNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to uninstall release %s: %w", releaseName, err)
	}
	c.log.Info("Uninstalled release", "release", releaseName)
	return nil
}
