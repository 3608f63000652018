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

package tieredcache

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// defaultMemoryPercentage applies when the storage configuration omits
// InstanceMemoryAllocationPercentage.
const defaultMemoryPercentage = 20

// instanceTypeMemoryGiB maps accelerated instance types to their total
// memory. The G5 entry exists for integration testing only.
var instanceTypeMemoryGiB = map[string]int{
	"ml.p6-b300.48xlarge":   4096,
	"ml.p6-b200.48xlarge":   2048,
	"ml.p6e-gb200.36xlarge": 960,

	"ml.p5.4xlarge":    256,
	"ml.p5.48xlarge":   2048,
	"ml.p5e.48xlarge":  2048,
	"ml.p5en.48xlarge": 2048,

	"ml.p4d.24xlarge":  1152,
	"ml.p4de.24xlarge": 1152,

	"ml.g5.8xlarge": 128,
}

type kvCacheConfig struct {
	KVCacheMode   string   `json:"KVCacheMode"`
	NVMeMode      string   `json:"NVMeMode"`
	InstanceGroup []string `json:"InstanceGroup"`
}

type storageConfig struct {
	Mode                               string `json:"Mode"`
	InstanceMemoryAllocationPercentage *int   `json:"InstanceMemoryAllocationPercentage"`
}

// Settings is the parsed cache configuration.
type Settings struct {
	KVCacheEnabled       bool
	NVMeEnabled          bool
	TieredStorageEnabled bool
	MemoryPercentage     int
	InstanceGroups       []string
}

// Enabled reports whether both tiered storage and the KV cache are turned
// on; nothing is configured otherwise.
func (s Settings) Enabled() bool {
	return s.TieredStorageEnabled && s.KVCacheEnabled
}

// ParseSettings decodes the two JSON configuration payloads. Either may be
// empty. The allocation percentage must be an integer in [0, 100]; zero is
// a valid parse that later fails allocation.
func ParseSettings(kvCacheJSON, storageJSON string) (Settings, error) {
	settings := Settings{MemoryPercentage: defaultMemoryPercentage}

	if kvCacheJSON != "" {
		var kv kvCacheConfig
		if err := json.Unmarshal([]byte(kvCacheJSON), &kv); err != nil {
			return Settings{}, fmt.Errorf("failed to parse TIERED_KV_CACHE_CONFIG: %w", err)
		}
		settings.KVCacheEnabled = strings.EqualFold(kv.KVCacheMode, "enable")
		settings.NVMeEnabled = strings.EqualFold(kv.NVMeMode, "enable")
		settings.InstanceGroups = kv.InstanceGroup
	}

	if storageJSON != "" {
		var st storageConfig
		if err := json.Unmarshal([]byte(storageJSON), &st); err != nil {
			return Settings{}, fmt.Errorf("failed to parse TIERED_STORAGE_CONFIG: %w", err)
		}
		settings.TieredStorageEnabled = strings.EqualFold(st.Mode, "enable")
		if st.InstanceMemoryAllocationPercentage != nil {
			pct := *st.InstanceMemoryAllocationPercentage
			if pct < 0 || pct > 100 {
				return Settings{}, fmt.Errorf("InstanceMemoryAllocationPercentage must be between 0 and 100, got %d", pct)
			}
			settings.MemoryPercentage = pct
		}
	}

	return settings, nil
}

// instanceMemory returns the total memory for instanceType. Outside of
// testing mode only P-series instances qualify.
func instanceMemory(instanceType string, testing bool) (int, error) {
	memory, ok := instanceTypeMemoryGiB[instanceType]
	if !ok {
		supported := make([]string, 0, len(instanceTypeMemoryGiB))
		for t := range instanceTypeMemoryGiB {
			supported = append(supported, t)
		}
		sort.Strings(supported)
		return 0, fmt.Errorf("instance type %q not found in supported instance types (supported: %s)",
			instanceType, strings.Join(supported, ", "))
	}
	if !testing && !strings.HasPrefix(strings.ToLower(instanceType), "ml.p") {
		return 0, fmt.Errorf("instance type %q is not supported: KV caching requires P-series instances (ml.p*)", instanceType)
	}
	return memory, nil
}

// allocation is the outcome of the memory split between the pod budget and
// the in-memory cache.
type allocation struct {
	// K8sQuantity is the pod memory request/limit (Mi/Gi/Ti, integral).
	K8sQuantity string
	// AllocationGiB is the raw pod memory budget.
	AllocationGiB float64
	// CacheCapacity is the in-memory cache size for the TOML config,
	// rounded down to whole GiB.
	CacheCapacity string
	// CacheCapacityGiB is the rounded cache size.
	CacheCapacityGiB int
}

// computeAllocation splits the instance memory. The percentage must be
// strictly positive here and the buffer must leave a positive capacity.
func computeAllocation(totalGiB, percentage int, bufferGiB float64) (allocation, error) {
	if percentage <= 0 {
		return allocation{}, fmt.Errorf("memory allocation percentage must be positive, got %d", percentage)
	}
	if bufferGiB < 0 {
		return allocation{}, fmt.Errorf("memory buffer cannot be negative: %g", bufferGiB)
	}

	allocationGiB := float64(totalGiB) * float64(percentage) / 100
	capacityGiB := allocationGiB - bufferGiB
	if capacityGiB <= 0 {
		return allocation{}, fmt.Errorf("calculated cache capacity is invalid: %.2f GiB (allocation: %.2f GiB, buffer: %g GiB)",
			capacityGiB, allocationGiB, bufferGiB)
	}

	return allocation{
		K8sQuantity:      formatKubernetesQuantity(allocationGiB),
		AllocationGiB:    allocationGiB,
		CacheCapacity:    formatCacheCapacity(capacityGiB),
		CacheCapacityGiB: int(capacityGiB),
	}, nil
}

// formatKubernetesQuantity renders a GiB value as an integral Kubernetes
// quantity, preferring the largest suffix that stays whole.
func formatKubernetesQuantity(gib float64) string {
	mib := int(gib * 1024)
	if mib >= 1024 && mib%1024 == 0 {
		gi := mib / 1024
		if gi >= 1024 && gi%1024 == 0 {
			return fmt.Sprintf("%dTi", gi/1024)
		}
		return fmt.Sprintf("%dGi", gi)
	}
	return fmt.Sprintf("%dMi", mib)
}

// formatCacheCapacity renders a GiB value for the cache TOML. The value is
// floored to whole GiB first so it stays a multiple of the block size.
func formatCacheCapacity(gib float64) string {
	whole := int(gib)
	if whole >= 1024 {
		if whole%1024 == 0 {
			return fmt.Sprintf("%dTiB", whole/1024)
		}
		return fmt.Sprintf("%dGiB", whole)
	}
	if whole >= 1 {
		return fmt.Sprintf("%dGiB", whole)
	}
	return fmt.Sprintf("%dMiB", whole*1024)
}
