package vkmem

import "github.com/vkngwrapper/core/v2/common"

// AllocationFlags exposes several options for allocation behavior that can be applied.
type AllocationFlags int32

var allocationFlagsMapping = common.NewFlagStringMapping[AllocationFlags]()

func (f AllocationFlags) Register(str string) {
	allocationFlagsMapping.Register(f, str)
}
func (f AllocationFlags) String() string {
	return allocationFlagsMapping.FlagsToString(f)
}

const (
	// AllocationSeparatePool instructs the allocator to create a new memory pool for this resource.
	// The pool is never searched by later allocations, so it will only ever hold this resource.
	AllocationSeparatePool AllocationFlags = 1 << iota
	// AllocationMapMemory instructs the allocator to place the resource in persistently-mapped
	// memory. The pointer is available via MappedData on the returned handle. It is a contract
	// violation to request this from a memory type that is not HostVisible.
	AllocationMapMemory
	// AllocationAllowMixed allows the resource to be placed in a pool that already holds
	// resources of the other tiling (buffers and linear images vs optimal images). Alignment
	// and size are raised to bufferImageGranularity when that happens.
	AllocationAllowMixed
	// AllocationBindWholePool implies AllocationSeparatePool, and the new pool is sized exactly to the
	// resource's memory requirements rather than by the GrowthCalculator
	AllocationBindWholePool
	// AllocationExistingOnly instructs the allocator to only place the resource in existing
	// pools and never create a new one
	AllocationExistingOnly
)

func init() {
	AllocationSeparatePool.Register("AllocationSeparatePool")
	AllocationMapMemory.Register("AllocationMapMemory")
	AllocationAllowMixed.Register("AllocationAllowMixed")
	AllocationBindWholePool.Register("AllocationBindWholePool")
	AllocationExistingOnly.Register("AllocationExistingOnly")
}

// ResourceType is the kind of resource bound into a block, as far as bufferImageGranularity is
// concerned. Buffers and linear-tiled images are ResourceTypeLinear, every other image is
// ResourceTypeNonLinear. Pools are tagged ResourceTypeNone while empty and ResourceTypeMixed once
// they hold both.
type ResourceType uint32

const (
	ResourceTypeNone ResourceType = iota
	ResourceTypeLinear
	ResourceTypeNonLinear
	ResourceTypeMixed
)

var resourceTypeMapping = make(map[ResourceType]string)

func (t ResourceType) String() string {
	return resourceTypeMapping[t]
}

// opposite returns the other concrete resource type
func (t ResourceType) opposite() ResourceType {
	switch t {
	case ResourceTypeLinear:
		return ResourceTypeNonLinear
	case ResourceTypeNonLinear:
		return ResourceTypeLinear
	}

	return t
}

func init() {
	resourceTypeMapping[ResourceTypeNone] = "ResourceTypeNone"
	resourceTypeMapping[ResourceTypeLinear] = "ResourceTypeLinear"
	resourceTypeMapping[ResourceTypeNonLinear] = "ResourceTypeNonLinear"
	resourceTypeMapping[ResourceTypeMixed] = "ResourceTypeMixed"
}

// ReleasePolicy decides what happens to a memory pool that is left empty by a release
type ReleasePolicy uint32

const (
	// ReleaseKeep leaves empty pools alive so later allocations can reuse them
	ReleaseKeep ReleasePolicy = iota
	// ReleaseFree destroys a pool and frees its device memory as soon as it is emptied
	ReleaseFree
)

var releasePolicyMapping = make(map[ReleasePolicy]string)

func (p ReleasePolicy) String() string {
	return releasePolicyMapping[p]
}

func init() {
	releasePolicyMapping[ReleaseKeep] = "ReleaseKeep"
	releasePolicyMapping[ReleaseFree] = "ReleaseFree"
}

// PropertyMatch decides how a memory type's property flags are compared to the flags requested
// from a property-driven allocation
type PropertyMatch uint32

const (
	// PropertyMatchAny accepts memory types that share at least one property flag with the request
	PropertyMatchAny PropertyMatch = iota
	// PropertyMatchOnly accepts memory types whose property flags are exactly the requested flags
	PropertyMatchOnly
)

var propertyMatchMapping = make(map[PropertyMatch]string)

func (m PropertyMatch) String() string {
	return propertyMatchMapping[m]
}

func init() {
	propertyMatchMapping[PropertyMatchAny] = "PropertyMatchAny"
	propertyMatchMapping[PropertyMatchOnly] = "PropertyMatchOnly"
}
