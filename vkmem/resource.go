package vkmem

import (
	"fmt"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/mempool/vkmem/internal/vulkan"
)

// resource is the native object being bound into a pool. The set of implementations is closed:
// bufferResource and imageResource.
type resource interface {
	isResource()
}

type bufferResource struct {
	buffer core1_0.Buffer
}

type imageResource struct {
	image  core1_0.Image
	tiling core1_0.ImageTiling
}

func (bufferResource) isResource() {}
func (imageResource) isResource()  {}

func unknownResource(r resource) string {
	return fmt.Sprintf("unknown resource %T", r)
}

// resourceTypeOf returns how the resource is treated for bufferImageGranularity purposes
func resourceTypeOf(r resource) ResourceType {
	switch r := r.(type) {
	case bufferResource:
		return ResourceTypeLinear
	case imageResource:
		if r.tiling == core1_0.ImageTilingLinear {
			return ResourceTypeLinear
		}
		return ResourceTypeNonLinear
	}

	panic(unknownResource(r))
}

func bindResource(driver vulkan.Driver, r resource, memory core1_0.DeviceMemory, offset int) (common.VkResult, error) {
	switch r := r.(type) {
	case bufferResource:
		return driver.BindBufferMemory(r.buffer, memory, offset)
	case imageResource:
		return driver.BindImageMemory(r.image, memory, offset)
	}

	panic(unknownResource(r))
}

func resourceRequirements(driver vulkan.Driver, r resource) (vulkan.MemoryRequirements, error) {
	switch r := r.(type) {
	case bufferResource:
		return driver.BufferMemoryRequirements(r.buffer)
	case imageResource:
		return driver.ImageMemoryRequirements(r.image)
	}

	panic(unknownResource(r))
}

func destroyResource(driver vulkan.Driver, r resource) {
	switch r := r.(type) {
	case bufferResource:
		driver.DestroyBuffer(r.buffer)
	case imageResource:
		driver.DestroyImage(r.image)
	default:
		panic(unknownResource(r))
	}
}
