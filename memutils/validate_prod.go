//go:build !debug_mem_utils

package memutils

func DebugValidate(validatable Validatable) {}

func DebugCheckPow2[T Number](value T, name string) {}
