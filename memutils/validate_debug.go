//go:build debug_mem_utils

package memutils

// DebugValidate panics if validatable is inconsistent. It only does anything when built
// with the debug_mem_utils tag.
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 panics if value is not a power of two. It only does anything when built
// with the debug_mem_utils tag.
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}
