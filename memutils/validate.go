package memutils

import "github.com/cockroachdb/errors"

// ErrNotPowerOfTwo is wrapped by the error CheckPow2 returns
var ErrNotPowerOfTwo = errors.New("number must be a power of two")

// Validatable is anything DebugValidate can check for internal consistency
type Validatable interface {
	Validate() error
}

// ValidateEach validates every item and combines the failures, annotated with the index of
// the item that produced them
func ValidateEach[T Validatable](items []T) error {
	var result error
	for index, item := range items {
		err := item.Validate()
		if err != nil {
			result = errors.CombineErrors(result, errors.Wrapf(err, "item %d", index))
		}
	}

	return result
}
