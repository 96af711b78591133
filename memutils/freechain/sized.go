package freechain

// Sized is a Chain with a fixed capacity
type Sized struct {
	chain
}

var _ Chain = &Sized{}

// NewSized creates a chain whose entire range [0, size) starts out free
func NewSized(size int) *Sized {
	c := &Sized{}
	c.init(size)
	return c
}

func (c *Sized) Find(size int, alignment uint) (Request, bool) {
	checkRequestParameters(size, alignment)

	return c.find(size, alignment)
}

func (c *Sized) Commit(request Request) (Block, error) {
	err := c.checkRequest(request)
	if err != nil {
		return Block{}, err
	}

	return c.split(request), nil
}
