package main

import "go.uber.org/multierr"

// cleanups runs release functions in reverse registration order and
// combines their errors.
type cleanups struct {
	fns []func() error
}

func (c *cleanups) add(fn func() error) {
	c.fns = append(c.fns, fn)
}

func (c *cleanups) run() error {
	var err error
	for i := len(c.fns) - 1; i >= 0; i-- {
		err = multierr.Append(err, c.fns[i]())
	}
	c.fns = nil
	return err
}
