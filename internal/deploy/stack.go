package deploy

import (
	"context"
	"errors"
	"slices"
)

type (
	// Stack is a LIFO queue of Destructors. Each Destructor tears down
	// something created earlier in a deployment lifecycle.
	Stack struct {
		Destructors []Destructor
	}
	Destructor func(ctx context.Context) error
)

// Push adds a destructor to the 'Destructors' slice, to be destroyed in the
// reverse order they were added.
func (s *Stack) Push(d Destructor) {
	s.Destructors = append(s.Destructors, d)
}

// Len reports the number of pending destructors.
func (s *Stack) Len() int {
	return len(s.Destructors)
}

// Destroy calls all accumulated destructors in the reverse order they were
// added, returning all encountered errors joined. The stack is empty
// afterwards.
func (s *Stack) Destroy(ctx context.Context) error {
	var errs error
	for _, destructor := range slices.Backward(s.Destructors) {
		errs = errors.Join(errs, destructor(ctx))
	}
	s.Destructors = nil
	return errs
}
