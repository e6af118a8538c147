// Package persistence implements the read side of the parameter store:
// paged search, version history and resumable erase.
package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrPageOutOfRange is returned for page 0 and for pages past the last
	// one. It is never retried.
	ErrPageOutOfRange = errors.New("page out of range")
	// ErrNotFound means the logical resource does not exist.
	ErrNotFound = errors.New("resource not found")
)

// Page selects a 1-based page of an ordered result.
type Page struct {
	Number int
	Size   int
}

// LastPage is the highest valid page number for total rows. An empty
// result still has one (empty) page.
func (p Page) LastPage(total int) int {
	if total <= 0 || p.Size <= 0 {
		return 1
	}
	return (total + p.Size - 1) / p.Size
}

// Check validates the page against the result size.
func (p Page) Check(total int) error {
	if p.Size <= 0 {
		return fmt.Errorf("%w: page size %d", ErrPageOutOfRange, p.Size)
	}
	if p.Number < 1 {
		return fmt.Errorf("%w: page %d", ErrPageOutOfRange, p.Number)
	}
	if last := p.LastPage(total); p.Number > last {
		return fmt.Errorf("%w: page %d of %d", ErrPageOutOfRange, p.Number, last)
	}
	return nil
}

// Bounds returns the offset and row limit of the page.
func (p Page) Bounds(total int) (offset, limit int, err error) {
	if err := p.Check(total); err != nil {
		return 0, 0, err
	}
	return (p.Number - 1) * p.Size, p.Size, nil
}
