package location

import (
	"context"
	"errors"
	"fmt"

	"github.com/mr1hm/go-civictrack/internal/geo"
	"github.com/mr1hm/go-civictrack/internal/models"
)

type FailureKind string

const (
	FailureDenied      FailureKind = "denied"
	FailureUnsupported FailureKind = "unsupported"
	FailureNotFound    FailureKind = "not-found"
	FailureTimeout     FailureKind = "timeout"
	FailureFailed      FailureKind = "failed"
)

func ParseFailureKind(s string) (FailureKind, bool) {
	switch k := FailureKind(s); k {
	case FailureDenied, FailureUnsupported, FailureNotFound, FailureTimeout, FailureFailed:
		return k, true
	}
	return "", false
}

// Error is returned by resolvers when no coordinate could be produced.
type Error struct {
	Kind FailureKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("location unavailable (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("location unavailable (%s)", e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf classifies any resolver error into a FailureKind.
func KindOf(err error) FailureKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	return FailureFailed
}

// Resolver produces the reference point the feed is measured against.
type Resolver interface {
	Resolve(ctx context.Context) (models.Coordinate, error)
}

type ResolverFunc func(ctx context.Context) (models.Coordinate, error)

func (f ResolverFunc) Resolve(ctx context.Context) (models.Coordinate, error) {
	return f(ctx)
}

// Fixed resolves to a manually entered coordinate.
type Fixed models.Coordinate

func (f Fixed) Resolve(ctx context.Context) (models.Coordinate, error) {
	c := models.Coordinate(f)
	if !geo.Valid(c) {
		return models.Coordinate{}, &Error{Kind: FailureFailed, Err: fmt.Errorf("invalid coordinate %v", c)}
	}
	return c, nil
}
