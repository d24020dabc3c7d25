// Package errors labels job failures for logs and metrics.
package errors

import (
	"context"
	goerrors "errors"
	"net"
	"reflect"
	"strings"

	"github.com/target/geojobs/internal/processor"
	"github.com/target/geojobs/internal/raster"
)

// Failure classes.
const (
	ClassValidation  = "validation"
	ClassTimeout     = "timeout"
	ClassUpstream    = "upstream"
	ClassPersistence = "persistence"
	ClassInternal    = "internal"
)

// Classify returns the failure class of err, or "" for nil.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var (
		unknown     *processor.UnknownTypeError
		persistence *processor.PersistenceError
		fetch       *raster.FetchError
		netErr      net.Error
	)
	switch {
	case processor.IsValidation(err), goerrors.As(err, &unknown):
		return ClassValidation
	case goerrors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case goerrors.As(err, &netErr) && netErr.Timeout():
		return ClassTimeout
	case goerrors.As(err, &persistence):
		return ClassPersistence
	case goerrors.As(err, &fetch), goerrors.Is(err, raster.ErrHostNotAllowed):
		return ClassUpstream
	default:
		return ClassInternal
	}
}

// TypeName returns the innermost concrete error type in snake case, for
// example "raster_fetcherror". It is logged next to the class.
func TypeName(err error) string {
	if err == nil {
		return ""
	}

	for {
		unwrapped := goerrors.Unwrap(err)
		if unwrapped == nil {
			break
		}
		err = unwrapped
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}

	name := strings.ToLower(strings.ReplaceAll(t.String(), "*", ""))
	name = strings.ReplaceAll(name, ".", "_")
	if name == "" {
		return "unknown"
	}
	return name
}
