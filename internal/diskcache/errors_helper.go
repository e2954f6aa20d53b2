package diskcache

import (
	"github.com/tphakala/feedimages/internal/errors"
)

// dbError creates a categorized database error with context pairs.
func dbError(err error, operation string, context ...any) error {
	builder := errors.New(err).
		Component("diskcache").
		Category(errors.CategoryDatabase).
		Context("operation", operation)

	for i := 0; i < len(context)-1; i += 2 {
		if key, ok := context[i].(string); ok {
			builder = builder.Context(key, context[i+1])
		}
	}

	return builder.Build()
}

// fileError creates a categorized blob I/O error.
func fileError(err error, operation, path string) error {
	return errors.New(err).
		Component("diskcache").
		Category(errors.CategoryFileIO).
		Context("operation", operation).
		Context("path", path).
		Build()
}
