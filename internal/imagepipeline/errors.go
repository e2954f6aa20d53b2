package imagepipeline

import "github.com/tphakala/feedimages/internal/errors"

var (
	// ErrInvalidRequest is reported for empty URLs and non-positive sizes.
	ErrInvalidRequest = errors.NewStd("invalid image request")

	// ErrUnexpectedStatus is reported for any HTTP status other than 200 or 304.
	ErrUnexpectedStatus = errors.NewStd("unexpected HTTP status")

	// ErrBodyTooLarge is reported when a response exceeds its size cap.
	ErrBodyTooLarge = errors.NewStd("response body exceeds size limit")

	// ErrEmptyBody is reported for a 200 response without content.
	ErrEmptyBody = errors.NewStd("empty response body")

	// ErrDispatcherStopped is returned when work cannot be handed to the dispatcher.
	ErrDispatcherStopped = errors.NewStd("dispatcher stopped")

	// ErrClosed is returned by operations on a closed service.
	ErrClosed = errors.NewStd("image pipeline closed")

	// ErrNoDiskCache is returned by disk operations when no disk cache is configured.
	ErrNoDiskCache = errors.NewStd("disk cache not configured")
)

func fetchError(err error, category errors.ErrorCategory, url string, context ...any) error {
	b := errors.New(err).
		Component("imagepipeline").
		Category(category).
		Context("url", url)
	for i := 0; i < len(context)-1; i += 2 {
		if key, ok := context[i].(string); ok {
			b = b.Context(key, context[i+1])
		}
	}
	return b.Build()
}

func validationError(reason string) error {
	return errors.New(ErrInvalidRequest).
		Component("imagepipeline").
		Category(errors.CategoryValidation).
		Context("reason", reason).
		Build()
}
