package httpclient

import (
	"fmt"
	"io"

	"vigil/internal/errors"
)

// ResponseTooLargeError reports that a body exceeded the configured cap.
type ResponseTooLargeError struct {
	Limit int64
}

func (e ResponseTooLargeError) Error() string {
	return fmt.Sprintf("response body exceeded limit of %d bytes", e.Limit)
}

// IsResponseTooLarge reports whether err is a body-cap violation.
func IsResponseTooLarge(err error) bool {
	var limitErr ResponseTooLargeError
	return errors.As(err, &limitErr)
}

// ReadAllWithLimit reads r up to limit bytes. Oversized bodies yield a
// validation error so callers reject the document instead of retrying.
// limit <= 0 reads without bound.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	lr := &io.LimitedReader{R: r, N: limit + 1}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errors.Wrap(errors.KindValidation, ResponseTooLargeError{Limit: limit}, "read body")
	}
	return data, nil
}
