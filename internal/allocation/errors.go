package allocation

import (
	"errors"
	"fmt"
	"strings"
)

// UnknownCategoryError reports a commitment for a category the request does not have.
type UnknownCategoryError struct {
	Category string
}

func (e UnknownCategoryError) Error() string {
	return fmt.Sprintf("unknown category %q", e.Category)
}

// InvalidQuantityError reports a non-positive commitment quantity.
type InvalidQuantityError struct {
	Category string
	Quantity int
}

func (e InvalidQuantityError) Error() string {
	return fmt.Sprintf("invalid quantity %d for category %q: must be positive", e.Quantity, e.Category)
}

// OverCommitmentError reports a commitment larger than the capacity still open.
// It is the only transient validation failure: capacity may have changed since
// the caller last fetched availability.
type OverCommitmentError struct {
	Category  string
	Requested int
	Remaining int
}

func (e OverCommitmentError) Error() string {
	return fmt.Sprintf("cannot provide %d %s volunteers, only %d remaining", e.Requested, e.Category, e.Remaining)
}

// EmptyCommitmentError reports an acceptance without any category commitment.
type EmptyCommitmentError struct{}

func (EmptyCommitmentError) Error() string {
	return "accepting requires at least one category commitment"
}

// ValidationErrors collects every failure found in one commitment set.
type ValidationErrors []error

func (v ValidationErrors) Error() string {
	msgs := make([]string, 0, len(v))
	for _, err := range v {
		msgs = append(msgs, err.Error())
	}
	return "commitment rejected: " + strings.Join(msgs, "; ")
}

func (v ValidationErrors) Unwrap() []error {
	return v
}

// Retryable reports whether err consists only of over-commitment failures,
// which may succeed after re-fetching availability.
func Retryable(err error) bool {
	var verrs ValidationErrors
	if errors.As(err, &verrs) {
		if len(verrs) == 0 {
			return false
		}
		for _, e := range verrs {
			var oc OverCommitmentError
			if !errors.As(e, &oc) {
				return false
			}
		}
		return true
	}
	var oc OverCommitmentError
	return errors.As(err, &oc)
}
