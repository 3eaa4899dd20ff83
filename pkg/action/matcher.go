package action

import (
	"errors"
	"slices"

	"github.com/sgaunet/stepretry/pkg/retry"
)

type exitCodes []int

func (codes exitCodes) Match(err error) bool {
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	return slices.Contains(codes, exitErr.Code)
}

// ExitCodes matches the failures of commands exiting with one of codes.
// Without codes it matches any non-zero exit.
//
//nolint:ireturn // Matchers are strategies
func ExitCodes(codes ...int) retry.Matcher {
	if len(codes) == 0 {
		return retry.ErrorAs[*ExitError]()
	}
	return exitCodes(slices.Clone(codes))
}
