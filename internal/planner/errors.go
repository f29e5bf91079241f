package planner

import (
	"errors"
	"fmt"
)

// ErrMismatchedLists reports a regressor list that is neither empty nor the
// same length as the input list.
var ErrMismatchedLists = errors.New("number of regressor files must be either 0 or match number of input files")

// CheckPairing enforces len(aux) ∈ {0, len(work)}.
func CheckPairing(work, aux []string) error {
	if len(aux) != 0 && len(aux) != len(work) {
		return fmt.Errorf("%w (inputs=%d, regressors=%d)", ErrMismatchedLists, len(work), len(aux))
	}
	return nil
}
