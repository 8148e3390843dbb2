package history

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"bench-history/internal/model"
)

// Store is the append-only history of a single suite
type Store interface {
	// Append validates run, assigns the next sequence id and persists it.
	// Either the whole run is stored or nothing is.
	Append(ctx context.Context, run model.RunRecord) (model.SequenceID, error)

	// Window returns up to maxCount most recent points for name with a
	// sequence id strictly below before, oldest first.
	Window(ctx context.Context, name string, before model.SequenceID, maxCount int) ([]model.Point, error)

	// Latest returns the maxCount most recent runs, newest first.
	Latest(ctx context.Context, maxCount int) ([]model.StoredRun, error)

	// All returns the full history, oldest first.
	All(ctx context.Context) ([]model.StoredRun, error)

	// Head returns the last assigned sequence id, or 0 when empty.
	Head(ctx context.Context) (model.SequenceID, error)
}

// Repository opens suite stores on a shared backend
type Repository interface {
	Suite(key string) (Store, error)
	Suites(ctx context.Context) ([]string, error)
	Close() error
}

var (
	ErrToolMismatch  = fmt.Errorf("%w: tool does not match suite", model.ErrValidation)
	ErrUnitMismatch  = fmt.Errorf("%w: unit changed", model.ErrValidation)
	ErrSuiteNotFound = errors.New("suite not found")
	ErrInvalidSuite  = errors.New("invalid suite key")
	ErrClosed        = errors.New("repository closed")
)

var suiteKeyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 ._@:+-]{0,127}$`)

// ValidateSuiteKey rejects keys that cannot be used as a storage prefix
func ValidateSuiteKey(key string) error {
	if !suiteKeyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidSuite, key)
	}
	return nil
}

// suiteState is what every backend tracks to check a run against history
// before it is assigned a sequence id.
type suiteState struct {
	tool  string
	units map[string]string
}

// checkRun runs data-model validation plus the history-dependent checks.
func checkRun(state *suiteState, run *model.RunRecord) error {
	if err := model.Validate(run); err != nil {
		return err
	}

	if state.tool != "" && state.tool != run.Tool {
		return fmt.Errorf("%w: suite records %q, run has %q", ErrToolMismatch, state.tool, run.Tool)
	}

	for _, m := range run.Metrics {
		prev, ok := state.units[m.Name]
		if ok && prev != m.Unit {
			return fmt.Errorf("%w: metric %q recorded in %q, run has %q", ErrUnitMismatch, m.Name, prev, m.Unit)
		}
	}

	return nil
}

func reversePoints(points []model.Point) {
	for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
		points[i], points[j] = points[j], points[i]
	}
}

func isValidation(err error) bool {
	return errors.Is(err, model.ErrValidation)
}
