package examination

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNoRowUpdated is returned by repositories when a conditional write
// matched no row. The service classifies it into a StateError.
var ErrNoRowUpdated = errors.New("no row updated")

// ValidationError rejects a malformed payload before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// StateError rejects a transition that is not legal from the record's
// current status. A missing record is reported as the NotFound variant.
type StateError struct {
	ID       uuid.UUID
	Current  Status
	Expected []Status
	NotFound bool
}

func (e *StateError) Error() string {
	if e.NotFound {
		return fmt.Sprintf("examination %s not found", e.ID)
	}
	expected := make([]string, len(e.Expected))
	for i, s := range e.Expected {
		expected[i] = string(s)
	}
	return fmt.Sprintf("examination %s is %s, expected %s",
		e.ID, e.Current, strings.Join(expected, " or "))
}

// ConflictError rejects a booking whose slot window collides with an
// existing non-cancelled examination.
type ConflictError struct {
	Date   time.Time
	Window time.Duration
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("slot conflict: an examination already exists within %s of %s",
		e.Window, e.Date.Format(time.RFC3339))
}

// ClaimError rejects a claim operation whose lease token does not match the
// token currently held on the record.
type ClaimError struct {
	ID uuid.UUID
}

func (e *ClaimError) Error() string {
	return fmt.Sprintf("examination %s is claimed by someone else", e.ID)
}

// IsNotFound reports whether err is a StateError for a missing record.
func IsNotFound(err error) bool {
	var se *StateError
	return errors.As(err, &se) && se.NotFound
}
