package examination

import (
	"testing"
	"time"

	"github.com/pedicare/pedicare/internal/platform/auth"
)

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusBooked, StatusWaiting, StatusInProgress,
		StatusPendingPayment, StatusCompleted, StatusCancelled} {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	for _, s := range []Status{"", "DONE", "booked"} {
		if s.Valid() {
			t.Errorf("%q should be invalid", s)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusBooked: false, StatusWaiting: false, StatusInProgress: false,
		StatusPendingPayment: false, StatusCompleted: true, StatusCancelled: true,
	}
	for s, want := range terminal {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}

func TestNewStamp(t *testing.T) {
	at := time.Date(2026, 3, 2, 17, 30, 0, 0, time.UTC)
	actor := auth.Actor{UserID: "u-1", Name: "Dr. Minh", Phone: "555-0100"}

	stamp := NewStamp(actor, at)
	if stamp.UserID != "u-1" || stamp.Name != "Dr. Minh" || stamp.Phone != "555-0100" {
		t.Errorf("stamp did not snapshot the actor: %+v", stamp)
	}
	if !stamp.At.Equal(at) {
		t.Errorf("stamp.At = %v, want %v", stamp.At, at)
	}
}
