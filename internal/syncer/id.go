package syncer

import (
	"fmt"

	"github.com/google/uuid"
)

// sessionIDs issues time-ordered UUIDv7 session identifiers, so log lines for
// successive sessions sort in the order the sessions started.
type sessionIDs struct{}

// NewUUIDProvider returns the IDProvider the engine uses when none is configured.
func NewUUIDProvider() IDProvider {
	return sessionIDs{}
}

func (sessionIDs) NewID() (string, error) {
	sessionID, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	return sessionID.String(), nil
}
