package presence

import "github.com/matheus3301/dmhub/internal/chaterr"

// Status is a user's presence as seen by other users.
type Status string

const (
	Online  Status = "online"
	Away    Status = "away"
	Offline Status = "offline"
)

// ParseStatus validates an explicit status request.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case Online, Away, Offline:
		return st, nil
	default:
		return "", chaterr.Invalid("status", "must be one of online, away, offline")
	}
}

// StatusChange is the bus payload for presence transitions.
type StatusChange struct {
	UserID string
	From   Status
	To     Status
}
