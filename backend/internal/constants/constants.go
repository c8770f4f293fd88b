package constants

import "fmt"

// Ingestion constants
const (
	// InviteQueryTemplate selects messages carrying an .ics attachment
	// received within the last N days
	InviteQueryTemplate = "has:attachment filename:ics newer_than:%dd"

	// UnitsPerMessage is how many progress units one message advances.
	// The run's denominator is UnitsPerMessage times the message count.
	UnitsPerMessage = 2

	// ProgressLogInterval is how many messages pass between progress log lines
	ProgressLogInterval = 10
)

// Progress percentages bracketing a run
const (
	ProgressStart = 0
	ProgressDone  = 100
)

// Google OAuth scopes requested at sign-in
var OAuthScopes = []string{
	"openid",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
	"https://www.googleapis.com/auth/gmail.readonly",
}

// InviteQuery renders the mailbox search for the given look-back window
func InviteQuery(days int) string {
	return fmt.Sprintf(InviteQueryTemplate, days)
}
