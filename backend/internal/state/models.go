package state

import (
	"fmt"
	"strings"
)

// Meeting is a single calendar event attached to a contact. Two meetings are
// the same meeting when date, title and location all match.
type Meeting struct {
	Date     string `json:"date"`     // ISO-8601 start
	Title    string `json:"title"`    // SUMMARY, "No Title" when absent
	Location string `json:"location"` // LOCATION, "No Location" when absent
}

// ContactNode is one participant, keyed by normalized email address
type ContactNode struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	Company       string    `json:"company"`
	CompanyDomain string    `json:"companyDomain"`
	FirstName     string    `json:"firstName"`
	LastName      string    `json:"lastName"`
	LinkedinURL   string    `json:"linkedinUrl"`
	Notes         string    `json:"notes"`
	Meetings      []Meeting `json:"meetings"`
}

// Edge is an undirected co-attendance link. Source always sorts before Target.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// NewEdge returns the canonical edge for a pair of addresses.
// ok is false for self-pairs.
func NewEdge(a, b string) (edge Edge, ok bool) {
	a, b = NormalizeEmail(a), NormalizeEmail(b)
	if a == b || a == "" || b == "" {
		return Edge{}, false
	}
	if b < a {
		a, b = b, a
	}
	return Edge{Source: a, Target: b}, true
}

// GraphRecord is the persisted and wire form of a Graph
type GraphRecord struct {
	Nodes []ContactNode `json:"nodes"`
	Links []Edge        `json:"links"`
}

// Validate checks that the record can be stored
func (r *GraphRecord) Validate() error {
	seen := make(map[string]struct{}, len(r.Nodes))
	for i, node := range r.Nodes {
		if node.ID == "" {
			return ErrInvalidRecord{Index: i, Reason: "node id cannot be empty"}
		}
		if _, dup := seen[node.ID]; dup {
			return ErrInvalidRecord{Index: i, Reason: fmt.Sprintf("duplicate node id %s", node.ID)}
		}
		seen[node.ID] = struct{}{}
	}
	for i, link := range r.Links {
		if link.Source == "" || link.Target == "" || link.Source == link.Target {
			return ErrInvalidRecord{Index: i, Reason: "link endpoints must be two distinct ids"}
		}
		for _, end := range []string{link.Source, link.Target} {
			if _, ok := seen[end]; !ok {
				return ErrInvalidRecord{Index: i, Reason: fmt.Sprintf("link references unknown node %s", end)}
			}
		}
	}
	return nil
}

// NormalizeEmail lowercases and trims an address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Errors

type ErrInvalidRecord struct {
	Index  int
	Reason string
}

func (e ErrInvalidRecord) Error() string {
	return fmt.Sprintf("invalid graph record at index %d: %s", e.Index, e.Reason)
}
