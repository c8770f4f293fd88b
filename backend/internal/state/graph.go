package state

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNodeNotFound is returned by UpdateMetadata when no contact has the address
var ErrNodeNotFound = errors.New("node not found")

// Editable metadata keys accepted by UpdateMetadata
const (
	FieldCompany       = "company"
	FieldCompanyDomain = "companyDomain"
	FieldFirstName     = "firstName"
	FieldLastName      = "lastName"
	FieldLinkedinURL   = "linkedinUrl"
	FieldNotes         = "notes"
)

// MetadataPatch is a partial update of a contact's editable fields
type MetadataPatch map[string]interface{}

// MergeStats counts what a merge actually added
type MergeStats struct {
	NewNodes    int
	NewEdges    int
	NewMeetings int
}

// Stats summarizes graph size
type Stats struct {
	Nodes    int
	Edges    int
	Meetings int
}

// Graph is one user's contact graph. It is not safe for concurrent use; a
// graph is owned by a single ingestion run or request at a time.
type Graph struct {
	UserID string

	nodes    map[string]*ContactNode
	meetings map[string]map[Meeting]struct{}
	edges    map[Edge]struct{}
}

// NewGraph creates an empty graph for a user
func NewGraph(userID string) *Graph {
	return &Graph{
		UserID:   userID,
		nodes:    make(map[string]*ContactNode),
		meetings: make(map[string]map[Meeting]struct{}),
		edges:    make(map[Edge]struct{}),
	}
}

// UpsertNode creates a contact for email if none exists. New contacts get
// name = local part and company = company domain = domain part.
// Existing contacts are left untouched.
func (g *Graph) UpsertNode(email string) (created bool) {
	email = NormalizeEmail(email)
	if email == "" {
		return false
	}
	if _, ok := g.nodes[email]; ok {
		return false
	}

	local, domain, _ := strings.Cut(email, "@")
	g.nodes[email] = &ContactNode{
		ID:            email,
		Email:         email,
		Name:          local,
		Company:       domain,
		CompanyDomain: domain,
		Meetings:      []Meeting{},
	}
	g.meetings[email] = make(map[Meeting]struct{})
	return true
}

// MergeMeetings appends the meetings not already attached to the contact and
// returns how many were added. Unknown contacts are ignored.
func (g *Graph) MergeMeetings(email string, meetings []Meeting) int {
	email = NormalizeEmail(email)
	node, ok := g.nodes[email]
	if !ok {
		return 0
	}

	seen := g.meetings[email]
	added := 0
	for _, m := range meetings {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		node.Meetings = append(node.Meetings, m)
		added++
	}
	return added
}

// AddEdge links two contacts. Self-links and repeats are no-ops. Both
// contacts must exist for the graph to be saved.
func (g *Graph) AddEdge(a, b string) (added bool) {
	edge, ok := NewEdge(a, b)
	if !ok {
		return false
	}
	if _, exists := g.edges[edge]; exists {
		return false
	}
	g.edges[edge] = struct{}{}
	return true
}

// MergeParticipants upserts every participant, attaches the meetings to each
// of them and links every pair of participants.
func (g *Graph) MergeParticipants(participants []string, meetings []Meeting) MergeStats {
	var stats MergeStats
	for _, p := range participants {
		if g.UpsertNode(p) {
			stats.NewNodes++
		}
		stats.NewMeetings += g.MergeMeetings(p, meetings)
	}
	for i := 0; i < len(participants); i++ {
		for j := i + 1; j < len(participants); j++ {
			if g.AddEdge(participants[i], participants[j]) {
				stats.NewEdges++
			}
		}
	}
	return stats
}

// UpdateMetadata overwrites the editable fields present in patch. Keys outside
// the allow-list are ignored. A nil value clears the field.
func (g *Graph) UpdateMetadata(email string, patch MetadataPatch) error {
	node, ok := g.nodes[NormalizeEmail(email)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, email)
	}

	targets := map[string]*string{
		FieldCompany:       &node.Company,
		FieldCompanyDomain: &node.CompanyDomain,
		FieldFirstName:     &node.FirstName,
		FieldLastName:      &node.LastName,
		FieldLinkedinURL:   &node.LinkedinURL,
		FieldNotes:         &node.Notes,
	}

	// Validate everything before writing so a bad patch changes nothing
	values := make(map[string]string, len(patch))
	for key, raw := range patch {
		if _, allowed := targets[key]; !allowed {
			continue
		}
		switch v := raw.(type) {
		case nil:
			values[key] = ""
		case string:
			values[key] = v
		default:
			return ErrInvalidField{Field: key, Value: raw}
		}
	}
	for key, v := range values {
		*targets[key] = v
	}
	return nil
}

// Node returns a copy of the contact for email
func (g *Graph) Node(email string) (ContactNode, bool) {
	node, ok := g.nodes[NormalizeEmail(email)]
	if !ok {
		return ContactNode{}, false
	}
	return copyNode(node), true
}

// Nodes returns copies of all contacts ordered by id
func (g *Graph) Nodes() []ContactNode {
	out := make([]ContactNode, 0, len(g.nodes))
	for _, node := range g.nodes {
		out = append(out, copyNode(node))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Edges returns all edges ordered by source then target
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for edge := range g.edges {
		out = append(out, edge)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Target < out[j].Target
	})
	return out
}

// Stats returns node, edge and meeting counts
func (g *Graph) Stats() Stats {
	s := Stats{Nodes: len(g.nodes), Edges: len(g.edges)}
	for _, node := range g.nodes {
		s.Meetings += len(node.Meetings)
	}
	return s
}

// ToRecord converts the graph to its persisted form
func (g *Graph) ToRecord() GraphRecord {
	return GraphRecord{
		Nodes: g.Nodes(),
		Links: g.Edges(),
	}
}

// FromRecord rebuilds a graph from its persisted form. Older records may lack
// metadata fields or store links in either direction; both are normalized.
// Links to contacts the record does not contain are dropped.
func FromRecord(userID string, rec GraphRecord) *Graph {
	g := NewGraph(userID)
	for _, stored := range rec.Nodes {
		id := stored.ID
		if id == "" {
			id = stored.Email
		}
		id = NormalizeEmail(id)
		if id == "" {
			continue
		}

		node := stored
		node.ID = id
		if node.Email == "" {
			node.Email = id
		}
		node.Meetings = []Meeting{}

		if existing, ok := g.nodes[id]; ok {
			// Duplicate ids in a stored record: keep the first, merge meetings
			g.MergeMeetings(existing.ID, stored.Meetings)
			continue
		}
		g.nodes[id] = &node
		g.meetings[id] = make(map[Meeting]struct{})
		g.MergeMeetings(id, stored.Meetings)
	}
	for _, link := range rec.Links {
		_, hasSource := g.nodes[NormalizeEmail(link.Source)]
		_, hasTarget := g.nodes[NormalizeEmail(link.Target)]
		if !hasSource || !hasTarget {
			continue
		}
		g.AddEdge(link.Source, link.Target)
	}
	return g
}

func copyNode(n *ContactNode) ContactNode {
	c := *n
	c.Meetings = append([]Meeting(nil), n.Meetings...)
	if c.Meetings == nil {
		c.Meetings = []Meeting{}
	}
	return c
}

type ErrInvalidField struct {
	Field string
	Value interface{}
}

func (e ErrInvalidField) Error() string {
	return fmt.Sprintf("invalid value for %s: expected string, got %T", e.Field, e.Value)
}
