package graph

import (
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/edeng23/beyond-meet/backend/internal/state"
)

// Meetings are stored as three parallel string lists on the contact, since
// Neo4j properties cannot hold maps.
func contactParams(node state.ContactNode) map[string]any {
	dates := make([]string, 0, len(node.Meetings))
	titles := make([]string, 0, len(node.Meetings))
	locations := make([]string, 0, len(node.Meetings))
	for _, m := range node.Meetings {
		dates = append(dates, m.Date)
		titles = append(titles, m.Title)
		locations = append(locations, m.Location)
	}

	return map[string]any{
		"email":             node.ID,
		"name":              node.Name,
		"company":           node.Company,
		"company_domain":    node.CompanyDomain,
		"first_name":        node.FirstName,
		"last_name":         node.LastName,
		"linkedin_url":      node.LinkedinURL,
		"notes":             node.Notes,
		"meeting_dates":     dates,
		"meeting_titles":    titles,
		"meeting_locations": locations,
	}
}

func contactFromRecord(record *neo4j.Record) state.ContactNode {
	email := getString(record, "email", "")
	node := state.ContactNode{
		ID:            email,
		Email:         email,
		Name:          getString(record, "name", ""),
		Company:       getString(record, "company", ""),
		CompanyDomain: getString(record, "company_domain", ""),
		FirstName:     getString(record, "first_name", ""),
		LastName:      getString(record, "last_name", ""),
		LinkedinURL:   getString(record, "linkedin_url", ""),
		Notes:         getString(record, "notes", ""),
		Meetings:      []state.Meeting{},
	}

	dates := getStringSlice(record, "meeting_dates")
	titles := getStringSlice(record, "meeting_titles")
	locations := getStringSlice(record, "meeting_locations")
	for i, date := range dates {
		node.Meetings = append(node.Meetings, state.Meeting{
			Date:     date,
			Title:    at(titles, i),
			Location: at(locations, i),
		})
	}
	return node
}

func at(values []string, i int) string {
	if i < len(values) {
		return values[i]
	}
	return ""
}

func getString(record *neo4j.Record, key string, defaultValue string) string {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return defaultValue
	}
	if str, ok := val.(string); ok {
		return str
	}
	return defaultValue
}

func getStringSlice(record *neo4j.Record, key string) []string {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return []string{}
	}
	switch slice := val.(type) {
	case []string:
		return slice
	case []interface{}:
		result := make([]string, 0, len(slice))
		for _, v := range slice {
			if str, ok := v.(string); ok {
				result = append(result, str)
			}
		}
		return result
	}
	return []string{}
}
