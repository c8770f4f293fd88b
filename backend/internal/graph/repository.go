package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/edeng23/beyond-meet/backend/internal/state"
	"github.com/edeng23/beyond-meet/backend/pkg/logger"
)

// Repository stores each user's contact graph in Neo4j. Contacts are
// (:Contact {owner_id, email}) nodes joined by undirected [:MET_WITH]
// relationships; a (:ContactGraph {owner_id}) node records the last save.
type Repository struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewRepository creates a new graph repository
func NewRepository(driver neo4j.DriverWithContext) *Repository {
	return &Repository{
		driver: driver,
		logger: logger.Get(),
	}
}

// Close closes the Neo4j driver connection
func (r *Repository) Close() error {
	return r.driver.Close(context.Background())
}

// EnsureSchema creates the constraints and indexes the repository relies on.
// Safe to run on every start.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	statements := []string{
		`CREATE CONSTRAINT contact_graph_owner IF NOT EXISTS
		 FOR (g:ContactGraph) REQUIRE g.owner_id IS UNIQUE`,
		`CREATE INDEX contact_owner_email IF NOT EXISTS
		 FOR (c:Contact) ON (c.owner_id, c.email)`,
	}
	for _, stmt := range statements {
		result, err := session.Run(ctx, stmt, nil)
		if err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
		if _, err := result.Consume(ctx); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Load returns the user's graph, or an empty graph when none was saved
func (r *Repository) Load(ctx context.Context, userID string) (*state.Graph, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		rec := state.GraphRecord{Nodes: []state.ContactNode{}, Links: []state.Edge{}}

		result, err := tx.Run(ctx, `
			MATCH (c:Contact {owner_id: $userID})
			RETURN c.email AS email,
			       c.name AS name,
			       c.company AS company,
			       c.company_domain AS company_domain,
			       c.first_name AS first_name,
			       c.last_name AS last_name,
			       c.linkedin_url AS linkedin_url,
			       c.notes AS notes,
			       c.meeting_dates AS meeting_dates,
			       c.meeting_titles AS meeting_titles,
			       c.meeting_locations AS meeting_locations
		`, map[string]any{"userID": userID})
		if err != nil {
			return nil, fmt.Errorf("failed to query contacts: %w", err)
		}
		for result.Next(ctx) {
			rec.Nodes = append(rec.Nodes, contactFromRecord(result.Record()))
		}
		if err := result.Err(); err != nil {
			return nil, fmt.Errorf("failed to read contacts: %w", err)
		}

		result, err = tx.Run(ctx, `
			MATCH (a:Contact {owner_id: $userID})-[:MET_WITH]-(b:Contact {owner_id: $userID})
			WHERE a.email < b.email
			RETURN a.email AS source, b.email AS target
		`, map[string]any{"userID": userID})
		if err != nil {
			return nil, fmt.Errorf("failed to query links: %w", err)
		}
		for result.Next(ctx) {
			record := result.Record()
			rec.Links = append(rec.Links, state.Edge{
				Source: getString(record, "source", ""),
				Target: getString(record, "target", ""),
			})
		}
		if err := result.Err(); err != nil {
			return nil, fmt.Errorf("failed to read links: %w", err)
		}
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load graph: %w", err)
	}

	return state.FromRecord(userID, out.(state.GraphRecord)), nil
}

// Save replaces the user's stored graph with g in a single write
// transaction. Readers see either the old graph or the new one.
func (r *Repository) Save(ctx context.Context, g *state.Graph) error {
	rec := g.ToRecord()
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("refusing to save graph for %s: %w", g.UserID, err)
	}

	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	nodes := make([]map[string]any, 0, len(rec.Nodes))
	for _, node := range rec.Nodes {
		nodes = append(nodes, contactParams(node))
	}
	links := make([]map[string]any, 0, len(rec.Links))
	for _, link := range rec.Links {
		links = append(links, map[string]any{"source": link.Source, "target": link.Target})
	}
	params := map[string]any{
		"userID": g.UserID,
		"nodes":  nodes,
		"links":  links,
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		statements := []string{
			`MATCH (c:Contact {owner_id: $userID}) DETACH DELETE c`,
			`UNWIND $nodes AS n
			 CREATE (c:Contact {owner_id: $userID})
			 SET c += n`,
			`UNWIND $links AS l
			 MATCH (a:Contact {owner_id: $userID, email: l.source})
			 MATCH (b:Contact {owner_id: $userID, email: l.target})
			 CREATE (a)-[:MET_WITH]->(b)`,
			`MERGE (g:ContactGraph {owner_id: $userID})
			 SET g.updated_at = datetime(),
			     g.node_count = size($nodes),
			     g.link_count = size($links)`,
		}
		for _, stmt := range statements {
			result, err := tx.Run(ctx, stmt, params)
			if err != nil {
				return nil, err
			}
			if _, err := result.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("failed to save graph: %w", err)
	}

	r.logger.Debug("Graph saved",
		zap.String("user_id", g.UserID),
		zap.Int("nodes", len(nodes)),
		zap.Int("links", len(links)),
	)
	return nil
}

// Delete removes everything stored for the user
func (r *Repository) Delete(ctx context.Context, userID string) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (n {owner_id: $userID})
			WHERE n:Contact OR n:ContactGraph
			DETACH DELETE n
		`, map[string]any{"userID": userID})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to delete graph: %w", err)
	}
	return nil
}
