package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/edeng23/beyond-meet/backend/internal/graph"
	"github.com/edeng23/beyond-meet/backend/internal/state"
	"github.com/edeng23/beyond-meet/backend/pkg/config"
	"github.com/edeng23/beyond-meet/backend/pkg/logger"
)

// seed writes a small demo contact graph for one user so the frontend can be
// developed without a mailbox.
func main() {
	userID := flag.String("user-id", "demo-user", "User ID to seed")
	force := flag.Bool("force", false, "Overwrite an existing graph")
	reset := flag.Bool("reset", false, "Delete the user's graph and exit")
	flag.Parse()

	// Initialize logger
	if err := logger.Init("development", ""); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("Starting database seeding...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Initialize Neo4j driver
	driver, err := neo4j.NewDriverWithContext(
		cfg.Neo4jURI,
		neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""),
	)
	if err != nil {
		log.Fatal("Failed to create Neo4j driver", zap.Error(err))
	}
	defer driver.Close(context.Background())

	// Verify connection
	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		log.Fatal("Failed to verify Neo4j connectivity", zap.Error(err))
	}

	repo := graph.NewRepository(driver)
	if err := repo.EnsureSchema(ctx); err != nil {
		log.Warn("Failed to apply schema", zap.Error(err))
	}

	if *reset {
		if err := repo.Delete(ctx, *userID); err != nil {
			log.Fatal("Failed to delete graph", zap.Error(err))
		}
		log.Info("Graph deleted", zap.String("user_id", *userID))
		return
	}

	existing, err := repo.Load(ctx, *userID)
	if err != nil {
		log.Fatal("Failed to load graph", zap.Error(err))
	}
	if existing.Stats().Nodes > 0 && !*force {
		log.Info("Graph already exists, skipping (use -force to overwrite)",
			zap.String("user_id", *userID),
			zap.Int("nodes", existing.Stats().Nodes),
		)
		os.Exit(0)
	}

	g := state.NewGraph(*userID)
	demo := []struct {
		people  []string
		meeting state.Meeting
	}{
		{
			people:  []string{"alice@acme.io", "bob@acme.io", "carol@globex.com"},
			meeting: state.Meeting{Date: "2024-03-04T15:00:00Z", Title: "Quarterly planning", Location: "Acme HQ"},
		},
		{
			people:  []string{"alice@acme.io", "dave@initech.com"},
			meeting: state.Meeting{Date: "2024-03-11T09:30:00Z", Title: "Intro call", Location: "Google Meet"},
		},
		{
			people:  []string{"carol@globex.com", "erin@globex.com", "frank@umbrella.org"},
			meeting: state.Meeting{Date: "2024-04-02", Title: "Offsite", Location: "No Location"},
		},
	}
	for _, d := range demo {
		g.MergeParticipants(d.people, []state.Meeting{d.meeting})
	}
	_ = g.UpdateMetadata("alice@acme.io", state.MetadataPatch{
		state.FieldFirstName: "Alice",
		state.FieldLastName:  "Anders",
		state.FieldCompany:   "Acme",
		state.FieldNotes:     "Seeded contact",
	})

	if err := repo.Save(ctx, g); err != nil {
		log.Fatal("Failed to save graph", zap.Error(err))
	}

	stats := g.Stats()
	log.Info("Database seeding completed",
		zap.String("user_id", *userID),
		zap.Int("nodes", stats.Nodes),
		zap.Int("edges", stats.Edges),
		zap.Int("meetings", stats.Meetings),
	)
}
