package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// Explicitly check for Docker availability and fail hard if missing
	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("facegate_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close(ctx)

	// --- Reference lifecycle ---

	ref, err := s.LoadReference(ctx)
	if err != nil || ref != nil {
		t.Fatalf("Expected no reference on a fresh schema, got %+v (%v)", ref, err)
	}

	enrolled := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	want := &types.ReferenceIdentity{
		Embedding:  []float64{0.1, -0.2, 0.3},
		Source:     types.SourceCaptured,
		SetAt:      4,
		EnrolledAt: enrolled,
		Image:      []byte{0xFF, 0xD8, 0xFF, 0xD9},
	}
	if err := s.SaveReference(ctx, want); err != nil {
		t.Fatalf("SaveReference failed: %v", err)
	}

	// Upsert: a second save replaces the single row.
	want.Source = types.SourceUploaded
	want.SetAt = 5
	if err := s.SaveReference(ctx, want); err != nil {
		t.Fatalf("SaveReference (replace) failed: %v", err)
	}

	got, err := s.LoadReference(ctx)
	if err != nil || got == nil {
		t.Fatalf("LoadReference failed: %v", err)
	}
	if got.Source != types.SourceUploaded || got.SetAt != 5 || len(got.Embedding) != 3 || got.Embedding[1] != -0.2 {
		t.Errorf("Unexpected reference %+v", got)
	}
	if !got.EnrolledAt.Equal(enrolled) {
		t.Errorf("Expected enrolled_at %v, got %v", enrolled, got.EnrolledAt)
	}

	if err := s.ClearReference(ctx); err != nil {
		t.Fatalf("ClearReference failed: %v", err)
	}
	if got, _ := s.LoadReference(ctx); got != nil {
		t.Errorf("Expected reference to be cleared, got %+v", got)
	}

	// --- Sessions & intervals ---

	sessionID := uuid.NewString()
	if err := s.CreateSession(ctx, Session{
		ID: sessionID, Source: "/dev/video0", Verifier: "distance", Threshold: 0.6, Cadence: 5,
	}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	dist := 0.31
	intervals := []types.DecisionInterval{
		{Label: types.NoPersonDetected, StartSeq: 0, EndSeq: 9, Start: enrolled, End: enrolled.Add(time.Second), Frames: 10},
		{Label: types.SamePerson, StartSeq: 10, EndSeq: 40, Start: enrolled.Add(time.Second), End: enrolled.Add(4 * time.Second), Frames: 31, MinDistance: &dist},
	}
	// Insert out of order; listing sorts by frame.
	for i := len(intervals) - 1; i >= 0; i-- {
		if err := s.InsertInterval(ctx, sessionID, intervals[i]); err != nil {
			t.Fatalf("InsertInterval failed: %v", err)
		}
	}

	listed, err := s.ListIntervals(ctx, sessionID)
	if err != nil {
		t.Fatalf("ListIntervals failed: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("Expected 2 intervals, got %d", len(listed))
	}
	if listed[0].Label != types.NoPersonDetected || listed[0].MinDistance != nil {
		t.Errorf("Unexpected first interval %+v", listed[0])
	}
	if listed[1].Label != types.SamePerson || listed[1].MinDistance == nil || *listed[1].MinDistance != dist {
		t.Errorf("Unexpected second interval %+v", listed[1])
	}

	if err := s.EndSession(ctx, sessionID, enrolled.Add(5*time.Second)); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	sessions, err := s.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != sessionID || sessions[0].Intervals != 2 || sessions[0].EndedAt == nil {
		t.Errorf("Unexpected sessions %+v", sessions)
	}

	// --- Reset ---
	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.ListSessions(ctx, 10); err == nil {
		t.Error("Expected query against dropped tables to fail")
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
