package catalog

import (
	"math"
	"path/filepath"
	"testing"

	"polarpipe/internal/photcal"
	"polarpipe/internal/photometry"
	"polarpipe/internal/polarimetry"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJobLifecycle(t *testing.T) {
	s := testStore(t)

	rec := JobRecord{
		ID:        "job-1",
		JobType:   "reduce",
		Status:    "queued",
		InputPath: "/data/lights",
	}
	if err := s.RecordJobQueued(rec); err != nil {
		t.Fatalf("RecordJobQueued: %v", err)
	}
	if err := s.RecordJobStart("job-1"); err != nil {
		t.Fatalf("RecordJobStart: %v", err)
	}
	if err := s.RecordJobResult("job-1", "completed", map[string]any{"frames": 4}, ""); err != nil {
		t.Fatalf("RecordJobResult: %v", err)
	}

	jobs, err := s.RecentJobs(10)
	if err != nil {
		t.Fatalf("RecentJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(jobs))
	}
	j := jobs[0]
	if j.ID != "job-1" || j.Status != "completed" {
		t.Fatalf("job = %+v", j)
	}
	if j.StartedAt == nil || j.CompletedAt == nil {
		t.Fatalf("timestamps not recorded: %+v", j)
	}
}

func TestRecordJobQueuedReplaces(t *testing.T) {
	s := testStore(t)
	if err := s.RecordJobQueued(JobRecord{ID: "j", JobType: "combine", Status: "queued"}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := s.RecordJobQueued(JobRecord{ID: "j", JobType: "combine", Status: "queued", InputPath: "/new"}); err != nil {
		t.Fatalf("replacing insert: %v", err)
	}
	jobs, err := s.RecentJobs(10)
	if err != nil {
		t.Fatalf("RecentJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].InputPath != "/new" {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestEntriesRoundTrip(t *testing.T) {
	s := testStore(t)

	entries := []photcal.Entry{
		{
			SourceID:   0,
			FrameID:    "sci",
			X:          12.5,
			Y:          40.25,
			RA:         math.NaN(),
			Dec:        math.NaN(),
			Mag:        14.23,
			MagErr:     0.02,
			Calibrated: true,
			Flags:      photometry.FlagLowSNR,
			Stokes: &polarimetry.StokesResult{
				Q: 0.04, QErr: 0.001,
				U: 0.02, UErr: 0.001,
				Degree: 0.0447, DegreeErr: 0.001,
				Angle: 13.28, AngleErr: 0.7,
			},
			Provenance: []string{"sci", "master-bias"},
		},
		{
			SourceID:   1,
			FrameID:    "sci",
			X:          30,
			Y:          31,
			RA:         math.NaN(),
			Dec:        math.NaN(),
			Mag:        math.NaN(),
			Calibrated: false,
			Flags:      photometry.FlagUncalibrated,
			Provenance: []string{"sci"},
		},
	}
	if err := s.InsertEntries("cal-1", entries); err != nil {
		t.Fatalf("InsertEntries: %v", err)
	}

	got, err := s.Entries("cal-1")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}

	e0 := got[0]
	if e0.SourceID != 0 || e0.FrameID != "sci" || !e0.Calibrated {
		t.Fatalf("entry 0 = %+v", e0)
	}
	if math.Abs(e0.Mag-14.23) > 1e-9 {
		t.Fatalf("mag = %v", e0.Mag)
	}
	if !e0.Flags.Has(photometry.FlagLowSNR) {
		t.Fatalf("flags lost: %b", e0.Flags)
	}
	if e0.Stokes == nil || math.Abs(e0.Stokes.Q-0.04) > 1e-9 || math.Abs(e0.Stokes.Angle-13.28) > 1e-9 {
		t.Fatalf("stokes = %+v", e0.Stokes)
	}
	if len(e0.Provenance) != 2 || e0.Provenance[1] != "master-bias" {
		t.Fatalf("provenance = %v", e0.Provenance)
	}

	e1 := got[1]
	if e1.Calibrated || !math.IsNaN(e1.Mag) {
		t.Fatalf("uncalibrated entry = %+v", e1)
	}
	if e1.Stokes != nil {
		t.Fatalf("entry without polarimetry gained a stokes result")
	}

	// Entries are scoped per job.
	other, err := s.Entries("cal-2")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("foreign job returned %d entries", len(other))
	}
}
