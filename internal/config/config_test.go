package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Processing.ParallelJobs != 4 {
		t.Fatalf("ParallelJobs = %d, want 4", cfg.Processing.ParallelJobs)
	}
	if cfg.Reduction.RejectSigma != 3.0 || cfg.Reduction.BinFactor != 1 {
		t.Fatalf("reduction defaults: %+v", cfg.Reduction)
	}
	if len(cfg.Photometry.Apertures) == 0 {
		t.Fatalf("no default apertures")
	}
	if cfg.Photometry.AnnulusOuter <= cfg.Photometry.AnnulusInner {
		t.Fatalf("annulus defaults inverted: %v <= %v", cfg.Photometry.AnnulusOuter, cfg.Photometry.AnnulusInner)
	}
	if cfg.Polarimetry.Retarder != "halfwave" {
		t.Fatalf("retarder default = %q", cfg.Polarimetry.Retarder)
	}
	if cfg.Server.Addr == "" {
		t.Fatalf("no default server address")
	}
}

func TestLoadFromEnvPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"processing": {"parallel_jobs": 9},
		"polarimetry": {"beam_dx": 42.5, "retarder": "quarterwave"}
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("POLARPIPE_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Processing.ParallelJobs != 9 {
		t.Fatalf("ParallelJobs = %d, want 9 from file", cfg.Processing.ParallelJobs)
	}
	if cfg.Polarimetry.BeamDX != 42.5 || cfg.Polarimetry.Retarder != "quarterwave" {
		t.Fatalf("polarimetry override lost: %+v", cfg.Polarimetry)
	}
	// Untouched sections keep their defaults.
	if cfg.Reduction.RejectSigma != 3.0 {
		t.Fatalf("RejectSigma = %v, want default 3.0", cfg.Reduction.RejectSigma)
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	t.Setenv("POLARPIPE_CONFIG", filepath.Join(t.TempDir(), "absent.json"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Processing.ParallelJobs != 4 {
		t.Fatalf("missing file should yield defaults, got %+v", cfg.Processing)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("POLARPIPE_CONFIG", path)
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for malformed config")
	}
}
