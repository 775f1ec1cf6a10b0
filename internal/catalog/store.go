// Package catalog persists reduction jobs and the calibrated output catalog.
package catalog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"polarpipe/internal/photcal"
	"polarpipe/internal/photometry"
	"polarpipe/internal/polarimetry"
)

// Store wraps SQLite-backed persistence for jobs and catalog rows.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS reduction_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS catalog_entries (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT,
            source_id INTEGER,
            frame_id TEXT,
            x REAL, y REAL,
            ra REAL, dec REAL,
            mag REAL, mag_err REAL,
            calibrated BOOLEAN,
            flags INTEGER,
            q REAL, q_err REAL,
            u REAL, u_err REAL,
            v REAL, v_err REAL,
            pol_degree REAL, pol_degree_err REAL,
            pol_angle REAL, pol_angle_err REAL,
            provenance TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_catalog_entries_job ON catalog_entries(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_catalog_entries_frame ON catalog_entries(frame_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO reduction_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// DeleteJob removes a job row, used when a submission is rejected after
// being recorded.
func (s *Store) DeleteJob(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`DELETE FROM reduction_jobs WHERE id=?;`, id)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE reduction_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE reduction_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM reduction_jobs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// InsertEntries stores the calibrated catalog rows produced by one job,
// one row per source per frame epoch.
func (s *Store) InsertEntries(jobID string, entries []photcal.Entry) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO catalog_entries
        (job_id, source_id, frame_id, x, y, ra, dec, mag, mag_err, calibrated, flags,
         q, q_err, u, u_err, v, v_err, pol_degree, pol_degree_err, pol_angle, pol_angle_err, provenance)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		var q, qe, u, ue, v, ve, pd, pde, pa, pae sql.NullFloat64
		if e.Stokes != nil {
			q = nf(e.Stokes.Q)
			qe = nf(e.Stokes.QErr)
			u = nf(e.Stokes.U)
			ue = nf(e.Stokes.UErr)
			v = nf(e.Stokes.V)
			ve = nf(e.Stokes.VErr)
			pd = nf(e.Stokes.Degree)
			pde = nf(e.Stokes.DegreeErr)
			pa = nf(e.Stokes.Angle)
			pae = nf(e.Stokes.AngleErr)
		}
		if _, err := stmt.Exec(
			jobID, e.SourceID, e.FrameID, e.X, e.Y,
			nf(e.RA), nf(e.Dec), nf(e.Mag), nf(e.MagErr),
			e.Calibrated, int(e.Flags),
			q, qe, u, ue, v, ve, pd, pde, pa, pae,
			strings.Join(e.Provenance, ","),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert catalog entry source %d: %w", e.SourceID, err)
		}
	}
	return tx.Commit()
}

// nf converts a float into a NULL-able column value, mapping NaN to NULL.
func nf(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

// Entries fetches the catalog rows of one job.
func (s *Store) Entries(jobID string) ([]photcal.Entry, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT source_id, frame_id, x, y, ra, dec, mag, mag_err, calibrated, flags,
        q, q_err, u, u_err, v, v_err, pol_degree, pol_degree_err, pol_angle, pol_angle_err, provenance
        FROM catalog_entries WHERE job_id=? ORDER BY source_id;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []photcal.Entry
	for rows.Next() {
		var e photcal.Entry
		var ra, dec, mag, magErr sql.NullFloat64
		var q, qe, u, ue, v, ve, pd, pde, pa, pae sql.NullFloat64
		var flags int
		var prov string
		if err := rows.Scan(&e.SourceID, &e.FrameID, &e.X, &e.Y, &ra, &dec, &mag, &magErr,
			&e.Calibrated, &flags, &q, &qe, &u, &ue, &v, &ve, &pd, &pde, &pa, &pae, &prov); err != nil {
			return nil, err
		}
		e.RA = fv(ra)
		e.Dec = fv(dec)
		e.Mag = fv(mag)
		e.MagErr = fv(magErr)
		e.Flags = photometry.Flag(flags)
		if prov != "" {
			e.Provenance = strings.Split(prov, ",")
		}
		if q.Valid {
			e.Stokes = &polarimetry.StokesResult{
				Q: q.Float64, QErr: qe.Float64,
				U: u.Float64, UErr: ue.Float64,
				V: v.Float64, VErr: ve.Float64,
				Degree: pd.Float64, DegreeErr: pde.Float64,
				Angle: pa.Float64, AngleErr: pae.Float64,
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func fv(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
