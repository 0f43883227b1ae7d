package db

import (
	"context"
	"database/sql"
	"time"

	"crowdwatch/internal/models"
)

type Repository struct {
	db     *sql.DB
	driver string
}

func NewRepository(db *sql.DB, driver string) *Repository {
	return &Repository{db: db, driver: driver}
}

func (r *Repository) DB() *sql.DB { return r.db }

func (r *Repository) q(query string) string { return rebind(r.driver, query) }

func (r *Repository) UpsertBuilding(ctx context.Context, b models.Building) error {
	_, err := r.db.ExecContext(ctx, r.q(`INSERT INTO buildings (building_id,building_name) VALUES (?,?)
		ON CONFLICT(building_id) DO UPDATE SET building_name=excluded.building_name`), b.ID, b.Name)
	return err
}

func (r *Repository) ListBuildings(ctx context.Context) ([]models.Building, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT building_id,building_name FROM buildings ORDER BY building_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Building
	for rows.Next() {
		var b models.Building
		if err := rows.Scan(&b.ID, &b.Name); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// BuildingIDs returns the set of known building ids.
func (r *Repository) BuildingIDs(ctx context.Context) (map[int64]struct{}, error) {
	list, err := r.ListBuildings(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]struct{}, len(list))
	for _, b := range list {
		out[b.ID] = struct{}{}
	}
	return out, nil
}

// InsertCounts writes samples in one transaction.
func (r *Repository) InsertCounts(ctx context.Context, samples []models.CountSample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, r.q(`INSERT INTO crowd_counts (building_id,current_count,ts) VALUES (?,?,?)`))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, s := range samples {
		if _, err := stmt.ExecContext(ctx, s.BuildingID, s.Count, s.TS.UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LatestCounts returns the newest sample of every building that has one,
// ordered by building id.
func (r *Repository) LatestCounts(ctx context.Context) ([]models.CountSample, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT b.building_id,b.building_name,c.current_count,c.ts
		FROM buildings b
		JOIN crowd_counts c ON c.building_id=b.building_id
		WHERE c.id = (SELECT id FROM crowd_counts c2 WHERE c2.building_id=b.building_id ORDER BY c2.ts DESC, c2.id DESC LIMIT 1)
		ORDER BY b.building_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.CountSample
	for rows.Next() {
		var s models.CountSample
		if err := rows.Scan(&s.BuildingID, &s.BuildingName, &s.Count, &s.TS); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// History returns a building's samples in [from, to], oldest first.
func (r *Repository) History(ctx context.Context, buildingID int64, from, to time.Time) ([]models.CountSample, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`SELECT c.building_id,b.building_name,c.current_count,c.ts
		FROM crowd_counts c JOIN buildings b ON b.building_id=c.building_id
		WHERE c.building_id = ? AND c.ts >= ? AND c.ts <= ?
		ORDER BY c.ts ASC, c.id ASC`), buildingID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.CountSample, 0, 64)
	for rows.Next() {
		var s models.CountSample
		if err := rows.Scan(&s.BuildingID, &s.BuildingName, &s.Count, &s.TS); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteOlderThan prunes count rows and returns how many were removed.
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.q(`DELETE FROM crowd_counts WHERE ts < ?`), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if r.driver == DriverSQLite {
		_, _ = r.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
		_, _ = r.db.ExecContext(ctx, `PRAGMA optimize`)
	}
	return n, nil
}
