package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/leafpulse/tracker/internal/model"
)

const (
	retailerBaseSelectSQL = `
SELECT r.id::text, r.name, r.slug, r.license_number, r.street, r.city, r.state, r.zip,
       r.lat, r.lng, r.region, r.is_active
FROM retailers r
`

	retailerByIDSQL = retailerBaseSelectSQL + `WHERE r.id = @id;`

	activeRetailersSQL = retailerBaseSelectSQL + `WHERE r.is_active = TRUE ORDER BY r.name;`

	staleActiveRetailersSQL = retailerBaseSelectSQL + `
WHERE r.is_active = TRUE
  AND NOT EXISTS (
      SELECT 1 FROM menu_sources ms
      WHERE ms.retailer_id = r.id AND ms.last_scraped_at >= @stale_before
  )
ORDER BY r.name;
`

	menuSourcesByRetailerSQL = `
SELECT url, platform, last_scraped_at FROM menu_sources
WHERE retailer_id = @retailer_id ORDER BY sort_order;
`
)

// GetRetailer loads a single retailer with its menu sources.
func (s *Store) GetRetailer(ctx context.Context, retailerID string) (model.Retailer, error) {
	row := s.conn().QueryRow(ctx, retailerByIDSQL, pgx.NamedArgs{"id": retailerID})
	retailer, err := scanRetailer(row)
	if err != nil {
		return model.Retailer{}, fmt.Errorf("store: get retailer: %w", err)
	}
	sources, err := s.menuSources(ctx, retailer.ID)
	if err != nil {
		return model.Retailer{}, err
	}
	retailer.MenuSources = sources
	return retailer, nil
}

// ListActiveRetailers returns every enabled retailer, for the orchestrator's
// per-tick scan (spec §4.10).
func (s *Store) ListActiveRetailers(ctx context.Context) ([]model.Retailer, error) {
	return s.queryRetailers(ctx, activeRetailersSQL, pgx.NamedArgs{})
}

// ListStaleActiveRetailers returns active retailers whose most recent scrape
// predates staleBefore, for the health monitor's stale-scraper condition
// (spec §4.9).
func (s *Store) ListStaleActiveRetailers(ctx context.Context, staleBefore time.Time) ([]model.Retailer, error) {
	return s.queryRetailers(ctx, staleActiveRetailersSQL, pgx.NamedArgs{"stale_before": staleBefore})
}

func (s *Store) queryRetailers(ctx context.Context, query string, args pgx.NamedArgs) ([]model.Retailer, error) {
	rows, err := s.conn().Query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("store: query retailers: %w", err)
	}
	defer rows.Close()

	var out []model.Retailer
	for rows.Next() {
		retailer, err := scanRetailer(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan retailer: %w", err)
		}
		out = append(out, retailer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate retailers: %w", err)
	}
	for i := range out {
		sources, err := s.menuSources(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].MenuSources = sources
	}
	return out, nil
}

func (s *Store) menuSources(ctx context.Context, retailerID string) ([]model.MenuSource, error) {
	rows, err := s.conn().Query(ctx, menuSourcesByRetailerSQL, pgx.NamedArgs{"retailer_id": retailerID})
	if err != nil {
		return nil, fmt.Errorf("store: query menu sources: %w", err)
	}
	defer rows.Close()

	var out []model.MenuSource
	for rows.Next() {
		var src model.MenuSource
		if err := rows.Scan(&src.URL, &src.Platform, &src.LastScrapedAt); err != nil {
			return nil, fmt.Errorf("store: scan menu source: %w", err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func scanRetailer(row pgx.Row) (model.Retailer, error) {
	var r model.Retailer
	err := row.Scan(
		&r.ID, &r.Name, &r.Slug, &r.LicenseNumber, &r.Address.Street, &r.Address.City,
		&r.Address.State, &r.Address.Zip, &r.Address.Lat, &r.Address.Lng, &r.Region, &r.IsActive,
	)
	return r, err
}
