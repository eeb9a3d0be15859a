package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/leafpulse/tracker/internal/model"
)

const (
	brandUpsertSQL = `
INSERT INTO brands (name, normalized_name, category, first_seen_at)
VALUES (@name, @normalized_name, '', NOW())
ON CONFLICT (normalized_name) DO UPDATE SET name = EXCLUDED.name
RETURNING id::text, name, normalized_name, aliases, category, is_verified, first_seen_at;
`

	productSelectByBrandNameSQL = `
SELECT id::text, brand_id::text, name, normalized_name, category, subcategory, strain,
       weight_amount, weight_unit, thc_min, thc_max, cbd_min, cbd_max, image_url,
       is_active, first_seen_at, last_seen_at
FROM products
WHERE brand_id = @brand_id AND normalized_name = @normalized_name;
`

	productInsertSQL = `
INSERT INTO products (
    brand_id, name, normalized_name, category, subcategory, strain,
    weight_amount, weight_unit, thc_min, thc_max, cbd_min, cbd_max,
    image_url, is_active, first_seen_at, last_seen_at
) VALUES (
    @brand_id, @name, @normalized_name, @category, @subcategory, @strain,
    @weight_amount, @weight_unit, @thc_min, @thc_max, @cbd_min, @cbd_max,
    @image_url, TRUE, NOW(), NOW()
)
RETURNING id::text, brand_id::text, name, normalized_name, category, subcategory, strain,
       weight_amount, weight_unit, thc_min, thc_max, cbd_min, cbd_max, image_url,
       is_active, first_seen_at, last_seen_at;
`

	productTouchSeenSQL = `
UPDATE products SET last_seen_at = NOW(), is_active = TRUE, image_url = COALESCE(NULLIF(@image_url, ''), image_url)
WHERE id = @id;
`

	brandSelectByIDSQL = `
SELECT id::text, name, normalized_name, aliases, category, is_verified, first_seen_at
FROM brands WHERE id = @id;
`

	productSelectByIDSQL = `
SELECT id::text, brand_id::text, name, normalized_name, category, subcategory, strain,
       weight_amount, weight_unit, thc_min, thc_max, cbd_min, cbd_max, image_url,
       is_active, first_seen_at, last_seen_at
FROM products WHERE id = @id;
`
)

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// UpsertBrand finds or creates a brand by its normalized name (spec §4.4
// step 1: "find-or-create brand by normalizedName").
func (s *Store) UpsertBrand(ctx context.Context, name string) (model.Brand, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Brand{}, fmt.Errorf("store: brand name required")
	}
	args := pgx.NamedArgs{
		"name":            name,
		"normalized_name": normalizeKey(name),
	}
	row := s.conn().QueryRow(ctx, brandUpsertSQL, args)
	var brand model.Brand
	if err := row.Scan(&brand.ID, &brand.Name, &brand.NormalizedName, &brand.Aliases, &brand.Category, &brand.IsVerified, &brand.FirstSeenAt); err != nil {
		return model.Brand{}, fmt.Errorf("store: upsert brand: %w", err)
	}
	return brand, nil
}

// UpsertProduct finds or creates a product scoped to brandID, matching on
// normalized name (spec §4.4 step 2). Returns isNew=true only when the
// product row was just created.
func (s *Store) UpsertProduct(ctx context.Context, brandID string, normalized model.NormalizedProduct) (model.Product, bool, error) {
	brandID = strings.TrimSpace(brandID)
	if brandID == "" {
		return model.Product{}, false, fmt.Errorf("store: brand id required")
	}
	normalizedName := normalizeKey(normalized.Name)

	existing, err := s.findProduct(ctx, brandID, normalizedName)
	if err != nil {
		return model.Product{}, false, err
	}
	if existing != nil {
		args := pgx.NamedArgs{"id": existing.ID, "image_url": ""}
		if _, err := s.conn().Exec(ctx, productTouchSeenSQL, args); err != nil {
			return model.Product{}, false, fmt.Errorf("store: touch product seen: %w", err)
		}
		existing.LastSeenAt = time.Now().UTC()
		existing.IsActive = true
		return *existing, false, nil
	}

	var weightAmount, thcMin, thcMax, cbdMin, cbdMax any
	var weightUnit string
	if normalized.Weight != nil {
		weightAmount = normalized.Weight.Amount
		weightUnit = string(normalized.Weight.Unit)
	}
	if normalized.THC != nil {
		thcMin = *normalized.THC
		thcMax = *normalized.THC
	}
	if normalized.CBD != nil {
		cbdMin = *normalized.CBD
		cbdMax = *normalized.CBD
	}

	args := pgx.NamedArgs{
		"brand_id":        brandID,
		"name":            normalized.Name,
		"normalized_name": normalizedName,
		"category":        normalized.Category,
		"subcategory":     "",
		"strain":          normalized.Strain,
		"weight_amount":   weightAmount,
		"weight_unit":     weightUnit,
		"thc_min":         thcMin,
		"thc_max":         thcMax,
		"cbd_min":         cbdMin,
		"cbd_max":         cbdMax,
		"image_url":       "",
	}
	row := s.conn().QueryRow(ctx, productInsertSQL, args)
	product, err := scanProduct(row)
	if err != nil {
		return model.Product{}, false, fmt.Errorf("store: insert product: %w", err)
	}
	return product, true, nil
}

// GetBrand loads a brand by ID, used by the notification dispatcher to
// render a drop message's brand name.
func (s *Store) GetBrand(ctx context.Context, brandID string) (model.Brand, error) {
	row := s.conn().QueryRow(ctx, brandSelectByIDSQL, pgx.NamedArgs{"id": brandID})
	var brand model.Brand
	if err := row.Scan(&brand.ID, &brand.Name, &brand.NormalizedName, &brand.Aliases, &brand.Category, &brand.IsVerified, &brand.FirstSeenAt); err != nil {
		return model.Brand{}, fmt.Errorf("store: get brand: %w", err)
	}
	return brand, nil
}

// GetProduct loads a product by ID, used by the notification dispatcher to
// render a drop message's product name.
func (s *Store) GetProduct(ctx context.Context, productID string) (model.Product, error) {
	row := s.conn().QueryRow(ctx, productSelectByIDSQL, pgx.NamedArgs{"id": productID})
	product, err := scanProduct(row)
	if err != nil {
		return model.Product{}, fmt.Errorf("store: get product: %w", err)
	}
	return product, nil
}

func (s *Store) findProduct(ctx context.Context, brandID, normalizedName string) (*model.Product, error) {
	args := pgx.NamedArgs{"brand_id": brandID, "normalized_name": normalizedName}
	row := s.conn().QueryRow(ctx, productSelectByBrandNameSQL, args)
	product, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: find product: %w", err)
	}
	return &product, nil
}

func scanProduct(row pgx.Row) (model.Product, error) {
	var (
		p                                          model.Product
		weightAmount, thcMin, thcMax, cbdMin, cbdMax *float64
		weightUnit                                 string
	)
	if err := row.Scan(
		&p.ID, &p.BrandID, &p.Name, &p.NormalizedName, &p.Category, &p.Subcategory, &p.Strain,
		&weightAmount, &weightUnit, &thcMin, &thcMax, &cbdMin, &cbdMax, &p.ImageURL,
		&p.IsActive, &p.FirstSeenAt, &p.LastSeenAt,
	); err != nil {
		return model.Product{}, err
	}
	if weightAmount != nil {
		p.Weight = &model.Weight{Amount: *weightAmount, Unit: model.WeightUnit(weightUnit)}
	}
	if thcMin != nil || thcMax != nil {
		r := model.Range{}
		if thcMin != nil {
			r.Min = *thcMin
		}
		if thcMax != nil {
			r.Max = *thcMax
		}
		p.THCRange = &r
	}
	if cbdMin != nil || cbdMax != nil {
		r := model.Range{}
		if cbdMin != nil {
			r.Min = *cbdMin
		}
		if cbdMax != nil {
			r.Max = *cbdMax
		}
		p.CBDRange = &r
	}
	return p, nil
}
