package protocol

import (
	"context"
	"database/sql"
	"strings"
)

// UniversalProductLines are always loaded with the per-protocol batch and
// serve as substitutes when a referenced product line has no usable rows.
var UniversalProductLines = []string{"Vittra APS", "Z350 XT"}

// Hard-coded safe defaults used when even the universal lines cannot offer a
// layer-type match. A materially conservative body shade is always valid.
const (
	DefaultProductLine = "Vittra APS"
	DefaultBodyShade   = "A2"
	DefaultEnamelShade = "E-A2"
	DefaultOpaqueShade = "OA2"
)

// CatalogRepo loads reference rows. Implementations must satisfy the
// one-batched-read-per-case contract: a single query for the whole line set.
type CatalogRepo interface {
	ListByProductLines(ctx context.Context, lines []string) ([]CatalogEntry, error)
}

// Catalog is the request-scoped in-memory index over loaded entries. It is
// rebuilt per case; reference data is mutable and never cached across cases.
type Catalog struct {
	byLine map[string][]CatalogEntry
}

// NewCatalog indexes the given entries by product line.
func NewCatalog(entries []CatalogEntry) *Catalog {
	c := &Catalog{byLine: make(map[string][]CatalogEntry)}
	for _, e := range entries {
		key := lineKey(e.ProductLine)
		c.byLine[key] = append(c.byLine[key], e)
	}
	return c
}

// LoadCatalog fetches every product line the protocol references plus the
// universal fallback lines in one batched read and indexes the result.
func LoadCatalog(ctx context.Context, repo CatalogRepo, p *Protocol) (*Catalog, error) {
	lines := p.ProductLines()
	for _, u := range UniversalProductLines {
		if !containsFold(lines, u) {
			lines = append(lines, u)
		}
	}
	entries, err := repo.ListByProductLines(ctx, lines)
	if err != nil {
		return nil, err
	}
	return NewCatalog(entries), nil
}

// Has reports whether the (product line, shade) pair exists.
func (c *Catalog) Has(line, shade string) bool {
	for _, e := range c.byLine[lineKey(line)] {
		if strings.EqualFold(e.Shade, shade) {
			return true
		}
	}
	return false
}

// Entries returns all rows for a product line.
func (c *Catalog) Entries(line string) []CatalogEntry {
	return c.byLine[lineKey(line)]
}

// EntriesOfType returns rows for a product line restricted to a layer type.
func (c *Catalog) EntriesOfType(line, layerType string) []CatalogEntry {
	var out []CatalogEntry
	for _, e := range c.byLine[lineKey(line)] {
		if strings.EqualFold(e.LayerType, layerType) {
			out = append(out, e)
		}
	}
	return out
}

func lineKey(line string) string {
	return strings.ToLower(strings.TrimSpace(line))
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}

// PGCatalogRepo reads catalog rows from Postgres.
type PGCatalogRepo struct {
	DB *sql.DB
}

// ListByProductLines performs the single batched read for a case.
func (r *PGCatalogRepo) ListByProductLines(ctx context.Context, lines []string) ([]CatalogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT product_line, shade, layer_type FROM catalog_entries WHERE product_line = ANY($1)`, lines)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []CatalogEntry
	for rows.Next() {
		var e CatalogEntry
		if err := rows.Scan(&e.ProductLine, &e.Shade, &e.LayerType); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MemoryCatalogRepo serves a fixed entry set, used in tests and when no
// database is configured.
type MemoryCatalogRepo struct {
	Rows []CatalogEntry
}

// ListByProductLines filters the fixed rows by the requested lines.
func (r *MemoryCatalogRepo) ListByProductLines(_ context.Context, lines []string) ([]CatalogEntry, error) {
	var out []CatalogEntry
	for _, e := range r.Rows {
		if containsFold(lines, e.ProductLine) {
			out = append(out, e)
		}
	}
	return out, nil
}

// DefaultMemoryCatalog mirrors the seed rows shipped with the database
// migrations, so dev runs without Postgres still get working corrections.
func DefaultMemoryCatalog() *MemoryCatalogRepo {
	return &MemoryCatalogRepo{Rows: []CatalogEntry{
		{ProductLine: "Vittra APS", Shade: "A1", LayerType: LayerTypeBody},
		{ProductLine: "Vittra APS", Shade: "A2", LayerType: LayerTypeBody},
		{ProductLine: "Vittra APS", Shade: "A3", LayerType: LayerTypeBody},
		{ProductLine: "Vittra APS", Shade: "A3.5", LayerType: LayerTypeBody},
		{ProductLine: "Vittra APS", Shade: "E-A1", LayerType: LayerTypeEnamel},
		{ProductLine: "Vittra APS", Shade: "E-A2", LayerType: LayerTypeEnamel},
		{ProductLine: "Vittra APS", Shade: "E-A3", LayerType: LayerTypeEnamel},
		{ProductLine: "Vittra APS", Shade: "Trans N", LayerType: LayerTypeEnamel},
		{ProductLine: "Vittra APS", Shade: "OA1", LayerType: LayerTypeOpaque},
		{ProductLine: "Vittra APS", Shade: "OA2", LayerType: LayerTypeOpaque},
		{ProductLine: "Vittra APS", Shade: "OA3", LayerType: LayerTypeOpaque},
		{ProductLine: "Z350 XT", Shade: "A1B", LayerType: LayerTypeBody},
		{ProductLine: "Z350 XT", Shade: "A2B", LayerType: LayerTypeBody},
		{ProductLine: "Z350 XT", Shade: "A3B", LayerType: LayerTypeBody},
		{ProductLine: "Z350 XT", Shade: "A1E", LayerType: LayerTypeEnamel},
		{ProductLine: "Z350 XT", Shade: "A2E", LayerType: LayerTypeEnamel},
		{ProductLine: "Z350 XT", Shade: "CT", LayerType: LayerTypeEnamel},
		{ProductLine: "Empress Direct", Shade: "A1 Dentin", LayerType: LayerTypeBody},
		{ProductLine: "Empress Direct", Shade: "A2 Dentin", LayerType: LayerTypeBody},
		{ProductLine: "Empress Direct", Shade: "A1 Enamel", LayerType: LayerTypeEnamel},
		{ProductLine: "Empress Direct", Shade: "A2 Enamel", LayerType: LayerTypeEnamel},
	}}
}
