// Package facilities resolves which site owns a site, room or asset.
package facilities

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

var siteQueries = map[string]string{
	"site": `SELECT id::text FROM sites WHERE id::text = $1`,
	"room": `SELECT site_id::text FROM rooms WHERE id::text = $1`,
	"asset": `SELECT COALESCE(a.site_id, r.site_id)::text
		FROM assets a LEFT JOIN rooms r ON r.id = a.room_id
		WHERE a.id::text = $1`,
}

// Querier is the subset of pgxpool.Pool used by PGSiteLookup.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGSiteLookup implements rbac.SiteLookup over the facilities schema.
type PGSiteLookup struct {
	db Querier
}

// NewSiteLookup constructs a PGSiteLookup.
func NewSiteLookup(pool *pgxpool.Pool) *PGSiteLookup {
	return &PGSiteLookup{db: pool}
}

// SiteIDOf returns the owning site of a resource. Missing resources and
// resources without a site yield an empty id.
func (l *PGSiteLookup) SiteIDOf(ctx context.Context, resourceType, resourceID string) (string, error) {
	query, ok := siteQueries[strings.ToLower(resourceType)]
	if !ok {
		// Users, audit and security resources are not site scoped.
		return "", nil
	}
	var siteID pgtype.Text
	if err := l.db.QueryRow(ctx, query, strings.TrimSpace(resourceID)).Scan(&siteID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("facilities: site of %s %s: %w", resourceType, resourceID, err)
	}
	return siteID.String, nil
}
