package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sitekeeper/sitekeeper/internal/shared"
)

const selectUserSQL = `SELECT id::text, email, COALESCE(name, ''), password_hash, role, site_ids, is_active, created_at, updated_at FROM users`

// PGRepository implements Store using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// FindByEmail fetches a user by case-insensitive email.
func (r *PGRepository) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := r.pool.QueryRow(ctx, selectUserSQL+` WHERE lower(email) = $1 LIMIT 1`, shared.NormalizeEmail(email))
	return scanUser(row)
}

// FindByID fetches a user by identifier.
func (r *PGRepository) FindByID(ctx context.Context, id string) (*User, error) {
	row := r.pool.QueryRow(ctx, selectUserSQL+` WHERE id::text = $1`, strings.TrimSpace(id))
	return scanUser(row)
}

func scanUser(row pgx.Row) (*User, error) {
	var (
		user       User
		hash       pgtype.Text
		rawSiteIDs []byte
		createdAt  pgtype.Timestamptz
		updatedAt  pgtype.Timestamptz
	)
	if err := row.Scan(&user.ID, &user.Email, &user.Name, &hash, &user.Role, &rawSiteIDs, &user.IsActive, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("users: scan: %w", err)
	}
	siteIDs, err := ParseSiteIDs(rawSiteIDs)
	if err != nil {
		return nil, fmt.Errorf("users: site ids for %s: %w", user.ID, err)
	}
	user.PasswordHash = hash.String
	user.SiteIDs = siteIDs
	user.CreatedAt = createdAt.Time
	user.UpdatedAt = updatedAt.Time
	return &user, nil
}

// ParseSiteIDs decodes the JSON array stored in users.site_ids. Elements may
// be strings or numbers; both are returned in their textual form.
func ParseSiteIDs(raw []byte) ([]string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				ids = append(ids, s)
			}
			continue
		}
		var n json.Number
		if err := json.Unmarshal(item, &n); err != nil {
			return nil, fmt.Errorf("unsupported site id %s", string(item))
		}
		ids = append(ids, n.String())
	}
	return ids, nil
}

var _ Store = (*PGRepository)(nil)
