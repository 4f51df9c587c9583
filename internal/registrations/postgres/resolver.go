// Package postgres resolves campaign audiences from the registration tables.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/signupdesk/mailroom/internal/campaigns"
)

// Resolver implements campaigns.AudienceResolver against the registrations
// table owned by the surrounding application. Only confirmed registrations
// with a contact address are targeted, deduplicated by email.
type Resolver struct {
	db *pgxpool.Pool
}

// NewResolver creates a registration-backed audience resolver.
func NewResolver(db *pgxpool.Pool) *Resolver {
	return &Resolver{db: db}
}

// ResolveAudience returns the recipients matching the selector.
func (r *Resolver) ResolveAudience(ctx context.Context, audience campaigns.Audience) ([]campaigns.Recipient, error) {
	query := `
		SELECT DISTINCT ON (email) email, COALESCE(contact_name, '')
		FROM registrations
		WHERE status = 'confirmed' AND email <> ''
	`
	args := []any{}

	switch audience {
	case campaigns.AudienceAll:
		// no extra filter
	case campaigns.AudienceIndividual:
		query += ` AND registration_type = $1`
		args = append(args, "individual")
	case campaigns.AudienceTeam:
		query += ` AND registration_type = $1`
		args = append(args, "team")
	default:
		return nil, fmt.Errorf("unknown audience selector: %q", audience)
	}

	query += ` ORDER BY email ASC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve audience: %w", err)
	}
	defer rows.Close()

	recipients := make([]campaigns.Recipient, 0)
	for rows.Next() {
		var recipient campaigns.Recipient
		if err := rows.Scan(&recipient.Email, &recipient.Name); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		recipients = append(recipients, recipient)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recipients: %w", err)
	}

	return recipients, nil
}
