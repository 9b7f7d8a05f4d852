package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres looks tiers up in the accounts database. The profiles table is
// owned by the web layer; "free_user" maps to the free tier, every other
// role is treated as premium.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect accounts db: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) Tier(ctx context.Context, userID string) (Tier, error) {
	var role string
	err := p.pool.QueryRow(ctx, `SELECT role FROM profiles WHERE id = $1`, userID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("profile %s not found", userID)
	}
	if err != nil {
		return "", fmt.Errorf("lookup profile %s: %w", userID, err)
	}
	if role == "free_user" {
		return TierFree, nil
	}
	return TierPremium, nil
}
