package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresSettledChecker is the durable tier of settled-market dedup:
// a lookup against wager.settled_markets for markets settled before the
// last restart.
type PostgresSettledChecker struct {
	db *sql.DB
}

func NewPostgresSettledChecker(db *sql.DB) *PostgresSettledChecker {
	return &PostgresSettledChecker{db: db}
}

// IsSettled checks whether the market exists in wager.settled_markets.
func (c *PostgresSettledChecker) IsSettled(matchID, marketID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	query := `
        SELECT 1
        FROM wager.settled_markets
        WHERE match_id = $1 AND market_id = $2
        LIMIT 1
    `

	var exists int
	err := c.db.QueryRowContext(ctx, query, matchID, marketID).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}
