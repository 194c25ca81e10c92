package secrets

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// PostgresVariablesConfig points at an existing host database whose variable
// table is read directly.
type PostgresVariablesConfig struct {
	DSN   string
	Table string // Default: "variable"
}

// PostgresVariables reads host variables with a pgx pool. It never writes.
type PostgresVariables struct {
	pool  *pgxpool.Pool
	query string
}

// NewPostgresVariables connects to the host database.
func NewPostgresVariables(ctx context.Context, cfg PostgresVariablesConfig) (*PostgresVariables, error) {
	table := cfg.Table
	if table == "" {
		table = "variable"
	}
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid variable table name %q", table)
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to variable database: %w", err)
	}
	return &PostgresVariables{
		pool:  pool,
		query: fmt.Sprintf(`SELECT name, value, updated_at FROM %s WHERE user_id = $1 AND name = $2 LIMIT 1`, table),
	}, nil
}

// GetVariable implements VariableStore.
func (p *PostgresVariables) GetVariable(ctx context.Context, userID, name string) (*Variable, error) {
	var (
		v         = Variable{UserID: userID}
		updatedAt *time.Time
	)
	err := p.pool.QueryRow(ctx, p.query, userID, name).Scan(&v.Name, &v.Value, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVariableNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying variable %q: %w", name, err)
	}
	if updatedAt != nil {
		v.UpdatedAt = *updatedAt
	}
	return &v, nil
}

// Ping checks connectivity for readiness probes.
func (p *PostgresVariables) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the pool.
func (p *PostgresVariables) Close() {
	p.pool.Close()
}

var _ VariableStore = (*PostgresVariables)(nil)
