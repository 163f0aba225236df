package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

// Postgres implements Store on database/sql with the lib/pq driver.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects, verifies the connection and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// Users

const userCols = `id, username, email, password_hash, display_name, user_type,
	COALESCE(location, ''), COALESCE(profile_image, ''), created_at`

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.DisplayName,
		&u.UserType, &u.Location, &u.ProfileImage, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (p *Postgres) GetUser(ctx context.Context, id int64) (*User, error) {
	return scanUser(p.db.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE id = $1`, id))
}

func (p *Postgres) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(p.db.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE username = $1`, username))
}

func (p *Postgres) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(p.db.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE email = $1`, email))
}

func (p *Postgres) CreateUser(ctx context.Context, nu NewUser) (*User, error) {
	return scanUser(p.db.QueryRowContext(ctx,
		`INSERT INTO users (username, email, password_hash, display_name, user_type, location, profile_image)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''))
		 RETURNING `+userCols,
		nu.Username, nu.Email, nu.PasswordHash, nu.DisplayName, nu.UserType,
		nu.Location, nu.ProfileImage))
}

// Providers

const providerCols = `id, user_id, provider_name, energy_type, max_capacity,
	current_production, available_energy, price_per_kwh, latitude, longitude,
	is_active, last_updated`

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanProvider(row scanner) (*Provider, error) {
	var (
		p        Provider
		price    decimal.NullDecimal
		lat, lon decimal.NullDecimal
	)
	err := row.Scan(&p.ID, &p.UserID, &p.ProviderName, &p.EnergyType,
		&p.MaxCapacity, &p.CurrentProduction, &p.AvailableEnergy,
		&price, &lat, &lon, &p.IsActive, &p.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan provider: %w", err)
	}
	if price.Valid {
		p.PricePerKwh = &price.Decimal
	}
	if lat.Valid {
		p.Latitude = &lat.Decimal
	}
	if lon.Valid {
		p.Longitude = &lon.Decimal
	}
	return &p, nil
}

func (p *Postgres) GetProvider(ctx context.Context, id int64) (*Provider, error) {
	return scanProvider(p.db.QueryRowContext(ctx,
		`SELECT `+providerCols+` FROM energy_providers WHERE id = $1`, id))
}

func (p *Postgres) queryProviders(ctx context.Context, query string, args ...any) ([]*Provider, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}
	defer rows.Close()

	var out []*Provider
	for rows.Next() {
		prov, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, prov)
	}
	return out, rows.Err()
}

func (p *Postgres) GetProvidersByUser(ctx context.Context, userID int64) ([]*Provider, error) {
	return p.queryProviders(ctx,
		`SELECT `+providerCols+` FROM energy_providers WHERE user_id = $1 ORDER BY id`, userID)
}

func (p *Postgres) ActiveProviders(ctx context.Context) ([]*Provider, error) {
	return p.queryProviders(ctx,
		`SELECT `+providerCols+` FROM energy_providers
		 WHERE is_active AND available_energy > 0
		 ORDER BY available_energy DESC, id ASC`)
}

func (p *Postgres) CreateProvider(ctx context.Context, np NewProvider) (*Provider, error) {
	return scanProvider(p.db.QueryRowContext(ctx,
		`INSERT INTO energy_providers
		   (user_id, provider_name, energy_type, max_capacity, current_production,
		    available_energy, price_per_kwh, latitude, longitude, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+providerCols,
		np.UserID, np.ProviderName, np.EnergyType, np.MaxCapacity,
		np.CurrentProduction, np.AvailableEnergy,
		nullDecimal(np.PricePerKwh), nullDecimal(np.Latitude), nullDecimal(np.Longitude),
		np.IsActive))
}

func (p *Postgres) UpdateProviderEnergy(ctx context.Context, id int64, production, available decimal.Decimal) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE energy_providers
		 SET current_production = $1, available_energy = $2, last_updated = now()
		 WHERE id = $3`,
		production, available, id)
	if err != nil {
		return fmt.Errorf("update provider energy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ReserveProviderEnergy(ctx context.Context, id int64, amount decimal.Decimal) (bool, error) {
	// Single conditional UPDATE so concurrent reservations against the same
	// provider serialize on the row and can never drive available_energy
	// negative.
	res, err := p.db.ExecContext(ctx,
		`UPDATE energy_providers
		 SET available_energy = available_energy - $1, last_updated = now()
		 WHERE id = $2 AND is_active AND available_energy >= $1`,
		amount, id)
	if err != nil {
		return false, fmt.Errorf("reserve provider energy: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *Postgres) ReleaseProviderEnergy(ctx context.Context, id int64, amount decimal.Decimal) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE energy_providers
		 SET available_energy = LEAST(available_energy + $1, max_capacity), last_updated = now()
		 WHERE id = $2`,
		amount, id)
	if err != nil {
		return fmt.Errorf("release provider energy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Requests

const requestCols = `id, user_id, energy_amount, urgency_level,
	COALESCE(preferred_time_slot, ''), max_price, status, matched_provider_id,
	created_at, requested_for`

func scanRequest(row scanner) (*Request, error) {
	var (
		r        Request
		maxPrice decimal.NullDecimal
		provider sql.NullInt64
		reqFor   sql.NullTime
	)
	err := row.Scan(&r.ID, &r.UserID, &r.EnergyAmount, &r.UrgencyLevel,
		&r.PreferredTimeSlot, &maxPrice, &r.Status, &provider,
		&r.CreatedAt, &reqFor)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan request: %w", err)
	}
	if maxPrice.Valid {
		r.MaxPrice = &maxPrice.Decimal
	}
	if provider.Valid {
		r.MatchedProviderID = &provider.Int64
	}
	if reqFor.Valid {
		r.RequestedFor = &reqFor.Time
	}
	return &r, nil
}

func (p *Postgres) GetRequest(ctx context.Context, id int64) (*Request, error) {
	return scanRequest(p.db.QueryRowContext(ctx,
		`SELECT `+requestCols+` FROM energy_requests WHERE id = $1`, id))
}

func (p *Postgres) queryRequests(ctx context.Context, query string, args ...any) ([]*Request, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (p *Postgres) GetRequestsByUser(ctx context.Context, userID int64) ([]*Request, error) {
	return p.queryRequests(ctx,
		`SELECT `+requestCols+` FROM energy_requests WHERE user_id = $1 ORDER BY created_at DESC, id DESC`,
		userID)
}

func (p *Postgres) PendingRequests(ctx context.Context) ([]*Request, error) {
	return p.queryRequests(ctx,
		`SELECT `+requestCols+` FROM energy_requests WHERE status = 'pending' ORDER BY created_at DESC, id DESC`)
}

func (p *Postgres) CreateRequest(ctx context.Context, nr NewRequest) (*Request, error) {
	return scanRequest(p.db.QueryRowContext(ctx,
		`INSERT INTO energy_requests
		   (user_id, energy_amount, urgency_level, preferred_time_slot, max_price, requested_for)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
		 RETURNING `+requestCols,
		nr.UserID, nr.EnergyAmount, nr.UrgencyLevel, nr.PreferredTimeSlot,
		nullDecimal(nr.MaxPrice), nullTime(nr.RequestedFor)))
}

func (p *Postgres) MarkRequestMatched(ctx context.Context, id, providerID int64) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE energy_requests SET status = 'matched', matched_provider_id = $1
		 WHERE id = $2 AND status = 'pending'`,
		providerID, id)
	if err != nil {
		return fmt.Errorf("mark request matched: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) MarkRequestPending(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE energy_requests SET status = 'pending', matched_provider_id = NULL
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark request pending: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Transactions

const txCols = `id, request_id, provider_id, consumer_id, energy_amount,
	price_per_kwh, total_price, status, start_time, end_time, created_at`

func scanTransaction(row scanner) (*Transaction, error) {
	var (
		t          Transaction
		start, end sql.NullTime
	)
	err := row.Scan(&t.ID, &t.RequestID, &t.ProviderID, &t.ConsumerID,
		&t.EnergyAmount, &t.PricePerKwh, &t.TotalPrice, &t.Status,
		&start, &end, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	if start.Valid {
		t.StartTime = &start.Time
	}
	if end.Valid {
		t.EndTime = &end.Time
	}
	return &t, nil
}

func (p *Postgres) queryTransactions(ctx context.Context, query string, args ...any) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (p *Postgres) GetTransactionsByUser(ctx context.Context, userID int64) ([]*Transaction, error) {
	return p.queryTransactions(ctx,
		`SELECT `+txCols+` FROM energy_transactions WHERE consumer_id = $1 ORDER BY created_at DESC, id DESC`,
		userID)
}

func (p *Postgres) RecentTransactions(ctx context.Context, limit int) ([]*Transaction, error) {
	return p.queryTransactions(ctx,
		`SELECT `+txCols+` FROM energy_transactions ORDER BY created_at DESC, id DESC LIMIT $1`,
		limit)
}

func (p *Postgres) CreateTransaction(ctx context.Context, nt NewTransaction) (*Transaction, error) {
	return scanTransaction(p.db.QueryRowContext(ctx,
		`INSERT INTO energy_transactions
		   (request_id, provider_id, consumer_id, energy_amount, price_per_kwh, total_price, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+txCols,
		nt.RequestID, nt.ProviderID, nt.ConsumerID, nt.EnergyAmount,
		nt.PricePerKwh, nt.TotalPrice, nt.Status))
}

// Community stats

func (p *Postgres) GetCommunityStats(ctx context.Context) (*CommunityStats, error) {
	var s CommunityStats
	err := p.db.QueryRowContext(ctx,
		`SELECT total_production, total_consumption, active_providers,
		        active_consumers, current_flow_rate, updated_at
		 FROM community_stats WHERE id = 1`).
		Scan(&s.TotalProduction, &s.TotalConsumption, &s.ActiveProviders,
			&s.ActiveConsumers, &s.CurrentFlowRate, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan community stats: %w", err)
	}
	return &s, nil
}

func (p *Postgres) UpsertCommunityStats(ctx context.Context, s CommunityStats) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO community_stats
		   (id, total_production, total_consumption, active_providers, active_consumers, current_flow_rate, updated_at)
		 VALUES (1, $1, $2, $3, $4, $5, now())
		 ON CONFLICT (id) DO UPDATE SET
		   total_production = EXCLUDED.total_production,
		   total_consumption = EXCLUDED.total_consumption,
		   active_providers = EXCLUDED.active_providers,
		   active_consumers = EXCLUDED.active_consumers,
		   current_flow_rate = EXCLUDED.current_flow_rate,
		   updated_at = now()`,
		s.TotalProduction, s.TotalConsumption, s.ActiveProviders,
		s.ActiveConsumers, s.CurrentFlowRate)
	if err != nil {
		return fmt.Errorf("upsert community stats: %w", err)
	}
	return nil
}

func (p *Postgres) CountActiveConsumers(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT user_id) FROM energy_requests
		 WHERE status IN ('pending', 'matched')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active consumers: %w", err)
	}
	return n, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
