package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/hookdebug/hookdebug/internal/models"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore is the durable, account-owned regime. It speaks SQLite or
// Postgres; queries are written with ? placeholders and rebound for
// Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

func NewSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLStore{db: db, dialect: dialectSQLite}, nil
}

func NewPostgres(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	return &SQLStore{db: db, dialect: dialectPostgres}, nil
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	blob, ts, serial := "BLOB", "DATETIME", "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == dialectPostgres {
		blob, ts, serial = "BYTEA", "TIMESTAMPTZ", "BIGSERIAL PRIMARY KEY"
	}
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			created_at ` + ts + ` NOT NULL,
			UNIQUE (provider, provider_id)
		)`,
		`CREATE TABLE IF NOT EXISTS endpoints (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			created_at ` + ts + ` NOT NULL,
			request_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			endpoint_id TEXT NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			headers TEXT NOT NULL DEFAULT '{}',
			body ` + blob + `,
			query TEXT NOT NULL DEFAULT '{}',
			ip TEXT NOT NULL DEFAULT '',
			timestamp ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cleanup_log (
			id ` + serial + `,
			swept_at ` + ts + ` NOT NULL,
			endpoints_deleted INTEGER NOT NULL DEFAULT 0,
			requests_deleted INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_endpoints_account ON endpoints(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_endpoints_created ON endpoints(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_endpoint ON requests(endpoint_id, timestamp)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind turns ? placeholders into $1..$n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	return rebindDollar(query)
}

func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *SQLStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(q), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(q), args...)
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// --- Accounts ---

func (s *SQLStore) UpsertAccount(ctx context.Context, acct *models.Account) (*models.Account, error) {
	_, err := s.exec(ctx,
		`INSERT INTO accounts (id, provider, provider_id, username, display_name, avatar_url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider, provider_id) DO UPDATE SET
			username = excluded.username,
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url`,
		acct.ID, acct.Provider, acct.ProviderID, acct.Username, acct.DisplayName, acct.AvatarURL, acct.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	var out models.Account
	err = s.queryRow(ctx,
		`SELECT id, provider, provider_id, username, display_name, avatar_url, created_at
		 FROM accounts WHERE provider = ? AND provider_id = ?`, acct.Provider, acct.ProviderID,
	).Scan(&out.ID, &out.Provider, &out.ProviderID, &out.Username, &out.DisplayName, &out.AvatarURL, &out.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *SQLStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var out models.Account
	err := s.queryRow(ctx,
		`SELECT id, provider, provider_id, username, display_name, avatar_url, created_at FROM accounts WHERE id = ?`, id,
	).Scan(&out.ID, &out.Provider, &out.ProviderID, &out.Username, &out.DisplayName, &out.AvatarURL, &out.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Endpoints ---

const endpointColumns = `id, path, name, account_id, created_at, request_count`

func (s *SQLStore) InsertEndpoint(ctx context.Context, ep *models.Endpoint) error {
	if !ep.Owner.IsAccount() {
		return fmt.Errorf("durable store only holds account-owned endpoints, got %s", ep.Owner.Kind())
	}
	_, err := s.exec(ctx,
		`INSERT INTO endpoints (`+endpointColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.Path, ep.Name, ep.Owner.ID(), ep.CreatedAt, ep.RequestCount,
	)
	if isUniqueViolation(err) {
		return ErrDuplicatePath
	}
	return err
}

func scanEndpoint(row interface{ Scan(...any) error }) (*models.Endpoint, error) {
	var ep models.Endpoint
	var accountID string
	if err := row.Scan(&ep.ID, &ep.Path, &ep.Name, &accountID, &ep.CreatedAt, &ep.RequestCount); err != nil {
		return nil, err
	}
	ep.Owner = models.AccountOwner(accountID)
	return &ep, nil
}

func (s *SQLStore) GetEndpoint(ctx context.Context, id string) (*models.Endpoint, error) {
	ep, err := scanEndpoint(s.queryRow(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ep, err
}

func (s *SQLStore) GetEndpointByPath(ctx context.Context, path string) (*models.Endpoint, error) {
	ep, err := scanEndpoint(s.queryRow(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE path = ?`, path))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ep, err
}

func (s *SQLStore) ListEndpoints(ctx context.Context, owner models.Owner) ([]models.Endpoint, error) {
	if !owner.IsAccount() {
		return nil, nil
	}
	rows, err := s.query(ctx,
		`SELECT `+endpointColumns+` FROM endpoints WHERE account_id = ? ORDER BY created_at DESC, id DESC`, owner.ID())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var endpoints []models.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, *ep)
	}
	return endpoints, rows.Err()
}

func (s *SQLStore) DeleteEndpoint(ctx context.Context, id string) (bool, error) {
	res, err := s.exec(ctx, `DELETE FROM endpoints WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLStore) IncrementRequestCount(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `UPDATE endpoints SET request_count = request_count + 1 WHERE id = ?`, id)
	return err
}

// ImportEndpoint upserts ep by id and inserts any of reqs not already
// present.
func (s *SQLStore) ImportEndpoint(ctx context.Context, ep models.Endpoint, reqs []models.Request) error {
	if !ep.Owner.IsAccount() {
		return fmt.Errorf("import requires an account owner, got %s", ep.Owner.Kind())
	}
	greatest := "MAX"
	if s.dialect == dialectPostgres {
		greatest = "GREATEST"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO endpoints (`+endpointColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			account_id = excluded.account_id,
			request_count = `+greatest+`(endpoints.request_count, excluded.request_count)`),
		ep.ID, ep.Path, ep.Name, ep.Owner.ID(), ep.CreatedAt, ep.RequestCount,
	)
	if err != nil {
		return fmt.Errorf("upsert endpoint %s: %w", ep.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, s.rebind(
		`INSERT INTO requests (id, endpoint_id, method, url, headers, body, query, ip, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range reqs {
		args, err := requestArgs(&reqs[i])
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("copy request %s: %w", reqs[i].ID, err)
		}
	}
	return tx.Commit()
}

// --- Requests ---

const requestColumns = `id, endpoint_id, method, url, headers, body, query, ip, timestamp`

func requestArgs(req *models.Request) ([]any, error) {
	headers, err := json.Marshal(req.Headers)
	if err != nil {
		return nil, err
	}
	query, err := json.Marshal(req.Query)
	if err != nil {
		return nil, err
	}
	var body any
	if req.Body != nil {
		body = req.Body
	}
	return []any{req.ID, req.EndpointID, req.Method, req.URL, string(headers), body, string(query), req.SourceIP, req.Timestamp}, nil
}

func scanRequest(row interface{ Scan(...any) error }) (*models.Request, error) {
	var req models.Request
	var headers, query string
	var body []byte
	if err := row.Scan(&req.ID, &req.EndpointID, &req.Method, &req.URL, &headers, &body, &query, &req.SourceIP, &req.Timestamp); err != nil {
		return nil, err
	}
	req.Body = body
	req.Headers = http.Header{}
	if err := json.Unmarshal([]byte(headers), &req.Headers); err != nil {
		return nil, fmt.Errorf("decode headers of %s: %w", req.ID, err)
	}
	req.Query = url.Values{}
	if err := json.Unmarshal([]byte(query), &req.Query); err != nil {
		return nil, fmt.Errorf("decode query of %s: %w", req.ID, err)
	}
	return &req, nil
}

func (s *SQLStore) InsertRequest(ctx context.Context, req *models.Request) error {
	args, err := requestArgs(req)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO requests (`+requestColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if isForeignKeyViolation(err) {
		return ErrEndpointGone
	}
	return err
}

func (s *SQLStore) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	req, err := scanRequest(s.queryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return req, err
}

func (s *SQLStore) scanRequests(rows *sql.Rows) ([]models.Request, error) {
	defer rows.Close()
	var reqs []models.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, *req)
	}
	return reqs, rows.Err()
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return " LIMIT " + strconv.Itoa(limit)
}

func (s *SQLStore) ListRequests(ctx context.Context, endpointID string, limit int) ([]models.Request, error) {
	rows, err := s.query(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE endpoint_id = ? ORDER BY timestamp DESC, id DESC`+limitClause(limit),
		endpointID)
	if err != nil {
		return nil, err
	}
	return s.scanRequests(rows)
}

func (s *SQLStore) ListRequestsByOwner(ctx context.Context, owner models.Owner, limit int) ([]models.Request, error) {
	if !owner.IsAccount() {
		return nil, nil
	}
	rows, err := s.query(ctx,
		`SELECT r.id, r.endpoint_id, r.method, r.url, r.headers, r.body, r.query, r.ip, r.timestamp
		 FROM requests r JOIN endpoints e ON r.endpoint_id = e.id
		 WHERE e.account_id = ?
		 ORDER BY r.timestamp DESC, r.id DESC`+limitClause(limit),
		owner.ID())
	if err != nil {
		return nil, err
	}
	return s.scanRequests(rows)
}

func (s *SQLStore) DeleteRequest(ctx context.Context, id string) (string, error) {
	var endpointID string
	err := s.queryRow(ctx, `SELECT endpoint_id FROM requests WHERE id = ?`, id).Scan(&endpointID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	res, err := s.exec(ctx, `DELETE FROM requests WHERE id = ?`, id)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", nil
	}
	return endpointID, nil
}

func (s *SQLStore) ClearRequests(ctx context.Context, endpointID string) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM requests WHERE endpoint_id = ?`, endpointID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Retention ---

type SweepResult struct {
	SweptAt          time.Time         `json:"swept_at"`
	EndpointsDeleted int64             `json:"endpoints_deleted"`
	RequestsDeleted  int64             `json:"requests_deleted"`
	Endpoints        []models.Endpoint `json:"-"`
}

func (s *SQLStore) SweepEndpoints(ctx context.Context, cutoff time.Time) (*SweepResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.rebind(`SELECT `+endpointColumns+` FROM endpoints WHERE created_at < ?`), cutoff)
	if err != nil {
		return nil, err
	}
	var expired []models.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, *ep)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := &SweepResult{SweptAt: time.Now().UTC(), Endpoints: expired}
	for _, ep := range expired {
		var n int64
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM requests WHERE endpoint_id = ?`), ep.ID).Scan(&n); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM endpoints WHERE id = ?`), ep.ID); err != nil {
			return nil, err
		}
		result.RequestsDeleted += n
		result.EndpointsDeleted++
	}

	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO cleanup_log (swept_at, endpoints_deleted, requests_deleted) VALUES (?, ?, ?)`),
		result.SweptAt, result.EndpointsDeleted, result.RequestsDeleted); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) LastSweeps(ctx context.Context, limit int) ([]SweepResult, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.query(ctx,
		`SELECT swept_at, endpoints_deleted, requests_deleted FROM cleanup_log ORDER BY swept_at DESC`+limitClause(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SweepResult
	for rows.Next() {
		var r SweepResult
		if err := rows.Scan(&r.SweptAt, &r.EndpointsDeleted, &r.RequestsDeleted); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Totals counts what the durable store holds.
type Totals struct {
	Endpoints int64 `json:"endpoints"`
	Requests  int64 `json:"requests"`
	Sweeps    int64 `json:"sweeps"`
}

func (s *SQLStore) Totals(ctx context.Context) (*Totals, error) {
	var t Totals
	err := s.queryRow(ctx,
		`SELECT (SELECT COUNT(*) FROM endpoints), (SELECT COUNT(*) FROM requests), (SELECT COUNT(*) FROM cleanup_log)`,
	).Scan(&t.Endpoints, &t.Requests, &t.Sweeps)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
