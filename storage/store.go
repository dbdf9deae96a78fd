package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"coopmarket/escrow"
)

// Store persists marketplace entities and the escrow audit trail in SQLite.
// Multi-step mutations run through InTx so the engine's create and settle
// units commit atomically or roll back entirely.
type Store struct {
	db *sql.DB
}

var _ escrow.Store = (*Store)(nil)

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite serialises writers; a single connection avoids SQLITE_BUSY on
	// concurrent units of work.
	db.SetMaxOpenConns(1)
	store := &Store{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS parties (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            phone TEXT NOT NULL DEFAULT '',
            wallet_id TEXT NOT NULL DEFAULT '',
            wallet_activated INTEGER NOT NULL DEFAULT 0,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS cooperatives (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            region TEXT NOT NULL DEFAULT '',
            phone TEXT NOT NULL DEFAULT '',
            wallet_id TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS products (
            id TEXT PRIMARY KEY,
            cooperative_id TEXT NOT NULL,
            name TEXT NOT NULL,
            price REAL NOT NULL,
            stock_quantity INTEGER NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS transactions (
            id TEXT PRIMARY KEY,
            buyer_id TEXT NOT NULL,
            seller_id TEXT NOT NULL,
            product_id TEXT NOT NULL,
            quantity INTEGER NOT NULL,
            amount REAL NOT NULL,
            fee REAL NOT NULL,
            total_amount REAL NOT NULL,
            status TEXT NOT NULL,
            escrow_ref TEXT NOT NULL DEFAULT '',
            qr_signature TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMP NOT NULL,
            settled_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS transaction_logs (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            transaction_id TEXT NOT NULL,
            status TEXT NOT NULL,
            message TEXT NOT NULL,
            provider_raw BLOB,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_logs_transaction ON transaction_logs(transaction_id, id);`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            api_key TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(api_key, idempotency_key)
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// querier is satisfied by both *sql.DB and *sql.Tx so reads and writes share
// one implementation inside and outside units of work.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// GetParty implements escrow.Store.
func (s *Store) GetParty(ctx context.Context, id string) (*escrow.Party, bool, error) {
	return getParty(ctx, s.db, id)
}

// GetCooperative implements escrow.Store.
func (s *Store) GetCooperative(ctx context.Context, id string) (*escrow.Cooperative, bool, error) {
	return getCooperative(ctx, s.db, id)
}

// GetProduct implements escrow.Store.
func (s *Store) GetProduct(ctx context.Context, id string) (*escrow.Product, bool, error) {
	return getProduct(ctx, s.db, id)
}

// GetTransaction implements escrow.Store.
func (s *Store) GetTransaction(ctx context.Context, id string) (*escrow.Transaction, bool, error) {
	return getTransaction(ctx, s.db, id)
}

// TransactionLogs returns the audit entries for a transaction in insertion
// order.
func (s *Store) TransactionLogs(ctx context.Context, transactionID string) ([]escrow.LogEntry, error) {
	const query = `SELECT transaction_id, status, message, provider_raw, created_at FROM transaction_logs WHERE transaction_id = ? ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []escrow.LogEntry
	for rows.Next() {
		var entry escrow.LogEntry
		var status string
		if err := rows.Scan(&entry.TransactionID, &status, &entry.Message, &entry.ProviderRaw, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Status = escrow.Status(status)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// AppendLog writes an audit entry outside any unit of work.
func (s *Store) AppendLog(ctx context.Context, entry *escrow.LogEntry) error {
	return appendLog(ctx, s.db, entry)
}

// InTx runs fn inside a database transaction, committing only when fn returns
// nil.
func (s *Store) InTx(ctx context.Context, fn func(escrow.TxStore) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&txStore{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// PutParty upserts a marketplace account. Used by fixtures and the admin
// surface, never by the engine.
func (s *Store) PutParty(ctx context.Context, p *escrow.Party) error {
	const stmt = `INSERT INTO parties(id, name, phone, wallet_id, wallet_activated) VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET name = excluded.name, phone = excluded.phone, wallet_id = excluded.wallet_id, wallet_activated = excluded.wallet_activated`
	activated := 0
	if p.WalletActivated {
		activated = 1
	}
	_, err := s.db.ExecContext(ctx, stmt, p.ID, p.Name, p.Phone, p.WalletID, activated)
	return err
}

// PutCooperative upserts a producer cooperative.
func (s *Store) PutCooperative(ctx context.Context, c *escrow.Cooperative) error {
	const stmt = `INSERT INTO cooperatives(id, name, region, phone, wallet_id) VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET name = excluded.name, region = excluded.region, phone = excluded.phone, wallet_id = excluded.wallet_id`
	_, err := s.db.ExecContext(ctx, stmt, c.ID, c.Name, c.Region, c.Phone, c.WalletID)
	return err
}

// PutProduct upserts a product listing.
func (s *Store) PutProduct(ctx context.Context, p *escrow.Product) error {
	const stmt = `INSERT INTO products(id, cooperative_id, name, price, stock_quantity) VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET cooperative_id = excluded.cooperative_id, name = excluded.name, price = excluded.price, stock_quantity = excluded.stock_quantity`
	_, err := s.db.ExecContext(ctx, stmt, p.ID, p.CooperativeID, p.Name, p.Price, p.StockQuantity)
	return err
}

// ErrIdempotencyMismatch is returned when a key is reused with a different
// payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

// StoredResponse represents a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

// LookupIdempotency returns the cached response for a key, nil when unseen.
func (s *Store) LookupIdempotency(ctx context.Context, apiKey, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE api_key = ? AND idempotency_key = ?`
	row := s.db.QueryRowContext(ctx, query, apiKey, key)
	var status int
	var body []byte
	var storedHash string
	err := row.Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

// SaveIdempotency caches a response for replay on key reuse.
func (s *Store) SaveIdempotency(ctx context.Context, apiKey, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(api_key, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, apiKey, key, requestHash, status, body, time.Now().UTC())
	return err
}

// txStore is the mutation surface inside a unit of work.
type txStore struct {
	tx *sql.Tx
}

var _ escrow.TxStore = (*txStore)(nil)

func (t *txStore) InsertTransaction(ctx context.Context, tx *escrow.Transaction) error {
	const stmt = `INSERT INTO transactions(id, buyer_id, seller_id, product_id, quantity, amount, fee, total_amount, status, escrow_ref, qr_signature, created_at, settled_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := t.tx.ExecContext(ctx, stmt,
		tx.ID, tx.BuyerID, tx.SellerID, tx.ProductID, tx.Quantity,
		tx.Amount, tx.Fee, tx.TotalAmount, string(tx.Status),
		tx.EscrowRef, tx.QRSignature, tx.CreatedAt, nullableTime(tx.SettledAt))
	return err
}

func (t *txStore) UpdateTransaction(ctx context.Context, tx *escrow.Transaction) error {
	const stmt = `UPDATE transactions SET status = ?, escrow_ref = ?, qr_signature = ?, settled_at = ? WHERE id = ?`
	res, err := t.tx.ExecContext(ctx, stmt, string(tx.Status), tx.EscrowRef, tx.QRSignature, nullableTime(tx.SettledAt), tx.ID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("transaction %s not found", tx.ID)
	}
	return nil
}

func (t *txStore) AppendLog(ctx context.Context, entry *escrow.LogEntry) error {
	return appendLog(ctx, t.tx, entry)
}

func (t *txStore) DecrementStock(ctx context.Context, productID string, quantity int64) (bool, error) {
	const stmt = `UPDATE products SET stock_quantity = stock_quantity - ? WHERE id = ? AND stock_quantity >= ?`
	res, err := t.tx.ExecContext(ctx, stmt, quantity, productID, quantity)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func appendLog(ctx context.Context, q querier, entry *escrow.LogEntry) error {
	const stmt = `INSERT INTO transaction_logs(transaction_id, status, message, provider_raw, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, stmt, entry.TransactionID, string(entry.Status), entry.Message, entry.ProviderRaw, entry.CreatedAt)
	return err
}

func getParty(ctx context.Context, q querier, id string) (*escrow.Party, bool, error) {
	const query = `SELECT id, name, phone, wallet_id, wallet_activated FROM parties WHERE id = ?`
	var p escrow.Party
	var activated int
	err := q.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.Name, &p.Phone, &p.WalletID, &activated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	p.WalletActivated = activated == 1
	return &p, true, nil
}

func getCooperative(ctx context.Context, q querier, id string) (*escrow.Cooperative, bool, error) {
	const query = `SELECT id, name, region, phone, wallet_id FROM cooperatives WHERE id = ?`
	var c escrow.Cooperative
	err := q.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.Name, &c.Region, &c.Phone, &c.WalletID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &c, true, nil
}

func getProduct(ctx context.Context, q querier, id string) (*escrow.Product, bool, error) {
	const query = `SELECT id, cooperative_id, name, price, stock_quantity FROM products WHERE id = ?`
	var p escrow.Product
	err := q.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.CooperativeID, &p.Name, &p.Price, &p.StockQuantity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &p, true, nil
}

func getTransaction(ctx context.Context, q querier, id string) (*escrow.Transaction, bool, error) {
	const query = `SELECT id, buyer_id, seller_id, product_id, quantity, amount, fee, total_amount, status, escrow_ref, qr_signature, created_at, settled_at FROM transactions WHERE id = ?`
	var tx escrow.Transaction
	var status string
	var settledAt sql.NullTime
	err := q.QueryRowContext(ctx, query, id).Scan(
		&tx.ID, &tx.BuyerID, &tx.SellerID, &tx.ProductID, &tx.Quantity,
		&tx.Amount, &tx.Fee, &tx.TotalAmount, &status,
		&tx.EscrowRef, &tx.QRSignature, &tx.CreatedAt, &settledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	tx.Status = escrow.Status(status)
	if settledAt.Valid {
		settled := settledAt.Time
		tx.SettledAt = &settled
	}
	return &tx, true, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
