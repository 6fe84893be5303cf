package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"wagate/internal/models"
)

// Store wraps the gateway's SQL state: learned conversation mappings and
// per-account credentials. Works against sqlite (default) or postgres.
type Store struct {
	db *sqlx.DB
}

// Open connects and ensures the schema exists. driver is "sqlite" or
// "postgres".
func Open(driver, dsn string) (*Store, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s database: %w", driver, err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Str("driver", driver).Msg("Database connection established")
	return s, nil
}

// NewWithDB wraps an existing connection (used by tests).
func NewWithDB(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS conversation_mappings (
			account_id     TEXT NOT NULL,
			counterpart_id TEXT NOT NULL,
			thread_id      TEXT NOT NULL,
			updated_at     TIMESTAMP NOT NULL,
			PRIMARY KEY (account_id, counterpart_id)
		)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			account_id    TEXT PRIMARY KEY,
			access_token  TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			scope_id      TEXT NOT NULL DEFAULT '',
			device_ref    TEXT NOT NULL DEFAULT '',
			updated_at    TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetMapping returns the learned thread id for (account, counterpart), or
// "" when none has been learned yet.
func (s *Store) GetMapping(ctx context.Context, accountID, counterpartID string) (string, error) {
	var threadID string
	err := s.db.GetContext(ctx, &threadID,
		`SELECT thread_id FROM conversation_mappings WHERE account_id = $1 AND counterpart_id = $2`,
		accountID, counterpartID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("looking up mapping for %s/%s: %w", accountID, counterpartID, err)
	}
	return threadID, nil
}

// SetMapping upserts the thread id for (account, counterpart). The pair key
// makes the write atomic: two workers racing on the same pair end up with
// exactly one row.
func (s *Store) SetMapping(ctx context.Context, accountID, counterpartID, threadID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_mappings (account_id, counterpart_id, thread_id, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (account_id, counterpart_id)
		 DO UPDATE SET thread_id = EXCLUDED.thread_id, updated_at = EXCLUDED.updated_at`,
		accountID, counterpartID, threadID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upserting mapping for %s/%s: %w", accountID, counterpartID, err)
	}
	log.Debug().
		Str("accountID", accountID).
		Str("counterpartID", counterpartID).
		Str("threadID", threadID).
		Msg("Conversation mapping stored")
	return nil
}

// Mappings returns every learned mapping for an account.
func (s *Store) Mappings(ctx context.Context, accountID string) ([]models.ConversationMapping, error) {
	var rows []models.ConversationMapping
	err := s.db.SelectContext(ctx, &rows,
		`SELECT account_id, counterpart_id, thread_id, updated_at
		 FROM conversation_mappings WHERE account_id = $1`, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing mappings for %s: %w", accountID, err)
	}
	return rows, nil
}

// Tokens is the CRM credential pair for one account.
type Tokens struct {
	AccessToken  string `db:"access_token"`
	RefreshToken string `db:"refresh_token"`
}

func (s *Store) ensureAccount(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (account_id, updated_at) VALUES ($1, $2)
		 ON CONFLICT (account_id) DO NOTHING`,
		accountID, time.Now().UTC())
	return err
}

// GetTokens returns the stored CRM tokens for an account; zero-valued when
// the account is unknown.
func (s *Store) GetTokens(ctx context.Context, accountID string) (Tokens, error) {
	var t Tokens
	err := s.db.GetContext(ctx, &t,
		`SELECT access_token, refresh_token FROM accounts WHERE account_id = $1`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return Tokens{}, nil
	}
	if err != nil {
		return Tokens{}, fmt.Errorf("loading tokens for %s: %w", accountID, err)
	}
	return t, nil
}

// SaveTokens stores the CRM tokens for an account, last write wins.
func (s *Store) SaveTokens(ctx context.Context, accountID string, t Tokens) error {
	if err := s.ensureAccount(ctx, accountID); err != nil {
		return fmt.Errorf("ensuring account %s: %w", accountID, err)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET access_token = $1, refresh_token = $2, updated_at = $3 WHERE account_id = $4`,
		t.AccessToken, t.RefreshToken, time.Now().UTC(), accountID)
	if err != nil {
		return fmt.Errorf("saving tokens for %s: %w", accountID, err)
	}
	return nil
}

// GetScope returns the bound CRM integration scope id for an account, or ""
// when none is bound.
func (s *Store) GetScope(ctx context.Context, accountID string) (string, error) {
	var scope string
	err := s.db.GetContext(ctx, &scope,
		`SELECT scope_id FROM accounts WHERE account_id = $1`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading scope for %s: %w", accountID, err)
	}
	return scope, nil
}

// SaveScope binds a CRM integration scope id to an account.
func (s *Store) SaveScope(ctx context.Context, accountID, scopeID string) error {
	if err := s.ensureAccount(ctx, accountID); err != nil {
		return fmt.Errorf("ensuring account %s: %w", accountID, err)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET scope_id = $1, updated_at = $2 WHERE account_id = $3`,
		scopeID, time.Now().UTC(), accountID)
	if err != nil {
		return fmt.Errorf("saving scope for %s: %w", accountID, err)
	}
	return nil
}

// GetDevice returns the stored protocol device reference for an account.
func (s *Store) GetDevice(ctx context.Context, accountID string) (string, error) {
	var ref string
	err := s.db.GetContext(ctx, &ref,
		`SELECT device_ref FROM accounts WHERE account_id = $1`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading device ref for %s: %w", accountID, err)
	}
	return ref, nil
}

// SaveDevice stores the protocol device reference (the messaging-network
// identity) for an account.
func (s *Store) SaveDevice(ctx context.Context, accountID, deviceRef string) error {
	if err := s.ensureAccount(ctx, accountID); err != nil {
		return fmt.Errorf("ensuring account %s: %w", accountID, err)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET device_ref = $1, updated_at = $2 WHERE account_id = $3`,
		deviceRef, time.Now().UTC(), accountID)
	if err != nil {
		return fmt.Errorf("saving device ref for %s: %w", accountID, err)
	}
	return nil
}

// DeleteAccount removes an account's credential row. Learned conversation
// mappings are kept; they are harmless and may be useful on re-add.
func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE account_id = $1`, accountID)
	if err != nil {
		return fmt.Errorf("deleting account %s: %w", accountID, err)
	}
	return nil
}

// AccountIDs lists every account with stored credentials, used to rebuild
// sessions on startup.
func (s *Store) AccountIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT account_id FROM accounts`); err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	return ids, nil
}
