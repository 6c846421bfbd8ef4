// Package accounts persists gateway account records and notifies the rest
// of the system when they change.
package accounts

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/quotehub/internal/database"
	"github.com/aristath/quotehub/internal/domain"
	"github.com/aristath/quotehub/internal/events"
	"github.com/rs/zerolog"
)

// schema is the single source of truth for the accounts table.
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id           TEXT PRIMARY KEY,
    gateway_type TEXT NOT NULL,
    settings     TEXT NOT NULL DEFAULT '{}',
    priority     INTEGER NOT NULL DEFAULT 1,
    enabled      INTEGER NOT NULL DEFAULT 1,
    description  TEXT NOT NULL DEFAULT '',
    created_at   TEXT NOT NULL,
    updated_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_accounts_enabled
    ON accounts(enabled, gateway_type, priority, id);
`

// accountColumns avoids SELECT * which can break when the schema changes.
// Column order must match scanAccount.
const accountColumns = `id, gateway_type, settings, priority, enabled, description, created_at, updated_at`

// Repository handles account database operations. All writes are
// transactional; the corresponding AccountMutated event is published only
// after the commit succeeds.
type Repository struct {
	db  *database.DB
	bus *events.Bus
	log zerolog.Logger
}

// NewRepository creates a new account repository and applies the schema.
func NewRepository(db *database.DB, bus *events.Bus, log zerolog.Logger) (*Repository, error) {
	if _, err := db.Conn().Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply accounts schema: %w", err)
	}
	return &Repository{
		db:  db,
		bus: bus,
		log: log.With().Str("repo", "accounts").Logger(),
	}, nil
}

// List returns all accounts ordered by (gateway_type, priority, id).
func (r *Repository) List() ([]domain.Account, error) {
	return r.list("SELECT " + accountColumns + " FROM accounts ORDER BY gateway_type, priority, id")
}

// ListEnabled returns enabled accounts ordered by (gateway_type, priority, id).
// Priority ties resolve by id, which keeps source election stable.
func (r *Repository) ListEnabled() ([]domain.Account, error) {
	return r.list("SELECT " + accountColumns + " FROM accounts WHERE enabled = 1 ORDER BY gateway_type, priority, id")
}

func (r *Repository) list(query string) ([]domain.Account, error) {
	rows, err := r.db.Conn().Query(query)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query accounts: %v", domain.ErrDependencyUnavailable, err)
	}
	defer rows.Close()

	var result []domain.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		result = append(result, account)
	}
	return result, rows.Err()
}

// Get returns the account with the given id.
func (r *Repository) Get(id string) (*domain.Account, error) {
	rows, err := r.db.Conn().Query("SELECT "+accountColumns+" FROM accounts WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query account: %v", domain.ErrDependencyUnavailable, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("%w: account %q", domain.ErrNotFound, id)
	}
	account, err := scanAccount(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	return &account, nil
}

// Create inserts a new account. Fails with Duplicate when the id exists.
func (r *Repository) Create(account domain.Account) (*domain.Account, error) {
	if err := validate(&account); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now

	settingsJSON, err := json.Marshal(settingsOrEmpty(account.Settings))
	if err != nil {
		return nil, fmt.Errorf("failed to encode settings: %w", err)
	}

	err = database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow("SELECT COUNT(1) FROM accounts WHERE id = ?", account.ID).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("%w: account %q", domain.ErrDuplicate, account.ID)
		}
		_, err := tx.Exec(
			`INSERT INTO accounts (id, gateway_type, settings, priority, enabled, description, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			account.ID, string(account.GatewayType), string(settingsJSON), account.Priority,
			boolToInt(account.Enabled), account.Description,
			now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	r.log.Info().Str("account_id", account.ID).Str("gateway_type", string(account.GatewayType)).Msg("Account created")
	r.bus.Publish("accounts", &events.AccountMutatedData{
		AccountID: account.ID,
		Mutation:  "created",
		Account:   redacted(&account),
	})
	return &account, nil
}

// Update applies a partial update to an existing account. Unset fields keep
// their stored values.
type Update struct {
	GatewayType *domain.GatewayType `json:"gateway_type,omitempty"`
	Settings    *map[string]string  `json:"settings,omitempty"`
	Priority    *int                `json:"priority,omitempty"`
	Enabled     *bool               `json:"enabled,omitempty"`
	Description *string             `json:"description,omitempty"`
}

// Update mutates the stored account and returns the updated record.
func (r *Repository) Update(id string, patch Update) (*domain.Account, error) {
	var updated *domain.Account

	err := database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
		rows, err := tx.Query("SELECT "+accountColumns+" FROM accounts WHERE id = ?", id)
		if err != nil {
			return err
		}
		if !rows.Next() {
			rows.Close()
			return fmt.Errorf("%w: account %q", domain.ErrNotFound, id)
		}
		account, err := scanAccount(rows)
		rows.Close()
		if err != nil {
			return err
		}

		if patch.GatewayType != nil {
			account.GatewayType = *patch.GatewayType
		}
		if patch.Settings != nil {
			account.Settings = *patch.Settings
		}
		if patch.Priority != nil {
			account.Priority = *patch.Priority
		}
		if patch.Enabled != nil {
			account.Enabled = *patch.Enabled
		}
		if patch.Description != nil {
			account.Description = *patch.Description
		}
		if err := validate(&account); err != nil {
			return err
		}
		account.UpdatedAt = time.Now().UTC()

		settingsJSON, err := json.Marshal(settingsOrEmpty(account.Settings))
		if err != nil {
			return fmt.Errorf("failed to encode settings: %w", err)
		}

		_, err = tx.Exec(
			`UPDATE accounts SET gateway_type = ?, settings = ?, priority = ?, enabled = ?, description = ?, updated_at = ?
			 WHERE id = ?`,
			string(account.GatewayType), string(settingsJSON), account.Priority,
			boolToInt(account.Enabled), account.Description,
			account.UpdatedAt.Format(time.RFC3339Nano), id,
		)
		updated = &account
		return err
	})
	if err != nil {
		return nil, err
	}

	r.log.Info().Str("account_id", id).Msg("Account updated")
	r.bus.Publish("accounts", &events.AccountMutatedData{
		AccountID: id,
		Mutation:  "updated",
		Account:   redacted(updated),
	})
	return updated, nil
}

// Delete removes an account. Deleting an account whose session is running is
// allowed; the supervisor tears the session down on the mutation event.
func (r *Repository) Delete(id string) error {
	err := database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM accounts WHERE id = ?", id)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: account %q", domain.ErrNotFound, id)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.log.Info().Str("account_id", id).Msg("Account deleted")
	r.bus.Publish("accounts", &events.AccountMutatedData{
		AccountID: id,
		Mutation:  "deleted",
	})
	return nil
}

// validate applies the account invariants shared by Create and Update.
func validate(a *domain.Account) error {
	if a.ID == "" {
		return domain.Validationf("account id is required")
	}
	if !a.GatewayType.Valid() {
		return domain.Validationf("unknown gateway_type %q", a.GatewayType)
	}
	if a.Priority < 1 {
		return domain.Validationf("priority must be >= 1, got %d", a.Priority)
	}
	return nil
}

// redacted returns a copy safe to put on the bus: credentials never leave
// the store through events.
func redacted(a *domain.Account) *domain.Account {
	if a == nil {
		return nil
	}
	c := *a
	c.Settings = nil
	return &c
}

func settingsOrEmpty(s map[string]string) map[string]string {
	if s == nil {
		return map[string]string{}
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// scanAccount reads one account row. Works for both Query and QueryRow
// result shapes via the *sql.Rows cursor.
func scanAccount(rows *sql.Rows) (domain.Account, error) {
	var (
		account      domain.Account
		gatewayType  string
		settingsJSON string
		enabled      int
		createdAt    string
		updatedAt    string
	)
	if err := rows.Scan(&account.ID, &gatewayType, &settingsJSON, &account.Priority,
		&enabled, &account.Description, &createdAt, &updatedAt); err != nil {
		return account, err
	}

	account.GatewayType = domain.GatewayType(gatewayType)
	account.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(settingsJSON), &account.Settings); err != nil {
		return account, fmt.Errorf("corrupt settings blob for %s: %w", account.ID, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		account.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		account.UpdatedAt = t
	}
	return account, nil
}
