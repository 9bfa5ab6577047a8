package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go-persister/pkg/models"

	"github.com/google/uuid"
)

const accountsTableName = "accounts"

// Accounts is the account directory. Devices are kept as a JSON document.
type Accounts struct {
	table *postgresTable
}

func NewAccounts(dsn string) (*Accounts, error) {
	table, err := newPostgresTable(dsn, accountsTableName, accountsSchema)
	if err != nil {
		return nil, err
	}
	return &Accounts{table: table}, nil
}

func accountsSchema(table string) []string {
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				uuid UUID PRIMARY KEY,
				number TEXT NOT NULL UNIQUE,
				data JSONB NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(table)),
	}
}

type accountData struct {
	Devices []models.Device `json:"devices"`
}

// Get looks up an account by uuid. A missing account is reported with
// found=false and a nil error.
func (a *Accounts) Get(ctx context.Context, accountUUID uuid.UUID) (models.Account, bool, error) {
	return a.getBy(ctx, "uuid", accountUUID.String())
}

// GetByNumber looks up an account by its routable address.
func (a *Accounts) GetByNumber(ctx context.Context, number string) (models.Account, bool, error) {
	return a.getBy(ctx, "number", number)
}

func (a *Accounts) getBy(ctx context.Context, column, value string) (models.Account, bool, error) {
	db, err := a.table.ensureReady(ctx)
	if err != nil {
		return models.Account{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT uuid, number, data FROM %s WHERE %s = $1", a.table.quotedName(), postgresQuoteIdentifier(column))

	var (
		rawUUID string
		number  string
		payload []byte
	)
	err = db.QueryRowContext(ctx, query, value).Scan(&rawUUID, &number, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, false, nil
	}
	if err != nil {
		return models.Account{}, false, fmt.Errorf("get account by %s: %w", column, err)
	}

	accountUUID, err := uuid.Parse(rawUUID)
	if err != nil {
		return models.Account{}, false, fmt.Errorf("parse account uuid %q: %w", rawUUID, err)
	}
	var data accountData
	if err := json.Unmarshal(payload, &data); err != nil {
		return models.Account{}, false, fmt.Errorf("decode account %s: %w", accountUUID, err)
	}

	return models.Account{UUID: accountUUID, Number: number, Devices: data.Devices}, true, nil
}

// Upsert creates or replaces an account record.
func (a *Accounts) Upsert(ctx context.Context, account models.Account) error {
	if account.UUID == uuid.Nil || account.Number == "" {
		return ErrInvalidInput
	}
	db, err := a.table.ensureReady(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(accountData{Devices: account.Devices})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (uuid, number, data, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (uuid)
		DO UPDATE SET number = EXCLUDED.number, data = EXCLUDED.data, updated_at = NOW()`, a.table.quotedName())
	if _, err := db.ExecContext(ctx, query, account.UUID.String(), account.Number, string(payload)); err != nil {
		return fmt.Errorf("upsert account %s: %w", account.UUID, err)
	}
	return nil
}

func (a *Accounts) Close() error {
	return a.table.Close()
}
