package storage

import (
	"context"
	"fmt"

	"go-persister/pkg/models"

	"github.com/google/uuid"
)

const messagesTableName = "messages"

// Messages is the durable envelope store. Writes are idempotent by guid.
type Messages struct {
	table *postgresTable
}

func NewMessages(dsn string) (*Messages, error) {
	table, err := newPostgresTable(dsn, messagesTableName, messagesSchema)
	if err != nil {
		return nil, err
	}
	return &Messages{table: table}, nil
}

func messagesSchema(table string) []string {
	quoted := postgresQuoteIdentifier(table)
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				guid UUID NOT NULL UNIQUE,
				type INTEGER NOT NULL,
				relay TEXT NOT NULL DEFAULT '',
				timestamp BIGINT NOT NULL,
				server_timestamp BIGINT NOT NULL,
				source TEXT NOT NULL DEFAULT '',
				source_uuid TEXT NOT NULL DEFAULT '',
				source_device INTEGER NOT NULL DEFAULT 0,
				destination TEXT NOT NULL,
				destination_device BIGINT NOT NULL,
				message BYTEA,
				content BYTEA
			)`, quoted),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (destination, destination_device, id)`,
			postgresQuoteIdentifier(table+"_destination_idx"), quoted),
	}
}

// Store writes one envelope for destination/deviceID. Storing a guid that
// already exists is a no-op, so a drain interrupted between store and cache
// removal can be safely repeated.
func (m *Messages) Store(ctx context.Context, guid uuid.UUID, envelope models.Envelope, destination string, deviceID int64) error {
	db, err := m.table.ensureReady(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (guid, type, relay, timestamp, server_timestamp, source, source_uuid, source_device,
			destination, destination_device, message, content)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (guid) DO NOTHING`, m.table.quotedName())

	_, err = db.ExecContext(ctx, query,
		guid.String(),
		int(envelope.Type),
		envelope.Relay,
		envelope.Timestamp,
		envelope.ServerTimestamp,
		envelope.Source,
		envelope.SourceUUID,
		int64(envelope.SourceDevice),
		destination,
		deviceID,
		envelope.LegacyMessage,
		envelope.Content,
	)
	if err != nil {
		return fmt.Errorf("store message %s: %w", guid, err)
	}
	return nil
}

// Load returns up to limit stored envelopes for a device, oldest first.
func (m *Messages) Load(ctx context.Context, destination string, deviceID int64, limit int) ([]models.Envelope, error) {
	db, err := m.table.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT guid, type, relay, timestamp, server_timestamp, source, source_uuid, source_device, message, content
		FROM %s
		WHERE destination = $1 AND destination_device = $2
		ORDER BY id
		LIMIT $3`, m.table.quotedName())

	rows, err := db.QueryContext(ctx, query, destination, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("load messages for %s.%d: %w", destination, deviceID, err)
	}
	defer rows.Close()

	var envelopes []models.Envelope
	for rows.Next() {
		var (
			envelope     models.Envelope
			envelopeType int
			sourceDevice int64
			message      []byte
			content      []byte
		)
		if err := rows.Scan(
			&envelope.ServerGUID,
			&envelopeType,
			&envelope.Relay,
			&envelope.Timestamp,
			&envelope.ServerTimestamp,
			&envelope.Source,
			&envelope.SourceUUID,
			&sourceDevice,
			&message,
			&content,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		envelope.Type = models.EnvelopeType(envelopeType)
		envelope.SourceDevice = uint32(sourceDevice)
		envelope.LegacyMessage = message
		envelope.Content = content
		envelopes = append(envelopes, envelope)
	}
	return envelopes, rows.Err()
}

func (m *Messages) Close() error {
	return m.table.Close()
}
