package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"

	"github.com/jackmusick/bifrost-core/internal/crypto"
	"github.com/jackmusick/bifrost-core/internal/errorkind"
	"github.com/jackmusick/bifrost-core/internal/model"
)

// ─── Configuration entry CRUD (spec §3 "Configuration entry", §4.2) ───

type configEntryRow struct {
	ID             string         `db:"id"`
	OrganizationID sql.NullString `db:"organization_id"`
	KeyName        string         `db:"key_name"`
	Value          string         `db:"value"`
	Type           string         `db:"type"`
	Description    string         `db:"description"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

var configEntryColumns = []any{"id", "organization_id", "key_name", "value", "type", "description", "created_at", "updated_at"}

func scanConfigEntryRow(scan func(dest ...any) error) (*configEntryRow, error) {
	var row configEntryRow
	err := scan(&row.ID, &row.OrganizationID, &row.KeyName, &row.Value, &row.Type, &row.Description, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListConfigScope returns every entry visible for scope orgID — spec §4.2's
// "load_scope" fills the Redis hash from exactly this query, org rows and
// global rows both present so the resolver can still fall back per key.
//
// Secret-typed values are returned still encrypted (spec §4.2: "secret
// values are returned still encrypted" from load_scope; only get() applying
// §6's parsing/decryption rules may produce cleartext). This is what keeps
// internal/configresolver's Redis cache (bifrost:config:{scope}) from ever
// holding a secret in the clear — spec §8 property 8 and scenario S4 both
// turn on this.
func (p *Postgres) ListConfigScope(ctx context.Context, orgID *string) ([]model.ConfigEntry, error) {
	expr := goqu.Or(goqu.I("organization_id").IsNull())
	if orgID != nil {
		expr = goqu.Or(goqu.I("organization_id").IsNull(), goqu.I("organization_id").Eq(*orgID))
	}

	query, _, err := p.goqu.From(p.tableConfigEntries).
		Select(configEntryColumns...).
		Where(expr).
		Order(goqu.I("key_name").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list config scope query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list config scope: %w", err)
	}
	defer rows.Close()

	var result []model.ConfigEntry
	for rows.Next() {
		row, err := scanConfigEntryRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan config entry row: %w", err)
		}
		rec, err := configEntryRowToModel(*row, nil)
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}

	return result, rows.Err()
}

func (p *Postgres) GetConfigEntry(ctx context.Context, id string) (*model.ConfigEntry, error) {
	query, _, err := p.goqu.From(p.tableConfigEntries).
		Select(configEntryColumns...).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get config entry query: %w", err)
	}

	row, err := scanConfigEntryRow(p.db.QueryRowContext(ctx, query).Scan)
	if err != nil {
		return nil, fmt.Errorf("get config entry %q: %w", id, err)
	}
	if row == nil {
		return nil, nil
	}

	return configEntryRowToModel(*row, p.encryptionKey())
}

// getConfigEntryByKey is the scopedlookup.Query building block: exactly one
// scope (global when orgID is nil, that org otherwise), one key_name.
func (p *Postgres) getConfigEntryByKey(ctx context.Context, orgID *string, key string) (*model.ConfigEntry, error) {
	whereOrg := goqu.I("organization_id").IsNull()
	if orgID != nil {
		whereOrg = goqu.I("organization_id").Eq(*orgID)
	}

	query, _, err := p.goqu.From(p.tableConfigEntries).
		Select(configEntryColumns...).
		Where(whereOrg, goqu.I("key_name").Eq(key)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get config entry by key query: %w", err)
	}

	row, err := scanConfigEntryRow(p.db.QueryRowContext(ctx, query).Scan)
	if err != nil {
		return nil, fmt.Errorf("get config entry by key %q: %w", key, err)
	}
	if row == nil {
		return nil, nil
	}

	return configEntryRowToModel(*row, p.encryptionKey())
}

// GlobalConfigEntry and OrgConfigEntry are the two lookups that
// internal/repository.GetConfigEntryByKey composes via scopedlookup.Lookup.
// OrgConfigEntry with a nil orgID queries the global scope.
func (p *Postgres) GlobalConfigEntry(ctx context.Context, _ *string, key string) (*model.ConfigEntry, error) {
	return p.getConfigEntryByKey(ctx, nil, key)
}

func (p *Postgres) OrgConfigEntry(ctx context.Context, orgID *string, key string) (*model.ConfigEntry, error) {
	return p.getConfigEntryByKey(ctx, orgID, key)
}

func (p *Postgres) CreateConfigEntry(ctx context.Context, entry model.ConfigEntry) (*model.ConfigEntry, error) {
	storeValue, err := encryptConfigValue(entry.Value, entry.Type, p.encryptionKey())
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	record := goqu.Record{
		"id":          id,
		"key_name":    entry.KeyName,
		"value":       storeValue,
		"type":        string(entry.Type),
		"description": entry.Description,
		"created_at":  now,
		"updated_at":  now,
	}
	if entry.OrganizationID != nil {
		record["organization_id"] = *entry.OrganizationID
	} else {
		record["organization_id"] = nil
	}

	query, _, err := p.goqu.Insert(p.tableConfigEntries).Rows(record).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert config entry query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create config entry %q: %w", entry.KeyName, err)
	}

	return p.GetConfigEntry(ctx, id)
}

func (p *Postgres) UpdateConfigEntry(ctx context.Context, id string, entry model.ConfigEntry) (*model.ConfigEntry, error) {
	storeValue, err := encryptConfigValue(entry.Value, entry.Type, p.encryptionKey())
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	query, _, err := p.goqu.Update(p.tableConfigEntries).Set(
		goqu.Record{
			"value":       storeValue,
			"type":        string(entry.Type),
			"description": entry.Description,
			"updated_at":  now,
		},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update config entry query: %w", err)
	}

	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("update config entry %q: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, errorkind.NotFound(fmt.Sprintf("config entry %q not found", id))
	}

	return p.GetConfigEntry(ctx, id)
}

func (p *Postgres) DeleteConfigEntry(ctx context.Context, id string) error {
	query, _, err := p.goqu.Delete(p.tableConfigEntries).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete config entry query: %w", err)
	}

	_, err = p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete config entry %q: %w", id, err)
	}

	return nil
}

func configEntryRowToModel(row configEntryRow, encKey []byte) (*model.ConfigEntry, error) {
	value := row.Value
	if model.ConfigValueType(row.Type) == model.ConfigTypeSecret && encKey != nil && crypto.IsEncrypted(value) {
		decrypted, err := crypto.Decrypt(value, encKey)
		if err != nil {
			return nil, errorkind.Decryption(fmt.Sprintf("decrypt config entry %q: %v", row.KeyName, err))
		}
		value = decrypted
	}

	var orgID *string
	if row.OrganizationID.Valid {
		v := row.OrganizationID.String
		orgID = &v
	}

	return &model.ConfigEntry{
		ID:             row.ID,
		OrganizationID: orgID,
		KeyName:        row.KeyName,
		Value:          value,
		Type:           model.ConfigValueType(row.Type),
		Description:    row.Description,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}, nil
}

// encryptConfigValue encrypts value only when typ is the secret type and an
// encryption key is configured (spec §3: "secret values are stored through
// crypto.Encrypt; every other type stores its raw textual form").
func encryptConfigValue(value string, typ model.ConfigValueType, encKey []byte) (string, error) {
	if typ != model.ConfigTypeSecret || encKey == nil || value == "" {
		return value, nil
	}
	encrypted, err := crypto.Encrypt(value, encKey)
	if err != nil {
		return "", fmt.Errorf("encrypt config value: %w", err)
	}
	return encrypted, nil
}

// RotateEncryptionKey decrypts every secret-typed config_entries row with the
// current key, re-encrypts with newKey, and commits atomically. Passing nil
// disables encryption for secret values going forward (stored as plaintext).
func (p *Postgres) RotateEncryptionKey(ctx context.Context, newKey []byte) error {
	p.encKeyMu.Lock()
	defer p.encKeyMu.Unlock()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	selectQuery, _, err := p.goqu.From(p.tableConfigEntries).
		Select("id", "key_name", "value").
		Where(goqu.I("type").Eq(string(model.ConfigTypeSecret))).
		ForUpdate(exp.Wait).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build select query: %w", err)
	}

	rows, err := tx.QueryContext(ctx, selectQuery)
	if err != nil {
		return fmt.Errorf("list secret config entries for rotation: %w", err)
	}

	type rowData struct {
		id    string
		key   string
		value string
	}

	var allRows []rowData
	for rows.Next() {
		var r rowData
		if err := rows.Scan(&r.id, &r.key, &r.value); err != nil {
			rows.Close()
			return fmt.Errorf("scan config entry row: %w", err)
		}
		allRows = append(allRows, r)
	}
	rows.Close()

	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate config entry rows: %w", err)
	}

	for _, r := range allRows {
		plain := r.value
		if p.encKey != nil && crypto.IsEncrypted(plain) {
			decrypted, err := crypto.Decrypt(plain, p.encKey)
			if err != nil {
				return fmt.Errorf("decrypt config entry %q: %w", r.key, err)
			}
			plain = decrypted
		}

		newValue, err := encryptConfigValue(plain, model.ConfigTypeSecret, newKey)
		if err != nil {
			return fmt.Errorf("re-encrypt config entry %q: %w", r.key, err)
		}

		updateQuery, _, err := p.goqu.Update(p.tableConfigEntries).Set(
			goqu.Record{"value": newValue},
		).Where(goqu.I("id").Eq(r.id)).ToSQL()
		if err != nil {
			return fmt.Errorf("build update query for %q: %w", r.key, err)
		}

		if _, err := tx.ExecContext(ctx, updateQuery); err != nil {
			return fmt.Errorf("update config entry %q: %w", r.key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	p.encKey = newKey

	return nil
}
