package scylla

import (
	"context"
	"fmt"

	"family-vault/internal/model"
)

type PasswordRecordRepository struct {
	client *ScyllaClient
}

func NewPasswordRecordRepository(client *ScyllaClient) *PasswordRecordRepository {
	return &PasswordRecordRepository{client: client}
}

var _ model.PasswordRecordRepository = (*PasswordRecordRepository)(nil)

func (r *PasswordRecordRepository) Create(ctx context.Context, rec *model.PasswordRecord) error {
	applied, err := r.client.Query(ctx, r.client.Statements.CreateRecord,
		rec.RecordID, rec.OwnerID, rec.Title, rec.CategoryID, rec.Ciphertext, rec.Salt, rec.IV, rec.MAC,
		rec.Strength, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to create password record: %w", err)
	}
	if !applied {
		return fmt.Errorf("record %s: %w", rec.RecordID, model.ErrAlreadyExists)
	}
	return nil
}

// List returns every record in the vault.
func (r *PasswordRecordRepository) List(ctx context.Context) ([]*model.PasswordRecord, error) {
	iter := r.client.Query(ctx, r.client.Statements.ListRecords).Iter()
	var out []*model.PasswordRecord
	for {
		var rec model.PasswordRecord
		if !iter.Scan(&rec.RecordID, &rec.OwnerID, &rec.Title, &rec.CategoryID, &rec.Ciphertext,
			&rec.Salt, &rec.IV, &rec.MAC, &rec.Strength, &rec.CreatedAt, &rec.UpdatedAt) {
			break
		}
		out = append(out, &rec)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list password records: %w", err)
	}
	return out, nil
}
