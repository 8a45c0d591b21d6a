package scylla

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gocql/gocql"

	"family-vault/internal/model"
)

// SecurityEventRepository appends events to a day/bucket partitioned table and
// a per-member timeline.
type SecurityEventRepository struct {
	client *ScyllaClient
}

func NewSecurityEventRepository(client *ScyllaClient) *SecurityEventRepository {
	return &SecurityEventRepository{client: client}
}

var _ model.SecurityEventRepository = (*SecurityEventRepository)(nil)

func (r *SecurityEventRepository) Append(ctx context.Context, e *model.SecurityEvent) error {
	st := r.client.Statements
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to encode event details: %w", err)
	}
	ts := e.Timestamp.UTC()

	batch := r.client.Session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	batch.Query(st.AppendEvent, e.EventDate(),
		e.EventID, e.EventBucket, e.MemberID, e.Action, e.Success, e.IPAddress, e.UserAgent, string(details), ts)
	if e.MemberID != "" {
		batch.Query(st.AppendMemberEvent,
			e.EventID, e.EventBucket, e.MemberID, e.Action, e.Success, e.IPAddress, e.UserAgent, string(details), ts)
	}
	if err := r.client.Session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to append security event: %w", err)
	}
	return nil
}

// ListByMember returns the member's newest events first.
func (r *SecurityEventRepository) ListByMember(ctx context.Context, memberID string, limit int) ([]*model.SecurityEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	iter := r.client.Query(ctx, r.client.Statements.ListMemberEvents, memberID, limit).Iter()

	var out []*model.SecurityEvent
	for {
		var (
			e       model.SecurityEvent
			details string
		)
		if !iter.Scan(&e.EventID, &e.EventBucket, &e.MemberID, &e.Action, &e.Success,
			&e.IPAddress, &e.UserAgent, &details, &e.Timestamp) {
			break
		}
		if details != "" && details != "null" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				_ = iter.Close()
				return nil, fmt.Errorf("failed to decode event details: %w", err)
			}
		}
		out = append(out, &e)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	return out, nil
}
