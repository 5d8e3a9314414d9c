package participant

import (
	"context"
	"fmt"
	"time"

	"github.com/yellowfun/session_layer/supabase/client"
)

const participantsTable = "participants"

// SupabaseStore persists participants in a PostgREST-backed table with a
// unique constraint on address.
type SupabaseStore struct {
	client *client.Client
	now    func() time.Time
}

// NewSupabaseStore creates a store backed by the given Supabase client.
func NewSupabaseStore(c *client.Client) *SupabaseStore {
	return &SupabaseStore{client: c, now: time.Now}
}

type participantRow struct {
	Address  string `json:"address"`
	JoinedAt string `json:"joined_at"`
}

// Upsert inserts the participant, merging on address so repeated
// authentications are a no-op.
func (s *SupabaseStore) Upsert(ctx context.Context, address string) error {
	addr, err := Canonicalize(address)
	if err != nil {
		return err
	}

	row := participantRow{
		Address:  addr,
		JoinedAt: s.now().UTC().Format(time.RFC3339Nano),
	}
	resp, err := s.client.From(participantsTable).
		Upsert("address").
		ExecuteInsert(ctx, row)
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	if err := resp.Error(); err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

// List returns all participants ordered by join time ascending.
func (s *SupabaseStore) List(ctx context.Context) ([]Participant, error) {
	resp, err := s.client.From(participantsTable).
		Select("address,joined_at").
		Order("joined_at", true).
		Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	if err := resp.Error(); err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}

	var rows []participantRow
	if err := resp.JSON(&rows); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}

	out := make([]Participant, 0, len(rows))
	for _, r := range rows {
		joined, err := time.Parse(time.RFC3339Nano, r.JoinedAt)
		if err != nil {
			joined, err = time.Parse(time.RFC3339, r.JoinedAt)
			if err != nil {
				return nil, fmt.Errorf("decode participant %s join time: %w", r.Address, err)
			}
		}
		out = append(out, Participant{Address: r.Address, JoinedAt: joined})
	}
	return out, nil
}
