package kv

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wfnet/wfnet/engine/storage"
)

// caseIndex is the per-case index record in the cases bucket.
type caseIndex struct {
	LastSeq uint64 `json:"last_seq"`
}

func eventKey(caseID string, seq uint64) string {
	// zero-padded so keys sort by sequence where the underlying store
	// happens to order them; correctness does not depend on it
	return fmt.Sprintf("%s.%020d", caseID, seq)
}

func (s *KV) getIndex(ctx context.Context, caseID string) (caseIndex, bool, error) {
	var idx caseIndex
	ok, err := s.cases.Has(ctx, caseID)
	if err != nil {
		return idx, false, fmt.Errorf("checking case index for %s: %w", caseID, err)
	}
	if !ok {
		return idx, false, nil
	}
	raw, err := s.cases.Get(ctx, caseID)
	if err != nil {
		return idx, false, fmt.Errorf("getting case index for %s: %w", caseID, err)
	}
	if err = json.Unmarshal(raw, &idx); err != nil {
		return idx, false, fmt.Errorf("decoding case index for %s: %w", caseID, err)
	}
	return idx, true, nil
}

func (s *KV) setIndex(ctx context.Context, caseID string, idx caseIndex) error {
	raw, err := json.Marshal(&idx)
	if err != nil {
		return fmt.Errorf("encoding case index for %s: %w", caseID, err)
	}
	if err = s.cases.Set(ctx, caseID, raw); err != nil {
		return fmt.Errorf("setting case index for %s: %w", caseID, err)
	}
	return nil
}

// AppendEvents implements the storage interface method.
func (s *KV) AppendEvents(ctx context.Context, events []*storage.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
		idx, _, err := s.getIndex(ctx, e.CaseID)
		if err != nil {
			return err
		}
		if e.Seq != idx.LastSeq+1 {
			return fmt.Errorf("%w: case %s got %d want %d",
				storage.ErrOutOfOrderEvent, e.CaseID, e.Seq, idx.LastSeq+1)
		}
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encoding event %s: %w", e.ID, err)
		}
		if err = s.events.Set(ctx, eventKey(e.CaseID, e.Seq), raw); err != nil {
			return fmt.Errorf("setting event %s: %w", e.ID, err)
		}
		idx.LastSeq = e.Seq
		if err = s.setIndex(ctx, e.CaseID, idx); err != nil {
			return err
		}
	}
	return nil
}

// RetrieveEvents implements the storage interface method.
func (s *KV) RetrieveEvents(ctx context.Context, caseID string, fromSeq uint64) ([]*storage.Event, error) {
	if caseID == "" {
		return nil, storage.ErrMissingCaseID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok, err := s.getIndex(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNoSuchCase, caseID)
	}
	if fromSeq < 1 {
		fromSeq = 1
	}
	var events []*storage.Event
	for seq := fromSeq; seq <= idx.LastSeq; seq++ {
		raw, err := s.events.Get(ctx, eventKey(caseID, seq))
		if err != nil {
			return events, fmt.Errorf("getting event %d for %s: %w", seq, caseID, err)
		}
		e := new(storage.Event)
		if err = json.Unmarshal(raw, e); err != nil {
			return events, fmt.Errorf("decoding event %d for %s: %w", seq, caseID, err)
		}
		events = append(events, e)
	}
	return events, nil
}

// RetrieveCaseIDs implements the storage interface method.
func (s *KV) RetrieveCaseIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cancel := make(chan struct{})
	defer close(cancel)
	var ids []string
	for id := range s.cases.Keys(cancel) {
		ids = append(ids, id)
	}
	return ids, nil
}
