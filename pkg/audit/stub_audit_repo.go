package audit

import (
	"context"
	"database/sql"
	"time"
)

type StubRepo struct {
	Entries []Entry
}

func NewStubRepo() *StubRepo {
	return &StubRepo{}
}

func (s *StubRepo) Append(ctx context.Context, entry Entry) error {
	s.Entries = append(s.Entries, entry)
	return nil
}

func (s *StubRepo) FindByEntity(ctx context.Context, entityType, entityID string) ([]Entry, error) {
	var entries []Entry
	for _, e := range s.Entries {
		if e.EntityType == entityType && e.EntityID == entityID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (s *StubRepo) FindByActor(ctx context.Context, actorID string, limit int) ([]Entry, error) {
	var entries []Entry
	for _, e := range s.Entries {
		if e.ActorID == actorID {
			entries = append(entries, e)
		}
		if len(entries) == limit {
			break
		}
	}
	return entries, nil
}

func (s *StubRepo) Archive(ctx context.Context, before time.Time) (int64, error) {
	var archived int64
	for i, e := range s.Entries {
		if !e.Archived && e.CreatedAt.Before(before) {
			s.Entries[i].Archived = true
			archived++
		}
	}
	return archived, nil
}

func (s *StubRepo) WithTx(tx *sql.Tx) Repo {
	return s
}

func (s *StubRepo) Cleanup() {
	s.Entries = nil
}

// LastEntry returns the most recently appended entry, or false when empty.
func (s *StubRepo) LastEntry() (Entry, bool) {
	if len(s.Entries) == 0 {
		return Entry{}, false
	}
	return s.Entries[len(s.Entries)-1], true
}
