package workflow

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/fiscora/fiscora/internal/test_utils"
	"github.com/fiscora/fiscora/internal/utils"
	"github.com/fiscora/fiscora/pkg/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSubject is a minimal workflow-bearing entity backed by testStore.
type testSubject struct {
	id      string
	state   string
	version int
}

func (s *testSubject) Ref() Ref {
	return Ref{EntityType: "grn", EntityID: s.id}
}

func (s *testSubject) State() string { return s.state }
func (s *testSubject) Version() int  { return s.version }

// testStore keeps states in memory with the same compare-and-swap semantics as
// the SQL stores.
type testStore struct {
	states   map[string]string
	versions map[string]int
}

func newTestStore() *testStore {
	return &testStore{states: make(map[string]string), versions: make(map[string]int)}
}

func (s *testStore) put(id, state string, version int) {
	s.states[id] = state
	s.versions[id] = version
}

func (s *testStore) UpdateState(ctx context.Context, tx *sql.Tx, ref Ref, fromState, toState string, version int) (bool, error) {
	if s.states[ref.EntityID] != fromState || s.versions[ref.EntityID] != version {
		return false, nil
	}
	s.states[ref.EntityID] = toState
	s.versions[ref.EntityID]++
	return true, nil
}

// failingCommitDriver produces connections whose transactions cannot commit,
// standing in for a storage failure at the very end of a transition.
type failingCommitDriver struct{}

func (failingCommitDriver) Open(string) (driver.Conn, error) { return failingCommitConn{}, nil }

type failingCommitConn struct{}

func (failingCommitConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("not supported")
}
func (failingCommitConn) Close() error              { return nil }
func (failingCommitConn) Begin() (driver.Tx, error) { return failingCommitTx{}, nil }

type failingCommitTx struct{}

func (failingCommitTx) Commit() error   { return errors.New("database is locked") }
func (failingCommitTx) Rollback() error { return nil }

var failingCommitDB = func() *sql.DB {
	sql.Register("failingcommit", failingCommitDriver{})
	db, err := sql.Open("failingcommit", "")
	if err != nil {
		panic(err)
	}
	return db
}()

func grnDefinition() Definition {
	return Definition{
		EntityType: "grn",
		Initial:    "draft",
		Edges: map[string][]Edge{
			"draft":              {{To: "submitted"}},
			"submitted":          {{To: "inspection_pending"}},
			"inspection_pending": {{To: "inspection_passed", RequiredRole: "inspector"}, {To: "rejected", RequiredRole: "inspector"}},
			"inspection_passed":  {{To: "approved", Guard: "quotes"}},
			"approved":           {{To: "accepted"}, {To: "acceptance_rejected"}},
			"accepted":           {{To: "completed"}},
		},
	}
}

func newTestEngine(t *testing.T) (*EngineImpl, *testStore, *audit.StubRepo) {
	t.Helper()
	db := test_utils.SetupTestDB(t)
	repo := audit.NewStubRepo()
	clock := &utils.MockClock{FixedNow: time.Date(2025, time.March, 12, 10, 0, 0, 0, time.UTC)}
	engine := NewEngine(db, repo, clock)
	store := newTestStore()
	require.NoError(t, engine.RegisterDefinition(grnDefinition(), store))
	return engine, store, repo
}

func TestCanTransition(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	tests := []struct {
		name string
		from string
		to   string
		want bool
	}{
		{name: "approved can be accepted", from: "approved", to: "accepted", want: true},
		{name: "draft cannot jump to accepted", from: "draft", to: "accepted", want: false},
		{name: "draft can be submitted", from: "draft", to: "submitted", want: true},
		{name: "no backward edge", from: "submitted", to: "draft", want: false},
		{name: "terminal state has no exits", from: "completed", to: "draft", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, engine.CanTransition("grn", tt.from, tt.to))
		})
	}

	t.Run("unknown entity type", func(t *testing.T) {
		assert.False(t, engine.CanTransition("invoice", "draft", "submitted"))
	})
}

func TestIsTerminalState(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	assert.True(t, engine.IsTerminalState("grn", "acceptance_rejected"))
	assert.True(t, engine.IsTerminalState("grn", "rejected"))
	assert.True(t, engine.IsTerminalState("grn", "completed"))
	assert.False(t, engine.IsTerminalState("grn", "draft"))
	assert.False(t, engine.IsTerminalState("grn", "approved"))
}

func TestTransition(t *testing.T) {
	ctx := test_utils.WithTestActor(context.Background(), "alice", "inspector")

	t.Run("valid transition persists state and audits", func(t *testing.T) {
		engine, store, repo := newTestEngine(t)
		subject := &testSubject{id: "grn-1", state: "draft", version: 1}
		store.put("grn-1", "draft", 1)

		err := engine.Transition(ctx, subject, "draft", "submitted", "submitted for processing")
		require.NoError(t, err)
		assert.Equal(t, "submitted", store.states["grn-1"])

		entry, ok := repo.LastEntry()
		require.True(t, ok)
		assert.Equal(t, audit.ActionTransitioned, entry.Action)
		assert.Equal(t, audit.StatusSuccess, entry.Status)
	})

	t.Run("invalid transition is rejected and audited as failure", func(t *testing.T) {
		engine, store, repo := newTestEngine(t)
		subject := &testSubject{id: "grn-1", state: "draft", version: 1}
		store.put("grn-1", "draft", 1)

		err := engine.Transition(ctx, subject, "draft", "accepted", "skip ahead")
		var invalid *InvalidTransitionError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, "draft", store.states["grn-1"])

		entry, ok := repo.LastEntry()
		require.True(t, ok)
		assert.Equal(t, audit.StatusFailed, entry.Status)
	})

	t.Run("stale expected state is rejected", func(t *testing.T) {
		engine, store, _ := newTestEngine(t)
		subject := &testSubject{id: "grn-1", state: "submitted", version: 2}
		store.put("grn-1", "submitted", 2)

		err := engine.Transition(ctx, subject, "draft", "submitted", "late caller")
		var stale *StaleStateError
		require.ErrorAs(t, err, &stale)
		assert.Equal(t, "submitted", stale.Actual)
	})

	t.Run("store version mismatch surfaces as stale state", func(t *testing.T) {
		engine, store, _ := newTestEngine(t)
		// Subject read at version 1, but the store has moved on.
		subject := &testSubject{id: "grn-1", state: "draft", version: 1}
		store.put("grn-1", "draft", 2)

		err := engine.Transition(ctx, subject, "draft", "submitted", "concurrent writer")
		var stale *StaleStateError
		require.ErrorAs(t, err, &stale)
	})

	t.Run("missing required role is rejected", func(t *testing.T) {
		engine, store, _ := newTestEngine(t)
		subject := &testSubject{id: "grn-1", state: "inspection_pending", version: 3}
		store.put("grn-1", "inspection_pending", 3)

		noRoleCtx := test_utils.WithTestActor(context.Background(), "bob")
		err := engine.Transition(noRoleCtx, subject, "inspection_pending", "inspection_passed", "inspection done")
		var roleErr *RoleRequirementError
		require.ErrorAs(t, err, &roleErr)
		assert.Equal(t, "inspector", roleErr.RequiredRole)
	})

	t.Run("guard failure propagates unchanged", func(t *testing.T) {
		engine, store, _ := newTestEngine(t)
		guardErr := errors.New("not enough quotes")
		engine.RegisterGuard("quotes", func(ctx context.Context, subject Subject) error {
			return guardErr
		})
		subject := &testSubject{id: "grn-1", state: "inspection_passed", version: 4}
		store.put("grn-1", "inspection_passed", 4)

		err := engine.Transition(ctx, subject, "inspection_passed", "approved", "approval")
		assert.ErrorIs(t, err, guardErr)
		assert.Equal(t, "inspection_passed", store.states["grn-1"])
	})

	t.Run("commit failure is audited as failure", func(t *testing.T) {
		repo := audit.NewStubRepo()
		clock := &utils.MockClock{FixedNow: time.Date(2025, time.March, 12, 10, 0, 0, 0, time.UTC)}
		engine := NewEngine(failingCommitDB, repo, clock)
		store := newTestStore()
		require.NoError(t, engine.RegisterDefinition(grnDefinition(), store))
		subject := &testSubject{id: "grn-1", state: "draft", version: 1}
		store.put("grn-1", "draft", 1)

		err := engine.Transition(ctx, subject, "draft", "submitted", "submitted for processing")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "could not commit transaction")

		entry, ok := repo.LastEntry()
		require.True(t, ok)
		assert.Equal(t, audit.StatusFailed, entry.Status)
	})

	t.Run("unregistered guard fails the transition", func(t *testing.T) {
		engine, store, _ := newTestEngine(t)
		subject := &testSubject{id: "grn-1", state: "inspection_passed", version: 4}
		store.put("grn-1", "inspection_passed", 4)

		err := engine.Transition(ctx, subject, "inspection_passed", "approved", "approval")
		assert.Error(t, err)
	})
}

func TestRegisterDefinition(t *testing.T) {
	db := test_utils.SetupTestDB(t)
	engine := NewEngine(db, audit.NewStubRepo(), &utils.MockClock{FixedNow: time.Now()})

	require.NoError(t, engine.RegisterDefinition(grnDefinition(), newTestStore()))

	t.Run("duplicate registration is rejected", func(t *testing.T) {
		err := engine.RegisterDefinition(grnDefinition(), newTestStore())
		assert.Error(t, err)
	})

	t.Run("empty entity type is rejected", func(t *testing.T) {
		err := engine.RegisterDefinition(Definition{}, newTestStore())
		assert.Error(t, err)
	})

	t.Run("edge without target is rejected", func(t *testing.T) {
		err := engine.RegisterDefinition(Definition{
			EntityType: "invoice",
			Initial:    "draft",
			Edges:      map[string][]Edge{"draft": {{To: ""}}},
		}, newTestStore())
		assert.Error(t, err)
	})
}
