package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"muster/internal/allocation"
	"muster/internal/db"
	"muster/internal/domain"
	"muster/internal/engine"
	"muster/internal/events"
	"muster/internal/lock"
	"muster/internal/migrate"
	"muster/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng := engine.New(conn, lock.NewMemory(), zaptest.NewLogger(t))
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) createRequest(t *testing.T, cats []domain.Category, responders ...string) domain.Request {
	t.Helper()
	var rs []domain.Responder
	for _, id := range responders {
		rs = append(rs, domain.Responder{ID: id, Name: "Org " + id})
	}
	req, err := env.Engine.CreateRequest(env.Ctx, engine.CreateRequestInput{
		ID:         "req-1",
		Title:      "Earthquake response",
		Categories: cats,
		Responders: rs,
		ActorID:    "coordinator",
	})
	require.NoError(t, err)
	return req
}

func (env testEnv) decide(id string, decision domain.Decision, commitments map[string]int) (domain.Assignment, error) {
	return env.Engine.RecordDecision(env.Ctx, engine.DecisionInput{
		RequestID:   "req-1",
		ResponderID: id,
		Decision:    decision,
		Commitments: commitments,
		ActorID:     id,
	})
}

func medicDriver() []domain.Category {
	return []domain.Category{{Name: "Medic", Quota: 5}, {Name: "Driver", Quota: 3}}
}

func TestOverCommitmentIsRejectedWithRemaining(t *testing.T) {
	env := newTestEnv(t)
	env.createRequest(t, medicDriver(), "A", "B")

	view, err := env.Engine.Availability(env.Ctx, "req-1", "A")
	require.NoError(t, err)
	medic, _ := view.Category("Medic")
	driver, _ := view.Category("Driver")
	assert.Equal(t, 5, medic.Remaining)
	assert.Equal(t, 3, driver.Remaining)

	a, err := env.decide("A", domain.DecisionAccepted, map[string]int{"Medic": 4})
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAccepted, a.Decision)
	require.NotNil(t, a.DecidedAt)

	progress, err := env.Engine.Progress(env.Ctx, "req-1")
	require.NoError(t, err)
	pm, _ := progress.Category("Medic")
	assert.Equal(t, 4, pm.Committed)
	assert.Equal(t, 5, pm.Required)
	assert.Equal(t, []domain.Contributor{{ResponderID: "A", ResponderName: "Org A", Quantity: 4}}, pm.Contributors)

	view, err = env.Engine.Availability(env.Ctx, "req-1", "B")
	require.NoError(t, err)
	medic, _ = view.Category("Medic")
	driver, _ = view.Category("Driver")
	assert.Equal(t, 1, medic.Remaining)
	assert.Equal(t, 4, medic.ProvidedByOthers)
	assert.Equal(t, 3, driver.Remaining)

	_, err = env.decide("B", domain.DecisionAccepted, map[string]int{"Medic": 2})
	var verrs allocation.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	require.Len(t, verrs, 1)
	assert.Equal(t, allocation.OverCommitmentError{Category: "Medic", Requested: 2, Remaining: 1}, verrs[0])
	assert.True(t, allocation.Retryable(err))

	b, err := env.Engine.Repo.GetAssignment(env.Ctx, "req-1", "B")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionUndecided, b.Decision)
	assert.Empty(t, b.Commitments)

	b, err = env.decide("B", domain.DecisionAccepted, map[string]int{"Medic": 1, "Driver": 2})
	require.NoError(t, err)
	assert.Equal(t, []domain.Commitment{{Category: "Medic", Quantity: 1}, {Category: "Driver", Quantity: 2}}, b.Commitments)

	progress, err = env.Engine.Progress(env.Ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, 7, progress.CommittedTotal)
	assert.Equal(t, 8, progress.RequiredTotal)
	assert.False(t, progress.Fulfilled)
}

func TestDeclineIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	env.createRequest(t, medicDriver(), "A", "C")

	c, err := env.decide("C", domain.DecisionDeclined, map[string]int{"Medic": 3})
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionDeclined, c.Decision)
	assert.Empty(t, c.Commitments)

	progress, err := env.Engine.Progress(env.Ctx, "req-1")
	require.NoError(t, err)
	assert.Zero(t, progress.CommittedTotal)
	for _, cat := range progress.Categories {
		assert.Empty(t, cat.Contributors)
	}

	_, err = env.decide("C", domain.DecisionAccepted, map[string]int{"Medic": 1})
	var ade engine.AlreadyDecidedError
	require.ErrorAs(t, err, &ade)
	assert.Equal(t, "declined", ade.Decision)

	_, err = env.decide("C", domain.DecisionDeclined, nil)
	assert.ErrorAs(t, err, &ade)
}

func TestAcceptedIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	env.createRequest(t, medicDriver(), "A")

	_, err := env.decide("A", domain.DecisionAccepted, map[string]int{"Medic": 1})
	require.NoError(t, err)
	for _, d := range []domain.Decision{domain.DecisionAccepted, domain.DecisionDeclined} {
		_, err = env.decide("A", d, map[string]int{"Medic": 1})
		var ade engine.AlreadyDecidedError
		assert.ErrorAs(t, err, &ade, string(d))
	}
}

func TestUnassignedResponder(t *testing.T) {
	env := newTestEnv(t)
	env.createRequest(t, medicDriver(), "A")

	_, err := env.decide("D", domain.DecisionAccepted, map[string]int{"Medic": 1})
	var nae engine.NotAssignedError
	require.ErrorAs(t, err, &nae)
	assert.Equal(t, "D", nae.ResponderID)

	_, err = env.Engine.Availability(env.Ctx, "req-1", "D")
	assert.ErrorAs(t, err, &nae)

	assigned, err := env.Engine.IsAssigned(env.Ctx, "req-1", "D")
	require.NoError(t, err)
	assert.False(t, assigned)
	assigned, err = env.Engine.IsAssigned(env.Ctx, "req-1", "A")
	require.NoError(t, err)
	assert.True(t, assigned)
}

func TestDecisionStateErrorsShortCircuitValidation(t *testing.T) {
	env := newTestEnv(t)
	env.createRequest(t, medicDriver(), "A")

	_, err := env.decide("D", domain.DecisionAccepted, map[string]int{"Ghost": -1})
	var nae engine.NotAssignedError
	assert.ErrorAs(t, err, &nae)

	_, err = env.decide("A", domain.DecisionDeclined, nil)
	require.NoError(t, err)
	_, err = env.decide("A", domain.DecisionAccepted, map[string]int{"Ghost": -1})
	var ade engine.AlreadyDecidedError
	assert.ErrorAs(t, err, &ade)
}

func TestValidationErrorsAreCollected(t *testing.T) {
	env := newTestEnv(t)
	env.createRequest(t, medicDriver(), "A")

	_, err := env.decide("A", domain.DecisionAccepted, map[string]int{"Pilot": 2})
	var verrs allocation.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, allocation.ValidationErrors{allocation.UnknownCategoryError{Category: "Pilot"}}, verrs)

	_, err = env.decide("A", domain.DecisionAccepted, map[string]int{"Medic": 0})
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, allocation.ValidationErrors{allocation.InvalidQuantityError{Category: "Medic", Quantity: 0}}, verrs)

	_, err = env.decide("A", domain.DecisionAccepted, map[string]int{"Pilot": 1, "Driver": -2})
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, allocation.ValidationErrors{
		allocation.InvalidQuantityError{Category: "Driver", Quantity: -2},
		allocation.UnknownCategoryError{Category: "Pilot"},
	}, verrs)
	assert.False(t, allocation.Retryable(err))

	_, err = env.decide("A", domain.DecisionAccepted, nil)
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, allocation.ValidationErrors{allocation.EmptyCommitmentError{}}, verrs)

	a, err := env.Engine.Repo.GetAssignment(env.Ctx, "req-1", "A")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionUndecided, a.Decision)
}

func TestInvalidDecision(t *testing.T) {
	env := newTestEnv(t)
	env.createRequest(t, medicDriver(), "A")

	for _, d := range []domain.Decision{domain.DecisionUndecided, "maybe"} {
		_, err := env.decide("A", d, nil)
		var ide engine.InvalidDecisionError
		assert.ErrorAs(t, err, &ide, string(d))
	}

	_, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionInput{RequestID: "nope", ResponderID: "A", Decision: "maybe"})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestBoundaries(t *testing.T) {
	env := newTestEnv(t)
	env.createRequest(t, []domain.Category{{Name: "Medic", Quota: 3}}, "A", "B", "C")

	_, err := env.decide("A", domain.DecisionAccepted, map[string]int{"Medic": 2})
	require.NoError(t, err)

	_, err = env.decide("B", domain.DecisionAccepted, map[string]int{"Medic": 2})
	var verrs allocation.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, allocation.OverCommitmentError{Category: "Medic", Requested: 2, Remaining: 1}, verrs[0])

	_, err = env.decide("B", domain.DecisionAccepted, map[string]int{"Medic": 1})
	require.NoError(t, err)

	view, err := env.Engine.Availability(env.Ctx, "req-1", "C")
	require.NoError(t, err)
	medic, _ := view.Category("Medic")
	assert.Zero(t, medic.Remaining)

	_, err = env.decide("C", domain.DecisionAccepted, map[string]int{"Medic": 1})
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, allocation.OverCommitmentError{Category: "Medic", Requested: 1, Remaining: 0}, verrs[0])

	progress, err := env.Engine.Progress(env.Ctx, "req-1")
	require.NoError(t, err)
	assert.True(t, progress.Fulfilled)
}

func TestConcurrentAcceptsNeverExceedQuota(t *testing.T) {
	env := newTestEnv(t)
	env.createRequest(t, []domain.Category{{Name: "Medic", Quota: 5}}, "A", "B")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{"A", "B"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = env.decide(id, domain.DecisionAccepted, map[string]int{"Medic": 3})
		}(i, id)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var verrs allocation.ValidationErrors
		require.ErrorAs(t, err, &verrs)
		assert.Equal(t, allocation.OverCommitmentError{Category: "Medic", Requested: 3, Remaining: 2}, verrs[0])
	}
	assert.Equal(t, 1, succeeded)

	progress, err := env.Engine.Progress(env.Ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, 3, progress.CommittedTotal)
}

func TestManyConcurrentResponders(t *testing.T) {
	env := newTestEnv(t)
	const n = 16
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("r%02d", i)
	}
	env.createRequest(t, []domain.Category{{Name: "Medic", Quota: 10}, {Name: "Driver", Quota: 4}}, ids...)

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			commit := map[string]int{"Medic": 1 + i%3}
			if i%2 == 0 {
				commit["Driver"] = 1
			}
			_, err := env.decide(id, domain.DecisionAccepted, commit)
			if err != nil {
				var verrs allocation.ValidationErrors
				assert.ErrorAs(t, err, &verrs)
				assert.True(t, allocation.Retryable(err))
			}
		}(i, id)
	}
	wg.Wait()

	assignments, err := env.Engine.ListAssignments(env.Ctx, "req-1")
	require.NoError(t, err)
	committed := allocation.CommittedByCategory(assignments)
	assert.LessOrEqual(t, committed["Medic"], 10)
	assert.LessOrEqual(t, committed["Driver"], 4)

	progress, err := env.Engine.Progress(env.Ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, committed["Medic"]+committed["Driver"], progress.CommittedTotal)
}

func TestAssignRespondersSkipsExisting(t *testing.T) {
	env := newTestEnv(t)
	env.createRequest(t, medicDriver(), "A")

	_, err := env.decide("A", domain.DecisionAccepted, map[string]int{"Driver": 1})
	require.NoError(t, err)

	assignments, err := env.Engine.AssignResponders(env.Ctx, "req-1", []domain.Responder{{ID: "A", Name: "renamed"}, {ID: "B"}, {ID: "B"}}, "coordinator")
	require.NoError(t, err)
	require.Len(t, assignments, 2)
	assert.Equal(t, "A", assignments[0].ResponderID)
	assert.Equal(t, "Org A", assignments[0].ResponderName)
	assert.Equal(t, domain.DecisionAccepted, assignments[0].Decision)
	assert.Equal(t, "B", assignments[1].ResponderID)
	assert.Equal(t, domain.DecisionUndecided, assignments[1].Decision)

	_, err = env.Engine.AssignResponders(env.Ctx, "missing", []domain.Responder{{ID: "B"}}, "coordinator")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCreateRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []engine.CreateRequestInput{
		{Title: "", Categories: medicDriver()},
		{Title: "x"},
		{Title: "x", Categories: []domain.Category{{Name: "Medic", Quota: 0}}},
		{Title: "x", Categories: []domain.Category{{Name: "Medic", Quota: 1}, {Name: "Medic", Quota: 2}}},
		{Title: "x", Categories: []domain.Category{{Name: " ", Quota: 1}}},
		{Title: "x", Categories: medicDriver(), Responders: []domain.Responder{{ID: ""}}},
	}
	for i, in := range cases {
		_, err := env.Engine.CreateRequest(env.Ctx, in)
		var ie engine.InputError
		assert.ErrorAs(t, err, &ie, "case %d", i)
	}

	req, err := env.Engine.CreateRequest(env.Ctx, engine.CreateRequestInput{Title: "generated id", Categories: medicDriver()})
	require.NoError(t, err)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, "system", req.CreatedBy)

	env.createRequest(t, medicDriver())
	_, err = env.Engine.CreateRequest(env.Ctx, engine.CreateRequestInput{ID: "req-1", Title: "again", Categories: medicDriver()})
	var ie engine.InputError
	assert.ErrorAs(t, err, &ie)
}

func TestUpdateQuotas(t *testing.T) {
	env := newTestEnv(t)
	env.createRequest(t, medicDriver(), "A", "B")
	_, err := env.decide("A", domain.DecisionAccepted, map[string]int{"Medic": 4})
	require.NoError(t, err)

	_, err = env.Engine.UpdateQuotas(env.Ctx, "req-1", []domain.Category{{Name: "Medic", Quota: 3}, {Name: "Driver", Quota: 3}}, "coordinator")
	var qce engine.QuotaConflictError
	require.ErrorAs(t, err, &qce)
	assert.Equal(t, []engine.QuotaConflict{{Category: "Medic", Committed: 4, Quota: 3}}, qce.Conflicts)

	_, err = env.Engine.UpdateQuotas(env.Ctx, "req-1", []domain.Category{{Name: "Driver", Quota: 3}}, "coordinator")
	require.ErrorAs(t, err, &qce)
	assert.Equal(t, []engine.QuotaConflict{{Category: "Medic", Committed: 4}}, qce.Conflicts)

	// Driver has no commitments, so it can be dropped; Medic can shrink to its committed sum.
	req, err := env.Engine.UpdateQuotas(env.Ctx, "req-1", []domain.Category{{Name: "Medic", Quota: 4}, {Name: "Pilot", Quota: 2}}, "coordinator")
	require.NoError(t, err)
	assert.Equal(t, []domain.Category{{Name: "Medic", Quota: 4}, {Name: "Pilot", Quota: 2}}, req.Categories)

	view, err := env.Engine.Availability(env.Ctx, "req-1", "B")
	require.NoError(t, err)
	medic, _ := view.Category("Medic")
	assert.Zero(t, medic.Remaining)
	pilot, _ := view.Category("Pilot")
	assert.Equal(t, 2, pilot.Remaining)
	_, ok := view.Category("Driver")
	assert.False(t, ok)
}

func TestDeleteRequestHidesIt(t *testing.T) {
	env := newTestEnv(t)
	env.createRequest(t, medicDriver(), "A")

	require.NoError(t, env.Engine.DeleteRequest(env.Ctx, "req-1", "coordinator"))
	_, err := env.Engine.GetRequest(env.Ctx, "req-1")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.Progress(env.Ctx, "req-1")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.decide("A", domain.DecisionAccepted, map[string]int{"Medic": 1})
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.ErrorIs(t, env.Engine.DeleteRequest(env.Ctx, "req-1", "coordinator"), repo.ErrNotFound)

	list, err := env.Engine.ListRequests(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestEventsAreAppended(t *testing.T) {
	env := newTestEnv(t)
	env.createRequest(t, []domain.Category{{Name: "Medic", Quota: 2}}, "A", "B")

	_, err := env.decide("A", domain.DecisionAccepted, map[string]int{"Medic": 5})
	require.Error(t, err)
	_, err = env.decide("A", domain.DecisionAccepted, map[string]int{"Medic": 2})
	require.NoError(t, err)
	_, err = env.decide("B", domain.DecisionDeclined, nil)
	require.NoError(t, err)

	evts, err := env.Engine.EventLog(env.Ctx, "req-1", 10, 0, "")
	require.NoError(t, err)
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
		assert.Equal(t, "2024-01-01T00:00:00Z", e.TS)
	}
	assert.Equal(t, []string{
		events.AssignmentDecided,
		events.RequestFulfilled,
		events.AssignmentDecided,
		events.RequestCreated,
	}, types)
	assert.Equal(t, "B", evts[0].ActorID)
	assert.Equal(t, "coordinator", evts[3].ActorID)

	decided, err := env.Engine.EventLog(env.Ctx, "req-1", 10, 0, events.AssignmentDecided)
	require.NoError(t, err)
	assert.Len(t, decided, 2)
}

func TestLockTimeoutSurfaces(t *testing.T) {
	env := newTestEnv(t)
	env.createRequest(t, medicDriver(), "A")

	locker := lock.NewMemory()
	env.Engine.Locker = locker
	env.Engine.LockTimeout = 20 * time.Millisecond
	unlock, err := locker.Lock(env.Ctx, "request:req-1")
	require.NoError(t, err)
	defer unlock()

	_, err = env.decide("A", domain.DecisionAccepted, map[string]int{"Medic": 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, lock.ErrTimeout))
}
