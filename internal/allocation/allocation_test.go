package allocation_test

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"muster/internal/allocation"
	"muster/internal/domain"
)

func medicDriver() domain.Request {
	return domain.Request{
		ID: "req-1",
		Categories: []domain.Category{
			{Name: "Medic", Quota: 5},
			{Name: "Driver", Quota: 3},
		},
	}
}

func accepted(id string, seq int64, commitments ...domain.Commitment) domain.Assignment {
	return domain.Assignment{
		RequestID:   "req-1",
		ResponderID: id,
		Decision:    domain.DecisionAccepted,
		Commitments: commitments,
		Seq:         seq,
	}
}

func c(category string, qty int) domain.Commitment {
	return domain.Commitment{Category: category, Quantity: qty}
}

func TestComputeProgressEmpty(t *testing.T) {
	snap := allocation.ComputeProgress(medicDriver(), nil)
	require.Len(t, snap.Categories, 2)
	medic, ok := snap.Category("Medic")
	require.True(t, ok)
	assert.Equal(t, 5, medic.Required)
	assert.Equal(t, 0, medic.Committed)
	assert.Equal(t, 5, medic.Remaining)
	assert.Empty(t, medic.Contributors)
	assert.Equal(t, 8, snap.RequiredTotal)
	assert.False(t, snap.Fulfilled)
}

func TestComputeProgressIgnoresUndecidedAndDeclined(t *testing.T) {
	assignments := []domain.Assignment{
		{ResponderID: "u", Decision: domain.DecisionUndecided, Seq: 1},
		{ResponderID: "d", Decision: domain.DecisionDeclined, Seq: 2},
		accepted("a", 3, c("Medic", 2)),
	}
	snap := allocation.ComputeProgress(medicDriver(), assignments)
	medic, _ := snap.Category("Medic")
	assert.Equal(t, 2, medic.Committed)
	require.Len(t, medic.Contributors, 1)
	assert.Equal(t, "a", medic.Contributors[0].ResponderID)
}

func TestComputeProgressClampsInAssignmentOrder(t *testing.T) {
	// Over-commitment written outside the engine must not display above 100%.
	assignments := []domain.Assignment{
		accepted("late", 3, c("Medic", 3)),
		accepted("first", 1, c("Medic", 4)),
		accepted("second", 2, c("Medic", 2)),
	}
	snap := allocation.ComputeProgress(medicDriver(), assignments)
	medic, _ := snap.Category("Medic")
	assert.Equal(t, 5, medic.Committed)
	assert.Equal(t, 0, medic.Remaining)
	require.Len(t, medic.Contributors, 3)
	assert.Equal(t, domain.Contributor{ResponderID: "first", ResponderName: "first", Quantity: 4}, medic.Contributors[0])
	assert.Equal(t, domain.Contributor{ResponderID: "second", ResponderName: "second", Quantity: 1}, medic.Contributors[1])
	assert.Equal(t, domain.Contributor{ResponderID: "late", ResponderName: "late", Quantity: 0}, medic.Contributors[2])
}

func TestComputeProgressFulfilled(t *testing.T) {
	assignments := []domain.Assignment{
		accepted("a", 1, c("Medic", 5)),
		accepted("b", 2, c("Driver", 3)),
	}
	snap := allocation.ComputeProgress(medicDriver(), assignments)
	assert.True(t, snap.Fulfilled)
	assert.Equal(t, 8, snap.CommittedTotal)
}

func TestComputeProgressUsesResponderName(t *testing.T) {
	a := accepted("org-7", 1, c("Driver", 1))
	a.ResponderName = "Red Cross"
	snap := allocation.ComputeProgress(medicDriver(), []domain.Assignment{a})
	driver, _ := snap.Category("Driver")
	require.Len(t, driver.Contributors, 1)
	assert.Equal(t, "Red Cross", driver.Contributors[0].ResponderName)
}

func TestComputeAvailabilityExcludesViewer(t *testing.T) {
	assignments := []domain.Assignment{
		accepted("a", 1, c("Medic", 4)),
		accepted("b", 2, c("Medic", 1), c("Driver", 2)),
	}
	view := allocation.ComputeAvailability(medicDriver(), assignments, "b")
	medic, _ := view.Category("Medic")
	assert.Equal(t, 4, medic.ProvidedByOthers)
	assert.Equal(t, 1, medic.Remaining)
	driver, _ := view.Category("Driver")
	assert.Equal(t, 0, driver.ProvidedByOthers)
	assert.Equal(t, 3, driver.Remaining)
}

func TestComputeAvailabilityNeverNegative(t *testing.T) {
	assignments := []domain.Assignment{
		accepted("a", 1, c("Driver", 7)),
	}
	view := allocation.ComputeAvailability(medicDriver(), assignments, "b")
	driver, _ := view.Category("Driver")
	assert.Equal(t, 7, driver.ProvidedByOthers)
	assert.Equal(t, 0, driver.Remaining)
}

func TestValidateCommitmentBoundaries(t *testing.T) {
	view := allocation.ComputeAvailability(medicDriver(), []domain.Assignment{accepted("a", 1, c("Medic", 4))}, "b")

	require.NoError(t, allocation.ValidateCommitment(map[string]int{"Medic": 1}, view))

	err := allocation.ValidateCommitment(map[string]int{"Medic": 2}, view)
	var oc allocation.OverCommitmentError
	require.ErrorAs(t, err, &oc)
	assert.Equal(t, allocation.OverCommitmentError{Category: "Medic", Requested: 2, Remaining: 1}, oc)
	assert.True(t, allocation.Retryable(err))
	assert.Equal(t, "cannot provide 2 Medic volunteers, only 1 remaining", oc.Error())
}

func TestValidateCommitmentAtZeroRemaining(t *testing.T) {
	view := allocation.ComputeAvailability(medicDriver(), []domain.Assignment{accepted("a", 1, c("Driver", 3))}, "b")
	err := allocation.ValidateCommitment(map[string]int{"Driver": 1}, view)
	var oc allocation.OverCommitmentError
	require.ErrorAs(t, err, &oc)
	assert.Equal(t, 0, oc.Remaining)
}

func TestValidateCommitmentCollectsAllErrors(t *testing.T) {
	view := allocation.ComputeAvailability(medicDriver(), nil, "b")
	err := allocation.ValidateCommitment(map[string]int{
		"Medic":   0,
		"Driver":  4,
		"Pilot":   1,
		"Cook":    2,
		"Plumber": -1,
	}, view)
	var verrs allocation.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	require.Len(t, verrs, 6)
	assert.Equal(t, allocation.InvalidQuantityError{Category: "Medic", Quantity: 0}, verrs[0])
	assert.Equal(t, allocation.OverCommitmentError{Category: "Driver", Requested: 4, Remaining: 3}, verrs[1])
	assert.Equal(t, allocation.UnknownCategoryError{Category: "Cook"}, verrs[2])
	assert.Equal(t, allocation.UnknownCategoryError{Category: "Pilot"}, verrs[3])
	assert.Equal(t, allocation.UnknownCategoryError{Category: "Plumber"}, verrs[4])
	assert.Equal(t, allocation.InvalidQuantityError{Category: "Plumber", Quantity: -1}, verrs[5])
	assert.False(t, allocation.Retryable(err))

	var unknown allocation.UnknownCategoryError
	assert.True(t, errors.As(err, &unknown))
}

func TestValidateCommitmentMixedBadCategoryAndQuantity(t *testing.T) {
	view := allocation.ComputeAvailability(medicDriver(), nil, "b")
	err := allocation.ValidateCommitment(map[string]int{"Nurse": 1, "Medic": -2}, view)
	var verrs allocation.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	require.Len(t, verrs, 2)
	assert.IsType(t, allocation.InvalidQuantityError{}, verrs[0])
	assert.IsType(t, allocation.UnknownCategoryError{}, verrs[1])
}

func TestRetryableOnPlainErrors(t *testing.T) {
	assert.False(t, allocation.Retryable(errors.New("boom")))
	assert.False(t, allocation.Retryable(allocation.ValidationErrors{}))
	assert.True(t, allocation.Retryable(allocation.OverCommitmentError{Category: "Medic"}))
}

func randomAssignments(rng *rand.Rand, req domain.Request, n int) []domain.Assignment {
	out := make([]domain.Assignment, 0, n)
	for i := 0; i < n; i++ {
		a := domain.Assignment{ResponderID: string(rune('a' + i)), Seq: int64(i + 1)}
		switch rng.Intn(3) {
		case 0:
			a.Decision = domain.DecisionUndecided
		case 1:
			a.Decision = domain.DecisionDeclined
		default:
			a.Decision = domain.DecisionAccepted
			for _, cat := range req.Categories {
				if rng.Intn(2) == 0 {
					a.Commitments = append(a.Commitments, c(cat.Name, 1+rng.Intn(cat.Quota+2)))
				}
			}
		}
		out = append(out, a)
	}
	return out
}

func TestProgressTotalsAreOrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	req := medicDriver()
	for i := 0; i < 200; i++ {
		assignments := randomAssignments(rng, req, 1+rng.Intn(8))
		base := allocation.ComputeProgress(req, assignments)
		again := allocation.ComputeProgress(req, assignments)
		assert.Equal(t, base, again)

		shuffled := make([]domain.Assignment, len(assignments))
		copy(shuffled, assignments)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		for k := range shuffled {
			shuffled[k].Seq = int64(k + 1)
		}
		reordered := allocation.ComputeProgress(req, shuffled)
		for idx, cat := range base.Categories {
			assert.Equal(t, cat.Committed, reordered.Categories[idx].Committed)
			assert.Equal(t, cat.Remaining, reordered.Categories[idx].Remaining)
			assert.LessOrEqual(t, cat.Committed, cat.Required)
			assert.GreaterOrEqual(t, cat.Remaining, 0)
		}
	}
}

func TestAvailabilityMatchesOthersSum(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	req := medicDriver()
	for i := 0; i < 200; i++ {
		assignments := randomAssignments(rng, req, 1+rng.Intn(8))
		viewer := assignments[rng.Intn(len(assignments))].ResponderID
		view := allocation.ComputeAvailability(req, assignments, viewer)
		for _, cat := range req.Categories {
			others := 0
			for _, a := range assignments {
				if a.ResponderID != viewer && a.Decision == domain.DecisionAccepted {
					others += a.Quantity(cat.Name)
				}
			}
			row, ok := view.Category(cat.Name)
			require.True(t, ok)
			assert.Equal(t, max(0, cat.Quota-others), row.Remaining)
		}
	}
}

func TestCommittedByCategory(t *testing.T) {
	totals := allocation.CommittedByCategory([]domain.Assignment{
		accepted("a", 1, c("Medic", 2), c("Driver", 1)),
		accepted("b", 2, c("Medic", 3)),
		{ResponderID: "d", Decision: domain.DecisionDeclined},
	})
	assert.Equal(t, map[string]int{"Medic": 5, "Driver": 1}, totals)
}
