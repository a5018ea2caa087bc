// Package allocation computes committed capacity for a request's quota table.
// Every function here is pure; callers supply a consistent view of the request
// and its assignments.
package allocation

import (
	"sort"

	"muster/internal/domain"
)

// ComputeProgress aggregates accepted commitments per category.
//
// Contributions are added in assignment order and clamped at the category
// quota, so a category never shows more than 100% committed and each
// contributor is displayed with the amount that actually fit.
func ComputeProgress(req domain.Request, assignments []domain.Assignment) domain.ProgressSnapshot {
	ordered := inOrder(assignments)
	snap := domain.ProgressSnapshot{
		RequestID:  req.ID,
		Categories: make([]domain.CategoryProgress, 0, len(req.Categories)),
	}
	for _, cat := range req.Categories {
		row := domain.CategoryProgress{
			Name:         cat.Name,
			Required:     cat.Quota,
			Contributors: []domain.Contributor{},
		}
		for _, a := range ordered {
			if a.Decision != domain.DecisionAccepted {
				continue
			}
			qty := a.Quantity(cat.Name)
			if qty <= 0 {
				continue
			}
			shown := min(qty, headroom(cat.Quota, row.Committed))
			row.Committed += shown
			row.Contributors = append(row.Contributors, domain.Contributor{
				ResponderID:   a.ResponderID,
				ResponderName: displayName(a),
				Quantity:      shown,
			})
		}
		row.Remaining = headroom(cat.Quota, row.Committed)
		snap.RequiredTotal += row.Required
		snap.CommittedTotal += row.Committed
		snap.Categories = append(snap.Categories, row)
	}
	snap.Fulfilled = len(snap.Categories) > 0 && snap.CommittedTotal == snap.RequiredTotal
	return snap
}

// ComputeAvailability returns the capacity open to viewerID, ignoring any
// commitment the viewer already holds.
func ComputeAvailability(req domain.Request, assignments []domain.Assignment, viewerID string) domain.AvailabilityView {
	view := domain.AvailabilityView{
		RequestID:   req.ID,
		ResponderID: viewerID,
		Categories:  make([]domain.CategoryAvailability, 0, len(req.Categories)),
	}
	for _, cat := range req.Categories {
		others := 0
		for _, a := range assignments {
			if a.ResponderID == viewerID || a.Decision != domain.DecisionAccepted {
				continue
			}
			if qty := a.Quantity(cat.Name); qty > 0 {
				others += qty
			}
		}
		view.Categories = append(view.Categories, domain.CategoryAvailability{
			Name:             cat.Name,
			Required:         cat.Quota,
			ProvidedByOthers: others,
			Remaining:        headroom(cat.Quota, others),
		})
	}
	return view
}

// ValidateCommitment checks a proposed commitment set against an availability
// view. It returns nil or a ValidationErrors holding every failure, ordered by
// the request's category order with unknown categories last.
func ValidateCommitment(proposed map[string]int, view domain.AvailabilityView) error {
	var errs ValidationErrors
	known := make(map[string]struct{}, len(view.Categories))
	for _, cat := range view.Categories {
		known[cat.Name] = struct{}{}
		qty, ok := proposed[cat.Name]
		if !ok {
			continue
		}
		switch {
		case qty <= 0:
			errs = append(errs, InvalidQuantityError{Category: cat.Name, Quantity: qty})
		case qty > cat.Remaining:
			errs = append(errs, OverCommitmentError{Category: cat.Name, Requested: qty, Remaining: cat.Remaining})
		}
	}
	var unknown []string
	for name := range proposed {
		if _, ok := known[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		errs = append(errs, UnknownCategoryError{Category: name})
		if qty := proposed[name]; qty <= 0 {
			errs = append(errs, InvalidQuantityError{Category: name, Quantity: qty})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// CommittedByCategory sums accepted commitments per category without clamping.
func CommittedByCategory(assignments []domain.Assignment) map[string]int {
	totals := map[string]int{}
	for _, a := range assignments {
		if a.Decision != domain.DecisionAccepted {
			continue
		}
		for _, c := range a.Commitments {
			if c.Quantity > 0 {
				totals[c.Category] += c.Quantity
			}
		}
	}
	return totals
}

func headroom(quota, used int) int {
	if used >= quota {
		return 0
	}
	return quota - used
}

func displayName(a domain.Assignment) string {
	if a.ResponderName != "" {
		return a.ResponderName
	}
	return a.ResponderID
}

func inOrder(assignments []domain.Assignment) []domain.Assignment {
	out := make([]domain.Assignment, len(assignments))
	copy(out, assignments)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
