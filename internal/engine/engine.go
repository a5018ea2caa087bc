package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"muster/internal/allocation"
	"muster/internal/domain"
	"muster/internal/events"
	"muster/internal/lock"
	"muster/internal/metrics"
	"muster/internal/repo"
)

// RequestSource is what the engine needs from the layer that owns requests.
type RequestSource interface {
	GetRequest(ctx context.Context, id string) (domain.Request, error)
	ListAssignments(ctx context.Context, requestID string) ([]domain.Assignment, error)
	ListResponders(ctx context.Context, requestID string) ([]string, error)
}

var _ RequestSource = repo.Repo{}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Source RequestSource
	Events events.Writer
	Locker lock.Locker
	Logger *zap.Logger
	Now    func() time.Time
	// LockTimeout bounds the wait for a per-request lock.
	LockTimeout time.Duration
}

func New(db *sql.DB, locker lock.Locker, logger *zap.Logger) Engine {
	if locker == nil {
		locker = lock.NewMemory()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:          db,
		Repo:        r,
		Source:      r,
		Locker:      locker,
		Logger:      logger,
		Now:         time.Now,
		LockTimeout: 10 * time.Second,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// writer stamps events with the engine clock unless one was set explicitly.
func (e Engine) writer() events.Writer {
	if e.Events.Now == nil {
		return events.Writer{Now: e.now}
	}
	return e.Events
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e Engine) source() RequestSource {
	if e.Source == nil {
		return e.Repo
	}
	return e.Source
}

// withRequestLock runs fn in a write transaction while holding the request's
// lock. Every mutation of one request's assignments or quotas goes through
// here, which makes read-validate-write sequences atomic per request.
func (e Engine) withRequestLock(ctx context.Context, op, requestID string, fn func(tx *sql.Tx) error) error {
	locker := e.Locker
	if locker == nil {
		return errors.New("engine has no locker")
	}
	timeout := e.LockTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	lctx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	unlock, err := locker.Lock(lctx, "request:"+requestID)
	cancel()
	metrics.LockWait.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		e.logger().Error("request lock failed", zap.String("op", op), zap.String("request_id", requestID), zap.Error(err))
		return fmt.Errorf("lock request %s: %w", requestID, err)
	}
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateRequestInput describes a new request and its initial responders.
type CreateRequestInput struct {
	ID          string
	Title       string
	Description string
	Categories  []domain.Category
	Responders  []domain.Responder
	ActorID     string
}

func (e Engine) CreateRequest(ctx context.Context, in CreateRequestInput) (domain.Request, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Request{}, InputError{Field: "title", Message: "title is required"}
	}
	cats, err := normalizeCategories(in.Categories)
	if err != nil {
		return domain.Request{}, err
	}
	responders, err := normalizeResponders(in.Responders)
	if err != nil {
		return domain.Request{}, err
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	actor := actorOrSystem(in.ActorID)
	now := e.stamp()
	req := domain.Request{
		ID:          id,
		Title:       title,
		Description: in.Description,
		Categories:  cats,
		CreatedBy:   actor,
		CreatedAt:   now,
	}
	err = e.withRequestLock(ctx, "create", id, func(tx *sql.Tx) error {
		taken, err := e.Repo.RequestIDTakenTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if taken {
			return InputError{Field: "id", Message: fmt.Sprintf("request %s already exists", id)}
		}
		if err := e.Repo.InsertRequestTx(ctx, tx, req); err != nil {
			return err
		}
		for _, r := range responders {
			if _, err := e.Repo.InsertAssignmentTx(ctx, tx, domain.Assignment{
				RequestID:     id,
				ResponderID:   r.ID,
				ResponderName: r.Name,
				CreatedAt:     now,
			}); err != nil {
				return err
			}
		}
		return e.writer().Append(ctx, tx, events.RequestCreated, id, "request", id, actor, events.EventPayload{
			"title":      title,
			"categories": cats,
			"responders": responderIDs(responders),
		})
	})
	if err != nil {
		return domain.Request{}, err
	}
	e.logger().Info("request created", zap.String("request_id", id), zap.Int("categories", len(cats)), zap.Int("responders", len(responders)))
	return req, nil
}

// AssignResponders adds responders to a request as undecided. Responders that
// already hold an assignment are left untouched.
func (e Engine) AssignResponders(ctx context.Context, requestID string, responders []domain.Responder, actorID string) ([]domain.Assignment, error) {
	responders, err := normalizeResponders(responders)
	if err != nil {
		return nil, err
	}
	if len(responders) == 0 {
		return nil, InputError{Field: "responders", Message: "at least one responder is required"}
	}
	var out []domain.Assignment
	err = e.withRequestLock(ctx, "assign", requestID, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetRequestTx(ctx, tx, requestID); err != nil {
			return err
		}
		now := e.stamp()
		var added []string
		for _, r := range responders {
			inserted, err := e.Repo.InsertAssignmentTx(ctx, tx, domain.Assignment{
				RequestID:     requestID,
				ResponderID:   r.ID,
				ResponderName: r.Name,
				CreatedAt:     now,
			})
			if err != nil {
				return err
			}
			if inserted {
				added = append(added, r.ID)
			}
		}
		if len(added) > 0 {
			if err := e.writer().Append(ctx, tx, events.RespondersAssigned, requestID, "request", requestID, actorID, events.EventPayload{"responders": added}); err != nil {
				return err
			}
		}
		out, err = e.Repo.ListAssignmentsTx(ctx, tx, requestID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateQuotas replaces a request's category table. Edits that would leave a
// category below what responders already committed, or remove a category with
// commitments, are rejected with QuotaConflictError.
func (e Engine) UpdateQuotas(ctx context.Context, requestID string, categories []domain.Category, actorID string) (domain.Request, error) {
	cats, err := normalizeCategories(categories)
	if err != nil {
		return domain.Request{}, err
	}
	var req domain.Request
	err = e.withRequestLock(ctx, "quotas", requestID, func(tx *sql.Tx) error {
		current, err := e.Repo.GetRequestTx(ctx, tx, requestID)
		if err != nil {
			return err
		}
		assignments, err := e.Repo.ListAssignmentsTx(ctx, tx, requestID)
		if err != nil {
			return err
		}
		committed := allocation.CommittedByCategory(assignments)
		next := domain.Request{Categories: cats}
		var conflicts []QuotaConflict
		for _, c := range current.Categories {
			sum := committed[c.Name]
			if sum == 0 {
				continue
			}
			nc, ok := next.Category(c.Name)
			if !ok {
				conflicts = append(conflicts, QuotaConflict{Category: c.Name, Committed: sum})
				continue
			}
			if nc.Quota < sum {
				conflicts = append(conflicts, QuotaConflict{Category: c.Name, Committed: sum, Quota: nc.Quota})
			}
		}
		if len(conflicts) > 0 {
			return QuotaConflictError{Conflicts: conflicts}
		}
		if err := e.Repo.ReplaceCategoriesTx(ctx, tx, requestID, cats); err != nil {
			return err
		}
		if err := e.writer().Append(ctx, tx, events.RequestQuotasUpdated, requestID, "request", requestID, actorID, events.EventPayload{
			"before": current.Categories,
			"after":  cats,
		}); err != nil {
			return err
		}
		current.Categories = cats
		req = current
		return nil
	})
	if err != nil {
		return domain.Request{}, err
	}
	return req, nil
}

// DeleteRequest soft-deletes a request. Its assignments stay in storage but
// every later read or decision reports not found.
func (e Engine) DeleteRequest(ctx context.Context, requestID, actorID string) error {
	return e.withRequestLock(ctx, "delete", requestID, func(tx *sql.Tx) error {
		if err := e.Repo.SoftDeleteRequestTx(ctx, tx, requestID, e.stamp()); err != nil {
			return err
		}
		return e.writer().Append(ctx, tx, events.RequestDeleted, requestID, "request", requestID, actorID, nil)
	})
}

func (e Engine) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	return e.source().GetRequest(ctx, id)
}

func (e Engine) ListRequests(ctx context.Context) ([]domain.Request, error) {
	return e.Repo.ListRequests(ctx)
}

// ListAssignments returns the assignments of a live request.
func (e Engine) ListAssignments(ctx context.Context, requestID string) ([]domain.Assignment, error) {
	src := e.source()
	if _, err := src.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	return src.ListAssignments(ctx, requestID)
}

// IsAssigned reports whether responderID belongs to the request's responder set.
func (e Engine) IsAssigned(ctx context.Context, requestID, responderID string) (bool, error) {
	ids, err := e.source().ListResponders(ctx, requestID)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == responderID {
			return true, nil
		}
	}
	return false, nil
}

// Progress reports committed against required capacity for every category.
func (e Engine) Progress(ctx context.Context, requestID string) (domain.ProgressSnapshot, error) {
	req, assignments, err := e.Repo.Snapshot(ctx, requestID)
	if err != nil {
		return domain.ProgressSnapshot{}, err
	}
	return allocation.ComputeProgress(req, assignments), nil
}

// Availability reports the capacity left for one responder, counting only
// other responders' commitments.
func (e Engine) Availability(ctx context.Context, requestID, responderID string) (domain.AvailabilityView, error) {
	req, assignments, err := e.Repo.Snapshot(ctx, requestID)
	if err != nil {
		return domain.AvailabilityView{}, err
	}
	assigned := false
	for _, a := range assignments {
		if a.ResponderID == responderID {
			assigned = true
			break
		}
	}
	if !assigned {
		return domain.AvailabilityView{}, NotAssignedError{RequestID: requestID, ResponderID: responderID}
	}
	return allocation.ComputeAvailability(req, assignments, responderID), nil
}

type DecisionInput struct {
	RequestID   string
	ResponderID string
	Decision    domain.Decision
	// Commitments maps category name to headcount. Ignored for declines.
	Commitments map[string]int
	ActorID     string
}

// RecordDecision moves an undecided assignment to accepted or declined.
// Accepting re-reads every assignment of the request under its lock,
// validates the commitment set against what is left, and writes the decision
// and commitments in the same transaction. Nothing is written on failure.
func (e Engine) RecordDecision(ctx context.Context, in DecisionInput) (domain.Assignment, error) {
	a, err := e.recordDecision(ctx, in)
	outcome := decisionOutcome(err)
	metrics.DecisionsRecorded.WithLabelValues(string(in.Decision), outcome).Inc()
	log := e.logger().With(
		zap.String("request_id", in.RequestID),
		zap.String("responder_id", in.ResponderID),
		zap.String("decision", string(in.Decision)),
	)
	switch outcome {
	case "recorded":
		log.Info("decision recorded", zap.Any("commitments", a.Commitments))
	case "rejected":
		var verrs allocation.ValidationErrors
		if errors.As(err, &verrs) {
			for _, reason := range rejectionReasons(verrs) {
				metrics.CommitmentRejections.WithLabelValues(reason).Inc()
			}
		}
		log.Warn("commitment rejected", zap.Error(err), zap.Bool("retryable", allocation.Retryable(err)))
	case "error":
		log.Error("decision failed", zap.Error(err))
	default:
		log.Info("decision refused", zap.String("outcome", outcome), zap.Error(err))
	}
	return a, err
}

func (e Engine) recordDecision(ctx context.Context, in DecisionInput) (domain.Assignment, error) {
	if _, err := e.Repo.GetRequest(ctx, in.RequestID); err != nil {
		return domain.Assignment{}, err
	}
	if in.Decision != domain.DecisionAccepted && in.Decision != domain.DecisionDeclined {
		return domain.Assignment{}, InvalidDecisionError{Decision: string(in.Decision)}
	}
	var result domain.Assignment
	fulfilled := false
	err := e.withRequestLock(ctx, "decide", in.RequestID, func(tx *sql.Tx) error {
		req, err := e.Repo.GetRequestTx(ctx, tx, in.RequestID)
		if err != nil {
			return err
		}
		a, err := e.Repo.GetAssignmentTx(ctx, tx, in.RequestID, in.ResponderID)
		if errors.Is(err, repo.ErrNotFound) {
			return NotAssignedError{RequestID: in.RequestID, ResponderID: in.ResponderID}
		}
		if err != nil {
			return err
		}
		if a.Decision != domain.DecisionUndecided {
			return AlreadyDecidedError{RequestID: in.RequestID, ResponderID: in.ResponderID, Decision: string(a.Decision)}
		}

		var commitments []domain.Commitment
		var assignments []domain.Assignment
		if in.Decision == domain.DecisionAccepted {
			if len(in.Commitments) == 0 {
				return allocation.ValidationErrors{allocation.EmptyCommitmentError{}}
			}
			assignments, err = e.Repo.ListAssignmentsTx(ctx, tx, in.RequestID)
			if err != nil {
				return err
			}
			view := allocation.ComputeAvailability(req, assignments, in.ResponderID)
			if err := allocation.ValidateCommitment(in.Commitments, view); err != nil {
				return err
			}
			for _, c := range req.Categories {
				if qty, ok := in.Commitments[c.Name]; ok {
					commitments = append(commitments, domain.Commitment{Category: c.Name, Quantity: qty})
				}
			}
		}

		decidedAt := e.stamp()
		err = e.Repo.DecideAssignmentTx(ctx, tx, in.RequestID, in.ResponderID, in.Decision, decidedAt, commitments)
		if errors.Is(err, repo.ErrNotUndecided) {
			return AlreadyDecidedError{RequestID: in.RequestID, ResponderID: in.ResponderID, Decision: "decided"}
		}
		if err != nil {
			return err
		}
		a.Decision = in.Decision
		a.DecidedAt = &decidedAt
		a.Commitments = commitments
		if err := e.writer().Append(ctx, tx, events.AssignmentDecided, in.RequestID, "assignment", in.ResponderID, in.ActorID, events.EventPayload{
			"responder_id": in.ResponderID,
			"decision":     string(in.Decision),
			"commitments":  commitments,
		}); err != nil {
			return err
		}

		if in.Decision == domain.DecisionAccepted {
			before := allocation.ComputeProgress(req, assignments)
			after := allocation.ComputeProgress(req, replaceAssignment(assignments, a))
			if !before.Fulfilled && after.Fulfilled {
				fulfilled = true
				if err := e.writer().Append(ctx, tx, events.RequestFulfilled, in.RequestID, "request", in.RequestID, in.ActorID, events.EventPayload{
					"required_total":  after.RequiredTotal,
					"committed_total": after.CommittedTotal,
				}); err != nil {
					return err
				}
			}
		}
		result = a
		return nil
	})
	if err != nil {
		return domain.Assignment{}, err
	}
	if fulfilled {
		metrics.RequestsFulfilled.Inc()
		e.logger().Info("request fulfilled", zap.String("request_id", in.RequestID))
	}
	return result, nil
}

// EventLog pages a live request's audit log backwards from cursor.
func (e Engine) EventLog(ctx context.Context, requestID string, limit int, cursor int64, evtType string) ([]domain.Event, error) {
	if _, err := e.Repo.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	return e.Repo.LatestEventsFrom(ctx, limit, cursor, repo.EventFilter{RequestID: requestID, Type: evtType})
}

func replaceAssignment(assignments []domain.Assignment, a domain.Assignment) []domain.Assignment {
	out := make([]domain.Assignment, len(assignments))
	copy(out, assignments)
	for i := range out {
		if out[i].ResponderID == a.ResponderID {
			out[i] = a
			return out
		}
	}
	return append(out, a)
}

func decisionOutcome(err error) string {
	if err == nil {
		return "recorded"
	}
	var verrs allocation.ValidationErrors
	var nae NotAssignedError
	var ade AlreadyDecidedError
	var ide InvalidDecisionError
	switch {
	case errors.As(err, &verrs):
		return "rejected"
	case errors.As(err, &nae):
		return "not_assigned"
	case errors.As(err, &ade):
		return "already_decided"
	case errors.As(err, &ide):
		return "invalid"
	case errors.Is(err, repo.ErrNotFound):
		return "not_found"
	}
	return "error"
}

func rejectionReasons(verrs allocation.ValidationErrors) []string {
	reasons := make([]string, 0, len(verrs))
	for _, err := range verrs {
		switch err.(type) {
		case allocation.UnknownCategoryError:
			reasons = append(reasons, "unknown_category")
		case allocation.InvalidQuantityError:
			reasons = append(reasons, "invalid_quantity")
		case allocation.OverCommitmentError:
			reasons = append(reasons, "over_commitment")
		case allocation.EmptyCommitmentError:
			reasons = append(reasons, "empty_commitment")
		default:
			reasons = append(reasons, "other")
		}
	}
	return reasons
}

func normalizeCategories(in []domain.Category) ([]domain.Category, error) {
	if len(in) == 0 {
		return nil, InputError{Field: "categories", Message: "at least one category is required"}
	}
	seen := map[string]bool{}
	out := make([]domain.Category, 0, len(in))
	for _, c := range in {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, InputError{Field: "categories", Message: "category name is required"}
		}
		if seen[name] {
			return nil, InputError{Field: "categories", Message: fmt.Sprintf("duplicate category %q", name)}
		}
		if c.Quota < 1 {
			return nil, InputError{Field: "categories", Message: fmt.Sprintf("quota for %q must be at least 1", name)}
		}
		seen[name] = true
		out = append(out, domain.Category{Name: name, Quota: c.Quota})
	}
	return out, nil
}

func normalizeResponders(in []domain.Responder) ([]domain.Responder, error) {
	seen := map[string]bool{}
	var out []domain.Responder
	for _, r := range in {
		id := strings.TrimSpace(r.ID)
		if id == "" {
			return nil, InputError{Field: "responders", Message: "responder id is required"}
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, domain.Responder{ID: id, Name: strings.TrimSpace(r.Name)})
	}
	return out, nil
}

func responderIDs(rs []domain.Responder) []string {
	ids := make([]string, 0, len(rs))
	for _, r := range rs {
		ids = append(ids, r.ID)
	}
	return ids
}

func actorOrSystem(actor string) string {
	if actor == "" {
		return "system"
	}
	return actor
}
