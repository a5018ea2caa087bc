package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"muster/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrNotUndecided is returned when a decision write loses against an
	// assignment that already left the undecided state.
	ErrNotUndecided = errors.New("assignment already decided")
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) InsertRequestTx(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO requests(id,title,description,created_by,created_at) VALUES (?,?,?,?,?)`,
		req.ID, req.Title, nullable(req.Description), req.CreatedBy, req.CreatedAt); err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return insertCategories(ctx, tx, req.ID, req.Categories)
}

// RequestIDTakenTx reports whether id is used by any request, deleted or not.
func (r Repo) RequestIDTakenTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM requests WHERE id=?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func insertCategories(ctx context.Context, tx *sql.Tx, requestID string, cats []domain.Category) error {
	for i, c := range cats {
		if _, err := tx.ExecContext(ctx, `INSERT INTO request_categories(request_id,position,name,quota) VALUES (?,?,?,?)`,
			requestID, i, c.Name, c.Quota); err != nil {
			return fmt.Errorf("insert category %s: %w", c.Name, err)
		}
	}
	return nil
}

// ReplaceCategoriesTx swaps the whole quota table of a request.
func (r Repo) ReplaceCategoriesTx(ctx context.Context, tx *sql.Tx, requestID string, cats []domain.Category) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM request_categories WHERE request_id=?`, requestID); err != nil {
		return fmt.Errorf("clear categories: %w", err)
	}
	return insertCategories(ctx, tx, requestID, cats)
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	return getRequest(ctx, r.DB, id)
}

func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.Request, error) {
	return getRequest(ctx, tx, id)
}

func getRequest(ctx context.Context, q querier, id string) (domain.Request, error) {
	var req domain.Request
	var desc, deletedAt sql.NullString
	err := q.QueryRowContext(ctx, `SELECT id,title,description,created_by,created_at,deleted_at FROM requests WHERE id=?`, id).
		Scan(&req.ID, &req.Title, &desc, &req.CreatedBy, &req.CreatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	if deletedAt.Valid {
		return domain.Request{}, ErrNotFound
	}
	req.Description = desc.String
	cats, err := listCategories(ctx, q, id)
	if err != nil {
		return req, err
	}
	req.Categories = cats
	return req, nil
}

func listCategories(ctx context.Context, q querier, requestID string) ([]domain.Category, error) {
	rows, err := q.QueryContext(ctx, `SELECT name,quota FROM request_categories WHERE request_id=? ORDER BY position ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cats := []domain.Category{}
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.Name, &c.Quota); err != nil {
			return nil, err
		}
		cats = append(cats, c)
	}
	return cats, rows.Err()
}

// ListRequests returns live requests, newest first.
func (r Repo) ListRequests(ctx context.Context) ([]domain.Request, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,title,COALESCE(description,''),created_by,created_at FROM requests WHERE deleted_at IS NULL ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	var res []domain.Request
	for rows.Next() {
		var req domain.Request
		if err := rows.Scan(&req.ID, &req.Title, &req.Description, &req.CreatedBy, &req.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, req)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for i := range res {
		cats, err := listCategories(ctx, r.DB, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Categories = cats
	}
	return res, nil
}

func (r Repo) SoftDeleteRequestTx(ctx context.Context, tx *sql.Tx, id, deletedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE requests SET deleted_at=? WHERE id=? AND deleted_at IS NULL`, deletedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertAssignmentTx creates an undecided assignment. It reports false when the
// responder was already assigned to the request.
func (r Repo) InsertAssignmentTx(ctx context.Context, tx *sql.Tx, a domain.Assignment) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO assignments(request_id,responder_id,responder_name,decision,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(request_id,responder_id) DO NOTHING`,
		a.RequestID, a.ResponderID, a.ResponderName, string(domain.DecisionUndecided), a.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert assignment %s: %w", a.ResponderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) GetAssignment(ctx context.Context, requestID, responderID string) (domain.Assignment, error) {
	return getAssignment(ctx, r.DB, requestID, responderID)
}

func (r Repo) GetAssignmentTx(ctx context.Context, tx *sql.Tx, requestID, responderID string) (domain.Assignment, error) {
	return getAssignment(ctx, tx, requestID, responderID)
}

func getAssignment(ctx context.Context, q querier, requestID, responderID string) (domain.Assignment, error) {
	var a domain.Assignment
	var decision string
	var decidedAt sql.NullString
	err := q.QueryRowContext(ctx, `SELECT seq,request_id,responder_id,responder_name,decision,decided_at,created_at FROM assignments WHERE request_id=? AND responder_id=?`,
		requestID, responderID).Scan(&a.Seq, &a.RequestID, &a.ResponderID, &a.ResponderName, &decision, &decidedAt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Decision = domain.Decision(decision)
	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.String
	}
	byResponder, err := listCommitments(ctx, q, requestID, responderID)
	if err != nil {
		return a, err
	}
	a.Commitments = byResponder[responderID]
	return a, nil
}

// ListAssignments returns a request's assignments in creation order.
func (r Repo) ListAssignments(ctx context.Context, requestID string) ([]domain.Assignment, error) {
	return listAssignments(ctx, r.DB, requestID)
}

func (r Repo) ListAssignmentsTx(ctx context.Context, tx *sql.Tx, requestID string) ([]domain.Assignment, error) {
	return listAssignments(ctx, tx, requestID)
}

func listAssignments(ctx context.Context, q querier, requestID string) ([]domain.Assignment, error) {
	rows, err := q.QueryContext(ctx, `SELECT seq,request_id,responder_id,responder_name,decision,decided_at,created_at FROM assignments WHERE request_id=? ORDER BY seq ASC`, requestID)
	if err != nil {
		return nil, err
	}
	var res []domain.Assignment
	for rows.Next() {
		var a domain.Assignment
		var decision string
		var decidedAt sql.NullString
		if err := rows.Scan(&a.Seq, &a.RequestID, &a.ResponderID, &a.ResponderName, &decision, &decidedAt, &a.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		a.Decision = domain.Decision(decision)
		if decidedAt.Valid {
			a.DecidedAt = &decidedAt.String
		}
		res = append(res, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	commitments, err := listCommitments(ctx, q, requestID, "")
	if err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Commitments = commitments[res[i].ResponderID]
	}
	return res, nil
}

// listCommitments groups commitments by responder; responderID narrows the
// query when set.
func listCommitments(ctx context.Context, q querier, requestID, responderID string) (map[string][]domain.Commitment, error) {
	clauses := []string{"ac.request_id=?"}
	args := []any{requestID}
	if responderID != "" {
		clauses = append(clauses, "ac.responder_id=?")
		args = append(args, responderID)
	}
	query := `SELECT ac.responder_id, ac.category, ac.quantity FROM assignment_commitments ac
LEFT JOIN request_categories rc ON rc.request_id=ac.request_id AND rc.name=ac.category
WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY ac.responder_id, COALESCE(rc.position, 1<<30), ac.category`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string][]domain.Commitment{}
	for rows.Next() {
		var rid string
		var c domain.Commitment
		if err := rows.Scan(&rid, &c.Category, &c.Quantity); err != nil {
			return nil, err
		}
		res[rid] = append(res[rid], c)
	}
	return res, rows.Err()
}

// ListResponders returns the ids of every responder assigned to a request.
func (r Repo) ListResponders(ctx context.Context, requestID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT responder_id FROM assignments WHERE request_id=? ORDER BY seq ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DecideAssignmentTx moves an undecided assignment to its final decision and
// stores its commitments. The update only matches undecided rows, so a second
// writer gets ErrNotUndecided instead of overwriting the first decision.
func (r Repo) DecideAssignmentTx(ctx context.Context, tx *sql.Tx, requestID, responderID string, decision domain.Decision, decidedAt string, commitments []domain.Commitment) error {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET decision=?, decided_at=? WHERE request_id=? AND responder_id=? AND decision='undecided'`,
		string(decision), decidedAt, requestID, responderID)
	if err != nil {
		return fmt.Errorf("update assignment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotUndecided
	}
	for _, c := range commitments {
		if _, err := tx.ExecContext(ctx, `INSERT INTO assignment_commitments(request_id,responder_id,category,quantity) VALUES (?,?,?,?)`,
			requestID, responderID, c.Category, c.Quantity); err != nil {
			return fmt.Errorf("insert commitment %s: %w", c.Category, err)
		}
	}
	return nil
}

// Snapshot reads a request and its assignments from one read-only transaction.
func (r Repo) Snapshot(ctx context.Context, requestID string) (domain.Request, []domain.Assignment, error) {
	tx, err := r.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return domain.Request{}, nil, err
	}
	defer tx.Rollback()
	req, err := getRequest(ctx, tx, requestID)
	if err != nil {
		return domain.Request{}, nil, err
	}
	assignments, err := listAssignments(ctx, tx, requestID)
	if err != nil {
		return domain.Request{}, nil, err
	}
	return req, assignments, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
