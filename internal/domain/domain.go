package domain

// Decision is the tri-state answer of a responder to a request.
type Decision string

const (
	DecisionUndecided Decision = "undecided"
	DecisionAccepted  Decision = "accepted"
	DecisionDeclined  Decision = "declined"
)

// Valid reports whether d is one of the known decision values.
func (d Decision) Valid() bool {
	switch d {
	case DecisionUndecided, DecisionAccepted, DecisionDeclined:
		return true
	}
	return false
}

// Category is one row of a request's quota table.
type Category struct {
	Name  string `json:"name"`
	Quota int    `json:"quota" minimum:"1"`
}

type Request struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Categories  []Category `json:"categories"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
	DeletedAt   *string    `json:"deleted_at,omitempty" format:"date-time"`
}

// Category returns the quota row with the given name.
func (r Request) Category(name string) (Category, bool) {
	for _, c := range r.Categories {
		if c.Name == name {
			return c, true
		}
	}
	return Category{}, false
}

type Commitment struct {
	Category string `json:"category"`
	Quantity int    `json:"quantity"`
}

type Responder struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Assignment struct {
	RequestID     string       `json:"request_id"`
	ResponderID   string       `json:"responder_id"`
	ResponderName string       `json:"responder_name"`
	Decision      Decision     `json:"decision" enum:"undecided,accepted,declined"`
	Commitments   []Commitment `json:"commitments,omitempty"`
	DecidedAt     *string      `json:"decided_at,omitempty" format:"date-time"`
	CreatedAt     string       `json:"created_at" format:"date-time"`
	Seq           int64        `json:"-"`
}

// Quantity returns the committed amount for a category, zero when absent.
func (a Assignment) Quantity(category string) int {
	total := 0
	for _, c := range a.Commitments {
		if c.Category == category {
			total += c.Quantity
		}
	}
	return total
}

type Contributor struct {
	ResponderID   string `json:"responder_id"`
	ResponderName string `json:"responder_name"`
	Quantity      int    `json:"quantity"`
}

type CategoryProgress struct {
	Name         string        `json:"name"`
	Required     int           `json:"required"`
	Committed    int           `json:"committed"`
	Remaining    int           `json:"remaining"`
	Contributors []Contributor `json:"contributors"`
}

type ProgressSnapshot struct {
	RequestID      string             `json:"request_id"`
	Categories     []CategoryProgress `json:"categories"`
	RequiredTotal  int                `json:"required_total"`
	CommittedTotal int                `json:"committed_total"`
	Fulfilled      bool               `json:"fulfilled"`
}

// Category returns the progress row for name.
func (p ProgressSnapshot) Category(name string) (CategoryProgress, bool) {
	for _, c := range p.Categories {
		if c.Name == name {
			return c, true
		}
	}
	return CategoryProgress{}, false
}

type CategoryAvailability struct {
	Name             string `json:"name"`
	Required         int    `json:"required"`
	ProvidedByOthers int    `json:"provided_by_others"`
	Remaining        int    `json:"remaining"`
}

type AvailabilityView struct {
	RequestID   string                 `json:"request_id"`
	ResponderID string                 `json:"responder_id"`
	Categories  []CategoryAvailability `json:"categories"`
}

// Category returns the availability row for name.
func (v AvailabilityView) Category(name string) (CategoryAvailability, bool) {
	for _, c := range v.Categories {
		if c.Name == name {
			return c, true
		}
	}
	return CategoryAvailability{}, false
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RequestID  string `json:"request_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
