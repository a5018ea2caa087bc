package server

import (
	"encoding/json"
	"errors"

	"muster/internal/allocation"
	"muster/internal/domain"
)

// Request payloads

type CategoryRequest struct {
	Name  string `json:"name"`
	Quota int    `json:"quota"`
}

type ResponderRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type CreateRequestRequest struct {
	ID          string             `json:"id,omitempty"`
	Title       string             `json:"title"`
	Description string             `json:"description,omitempty"`
	Categories  []CategoryRequest  `json:"categories"`
	Responders  []ResponderRequest `json:"responders,omitempty"`
}

type UpdateCategoriesRequest struct {
	Categories []CategoryRequest `json:"categories"`
}

type AssignRespondersRequest struct {
	Responders []ResponderRequest `json:"responders"`
}

type DecisionRequest struct {
	Decision    string         `json:"decision" example:"accepted"`
	Commitments map[string]int `json:"commitments,omitempty" example:"{\"Medic\":2}"`
}

// Responses

type RequestResponse struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	Categories  []domain.Category   `json:"categories"`
	CreatedBy   string              `json:"created_by"`
	CreatedAt   string              `json:"created_at" format:"date-time"`
	Assignments []domain.Assignment `json:"assignments,omitempty"`
}

type DecisionResponse struct {
	Assignment domain.Assignment `json:"assignment"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	RequestID  string         `json:"request_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type requestList struct {
	Items []RequestResponse `json:"items"`
}

type assignmentList struct {
	Items []domain.Assignment `json:"items"`
}

// ValidationItem is one entry of a rejected commitment set.
type ValidationItem struct {
	Code      string `json:"code" enum:"unknown_category,invalid_quantity,over_commitment,empty_commitment"`
	Category  string `json:"category,omitempty"`
	Quantity  *int   `json:"quantity,omitempty"`
	Requested *int   `json:"requested,omitempty"`
	Remaining *int   `json:"remaining,omitempty"`
	Message   string `json:"message"`
}

// Conversion helpers

func requestResponse(r domain.Request) RequestResponse {
	cats := r.Categories
	if cats == nil {
		cats = []domain.Category{}
	}
	return RequestResponse{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Categories:  cats,
		CreatedBy:   r.CreatedBy,
		CreatedAt:   r.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		RequestID:  e.RequestID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func toCategories(in []CategoryRequest) []domain.Category {
	out := make([]domain.Category, 0, len(in))
	for _, c := range in {
		out = append(out, domain.Category{Name: c.Name, Quota: c.Quota})
	}
	return out
}

func toResponders(in []ResponderRequest) []domain.Responder {
	out := make([]domain.Responder, 0, len(in))
	for _, r := range in {
		out = append(out, domain.Responder{ID: r.ID, Name: r.Name})
	}
	return out
}

func validationItems(verrs allocation.ValidationErrors) []ValidationItem {
	items := make([]ValidationItem, 0, len(verrs))
	for _, err := range verrs {
		item := ValidationItem{Message: err.Error()}
		var uc allocation.UnknownCategoryError
		var iq allocation.InvalidQuantityError
		var oc allocation.OverCommitmentError
		var ec allocation.EmptyCommitmentError
		switch {
		case errors.As(err, &uc):
			item.Code = "unknown_category"
			item.Category = uc.Category
		case errors.As(err, &iq):
			item.Code = "invalid_quantity"
			item.Category = iq.Category
			item.Quantity = intPtr(iq.Quantity)
		case errors.As(err, &oc):
			item.Code = "over_commitment"
			item.Category = oc.Category
			item.Requested = intPtr(oc.Requested)
			item.Remaining = intPtr(oc.Remaining)
		case errors.As(err, &ec):
			item.Code = "empty_commitment"
		default:
			item.Code = "invalid"
		}
		items = append(items, item)
	}
	return items
}

func intPtr(v int) *int {
	return &v
}
