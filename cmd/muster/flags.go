package main

import (
	"fmt"
	"strconv"
	"strings"

	"muster/internal/domain"
)

// parseQuantities turns repeated NAME=N flags into a map. Later flags for the
// same name overwrite earlier ones.
func parseQuantities(flag string, values []string) (map[string]int, error) {
	out := make(map[string]int, len(values))
	for _, raw := range values {
		name, qty, err := splitPair(flag, raw)
		if err != nil {
			return nil, err
		}
		out[name] = qty
	}
	return out, nil
}

// parseCategories keeps the order the flags were given in.
func parseCategories(values []string) ([]domain.Category, error) {
	out := make([]domain.Category, 0, len(values))
	for _, raw := range values {
		name, qty, err := splitPair("--category", raw)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.Category{Name: name, Quota: qty})
	}
	return out, nil
}

// parseResponders accepts ID or ID:Display Name.
func parseResponders(values []string) []domain.Responder {
	out := make([]domain.Responder, 0, len(values))
	for _, raw := range values {
		id, name, _ := strings.Cut(raw, ":")
		out = append(out, domain.Responder{ID: strings.TrimSpace(id), Name: strings.TrimSpace(name)})
	}
	return out
}

func splitPair(flag, raw string) (string, int, error) {
	name, qty, ok := strings.Cut(raw, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", 0, fmt.Errorf("%s expects NAME=N, got %q", flag, raw)
	}
	n, err := strconv.Atoi(strings.TrimSpace(qty))
	if err != nil {
		return "", 0, fmt.Errorf("%s %s: %q is not a number", flag, name, qty)
	}
	return name, n, nil
}
