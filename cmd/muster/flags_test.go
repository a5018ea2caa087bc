package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"muster/internal/domain"
)

func TestParseCategoriesKeepsOrder(t *testing.T) {
	cats, err := parseCategories([]string{"Medic=5", " Driver = 3"})
	require.NoError(t, err)
	assert.Equal(t, []domain.Category{{Name: "Medic", Quota: 5}, {Name: "Driver", Quota: 3}}, cats)
}

func TestParseQuantities(t *testing.T) {
	got, err := parseQuantities("--commit", []string{"Medic=1", "Driver=2", "Medic=0"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Medic": 0, "Driver": 2}, got)

	_, err = parseQuantities("--commit", []string{"Medic"})
	assert.ErrorContains(t, err, "expects NAME=N")
	_, err = parseQuantities("--commit", []string{"Medic=two"})
	assert.ErrorContains(t, err, "not a number")
	_, err = parseQuantities("--commit", []string{"=2"})
	assert.Error(t, err)
}

func TestParseResponders(t *testing.T) {
	got := parseResponders([]string{"A:Red Cross", "B"})
	assert.Equal(t, []domain.Responder{{ID: "A", Name: "Red Cross"}, {ID: "B"}}, got)
}
