package main

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskgate/internal/api"
	"github.com/msageha/taskgate/internal/model"
)

func TestParseBatch(t *testing.T) {
	in := `
tasks:
  - id: build
    type: build
    priority: HIGH
    payload:
      target: ./...
      race: true
  - id: deploy
    type: deploy
    dependencies: [build]
    max_retries: 1
`
	reqs, err := parseBatch(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, reqs, 2)

	assert.Equal(t, "build", reqs[0].ID)
	assert.Equal(t, "HIGH", reqs[0].Priority)
	assert.JSONEq(t, `{"target":"./...","race":true}`, string(reqs[0].Payload))
	assert.Nil(t, reqs[0].MaxRetries)

	assert.Equal(t, []string{"build"}, reqs[1].Dependencies)
	require.NotNil(t, reqs[1].MaxRetries)
	assert.Equal(t, 1, *reqs[1].MaxRetries)
	assert.Nil(t, reqs[1].Payload)
}

func TestParseBatch_JSON(t *testing.T) {
	reqs, err := parseBatch(strings.NewReader(`{"tasks":[{"id":"a","type":"x"}]}`))
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "a", reqs[0].ID)
}

func TestParseBatch_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", "tasks: []"},
		{"unknown field", "tasks:\n  - id: a\n    kind: x\n"},
		{"not yaml", "tasks: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseBatch(strings.NewReader(tt.in))
			assert.Error(t, err)
		})
	}
}

func TestDescribe(t *testing.T) {
	plain := errors.New("connection refused")
	assert.Same(t, plain, describe(plain))

	err := describe(fmt.Errorf("submit: %w", &api.APIError{
		StatusCode: 422,
		Message:    "circular dependency detected",
		Cycle:      []string{"a", "b", "a"},
	}))
	assert.EqualError(t, err, "circular dependency detected\n  cycle: a -> b -> a (HTTP 422)")

	err = describe(&api.APIError{
		StatusCode: 400,
		Message:    "invalid task",
		Details:    []model.ValidationError{{FieldPath: "type", Message: "is required"}},
	})
	assert.EqualError(t, err, "invalid task\n  type: is required (HTTP 400)")
}
