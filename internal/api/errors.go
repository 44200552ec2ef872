package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/msageha/taskgate/internal/model"
)

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Error   string                  `json:"error"`
	Details []model.ValidationError `json:"details,omitempty"`
	Cycle   []string                `json:"cycle,omitempty"`
}

// httpError maps pipeline errors onto status codes.
func httpError(err error) *echo.HTTPError {
	var (
		validation *model.ValidationErrors
		duplicate  *model.DuplicateIDError
		cycle      *model.CycleError
		transition *model.InvalidTransitionError
	)
	body := ErrorBody{Error: err.Error()}
	code := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation):
		code = http.StatusBadRequest
		body.Details = validation.Errors
	case errors.As(err, &duplicate):
		code = http.StatusConflict
	case errors.As(err, &cycle):
		code = http.StatusUnprocessableEntity
		body.Cycle = cycle.Path
	case errors.Is(err, model.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, model.ErrNoEscalation), errors.As(err, &transition):
		code = http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}
	return echo.NewHTTPError(code, body).SetInternal(err)
}
