package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/attnlens/internal/attn"
	"github.com/samcharles93/attnlens/internal/logger"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	param string
	msg   string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(param, msg string) error {
	return invalidRequestError{param: param, msg: msg}
}

// ResponseError is the body of every non-2xx reply.
type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

func writeBadRequest(c *echo.Context, err error) error {
	var ir invalidRequestError
	param := ""
	if errors.As(err, &ir) {
		param = ir.param
	}
	return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), param, "")
}

// writeAttnError maps engine and store failures onto HTTP statuses.
func writeAttnError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return writeBadRequest(c, err)
	case errors.Is(err, attn.ErrSourceNotFound):
		return writeError(c, http.StatusNotFound, "not_found_error", err.Error(), "key", "source_not_found")
	case errors.Is(err, attn.ErrInvalidRange):
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), "", "invalid_range")
	case errors.Is(err, attn.ErrInvalidShape):
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), "", "invalid_shape")
	case errors.Is(err, attn.ErrEmptySelection):
		return writeError(c, http.StatusUnprocessableEntity, "invalid_request_error", err.Error(), "selected", "empty_selection")
	}
	logger.FromContext(c.Request().Context()).Error("request failed", "path", c.Request().URL.Path, "err", err)
	return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
}
