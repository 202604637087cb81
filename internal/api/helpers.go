package api

import (
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// decodeJSON reads one JSON value. An empty body decodes to the zero value.
func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		return out, newInvalidRequest("", fmt.Sprintf("invalid JSON body: %v", err))
	}
	return out, nil
}

func newResultID() string {
	return "sal_" + uuid.NewString()
}

func orDefault[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
