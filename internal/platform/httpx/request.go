package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-pos/internal/shared"
)

// ActorHeader carries the user id set by the authenticating gateway.
const ActorHeader = "X-User-ID"

// Validator wraps go-playground/validator and reports failures as shared.ErrValidation.
type Validator struct {
	v *validator.Validate
}

// NewValidator builds a Validator.
func NewValidator() *Validator {
	return &Validator{v: validator.New()}
}

// Struct validates the tagged fields of s.
func (v *Validator) Struct(s any) error {
	err := v.v.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	sort.Strings(msgs)
	return fmt.Errorf("%w: %s", shared.ErrValidation, strings.Join(msgs, "; "))
}

// PathInt64 parses a positive integer URL parameter.
func PathInt64(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", shared.ErrValidation, name, raw)
	}
	return id, nil
}

// ActorMiddleware moves the gateway supplied user id into the request context.
// Requests without a valid id are rejected with 401.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.Header.Get(ActorHeader), 10, 64)
		if err != nil || id <= 0 {
			RespondError(w, fmt.Errorf("%w: missing %s header", ErrUnauthorized, ActorHeader))
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithActor(r.Context(), id)))
	})
}

// Actor returns the user id placed in context by ActorMiddleware.
func Actor(r *http.Request) (int64, error) {
	id, ok := shared.ActorFromContext(r.Context())
	if !ok {
		return 0, fmt.Errorf("%w: no actor in request", ErrUnauthorized)
	}
	return id, nil
}
