package server

import (
	"errors"
	"net/http"

	apperrors "ragserve/internal/errors"
	"ragserve/internal/identity"
	"ragserve/pkg/api"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate = validator.New()

// validateStruct maps the first tag violation to a 422 so clients see the
// field and constraint that failed.
func validateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		f := verrs[0]
		return apperrors.Unprocessable("field %q failed the %q constraint", f.Field(), f.Tag())
	}
	return apperrors.Unprocessable("request failed validation")
}

// maxBodyBytes caps JSON request bodies. File uploads have their own limit
// from the upload configuration.
const maxBodyBytes = 1 << 20

// writeError is the single translation point from the internal error
// taxonomy to the response envelope. Everything a handler returns funnels
// through here so that status codes and error_code strings stay consistent
// across the surface.
func writeError(w http.ResponseWriter, err error) {
	e := apperrors.From(err)
	api.Error(w, e.HTTPStatus(), string(e.Code), e.Message, details(e))
}

func details(e *apperrors.Error) interface{} {
	if len(e.Details) == 0 {
		return nil
	}
	return e.Details
}

// decode reads a JSON body into v and normalizes decode failures into
// bad-input errors.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := api.ParseJSON(w, r, v, maxBodyBytes); err != nil {
		return apperrors.BadInput("request body is not valid JSON").WithCause(err)
	}
	return nil
}

// audit emits the audit trail line for sensitive mutations. The audit=true
// field keeps these greppable in the aggregated stream.
func audit(logger *zap.Logger, r *http.Request, action, decision string, fields ...zap.Field) {
	id := identity.FromContext(r.Context())
	base := []zap.Field{
		zap.Bool("audit", true),
		zap.String("action", action),
		zap.String("decision", decision),
		zap.String("route", r.URL.Path),
		zap.String("method", r.Method),
		zap.String("identity", id.Key),
		zap.String("tier", id.Tier),
	}
	logger.Info("audit", append(base, fields...)...)
}
