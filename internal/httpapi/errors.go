package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ionsec/maes-platform-sub001/internal/access"
	"github.com/ionsec/maes-platform-sub001/internal/jobs"
	"github.com/ionsec/maes-platform-sub001/internal/obs"
	"github.com/ionsec/maes-platform-sub001/internal/orgs"
	"github.com/ionsec/maes-platform-sub001/internal/queue"
)

// Error codes returned alongside the message.
const (
	codeUnauthenticated = "unauthenticated"
	codeForbidden       = "forbidden"
	codeNotFound        = "not_found"
	codeInvalidInput    = "invalid_input"
	codeInvalidState    = "invalid_state"
	codeConflict        = "conflict"
	codeConfiguration   = "configuration_incomplete"
	codeUnavailable     = "queue_unavailable"
	codeTimeout         = "timeout"
	codeInternal        = "internal"
)

type errorBody struct {
	Error     string   `json:"error"`
	Code      string   `json:"code,omitempty"`
	Missing   []string `json:"missing,omitempty"`
	Job       any      `json:"job,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorBody(w, r, code, errorBody{Error: msg})
}

func writeErrorBody(w http.ResponseWriter, r *http.Request, code int, body errorBody) {
	body.RequestID = RequestIDFromContext(r.Context())
	writeJSON(w, code, body)
}

// writeDomainError maps the service error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable && status != http.StatusGatewayTimeout {
		obs.Logger().Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.Error(err))
	}
	writeErrorBody(w, r, status, body)
}

func classify(err error) (int, errorBody) {
	if cfg, ok := orgs.AsConfigurationError(err); ok {
		return http.StatusUnprocessableEntity, errorBody{Error: cfg.Error(), Code: codeConfiguration, Missing: cfg.Missing}
	}
	switch {
	case errors.Is(err, access.ErrUnauthenticated):
		return http.StatusUnauthorized, errorBody{Error: "authentication required", Code: codeUnauthenticated}
	case errors.Is(err, access.ErrForbidden):
		return http.StatusForbidden, errorBody{Error: "forbidden", Code: codeForbidden}
	case errors.Is(err, jobs.ErrInvalidState):
		return http.StatusConflict, errorBody{Error: err.Error(), Code: codeInvalidState}
	case errors.Is(err, jobs.ErrConflict), errors.Is(err, jobs.ErrStaleState),
		errors.Is(err, orgs.ErrConflict), errors.Is(err, access.ErrConflict):
		return http.StatusConflict, errorBody{Error: err.Error(), Code: codeConflict}
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, orgs.ErrNotFound), errors.Is(err, access.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: "resource not found", Code: codeNotFound}
	case errors.Is(err, jobs.ErrInvalidInput), errors.Is(err, orgs.ErrInvalidInput), errors.Is(err, access.ErrInvalidInput),
		errors.Is(err, access.ErrUnknownCapability):
		return http.StatusBadRequest, errorBody{Error: err.Error(), Code: codeInvalidInput}
	case errors.Is(err, jobs.ErrDispatch), errors.Is(err, queue.ErrUnavailable):
		return http.StatusServiceUnavailable, errorBody{Error: "job queue unavailable", Code: codeUnavailable}
	case errors.Is(err, jobs.ErrTimeout):
		return http.StatusGatewayTimeout, errorBody{Error: err.Error(), Code: codeTimeout}
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal error", Code: codeInternal}
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeJSON reads exactly one JSON value and validates it when it is a struct.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeValid decodes then applies validate tags, reporting every failing field.
func decodeValid(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := decodeJSON(w, r, dst); err != nil {
		return err
	}
	err := validate.Struct(dst)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			parts = append(parts, fe.Field()+" failed "+fe.Tag())
		}
		return errors.New(strings.Join(parts, "; "))
	}
	return err
}

func parsePositiveInt(name, raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Newf("%s must be an integer", name)
	}
	if val < min || val > max {
		return 0, errors.Newf("%s must be between %d and %d", name, min, max)
	}
	return val, nil
}
