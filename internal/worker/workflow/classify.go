package workflow

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"

	"github.com/opengisch/fieldq/internal/worker/gis"
	"github.com/opengisch/fieldq/model"
)

// APIError is a failed call against the fieldq API from inside a worker.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error %d", e.StatusCode)
}

// Classify maps a step failure onto the fixed error taxonomy consumed by
// the API and support tooling.
func Classify(err error) model.ErrorType {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized:
			return model.ErrorTypeAPITokenExpired
		case apiErr.StatusCode == http.StatusPaymentRequired:
			return model.ErrorTypeAPIPaymentRequired
		case apiErr.StatusCode == http.StatusForbidden:
			return model.ErrorTypeAPIForbidden
		case apiErr.StatusCode == http.StatusNotFound:
			return model.ErrorTypeAPINotFound
		case apiErr.StatusCode >= http.StatusInternalServerError:
			return model.ErrorTypeAPIInternalServerError
		default:
			return model.ErrorTypeAPIOther
		}
	}

	var invalidErr *gis.InvalidProjectFileError
	if errors.As(err, &invalidErr) {
		return model.ErrorTypeInvalidProjectFile
	}
	if errors.Is(err, fs.ErrNotExist) {
		return model.ErrorTypeFileNotFound
	}
	return model.ErrorTypeUnknown
}
