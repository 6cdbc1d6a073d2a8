package httpserver

import (
	"net/http"

	"github.com/riclipi/dmca-deepagent-sub002/internal/errs"
)

// RespondErr maps a boundary error (internal/errs) to the stable HTTP status
// codes of spec §6 and writes the standard JSON error envelope. Errors that
// are not a boundary Error map to 500.
func RespondErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errs.Is(err, errs.KindValidation):
		status = http.StatusBadRequest
	case errs.Is(err, errs.KindAuthorization):
		status = http.StatusForbidden
	case errs.Is(err, errs.KindConflict):
		status = http.StatusConflict
	case errs.Is(err, errs.KindTerminalSession):
		status = http.StatusConflict
	case errs.Is(err, errs.KindTransientIO):
		status = http.StatusServiceUnavailable
	}

	// CodeRateLimited and CodeUnauthenticated carry their own status
	// regardless of Kind, since they're raised ahead of the domain layer.
	switch errs.Code(err) {
	case errs.CodeRateLimited:
		status = http.StatusTooManyRequests
	case errs.CodeUnauthenticated:
		status = http.StatusUnauthorized
	case errs.CodeBrandMissing, errs.CodeSessionNotFound:
		status = http.StatusNotFound
	}

	RespondError(w, status, errs.Code(err), err.Error())
}
