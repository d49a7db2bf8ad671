package handlers

import (
	"errors"
	"net/http"

	"github.com/dvloznov/movements-ledger/internal/api/middleware"
	"github.com/dvloznov/movements-ledger/internal/domain"
	"github.com/dvloznov/movements-ledger/internal/jobs"
	"github.com/rs/zerolog"
)

// StatusFor maps an engine error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrConfigMissing),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnknownCategory):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAlreadyConfirmed):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSourceUnavailable),
		errors.Is(err, domain.ErrClassificationUnavailable),
		errors.Is(err, domain.ErrAdviceUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure logs err and writes it with the mapped status. Internal errors
// are reported with message only.
func writeFailure(w http.ResponseWriter, log zerolog.Logger, err error, message string) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg(message)
	} else {
		log.Warn().Err(err).Int("status", status).Msg(message)
	}

	if status == http.StatusInternalServerError {
		middleware.WriteError(w, status, message)
		return
	}
	middleware.WriteError(w, status, err.Error())
}
