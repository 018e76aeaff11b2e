package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/septivank/metering-telemetry/internal/export"
	"github.com/septivank/metering-telemetry/internal/logging"
	"github.com/septivank/metering-telemetry/internal/repository"
	"github.com/septivank/metering-telemetry/internal/service"
	"github.com/septivank/metering-telemetry/internal/validator"
	"go.uber.org/zap"
)

// retryAfterSeconds is advertised to clients when the store is temporarily unavailable
const retryAfterSeconds = "5"

// CreateDeviceMessage ingests one gateway payload and echoes the stored message
func (a *API) CreateDeviceMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.writeError(w, r, &validator.ValidationError{Fields: []validator.FieldError{
				{Field: "body", Reason: "request body too large"},
			}})
			return
		}
		a.writeError(w, r, &validator.ValidationError{Fields: []validator.FieldError{
			{Field: "body", Reason: "unreadable request body"},
		}})
		return
	}

	result, err := a.ingest.Ingest(r.Context(), service.TransportHTTP, middleware.GetReqID(r.Context()), body)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, result.Echo)
}

// ListDeviceMessages lists stored messages newest first
func (a *API) ListDeviceMessages(w http.ResponseWriter, r *http.Request) {
	identnr, err := optionalIdentnr(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			a.writeError(w, r, &validator.ValidationError{Fields: []validator.FieldError{
				{Field: "limit", Reason: "must be a positive integer"},
			}})
			return
		}
	}

	messages, err := a.query.ListMessages(r.Context(), identnr, limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, messages)
}

// GetLatestTelemetry renders one latest telemetry row per device as CSV, JSON or XLSX
func (a *API) GetLatestTelemetry(w http.ResponseWriter, r *http.Request) {
	identnr, err := optionalIdentnr(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	format := r.URL.Query().Get("format")
	switch format {
	case "", "csv", "json", "xlsx":
	default:
		a.writeError(w, r, &validator.ValidationError{Fields: []validator.FieldError{
			{Field: "format", Reason: "must be one of csv, json, xlsx"},
		}})
		return
	}

	records, err := a.query.LatestTelemetry(r.Context(), identnr)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	switch format {
	case "json":
		writeJSON(w, http.StatusOK, records)
	case "xlsx":
		data, err := export.XLSX(records)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", export.ContentTypeXLSX)
		w.Header().Set("Content-Disposition", `attachment; filename="latest_telemetry.xlsx"`)
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	default:
		var buf bytes.Buffer
		if err := export.WriteCSV(&buf, records); err != nil {
			a.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", export.ContentTypeCSV)
		w.Header().Set("Content-Disposition", `attachment; filename="latest_telemetry.csv"`)
		w.WriteHeader(http.StatusOK)
		w.Write(buf.Bytes())
	}
}

// GetDevice returns a device with its message count
func (a *API) GetDevice(w http.ResponseWriter, r *http.Request) {
	identnr, err := pathIdentnr(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	device, err := a.query.GetDevice(r.Context(), identnr)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, device)
}

// DeleteDevice soft-deletes a device together with its messages and values
func (a *API) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	identnr, err := pathIdentnr(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	if err := a.query.DeleteDevice(r.Context(), identnr); err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, DeleteDeviceResponse{Identnr: identnr, Deleted: true})
}

func optionalIdentnr(r *http.Request) (*int64, error) {
	raw := r.URL.Query().Get("identnr")
	if raw == "" {
		return nil, nil
	}
	id, err := parseIdentnr(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func pathIdentnr(r *http.Request) (int64, error) {
	return parseIdentnr(chi.URLParam(r, "identnr"))
}

func parseIdentnr(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, &validator.ValidationError{Fields: []validator.FieldError{
			{Field: "identnr", Reason: "must be a non-negative integer"},
		}}
	}
	return id, nil
}

// writeError maps domain errors onto HTTP statuses
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logging.WithRequestID(a.logger, middleware.GetReqID(r.Context()))

	var verr *validator.ValidationError
	var serr *repository.StorageError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request", Fields: verr.Fields})
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "not found"})
	case errors.As(err, &serr):
		logger.Error("storage unavailable", zap.Error(err), zap.String("path", r.URL.Path))
		if serr.Retryable() {
			w.Header().Set("Retry-After", retryAfterSeconds)
		}
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "storage unavailable"})
	default:
		logger.Error("request failed", zap.Error(err), zap.String("path", r.URL.Path))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
