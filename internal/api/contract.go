package api

import (
	"github.com/septivank/metering-telemetry/internal/validator"
)

// ErrorResponse is the body of every non-2xx JSON response
type ErrorResponse struct {
	Error  string                 `json:"error"`
	Fields []validator.FieldError `json:"fields,omitempty"`
}

// HealthResponse is the body of the health endpoint
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// DeleteDeviceResponse confirms a soft delete
type DeleteDeviceResponse struct {
	Identnr int64 `json:"identnr"`
	Deleted bool  `json:"deleted"`
}
