package api

import (
	"encoding/json"
	"net/http"

	"github.com/DevJoghurt/fhir-relay/internal/relayerr"
)

// OperationOutcome is the FHIR error/result envelope returned by the
// operation endpoints.
type OperationOutcome struct {
	ResourceType string  `json:"resourceType"`
	Issue        []Issue `json:"issue"`
}

// Issue is one OperationOutcome entry.
type Issue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

// allOK is the outcome of a successful operation without a payload.
var allOK = OperationOutcome{
	ResourceType: "OperationOutcome",
	Issue:        []Issue{{Severity: "information", Code: "informational", Diagnostics: "All OK"}},
}

// outcomeFromError converts a relay error into an OperationOutcome.
func outcomeFromError(err *relayerr.Error) OperationOutcome {
	code := "exception"
	switch err.Kind {
	case relayerr.KindValidation, relayerr.KindApplication:
		code = "invalid"
	case relayerr.KindNotFound:
		code = "not-found"
	case relayerr.KindTransport:
		code = "timeout"
	}
	return OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue:        []Issue{{Severity: "error", Code: code, Diagnostics: err.Message}},
	}
}

// sendJSON writes a JSON response
func sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// sendError writes an error as an OperationOutcome with the error's
// HTTP status
func sendError(w http.ResponseWriter, err error) {
	relayErr := relayerr.FromError(err)
	sendJSON(w, relayErr.HTTPCode, outcomeFromError(relayErr))
}
