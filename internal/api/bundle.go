package api

import (
	"github.com/DevJoghurt/fhir-relay/internal/agent"
)

// Bundle is the collection envelope of bulk operation results.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry wraps one per-target Parameters resource.
type BundleEntry struct {
	Resource Parameters `json:"resource"`
}

// Parameters pairs a target agent with its operation result.
type Parameters struct {
	ResourceType string      `json:"resourceType"`
	Parameter    []Parameter `json:"parameter"`
}

// Parameter is one named slot of a Parameters resource.
type Parameter struct {
	Name     string `json:"name"`
	Resource any    `json:"resource,omitempty"`
	ValueStr string `json:"valueString,omitempty"`
}

// bulkBundle builds the composite response of a bulk operation: one
// entry per target, each pairing the agent with its result or error
// outcome. The envelope itself is always a success.
func bulkBundle(result *agent.Result) Bundle {
	entries := make([]BundleEntry, 0, len(result.Entries))
	for _, entry := range result.Entries {
		var payload any
		if entry.Err != nil {
			payload = outcomeFromError(entry.Err)
		} else {
			payload = entry.Result
		}
		entries = append(entries, BundleEntry{
			Resource: Parameters{
				ResourceType: "Parameters",
				Parameter: []Parameter{
					{Name: "agent", Resource: entry.Agent},
					{Name: "result", Resource: payload},
				},
			},
		})
	}
	return Bundle{
		ResourceType: "Bundle",
		Type:         "collection",
		Entry:        entries,
	}
}
