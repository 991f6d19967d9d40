package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Interaction is the kind of mutation applied to a resource.
type Interaction string

const (
	InteractionCreate Interaction = "create"
	InteractionUpdate Interaction = "update"
	InteractionDelete Interaction = "delete"
	InteractionRead   Interaction = "read"
)

// Reference points to another resource by "Type/id" reference string.
type Reference struct {
	Reference string `json:"reference"`
	Display   string `json:"display,omitempty"`
}

// Meta carries the server-maintained metadata of a resource.
type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Project     string    `json:"project,omitempty"`
	Author      Reference `json:"author,omitempty"`
}

// Resource is the slice of a stored FHIR resource that the notification
// core needs: identity, version, owning project and author. The full
// document is kept as raw JSON and passed through untouched.
type Resource struct {
	ResourceType string          `json:"resourceType"`
	ID           string          `json:"id"`
	Meta         Meta            `json:"meta,omitempty"`
	Body         json.RawMessage `json:"-"`
}

// Ref returns the "Type/id" reference string for the resource.
func (r *Resource) Ref() string {
	return fmt.Sprintf("%s/%s", r.ResourceType, r.ID)
}

// ResourceChange describes one resource mutation. It is constructed once
// when the mutation is observed and is read-only afterward.
type ResourceChange struct {
	Resource    *Resource
	Interaction Interaction
	RequestID   string
	TraceID     string
}

// Project is the tenant boundary owning resources and subscriptions.
type Project struct {
	ID       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	Features []string `json:"features,omitempty"`
}

// HasFeature reports whether the project has the named feature enabled.
func (p *Project) HasFeature(name string) bool {
	for _, f := range p.Features {
		if f == name {
			return true
		}
	}
	return false
}

// Ref returns the "Project/id" reference string.
func (p *Project) Ref() string {
	return fmt.Sprintf("Project/%s", p.ID)
}

// FeatureWebSocketSubscriptions gates the fast-path subscription registry
// for a project.
const FeatureWebSocketSubscriptions = "websocket-subscriptions"

// Membership binds a user profile to a project, optionally with a list of
// resource types the member may read. An empty list means unrestricted.
type Membership struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project"`
	Profile   Reference `json:"profile"`
	ReadableResourceTypes []string `json:"readableResourceTypes,omitempty"`
}

// Device is a push destination resolved for agent transmit operations.
type Device struct {
	ID  string `json:"id,omitempty"`
	URL string `json:"url,omitempty"`
}

// Agent is a remote, intermittently connected process addressable only
// through the bus.
type Agent struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Status     string `json:"status,omitempty"`
	Identifier string `json:"identifier,omitempty"`
}

// Ref returns the "Agent/id" reference string, which is also the agent's
// bus channel name.
func (a *Agent) Ref() string {
	return fmt.Sprintf("Agent/%s", a.ID)
}
