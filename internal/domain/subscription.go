package domain

import (
	"fmt"
	"strings"
	"time"
)

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionRequested SubscriptionStatus = "requested"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionError     SubscriptionStatus = "error"
	SubscriptionOff       SubscriptionStatus = "off"
)

// ChannelType identifies the delivery channel of a subscription.
type ChannelType string

const (
	ChannelRestHook  ChannelType = "rest-hook"
	ChannelEmail     ChannelType = "email"
	ChannelSMS       ChannelType = "sms"
	ChannelWebSocket ChannelType = "websocket"
)

// Channel describes where matching notifications are delivered.
type Channel struct {
	Type     ChannelType       `json:"type"`
	Endpoint string            `json:"endpoint,omitempty"`
	Secret   string            `json:"secret,omitempty"`
	Header   map[string]string `json:"header,omitempty"`
}

// Subscription is a tenant-defined rule routing matching resource
// mutations to a notification channel. This core only evaluates and
// routes subscriptions, it never mutates them.
type Subscription struct {
	ID        string             `json:"id"`
	ProjectID string             `json:"project"`
	Status    SubscriptionStatus `json:"status"`
	Criteria  string             `json:"criteria"`
	Channel   Channel            `json:"channel"`
	Author    Reference          `json:"author,omitempty"`
}

// Ref returns the "Subscription/id" reference string.
func (s *Subscription) Ref() string {
	return fmt.Sprintf("Subscription/%s", s.ID)
}

// CriteriaResourceType returns the resource type component of the
// criteria string, e.g. "Patient" for "Patient?name=smith".
func (s *Subscription) CriteriaResourceType() string {
	criteria := s.Criteria
	if idx := strings.IndexByte(criteria, '?'); idx >= 0 {
		criteria = criteria[:idx]
	}
	return strings.TrimSpace(criteria)
}

// SubscriptionJob is the durable record queued for rest-hook, email and
// SMS deliveries. Once enqueued it is owned by the job queue; the
// dispatch path never inspects job outcomes.
type SubscriptionJob struct {
	SubscriptionID string      `json:"subscriptionId"`
	ResourceType   string      `json:"resourceType"`
	ChannelType    ChannelType `json:"channelType,omitempty"`
	ID             string      `json:"id"`
	VersionID      string      `json:"versionId"`
	Interaction    Interaction `json:"interaction"`
	RequestTime    time.Time   `json:"requestTime"`
	RequestID      string      `json:"requestId,omitempty"`
	TraceID        string      `json:"traceId,omitempty"`
}

// BroadcastEntry is one approved websocket-channel notification for a
// mutation. All entries for one mutation are published together in a
// single bus message.
type BroadcastEntry struct {
	SubscriptionID  string    `json:"subscriptionId"`
	Resource        *Resource `json:"resource,omitempty"`
	IncludeResource bool      `json:"includeResource"`
}

// BroadcastEvent is the single bus message carrying every approved
// websocket notification of one mutation.
type BroadcastEvent struct {
	Entries []BroadcastEntry `json:"entries"`
}
