package agent

// Message type discriminators exchanged with remote agents over the bus.
// Requests flow server -> agent on the agent's reference channel;
// responses flow agent -> server on the callback channel embedded in the
// request.
const (
	MessageTypeConnectRequest       = "agent:connect:request"
	MessageTypeConnectResponse      = "agent:connect:response"
	MessageTypeHeartbeatRequest     = "agent:heartbeat:request"
	MessageTypeHeartbeatResponse    = "agent:heartbeat:response"
	MessageTypeStatusRequest        = "agent:status:request"
	MessageTypeStatusResponse       = "agent:status:response"
	MessageTypeReloadConfigRequest  = "agent:reloadconfig:request"
	MessageTypeReloadConfigResponse = "agent:reloadconfig:response"
	MessageTypeUpgradeRequest       = "agent:upgrade:request"
	MessageTypeUpgradeResponse      = "agent:upgrade:response"
	MessageTypeTransmitRequest      = "agent:transmit:request"
	MessageTypeTransmitResponse     = "agent:transmit:response"
	MessageTypeError                = "agent:error"
)

// Message is the envelope exchanged with a remote agent. The Type field
// discriminates request, success-response and error-response variants;
// unused fields are omitted on the wire.
type Message struct {
	Type        string `json:"type"`
	Callback    string `json:"callback,omitempty"`
	Body        string `json:"body,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Remote      string `json:"remote,omitempty"`
	Version     string `json:"version,omitempty"`
	Status      string `json:"status,omitempty"`
	StatusCode  int    `json:"statusCode,omitempty"`
	AgentID     string `json:"agentId,omitempty"`
}
