package hub

// clientMessage is the envelope for every client->server wire message
// (§6): a JSON object with a `type` discriminator and a flat bag of
// optional fields for the handful of message kinds the hub understands.
type clientMessage struct {
	Type string `json:"type"`

	// subscribe
	Token    string `json:"token,omitempty"`
	ClientID string `json:"clientId,omitempty"`

	// ReconnectSocketID is a client-remembered socket id from a prior
	// "subscribed" response. It never substitutes for Token; it only lets
	// the hub retire the stale mapping row left behind when the previous
	// connection ended without a clean close (host restart, hibernation).
	ReconnectSocketID string `json:"reconnectSocketId,omitempty"`

	// prompt
	Content     string `json:"content,omitempty"`
	Model       string `json:"model,omitempty"`
	Attachments string `json:"attachments,omitempty"`

	// presence
	Status string `json:"status,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

// serverMessage is the envelope for every server->client wire message; the
// same discriminator-plus-payload shape keeps the wire format symmetric.
type serverMessage struct {
	Type string `json:"type"`

	Timestamp     int64  `json:"timestamp,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	SocketID      string `json:"socketId,omitempty"`
	ParticipantID string `json:"participantId,omitempty"`
	State         any    `json:"state,omitempty"`
	Participant   any    `json:"participant,omitempty"`
	MessageID     string `json:"messageId,omitempty"`
	Position      int    `json:"position,omitempty"`
	Status        string `json:"status,omitempty"`
	Message       string `json:"message,omitempty"`
	Error         string `json:"error,omitempty"`
	ImageID       string `json:"imageId,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Event         any    `json:"event,omitempty"`
	Participants  any    `json:"participants,omitempty"`
	Artifact      any    `json:"artifact,omitempty"`
	Code          string `json:"code,omitempty"`
}

const (
	closeCodeInvalidAuth    = 4001
	closeCodeSessionExpired = 4002
	closeCodeAuthTimeout    = 4008
)
