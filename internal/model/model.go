// Package model defines the per-session entities described in the data
// model: Session, Participant, Message, Event, Artifact, Sandbox, and the
// WebSocket-client mapping, plus the process-wide RepoSecret.
package model

import "time"

// SessionStatus is the lifecycle status of a Session.
type SessionStatus string

const (
	SessionStatusCreated   SessionStatus = "created"
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusArchived  SessionStatus = "archived"
)

// Session is one logical conversation tied to one repository.
type Session struct {
	ID             string // internal, stable
	Name           string // external, used for routing; may differ from ID
	Title          string
	RepoOwner      string
	RepoName       string
	RepoDefault    string // repo default branch
	RepoID         string
	BranchName     string
	BaseSHA        string
	CurrentSHA     string
	Model          string
	Status         SessionStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ParticipantRole distinguishes the session owner from other members.
type ParticipantRole string

const (
	RoleOwner  ParticipantRole = "owner"
	RoleMember ParticipantRole = "member"
)

// Participant is a user authorized to interact with a session.
type Participant struct {
	ID                     string
	UserID                 string
	Role                   ParticipantRole
	GitHubLogin            string
	GitHubName             string
	GitHubEmail            string
	GitHubUserID           int64
	HostAccessTokenEnc     string // envelope-encrypted, base64
	HostRefreshTokenEnc    string // envelope-encrypted, base64
	HostTokenExpiresAt     time.Time
	WSAuthTokenHash        string // SHA-256 hex of the plaintext token
	WSAuthTokenIssuedAt    time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// MessageSource identifies the surface a prompt arrived through.
type MessageSource string

const (
	SourceWeb       MessageSource = "web"
	SourceSlack     MessageSource = "slack"
	SourceExtension MessageSource = "extension"
	SourceGitHub    MessageSource = "github"
)

// MessageStatus is the strictly monotonic status of a prompt.
type MessageStatus string

const (
	MessageStatusPending    MessageStatus = "pending"
	MessageStatusProcessing MessageStatus = "processing"
	MessageStatusCompleted  MessageStatus = "completed"
	MessageStatusFailed     MessageStatus = "failed"
)

// Message is a user-authored prompt that drives one agent turn.
type Message struct {
	ID              string
	AuthorID        string // participant id
	Content         string
	Source          MessageSource
	Model           string // optional per-message override
	Attachments     string // opaque JSON, may be empty
	Status          MessageStatus
	CallbackContext string // opaque JSON, may be empty
	ErrorMessage    string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// EventType enumerates the sandbox event types the coordinator interprets.
type EventType string

const (
	EventToolCall          EventType = "tool_call"
	EventToolResult        EventType = "tool_result"
	EventToken             EventType = "token"
	EventError             EventType = "error"
	EventGitSync           EventType = "git_sync"
	EventExecutionComplete EventType = "execution_complete"
	EventHeartbeat         EventType = "heartbeat"
	EventPushComplete      EventType = "push_complete"
	EventPushError         EventType = "push_error"
)

// Event is an append-only record of something the sandbox reported.
type Event struct {
	ID        string
	Type      EventType
	Data      string // opaque JSON payload, kept for replay/broadcast
	MessageID string // optional, nullable
	CreatedAt time.Time
}

// ArtifactType enumerates the kinds of artifact a session can produce.
type ArtifactType string

const (
	ArtifactPR       ArtifactType = "pr"
	ArtifactScreenshot ArtifactType = "screenshot"
	ArtifactPreview  ArtifactType = "preview"
	ArtifactBranch   ArtifactType = "branch"
)

// Artifact is an append-only record of a durable side-product of a session.
type Artifact struct {
	ID        string
	Type      ArtifactType
	URL       string
	Metadata  string // opaque JSON
	CreatedAt time.Time
}

// SandboxStatus is the lifecycle status of the remote compute sandbox.
type SandboxStatus string

const (
	SandboxPending      SandboxStatus = "pending"
	SandboxSpawning     SandboxStatus = "spawning"
	SandboxConnecting   SandboxStatus = "connecting"
	SandboxWarming      SandboxStatus = "warming"
	SandboxSyncing      SandboxStatus = "syncing"
	SandboxReady        SandboxStatus = "ready"
	SandboxRunning      SandboxStatus = "running"
	SandboxStale        SandboxStatus = "stale"
	SandboxSnapshotting SandboxStatus = "snapshotting"
	SandboxStopped      SandboxStatus = "stopped"
	SandboxFailed       SandboxStatus = "failed"
)

// IsTerminal reports whether status is one of the sticky terminal states.
func (s SandboxStatus) IsTerminal() bool {
	return s == SandboxStopped || s == SandboxStale || s == SandboxFailed
}

// Sandbox is the single active sandbox record for a session.
type Sandbox struct {
	ID                string
	SessionID         string
	ExternalSandboxID string // "sandbox-<owner>-<name>-<ts>", allocated pre-spawn
	ProviderObjectID  string // used for snapshot calls
	SnapshotImageID   string // nullable
	AuthToken         string // plaintext, validates the sandbox's own connection
	Status            SandboxStatus
	GitSyncStatus     string
	LastHeartbeat     *time.Time
	LastActivity      *time.Time
	LastSpawnError    string
	LastSpawnErrorAt  *time.Time
	FailureCount      int
	LastFailureTime   *time.Time
	CreatedAt         time.Time // 0-value immediately after session init
	UpdatedAt         time.Time
}

// WSClientMapping lets the Connection Hub reconstruct client identity for a
// socket that survived host hibernation.
type WSClientMapping struct {
	SocketID      string
	ParticipantID string
	ClientID      string
	CreatedAt     time.Time
}

// RepoSecret is a process-wide, per-repository encrypted key/value entry.
type RepoSecret struct {
	RepoID         string
	RepoOwner      string
	RepoName       string
	Key            string
	EncryptedValue string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
