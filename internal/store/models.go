package store

import "time"

type Workspace struct {
	ID        string
	Name      string
	Subdomain string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type User struct {
	ID                string
	WorkspaceID       string
	Name              string
	Email             string
	PasswordHash      string
	Role              string
	Status            string
	PermissionGroupID *string
	// Permissions holds the raw per-user JSON override map, if any.
	Permissions   *string
	DeactivatedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AuthToken is a pending single-use credential (email verification,
// password reset, invitation). Only the verifier hash is stored.
type AuthToken struct {
	Selector     string
	VerifierHash string
	Purpose      string
	UserID       *string
	WorkspaceID  string
	Email        string
	Role         string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

const (
	TokenPurposeVerifyEmail   = "verify_email"
	TokenPurposePasswordReset = "password_reset"
	TokenPurposeInvite        = "invite"
)

type PermissionGroup struct {
	ID          string
	WorkspaceID string
	Name        string
	Description string
	IsDefault   bool
	IsCustom    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type PermissionGroupItem struct {
	GroupID       string
	PermissionKey string
	Enabled       bool
}

type Lead struct {
	ID          string
	WorkspaceID string
	Name        string
	Phone       string
	Email       string
	Stage       string
	Source      string
	AssignedTo  *string
	Notes       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Tag struct {
	ID          string
	WorkspaceID string
	Name        string
	Color       string
	CreatedAt   time.Time
}

type ContactField struct {
	ID          string
	WorkspaceID string
	Key         string
	Label       string
	FieldType   string
	Required    bool
	SortOrder   int
	CreatedAt   time.Time
}

type Conversation struct {
	ID            string
	WorkspaceID   string
	LeadID        string
	ConnectionID  *string
	Channel       string
	Status        string
	UnreadCount   int
	LastMessageAt *time.Time
	CreatedAt     time.Time
}

type Message struct {
	ID             string
	WorkspaceID    string
	ConversationID string
	Direction      string
	Body           string
	MediaKey       *string
	AuthorName     string
	SentAt         time.Time
}

type Agent struct {
	ID                string
	WorkspaceID       string
	Name              string
	Instructions      string
	Model             string
	Temperature       float64
	OpenAIAssistantID *string
	Active            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type VectorStore struct {
	ID          string
	WorkspaceID string
	AgentID     *string
	Name        string
	OpenAIID    string
	CreatedAt   time.Time
}

// Connection covers both providers; credentials that only apply to the
// other provider stay NULL.
type Connection struct {
	ID          string
	WorkspaceID string
	AgentID     *string
	Provider    string
	Status      string
	// WhatsApp Cloud
	PhoneNumberID     *string
	BusinessAccountID *string
	AccessToken       *string
	// Dispara-Ja
	InstanceID *string
	APIKey     *string
	QRCodeKey  *string
	LastSyncAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

const (
	ProviderWhatsAppCloud = "whatsapp_cloud"
	ProviderDisparaJa     = "disparaja"
)

type ConnectionLog struct {
	ID           int64
	WorkspaceID  string
	ConnectionID string
	Level        string
	Event        string
	Payload      string
	CreatedAt    time.Time
}

type SystemConfig struct {
	WorkspaceID string
	Key         string
	Value       string
	UpdatedAt   time.Time
}
