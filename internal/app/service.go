package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"talkbase/api/internal/agentrepo"
	"talkbase/api/internal/auth"
	"talkbase/api/internal/authpw"
	"talkbase/api/internal/channel"
	"talkbase/api/internal/config"
	"talkbase/api/internal/email"
	"talkbase/api/internal/export"
	"talkbase/api/internal/media"
	"talkbase/api/internal/openai"
	"talkbase/api/internal/rbac"
	"talkbase/api/internal/search"
	"talkbase/api/internal/session"
	"talkbase/api/internal/store"
	"talkbase/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	WorkspaceID  string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

var allowedLeadStages = map[string]struct{}{
	"new":       {},
	"contacted": {},
	"qualified": {},
	"proposal":  {},
	"won":       {},
	"lost":      {},
}

var allowedConversationStatuses = map[string]struct{}{
	"open":    {},
	"pending": {},
	"closed":  {},
}

var allowedUserStatuses = map[string]struct{}{
	"active":   {},
	"inactive": {},
}

var allowedContactFieldTypes = map[string]struct{}{
	"text":    {},
	"number":  {},
	"date":    {},
	"boolean": {},
	"select":  {},
}

type dataStore interface {
	Ping(ctx context.Context) error
	GetWorkspace(context.Context, string) (store.Workspace, error)
	GetUserByID(context.Context, string, string) (store.User, error)
	ListUsers(context.Context, string) ([]store.User, error)
	UpdateUserRole(context.Context, string, string, string) error
	UpdateUserStatus(context.Context, string, string, string) error
	AssignUserPermissionGroup(context.Context, string, string, *string) error
	UpdateUserPermissions(context.Context, string, string, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	ListPermissionCatalog(context.Context) ([]string, error)
	ListPermissionGroups(context.Context, string) ([]store.PermissionGroup, error)
	GetPermissionGroup(context.Context, string, string) (store.PermissionGroup, error)
	GroupNameTaken(context.Context, string, string) (bool, error)
	InsertPermissionGroup(context.Context, store.PermissionGroup) error
	UpdatePermissionGroup(context.Context, string, string, string, string) error
	DeletePermissionGroup(context.Context, string, string) error
	ListGroupItems(context.Context, string) ([]store.PermissionGroupItem, error)
	ReplaceGroupItems(context.Context, string, []store.PermissionGroupItem) error
	GetSystemConfig(context.Context, string, string) (string, error)
	SetSystemConfig(context.Context, string, string, string) error
	ListLeads(context.Context, string, string, string) ([]store.Lead, error)
	GetLead(context.Context, string, string) (store.Lead, error)
	InsertLead(context.Context, store.Lead) error
	UpdateLead(context.Context, store.Lead) error
	UpdateLeadStage(context.Context, string, string, string) (store.Lead, error)
	DeleteLead(context.Context, string, string) error
	SetLeadTags(context.Context, string, string, []string) error
	ListLeadTags(context.Context, string, string) ([]store.Tag, error)
	ListTags(context.Context, string) ([]store.Tag, error)
	TagNameTaken(context.Context, string, string) (bool, error)
	InsertTag(context.Context, store.Tag) error
	UpdateTag(context.Context, string, string, string, string) error
	DeleteTag(context.Context, string, string) error
	ListContactFields(context.Context, string) ([]store.ContactField, error)
	ContactFieldKeyTaken(context.Context, string, string) (bool, error)
	InsertContactField(context.Context, store.ContactField) error
	UpdateContactField(context.Context, store.ContactField) error
	DeleteContactField(context.Context, string, string) error
	ListConversations(context.Context, string, string) ([]store.Conversation, error)
	GetConversation(context.Context, string, string) (store.Conversation, error)
	InsertConversation(context.Context, store.Conversation) error
	MarkConversationRead(context.Context, string, string) error
	AppendMessage(context.Context, store.Message) error
	ListMessages(context.Context, string, string, int) ([]store.Message, error)
	SummaryCounts(context.Context, string) (int, int, int, error)
	ListAgents(context.Context, string) ([]store.Agent, error)
	GetAgent(context.Context, string, string) (store.Agent, error)
	InsertAgent(context.Context, store.Agent) error
	UpdateAgent(context.Context, store.Agent) error
	SetAgentAssistantID(context.Context, string, string, string) error
	DeleteAgent(context.Context, string, string) error
	ListVectorStores(context.Context, string) ([]store.VectorStore, error)
	GetVectorStore(context.Context, string, string) (store.VectorStore, error)
	InsertVectorStore(context.Context, store.VectorStore) error
	DeleteVectorStore(context.Context, string, string) error
	ListConnections(context.Context, string) ([]store.Connection, error)
	GetConnection(context.Context, string, string) (store.Connection, error)
	UpsertWhatsAppConnection(context.Context, store.Connection) (store.Connection, error)
	UpsertDisparaJaConnection(context.Context, store.Connection) (store.Connection, error)
	UpdateConnectionStatus(context.Context, string, string, string) error
	SetConnectionQRCode(context.Context, string, string, string) error
	DeleteConnection(context.Context, string, string) error
	InsertConnectionLog(context.Context, store.ConnectionLog) error
	ListConnectionLogs(context.Context, string, string, int) ([]store.ConnectionLog, error)
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type assistantClient interface {
	CreateAssistant(ctx context.Context, apiKey string, params openai.AssistantParams) (openai.Assistant, error)
	UpdateAssistant(ctx context.Context, apiKey, assistantID string, params openai.AssistantParams) (openai.Assistant, error)
	DeleteAssistant(ctx context.Context, apiKey, assistantID string) error
	CreateVectorStore(ctx context.Context, apiKey, name string) (openai.VectorStore, error)
	DeleteVectorStore(ctx context.Context, apiKey, vectorStoreID string) error
	ListVectorStoreFiles(ctx context.Context, apiKey, vectorStoreID string) ([]openai.StoredFile, error)
	AttachFile(ctx context.Context, apiKey, vectorStoreID, fileID string) error
	DetachFile(ctx context.Context, apiKey, vectorStoreID, fileID string) error
	UploadFile(ctx context.Context, apiKey, filename string, content io.Reader) (string, error)
	DeleteFile(ctx context.Context, apiKey, fileID string) error
	ValidateKey(ctx context.Context, apiKey string) error
}

type whatsappClient interface {
	VerifyCredentials(ctx context.Context, creds channel.WhatsAppCredentials) (string, error)
	SendText(ctx context.Context, creds channel.WhatsAppCredentials, to, body string) (string, error)
}

type disparajaClient interface {
	Connect(ctx context.Context, creds channel.DisparaJaCredentials) error
	Status(ctx context.Context, creds channel.DisparaJaCredentials) (string, error)
	QRCode(ctx context.Context, creds channel.DisparaJaCredentials) ([]byte, error)
	SendText(ctx context.Context, creds channel.DisparaJaCredentials, to, body string) (string, error)
}

type mediaStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

type agentHistory interface {
	EnsureAgentRepo(agentID string, initial agentrepo.Snapshot, author string) error
	CommitSnapshot(agentID string, snap agentrepo.Snapshot, author, message string) (agentrepo.RevisionInfo, error)
	GetHeadSnapshot(agentID string) (agentrepo.Snapshot, agentrepo.RevisionInfo, error)
	GetSnapshotByHash(agentID, hash string) (agentrepo.Snapshot, error)
	History(agentID string, limit int) ([]agentrepo.RevisionInfo, error)
	DeleteAgentRepo(agentID string) error
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexLead(l search.LeadRecord)
	IndexConversation(c search.ConversationRecord)
	IndexMessage(m search.MessageRecord)
	DeleteLead(id string)
	DeleteConversation(id string)
}

type transcriptExporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

type Deps struct {
	Store     *store.PostgresStore
	Sessions  *session.RedisStore
	Auth      *authpw.Service
	Email     *email.Service
	Search    *search.Service
	Media     *media.Store
	OpenAI    *openai.Client
	WhatsApp  *channel.WhatsApp
	DisparaJa *channel.DisparaJa
	Agents    *agentrepo.Service
	Export    *export.Service
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	auth      *authpw.Service
	email     *email.Service
	search    searchIndex
	media     mediaStore
	openai    assistantClient
	whatsapp  whatsappClient
	disparaja disparajaClient
	agents    agentHistory
	export    transcriptExporter
}

// pgSessions keeps refresh tokens in Postgres when Redis is not
// configured, mainly for local development.
type pgSessions struct {
	store *store.PostgresStore
}

func (p pgSessions) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	return p.store.SaveRefreshSession(ctx, tokenHash, user.ID, expiresAt)
}

func (p pgSessions) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	return p.store.LookupRefreshSession(ctx, tokenHash)
}

func (p pgSessions) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	return p.store.RevokeRefreshSession(ctx, tokenHash)
}

func New(cfg config.Config, deps Deps) *Service {
	s := &Service{
		cfg:   cfg,
		auth:  deps.Auth,
		email: deps.Email,
	}
	if deps.Store != nil {
		s.store = deps.Store
	}
	if deps.Sessions != nil {
		s.sessions = deps.Sessions
	} else if deps.Store != nil {
		s.sessions = pgSessions{store: deps.Store}
	}
	if deps.Search != nil {
		s.search = deps.Search
	}
	if deps.Media != nil {
		s.media = deps.Media
	}
	if deps.OpenAI != nil {
		s.openai = deps.OpenAI
	}
	if deps.WhatsApp != nil {
		s.whatsapp = deps.WhatsApp
	}
	if deps.DisparaJa != nil {
		s.disparaja = deps.DisparaJa
	}
	if deps.Agents != nil {
		s.agents = deps.Agents
	}
	if deps.Export != nil {
		s.export = deps.Export
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.auth
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

// SendVerificationEmail delivers the verify-email link. Failures are
// logged only so a broken SMTP relay never blocks registration.
func (s *Service) SendVerificationEmail(to, userName, token string) {
	if !s.SMTPConfigured() {
		return
	}
	url := s.cfg.AppBaseURL + "/verify-email?token=" + token
	if err := s.email.SendVerificationEmail(to, userName, url); err != nil {
		log.Printf(`{"event":"email_send_failed","kind":"verification","error":%q}`, err.Error())
	}
}

func (s *Service) SendPasswordResetEmail(to, userName, token string) {
	if !s.SMTPConfigured() {
		return
	}
	url := s.cfg.AppBaseURL + "/reset-password?token=" + token
	if err := s.email.SendPasswordResetEmail(to, userName, url); err != nil {
		log.Printf(`{"event":"email_send_failed","kind":"password_reset","error":%q}`, err.Error())
	}
}

func (s *Service) SendInvitationEmail(to, workspaceName, inviterName, token string) {
	if !s.SMTPConfigured() {
		return
	}
	url := s.cfg.AppBaseURL + "/accept-invite?token=" + token
	if err := s.email.SendInvitationEmail(to, workspaceName, inviterName, url); err != nil {
		log.Printf(`{"event":"email_send_failed","kind":"invitation","error":%q}`, err.Error())
	}
}

// CreateSession issues an access/refresh pair for a signed-in user.
// The workspace ID is baked into the access token claims so every
// later request derives its tenant scope from the token alone.
func (s *Service) CreateSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.AuthSecret), auth.Claims{
		Sub:       user.ID,
		Name:      user.Name,
		Workspace: user.WorkspaceID,
		Role:      user.Role,
		JTI:       jti,
		Exp:       expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewSecret(32)
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Name,
		WorkspaceID:  user.WorkspaceID,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// Re-read the user so a role change or deactivation between
	// refreshes takes effect immediately.
	current, err := s.store.GetUserByID(ctx, user.WorkspaceID, user.ID)
	if err != nil {
		return Session{}, err
	}
	if current.Status != "active" {
		return Session{}, auth.ErrInvalidToken
	}
	return s.CreateSession(ctx, current)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.AuthSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Workspace, claims.Sub)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if user.Status != "active" {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:       token,
		UserID:      user.ID,
		UserName:    user.Name,
		WorkspaceID: user.WorkspaceID,
		Role:        user.Role,
		JTI:         claims.JTI,
		ExpiresAt:   time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// Allowed resolves a dot-path capability for the session. Owners and
// admins bypass per-capability checks; every bypass grant is logged.
// Any resolution failure denies.
func (s *Service) Allowed(ctx context.Context, session Session, key string) bool {
	role := rbac.Normalize(session.Role)
	if rbac.Bypass(role) {
		log.Printf(`{"event":"rbac_bypass","user_id":%q,"workspace_id":%q,"role":%q,"capability":%q}`,
			session.UserID, session.WorkspaceID, role, key)
		return true
	}
	caps, err := s.capabilitiesFor(ctx, session.WorkspaceID, session.UserID)
	if err != nil {
		return false
	}
	return rbac.Resolve(caps, key)
}

// capabilitiesFor layers role defaults, the assigned permission group,
// and the per-user override map, in that order.
func (s *Service) capabilitiesFor(ctx context.Context, workspaceID, userID string) (rbac.Capabilities, error) {
	user, err := s.store.GetUserByID(ctx, workspaceID, userID)
	if err != nil {
		return nil, err
	}

	caps := rbac.Defaults(rbac.Normalize(user.Role))

	if user.PermissionGroupID != nil && *user.PermissionGroupID != "" {
		items, err := s.store.ListGroupItems(ctx, *user.PermissionGroupID)
		if err != nil {
			return nil, err
		}
		overrides := make([]rbac.Override, 0, len(items))
		for _, item := range items {
			overrides = append(overrides, rbac.Override{Key: item.PermissionKey, Enabled: item.Enabled})
		}
		caps = rbac.Merge(caps, overrides)
	}

	if user.Permissions != nil && *user.Permissions != "" {
		var raw map[string]bool
		if err := json.Unmarshal([]byte(*user.Permissions), &raw); err == nil {
			overrides := make([]rbac.Override, 0, len(raw))
			for key, enabled := range raw {
				overrides = append(overrides, rbac.Override{Key: key, Enabled: enabled})
			}
			caps = rbac.Merge(caps, overrides)
		}
	}

	return caps, nil
}

func (s *Service) Summary(ctx context.Context, session Session) (map[string]any, error) {
	leads, openConversations, activeAgents, err := s.store.SummaryCounts(ctx, session.WorkspaceID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"leads":             leads,
		"openConversations": openConversations,
		"activeAgents":      activeAgents,
	}, nil
}

func (s *Service) Search(ctx context.Context, session Session, text, filterType string, limit, offset int) (map[string]any, error) {
	if s.search == nil {
		return nil, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	switch filterType {
	case "", "lead", "conversation", "message":
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be lead, conversation or message", nil)
	}

	resp := s.search.Search(search.Query{
		Text:        text,
		FilterType:  search.ResultType(filterType),
		WorkspaceID: session.WorkspaceID,
		Limit:       limit,
		Offset:      offset,
	})

	results := make([]map[string]any, 0, len(resp.Results))
	for _, result := range resp.Results {
		results = append(results, map[string]any{
			"type":           result.Type,
			"id":             result.ID,
			"title":          result.Title,
			"snippet":        result.Snippet,
			"leadId":         result.LeadID,
			"conversationId": result.ConversationID,
		})
	}
	return map[string]any{
		"results": results,
		"total":   resp.Total,
		"query":   resp.Query,
	}, nil
}
