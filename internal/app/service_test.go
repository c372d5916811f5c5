package app

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"testing"
	"time"

	"talkbase/api/internal/config"
	"talkbase/api/internal/store"
)

func testConfig() config.Config {
	return config.Config{
		AuthSecret: "test-secret",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 30 * 24 * time.Hour,
		AppBaseURL: "http://localhost:3000",
	}
}

func scopeKey(workspaceID, id string) string {
	return workspaceID + "/" + id
}

type fakeStore struct {
	workspaces    map[string]store.Workspace
	users         map[string]store.User
	groups        map[string]store.PermissionGroup
	groupItems    map[string][]store.PermissionGroupItem
	catalog       []string
	sysConfig     map[string]string
	leads         map[string]store.Lead
	leadTags      map[string][]string
	tags          map[string]store.Tag
	fields        map[string]store.ContactField
	conversations map[string]store.Conversation
	messages      map[string][]store.Message
	agents        map[string]store.Agent
	vectorStores  map[string]store.VectorStore
	connections   map[string]store.Connection
	connLogs      map[string][]store.ConnectionLog
	revokedJTIs   map[string]bool
	pingErr       error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		workspaces:    map[string]store.Workspace{},
		users:         map[string]store.User{},
		groups:        map[string]store.PermissionGroup{},
		groupItems:    map[string][]store.PermissionGroupItem{},
		sysConfig:     map[string]string{},
		leads:         map[string]store.Lead{},
		leadTags:      map[string][]string{},
		tags:          map[string]store.Tag{},
		fields:        map[string]store.ContactField{},
		conversations: map[string]store.Conversation{},
		messages:      map[string][]store.Message{},
		agents:        map[string]store.Agent{},
		vectorStores:  map[string]store.VectorStore{},
		connections:   map[string]store.Connection{},
		connLogs:      map[string][]store.ConnectionLog{},
		revokedJTIs:   map[string]bool{},
	}
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeStore) GetWorkspace(ctx context.Context, workspaceID string) (store.Workspace, error) {
	workspace, ok := f.workspaces[workspaceID]
	if !ok {
		return store.Workspace{}, sql.ErrNoRows
	}
	return workspace, nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, workspaceID, userID string) (store.User, error) {
	user, ok := f.users[scopeKey(workspaceID, userID)]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) ListUsers(ctx context.Context, workspaceID string) ([]store.User, error) {
	var out []store.User
	for _, user := range f.users {
		if user.WorkspaceID == workspaceID {
			out = append(out, user)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) UpdateUserRole(ctx context.Context, workspaceID, userID, role string) error {
	user, ok := f.users[scopeKey(workspaceID, userID)]
	if !ok {
		return sql.ErrNoRows
	}
	user.Role = role
	f.users[scopeKey(workspaceID, userID)] = user
	return nil
}

func (f *fakeStore) UpdateUserStatus(ctx context.Context, workspaceID, userID, status string) error {
	user, ok := f.users[scopeKey(workspaceID, userID)]
	if !ok {
		return sql.ErrNoRows
	}
	user.Status = status
	f.users[scopeKey(workspaceID, userID)] = user
	return nil
}

func (f *fakeStore) AssignUserPermissionGroup(ctx context.Context, workspaceID, userID string, groupID *string) error {
	user, ok := f.users[scopeKey(workspaceID, userID)]
	if !ok {
		return sql.ErrNoRows
	}
	user.PermissionGroupID = groupID
	f.users[scopeKey(workspaceID, userID)] = user
	return nil
}

func (f *fakeStore) UpdateUserPermissions(ctx context.Context, workspaceID, userID, permissionsJSON string) error {
	user, ok := f.users[scopeKey(workspaceID, userID)]
	if !ok {
		return sql.ErrNoRows
	}
	user.Permissions = &permissionsJSON
	f.users[scopeKey(workspaceID, userID)] = user
	return nil
}

func (f *fakeStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	f.revokedJTIs[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	return f.revokedJTIs[jti], nil
}

func (f *fakeStore) ListPermissionCatalog(ctx context.Context) ([]string, error) {
	return f.catalog, nil
}

func (f *fakeStore) ListPermissionGroups(ctx context.Context, workspaceID string) ([]store.PermissionGroup, error) {
	var out []store.PermissionGroup
	for _, group := range f.groups {
		if group.WorkspaceID == workspaceID {
			out = append(out, group)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) GetPermissionGroup(ctx context.Context, workspaceID, groupID string) (store.PermissionGroup, error) {
	group, ok := f.groups[scopeKey(workspaceID, groupID)]
	if !ok {
		return store.PermissionGroup{}, sql.ErrNoRows
	}
	return group, nil
}

func (f *fakeStore) GroupNameTaken(ctx context.Context, workspaceID, name string) (bool, error) {
	for _, group := range f.groups {
		if group.WorkspaceID == workspaceID && strings.EqualFold(group.Name, name) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) InsertPermissionGroup(ctx context.Context, group store.PermissionGroup) error {
	f.groups[scopeKey(group.WorkspaceID, group.ID)] = group
	return nil
}

func (f *fakeStore) UpdatePermissionGroup(ctx context.Context, workspaceID, groupID, name, description string) error {
	group, ok := f.groups[scopeKey(workspaceID, groupID)]
	if !ok {
		return sql.ErrNoRows
	}
	group.Name = name
	group.Description = description
	f.groups[scopeKey(workspaceID, groupID)] = group
	return nil
}

func (f *fakeStore) DeletePermissionGroup(ctx context.Context, workspaceID, groupID string) error {
	key := scopeKey(workspaceID, groupID)
	if _, ok := f.groups[key]; !ok {
		return sql.ErrNoRows
	}
	delete(f.groups, key)
	return nil
}

func (f *fakeStore) ListGroupItems(ctx context.Context, groupID string) ([]store.PermissionGroupItem, error) {
	return f.groupItems[groupID], nil
}

func (f *fakeStore) ReplaceGroupItems(ctx context.Context, groupID string, items []store.PermissionGroupItem) error {
	f.groupItems[groupID] = items
	return nil
}

func (f *fakeStore) GetSystemConfig(ctx context.Context, workspaceID, key string) (string, error) {
	value, ok := f.sysConfig[scopeKey(workspaceID, key)]
	if !ok {
		return "", sql.ErrNoRows
	}
	return value, nil
}

func (f *fakeStore) SetSystemConfig(ctx context.Context, workspaceID, key, value string) error {
	f.sysConfig[scopeKey(workspaceID, key)] = value
	return nil
}

func (f *fakeStore) ListLeads(ctx context.Context, workspaceID, stage, tagID string) ([]store.Lead, error) {
	var out []store.Lead
	for _, lead := range f.leads {
		if lead.WorkspaceID != workspaceID {
			continue
		}
		if stage != "" && lead.Stage != stage {
			continue
		}
		if tagID != "" {
			found := false
			for _, id := range f.leadTags[lead.ID] {
				if id == tagID {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, lead)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) GetLead(ctx context.Context, workspaceID, leadID string) (store.Lead, error) {
	lead, ok := f.leads[scopeKey(workspaceID, leadID)]
	if !ok {
		return store.Lead{}, sql.ErrNoRows
	}
	return lead, nil
}

func (f *fakeStore) InsertLead(ctx context.Context, lead store.Lead) error {
	f.leads[scopeKey(lead.WorkspaceID, lead.ID)] = lead
	return nil
}

func (f *fakeStore) UpdateLead(ctx context.Context, lead store.Lead) error {
	key := scopeKey(lead.WorkspaceID, lead.ID)
	if _, ok := f.leads[key]; !ok {
		return sql.ErrNoRows
	}
	f.leads[key] = lead
	return nil
}

func (f *fakeStore) UpdateLeadStage(ctx context.Context, workspaceID, leadID, stage string) (store.Lead, error) {
	key := scopeKey(workspaceID, leadID)
	lead, ok := f.leads[key]
	if !ok {
		return store.Lead{}, sql.ErrNoRows
	}
	lead.Stage = stage
	f.leads[key] = lead
	return lead, nil
}

func (f *fakeStore) DeleteLead(ctx context.Context, workspaceID, leadID string) error {
	key := scopeKey(workspaceID, leadID)
	if _, ok := f.leads[key]; !ok {
		return sql.ErrNoRows
	}
	delete(f.leads, key)
	return nil
}

func (f *fakeStore) SetLeadTags(ctx context.Context, workspaceID, leadID string, tagIDs []string) error {
	if _, ok := f.leads[scopeKey(workspaceID, leadID)]; !ok {
		return sql.ErrNoRows
	}
	f.leadTags[leadID] = tagIDs
	return nil
}

func (f *fakeStore) ListLeadTags(ctx context.Context, workspaceID, leadID string) ([]store.Tag, error) {
	var out []store.Tag
	for _, tagID := range f.leadTags[leadID] {
		if tag, ok := f.tags[scopeKey(workspaceID, tagID)]; ok {
			out = append(out, tag)
		}
	}
	return out, nil
}

func (f *fakeStore) ListTags(ctx context.Context, workspaceID string) ([]store.Tag, error) {
	var out []store.Tag
	for _, tag := range f.tags {
		if tag.WorkspaceID == workspaceID {
			out = append(out, tag)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) TagNameTaken(ctx context.Context, workspaceID, name string) (bool, error) {
	for _, tag := range f.tags {
		if tag.WorkspaceID == workspaceID && strings.EqualFold(tag.Name, name) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) InsertTag(ctx context.Context, tag store.Tag) error {
	f.tags[scopeKey(tag.WorkspaceID, tag.ID)] = tag
	return nil
}

func (f *fakeStore) UpdateTag(ctx context.Context, workspaceID, tagID, name, color string) error {
	key := scopeKey(workspaceID, tagID)
	tag, ok := f.tags[key]
	if !ok {
		return sql.ErrNoRows
	}
	tag.Name = name
	tag.Color = color
	f.tags[key] = tag
	return nil
}

func (f *fakeStore) DeleteTag(ctx context.Context, workspaceID, tagID string) error {
	key := scopeKey(workspaceID, tagID)
	if _, ok := f.tags[key]; !ok {
		return sql.ErrNoRows
	}
	delete(f.tags, key)
	return nil
}

func (f *fakeStore) ListContactFields(ctx context.Context, workspaceID string) ([]store.ContactField, error) {
	var out []store.ContactField
	for _, field := range f.fields {
		if field.WorkspaceID == workspaceID {
			out = append(out, field)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out, nil
}

func (f *fakeStore) ContactFieldKeyTaken(ctx context.Context, workspaceID, key string) (bool, error) {
	for _, field := range f.fields {
		if field.WorkspaceID == workspaceID && field.Key == key {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) InsertContactField(ctx context.Context, field store.ContactField) error {
	f.fields[scopeKey(field.WorkspaceID, field.ID)] = field
	return nil
}

func (f *fakeStore) UpdateContactField(ctx context.Context, field store.ContactField) error {
	key := scopeKey(field.WorkspaceID, field.ID)
	if _, ok := f.fields[key]; !ok {
		return sql.ErrNoRows
	}
	f.fields[key] = field
	return nil
}

func (f *fakeStore) DeleteContactField(ctx context.Context, workspaceID, fieldID string) error {
	key := scopeKey(workspaceID, fieldID)
	if _, ok := f.fields[key]; !ok {
		return sql.ErrNoRows
	}
	delete(f.fields, key)
	return nil
}

func (f *fakeStore) ListConversations(ctx context.Context, workspaceID, status string) ([]store.Conversation, error) {
	var out []store.Conversation
	for _, conversation := range f.conversations {
		if conversation.WorkspaceID != workspaceID {
			continue
		}
		if status != "" && conversation.Status != status {
			continue
		}
		out = append(out, conversation)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) GetConversation(ctx context.Context, workspaceID, conversationID string) (store.Conversation, error) {
	conversation, ok := f.conversations[scopeKey(workspaceID, conversationID)]
	if !ok {
		return store.Conversation{}, sql.ErrNoRows
	}
	return conversation, nil
}

func (f *fakeStore) InsertConversation(ctx context.Context, conversation store.Conversation) error {
	f.conversations[scopeKey(conversation.WorkspaceID, conversation.ID)] = conversation
	return nil
}

func (f *fakeStore) MarkConversationRead(ctx context.Context, workspaceID, conversationID string) error {
	key := scopeKey(workspaceID, conversationID)
	conversation, ok := f.conversations[key]
	if !ok {
		return sql.ErrNoRows
	}
	conversation.UnreadCount = 0
	f.conversations[key] = conversation
	return nil
}

func (f *fakeStore) AppendMessage(ctx context.Context, message store.Message) error {
	key := scopeKey(message.WorkspaceID, message.ConversationID)
	conversation, ok := f.conversations[key]
	if !ok {
		return sql.ErrNoRows
	}
	f.messages[message.ConversationID] = append(f.messages[message.ConversationID], message)
	sentAt := message.SentAt
	conversation.LastMessageAt = &sentAt
	if message.Direction == "inbound" {
		conversation.UnreadCount++
	}
	f.conversations[key] = conversation
	return nil
}

func (f *fakeStore) ListMessages(ctx context.Context, workspaceID, conversationID string, limit int) ([]store.Message, error) {
	var out []store.Message
	for _, message := range f.messages[conversationID] {
		if message.WorkspaceID == workspaceID {
			out = append(out, message)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeStore) SummaryCounts(ctx context.Context, workspaceID string) (int, int, int, error) {
	leads := 0
	for _, lead := range f.leads {
		if lead.WorkspaceID == workspaceID {
			leads++
		}
	}
	openConversations := 0
	for _, conversation := range f.conversations {
		if conversation.WorkspaceID == workspaceID && conversation.Status == "open" {
			openConversations++
		}
	}
	activeAgents := 0
	for _, agent := range f.agents {
		if agent.WorkspaceID == workspaceID && agent.Active {
			activeAgents++
		}
	}
	return leads, openConversations, activeAgents, nil
}

func (f *fakeStore) ListAgents(ctx context.Context, workspaceID string) ([]store.Agent, error) {
	var out []store.Agent
	for _, agent := range f.agents {
		if agent.WorkspaceID == workspaceID {
			out = append(out, agent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) GetAgent(ctx context.Context, workspaceID, agentID string) (store.Agent, error) {
	agent, ok := f.agents[scopeKey(workspaceID, agentID)]
	if !ok {
		return store.Agent{}, sql.ErrNoRows
	}
	return agent, nil
}

func (f *fakeStore) InsertAgent(ctx context.Context, agent store.Agent) error {
	f.agents[scopeKey(agent.WorkspaceID, agent.ID)] = agent
	return nil
}

func (f *fakeStore) UpdateAgent(ctx context.Context, agent store.Agent) error {
	key := scopeKey(agent.WorkspaceID, agent.ID)
	if _, ok := f.agents[key]; !ok {
		return sql.ErrNoRows
	}
	f.agents[key] = agent
	return nil
}

func (f *fakeStore) SetAgentAssistantID(ctx context.Context, workspaceID, agentID, assistantID string) error {
	key := scopeKey(workspaceID, agentID)
	agent, ok := f.agents[key]
	if !ok {
		return sql.ErrNoRows
	}
	agent.OpenAIAssistantID = &assistantID
	f.agents[key] = agent
	return nil
}

func (f *fakeStore) DeleteAgent(ctx context.Context, workspaceID, agentID string) error {
	key := scopeKey(workspaceID, agentID)
	if _, ok := f.agents[key]; !ok {
		return sql.ErrNoRows
	}
	delete(f.agents, key)
	return nil
}

func (f *fakeStore) ListVectorStores(ctx context.Context, workspaceID string) ([]store.VectorStore, error) {
	var out []store.VectorStore
	for _, vectorStore := range f.vectorStores {
		if vectorStore.WorkspaceID == workspaceID {
			out = append(out, vectorStore)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) GetVectorStore(ctx context.Context, workspaceID, vectorStoreID string) (store.VectorStore, error) {
	vectorStore, ok := f.vectorStores[scopeKey(workspaceID, vectorStoreID)]
	if !ok {
		return store.VectorStore{}, sql.ErrNoRows
	}
	return vectorStore, nil
}

func (f *fakeStore) InsertVectorStore(ctx context.Context, vectorStore store.VectorStore) error {
	f.vectorStores[scopeKey(vectorStore.WorkspaceID, vectorStore.ID)] = vectorStore
	return nil
}

func (f *fakeStore) DeleteVectorStore(ctx context.Context, workspaceID, vectorStoreID string) error {
	key := scopeKey(workspaceID, vectorStoreID)
	if _, ok := f.vectorStores[key]; !ok {
		return sql.ErrNoRows
	}
	delete(f.vectorStores, key)
	return nil
}

func (f *fakeStore) ListConnections(ctx context.Context, workspaceID string) ([]store.Connection, error) {
	var out []store.Connection
	for _, connection := range f.connections {
		if connection.WorkspaceID == workspaceID {
			out = append(out, connection)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) GetConnection(ctx context.Context, workspaceID, connectionID string) (store.Connection, error) {
	connection, ok := f.connections[scopeKey(workspaceID, connectionID)]
	if !ok {
		return store.Connection{}, sql.ErrNoRows
	}
	return connection, nil
}

func (f *fakeStore) UpsertWhatsAppConnection(ctx context.Context, connection store.Connection) (store.Connection, error) {
	for key, existing := range f.connections {
		if existing.WorkspaceID == connection.WorkspaceID &&
			existing.Provider == store.ProviderWhatsAppCloud &&
			existing.PhoneNumberID != nil && connection.PhoneNumberID != nil &&
			*existing.PhoneNumberID == *connection.PhoneNumberID {
			connection.ID = existing.ID
			f.connections[key] = connection
			return connection, nil
		}
	}
	f.connections[scopeKey(connection.WorkspaceID, connection.ID)] = connection
	return connection, nil
}

func (f *fakeStore) UpsertDisparaJaConnection(ctx context.Context, connection store.Connection) (store.Connection, error) {
	for key, existing := range f.connections {
		if existing.WorkspaceID == connection.WorkspaceID &&
			existing.Provider == store.ProviderDisparaJa &&
			existing.InstanceID != nil && connection.InstanceID != nil &&
			*existing.InstanceID == *connection.InstanceID {
			connection.ID = existing.ID
			f.connections[key] = connection
			return connection, nil
		}
	}
	f.connections[scopeKey(connection.WorkspaceID, connection.ID)] = connection
	return connection, nil
}

func (f *fakeStore) UpdateConnectionStatus(ctx context.Context, workspaceID, connectionID, status string) error {
	key := scopeKey(workspaceID, connectionID)
	connection, ok := f.connections[key]
	if !ok {
		return sql.ErrNoRows
	}
	connection.Status = status
	f.connections[key] = connection
	return nil
}

func (f *fakeStore) SetConnectionQRCode(ctx context.Context, workspaceID, connectionID, qrCodeKey string) error {
	key := scopeKey(workspaceID, connectionID)
	connection, ok := f.connections[key]
	if !ok {
		return sql.ErrNoRows
	}
	connection.QRCodeKey = &qrCodeKey
	f.connections[key] = connection
	return nil
}

func (f *fakeStore) DeleteConnection(ctx context.Context, workspaceID, connectionID string) error {
	key := scopeKey(workspaceID, connectionID)
	if _, ok := f.connections[key]; !ok {
		return sql.ErrNoRows
	}
	delete(f.connections, key)
	return nil
}

func (f *fakeStore) InsertConnectionLog(ctx context.Context, logEntry store.ConnectionLog) error {
	f.connLogs[logEntry.ConnectionID] = append(f.connLogs[logEntry.ConnectionID], logEntry)
	return nil
}

func (f *fakeStore) ListConnectionLogs(ctx context.Context, workspaceID, connectionID string, limit int) ([]store.ConnectionLog, error) {
	var out []store.ConnectionLog
	for _, logEntry := range f.connLogs[connectionID] {
		if logEntry.WorkspaceID == workspaceID {
			out = append(out, logEntry)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type fakeSessions struct {
	sessions map[string]store.User
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: map[string]store.User{}}
}

func (f *fakeSessions) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	f.sessions[tokenHash] = user
	return nil
}

func (f *fakeSessions) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	user, ok := f.sessions[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeSessions) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	delete(f.sessions, tokenHash)
	return nil
}

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg:      testConfig(),
		store:    fs,
		sessions: newFakeSessions(),
	}
}

func seedUser(fs *fakeStore, workspaceID, userID, role string) store.User {
	user := store.User{
		ID:          userID,
		WorkspaceID: workspaceID,
		Name:        "User " + userID,
		Email:       userID + "@example.com",
		Role:        role,
		Status:      "active",
	}
	fs.users[scopeKey(workspaceID, userID)] = user
	return user
}

func TestCreateSessionRoundTrip(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	user := seedUser(fs, "ws1", "u1", "user")

	session, err := svc.CreateSession(context.Background(), user)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatal("expected both tokens to be issued")
	}

	parsed, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	if parsed.UserID != "u1" || parsed.WorkspaceID != "ws1" || parsed.Role != "user" {
		t.Fatalf("unexpected session: %+v", parsed)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	user := seedUser(fs, "ws1", "u1", "user")

	first, err := svc.CreateSession(context.Background(), user)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	second, err := svc.Refresh(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("expected a new refresh token after rotation")
	}

	// The consumed token must not work twice.
	if _, err := svc.Refresh(context.Background(), first.RefreshToken); err == nil {
		t.Fatal("expected reuse of a rotated refresh token to fail")
	}
}

func TestRefreshRejectsDeactivatedUser(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	user := seedUser(fs, "ws1", "u1", "user")

	session, err := svc.CreateSession(context.Background(), user)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	user.Status = "inactive"
	fs.users[scopeKey("ws1", "u1")] = user

	if _, err := svc.Refresh(context.Background(), session.RefreshToken); err == nil {
		t.Fatal("expected refresh to fail for a deactivated user")
	}
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	user := seedUser(fs, "ws1", "u1", "user")

	session, err := svc.CreateSession(context.Background(), user)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := svc.Logout(context.Background(), session, session.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	if _, err := svc.SessionFromToken(context.Background(), session.Token); err == nil {
		t.Fatal("expected a revoked access token to be rejected")
	}
	if _, err := svc.Refresh(context.Background(), session.RefreshToken); err == nil {
		t.Fatal("expected a revoked refresh token to be rejected")
	}
}

func TestAllowedBypassForAdminRoles(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)

	for _, role := range []string{"owner", "admin"} {
		session := Session{UserID: "u1", WorkspaceID: "ws1", Role: role}
		if !svc.Allowed(context.Background(), session, "settings.manage") {
			t.Fatalf("expected %s to bypass capability checks", role)
		}
	}
}

func TestAllowedRoleDefaults(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	seedUser(fs, "ws1", "u1", "user")
	session := Session{UserID: "u1", WorkspaceID: "ws1", Role: "user"}

	cases := []struct {
		key  string
		want bool
	}{
		{"leads.view", true},
		{"leads.create", true},
		{"leads.delete", false},
		{"conversations.send", true},
		{"users.manage", false},
		{"settings.manage", false},
		{"search.view", true},
	}
	for _, tc := range cases {
		if got := svc.Allowed(context.Background(), session, tc.key); got != tc.want {
			t.Errorf("Allowed(%q) = %v, want %v", tc.key, got, tc.want)
		}
	}
}

func TestAllowedGroupOverlay(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	user := seedUser(fs, "ws1", "u1", "user")
	groupID := "pg1"
	user.PermissionGroupID = &groupID
	fs.users[scopeKey("ws1", "u1")] = user
	fs.groupItems[groupID] = []store.PermissionGroupItem{
		{GroupID: groupID, PermissionKey: "connections.manage", Enabled: true},
		{GroupID: groupID, PermissionKey: "leads.view", Enabled: false},
	}

	session := Session{UserID: "u1", WorkspaceID: "ws1", Role: "user"}
	if !svc.Allowed(context.Background(), session, "connections.manage") {
		t.Fatal("expected the group overlay to grant connections.manage")
	}
	if svc.Allowed(context.Background(), session, "leads.view") {
		t.Fatal("expected the group overlay to revoke leads.view")
	}
}

func TestAllowedUserOverrideWins(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	user := seedUser(fs, "ws1", "u1", "user")
	groupID := "pg1"
	overrides := `{"leads.view":true,"tags.delete":true}`
	user.PermissionGroupID = &groupID
	user.Permissions = &overrides
	fs.users[scopeKey("ws1", "u1")] = user
	fs.groupItems[groupID] = []store.PermissionGroupItem{
		{GroupID: groupID, PermissionKey: "leads.view", Enabled: false},
	}

	session := Session{UserID: "u1", WorkspaceID: "ws1", Role: "user"}
	if !svc.Allowed(context.Background(), session, "leads.view") {
		t.Fatal("expected the per-user override to win over the group")
	}
	if !svc.Allowed(context.Background(), session, "tags.delete") {
		t.Fatal("expected the per-user override to grant tags.delete")
	}
}

func TestAllowedFailsClosed(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	seedUser(fs, "ws1", "u1", "user")
	session := Session{UserID: "u1", WorkspaceID: "ws1", Role: "user"}

	for _, key := range []string{"", "leads", "leads.view.extra", "unknown.view", "leads.unknown"} {
		if svc.Allowed(context.Background(), session, key) {
			t.Errorf("Allowed(%q) = true, want false", key)
		}
	}

	// A user the store no longer knows resolves to denied.
	ghost := Session{UserID: "missing", WorkspaceID: "ws1", Role: "user"}
	if svc.Allowed(context.Background(), ghost, "leads.view") {
		t.Fatal("expected an unknown user to be denied")
	}
}

func TestSummaryCounts(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	fs.leads[scopeKey("ws1", "lead1")] = store.Lead{ID: "lead1", WorkspaceID: "ws1"}
	fs.leads[scopeKey("ws1", "lead2")] = store.Lead{ID: "lead2", WorkspaceID: "ws1"}
	fs.leads[scopeKey("ws2", "lead3")] = store.Lead{ID: "lead3", WorkspaceID: "ws2"}
	fs.conversations[scopeKey("ws1", "conv1")] = store.Conversation{ID: "conv1", WorkspaceID: "ws1", Status: "open"}
	fs.agents[scopeKey("ws1", "agent1")] = store.Agent{ID: "agent1", WorkspaceID: "ws1", Active: true}

	payload, err := svc.Summary(context.Background(), Session{WorkspaceID: "ws1"})
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if payload["leads"] != 2 || payload["openConversations"] != 1 || payload["activeAgents"] != 1 {
		t.Fatalf("unexpected summary: %+v", payload)
	}
}
