package app

import (
	"context"
	"io"
	"net/http"
	"strings"

	"talkbase/api/internal/agentrepo"
	"talkbase/api/internal/openai"
	"talkbase/api/internal/store"
	"talkbase/api/internal/util"
)

type AgentInput struct {
	Name         string   `json:"name"`
	Instructions string   `json:"instructions"`
	Model        string   `json:"model"`
	Temperature  *float64 `json:"temperature"`
	Active       *bool    `json:"active"`
}

const defaultAgentModel = "gpt-4o-mini"

func agentView(agent store.Agent) map[string]any {
	view := map[string]any{
		"id":           agent.ID,
		"name":         agent.Name,
		"instructions": agent.Instructions,
		"model":        agent.Model,
		"temperature":  agent.Temperature,
		"active":       agent.Active,
		"createdAt":    agent.CreatedAt,
		"updatedAt":    agent.UpdatedAt,
	}
	if agent.OpenAIAssistantID != nil {
		view["openaiAssistantId"] = *agent.OpenAIAssistantID
	}
	return view
}

func agentSnapshot(agent store.Agent, vectorStoreID string) agentrepo.Snapshot {
	return agentrepo.Snapshot{
		Name:          agent.Name,
		Model:         agent.Model,
		Instructions:  agent.Instructions,
		Temperature:   agent.Temperature,
		VectorStoreID: vectorStoreID,
	}
}

func (s *Service) ListAgents(ctx context.Context, session Session) (map[string]any, error) {
	agents, err := s.store.ListAgents(ctx, session.WorkspaceID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(agents))
	for _, agent := range agents {
		views = append(views, agentView(agent))
	}
	return map[string]any{"agents": views}, nil
}

func (s *Service) CreateAgent(ctx context.Context, session Session, input AgentInput) (map[string]any, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	model := strings.TrimSpace(input.Model)
	if model == "" {
		model = defaultAgentModel
	}
	temperature := 1.0
	if input.Temperature != nil {
		temperature = *input.Temperature
	}
	if temperature < 0 || temperature > 2 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "temperature must be between 0 and 2", nil)
	}
	active := true
	if input.Active != nil {
		active = *input.Active
	}

	agent := store.Agent{
		ID:           util.NewID("agent"),
		WorkspaceID:  session.WorkspaceID,
		Name:         name,
		Instructions: input.Instructions,
		Model:        model,
		Temperature:  temperature,
		Active:       active,
	}
	if err := s.store.InsertAgent(ctx, agent); err != nil {
		return nil, err
	}
	if s.agents != nil {
		if err := s.agents.EnsureAgentRepo(agent.ID, agentSnapshot(agent, ""), session.UserName); err != nil {
			return nil, err
		}
	}
	return agentView(agent), nil
}

func (s *Service) GetAgent(ctx context.Context, session Session, agentID string) (map[string]any, error) {
	agent, err := s.store.GetAgent(ctx, session.WorkspaceID, agentID)
	if err != nil {
		return nil, err
	}
	view := agentView(agent)
	if s.agents != nil {
		if _, head, err := s.agents.GetHeadSnapshot(agent.ID); err == nil {
			view["revision"] = revisionView(head)
		}
	}
	return view, nil
}

func (s *Service) UpdateAgent(ctx context.Context, session Session, agentID string, input AgentInput) (map[string]any, error) {
	agent, err := s.store.GetAgent(ctx, session.WorkspaceID, agentID)
	if err != nil {
		return nil, err
	}

	before := agentSnapshot(agent, agentVectorStoreID(ctx, s, session.WorkspaceID, agentID))

	if name := strings.TrimSpace(input.Name); name != "" {
		agent.Name = name
	}
	if model := strings.TrimSpace(input.Model); model != "" {
		agent.Model = model
	}
	agent.Instructions = input.Instructions
	if input.Temperature != nil {
		if *input.Temperature < 0 || *input.Temperature > 2 {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "temperature must be between 0 and 2", nil)
		}
		agent.Temperature = *input.Temperature
	}
	if input.Active != nil {
		agent.Active = *input.Active
	}

	if err := s.store.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}

	if s.agents != nil {
		after := agentSnapshot(agent, before.VectorStoreID)
		if agentrepo.HasChanges(before, after) {
			fields := agentrepo.DiffFields(before, after)
			names := make([]string, 0, len(fields))
			for _, field := range fields {
				names = append(names, field["field"])
			}
			message := "Update " + strings.Join(names, ", ")
			if _, err := s.agents.CommitSnapshot(agentID, after, session.UserName, message); err != nil {
				return nil, err
			}
		}
	}
	return agentView(agent), nil
}

func (s *Service) DeleteAgent(ctx context.Context, session Session, agentID string) error {
	agent, err := s.store.GetAgent(ctx, session.WorkspaceID, agentID)
	if err != nil {
		return err
	}
	// Best effort: remove the mirrored assistant, keep going if the
	// provider call fails.
	if agent.OpenAIAssistantID != nil && s.openai != nil {
		if apiKey, err := s.workspaceOpenAIKey(ctx, session.WorkspaceID); err == nil && apiKey != "" {
			_ = s.openai.DeleteAssistant(ctx, apiKey, *agent.OpenAIAssistantID)
		}
	}
	if err := s.store.DeleteAgent(ctx, session.WorkspaceID, agentID); err != nil {
		return err
	}
	if s.agents != nil {
		_ = s.agents.DeleteAgentRepo(agentID)
	}
	return nil
}

func revisionView(revision agentrepo.RevisionInfo) map[string]any {
	return map[string]any{
		"hash":      revision.Hash,
		"message":   strings.TrimSpace(revision.Message),
		"author":    revision.Author,
		"createdAt": revision.CreatedAt,
	}
}

func (s *Service) AgentHistory(ctx context.Context, session Session, agentID string, limit int) (map[string]any, error) {
	if s.agents == nil {
		return nil, domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Agent history is not configured", nil)
	}
	if _, err := s.store.GetAgent(ctx, session.WorkspaceID, agentID); err != nil {
		return nil, err
	}
	revisions, err := s.agents.History(agentID, limit)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(revisions))
	for _, revision := range revisions {
		views = append(views, revisionView(revision))
	}
	return map[string]any{"revisions": views}, nil
}

func (s *Service) AgentRevision(ctx context.Context, session Session, agentID, hash string) (map[string]any, error) {
	if s.agents == nil {
		return nil, domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Agent history is not configured", nil)
	}
	if _, err := s.store.GetAgent(ctx, session.WorkspaceID, agentID); err != nil {
		return nil, err
	}
	snap, err := s.agents.GetSnapshotByHash(agentID, hash)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"hash":          hash,
		"name":          snap.Name,
		"model":         snap.Model,
		"instructions":  snap.Instructions,
		"temperature":   snap.Temperature,
		"vectorStoreId": snap.VectorStoreID,
	}, nil
}

// SyncAgent mirrors the agent to an OpenAI assistant, creating it on
// first sync and updating it afterwards.
func (s *Service) SyncAgent(ctx context.Context, session Session, agentID string) (map[string]any, error) {
	if s.openai == nil {
		return nil, domainError(http.StatusServiceUnavailable, "OPENAI_UNAVAILABLE", "OpenAI is not configured", nil)
	}
	agent, err := s.store.GetAgent(ctx, session.WorkspaceID, agentID)
	if err != nil {
		return nil, err
	}
	apiKey, err := s.workspaceOpenAIKey(ctx, session.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if apiKey == "" {
		return nil, domainError(http.StatusConflict, "OPENAI_KEY_MISSING", "Set the workspace OpenAI API key first", nil)
	}

	params := openai.AssistantParams{
		Name:          agent.Name,
		Model:         agent.Model,
		Instructions:  agent.Instructions,
		Temperature:   agent.Temperature,
		VectorStoreID: agentVectorStoreID(ctx, s, session.WorkspaceID, agentID),
	}

	var assistant openai.Assistant
	if agent.OpenAIAssistantID == nil || *agent.OpenAIAssistantID == "" {
		assistant, err = s.openai.CreateAssistant(ctx, apiKey, params)
		if err != nil {
			return nil, err
		}
		if err := s.store.SetAgentAssistantID(ctx, session.WorkspaceID, agentID, assistant.ID); err != nil {
			return nil, err
		}
	} else {
		assistant, err = s.openai.UpdateAssistant(ctx, apiKey, *agent.OpenAIAssistantID, params)
		if err != nil {
			return nil, err
		}
	}

	return map[string]any{
		"agentId":           agentID,
		"openaiAssistantId": assistant.ID,
		"model":             assistant.Model,
	}, nil
}

// agentVectorStoreID returns the OpenAI vector store bound to the
// agent, or "" when none is.
func agentVectorStoreID(ctx context.Context, s *Service, workspaceID, agentID string) string {
	stores, err := s.store.ListVectorStores(ctx, workspaceID)
	if err != nil {
		return ""
	}
	for _, vs := range stores {
		if vs.AgentID != nil && *vs.AgentID == agentID {
			return vs.OpenAIID
		}
	}
	return ""
}

func vectorStoreView(vs store.VectorStore) map[string]any {
	view := map[string]any{
		"id":        vs.ID,
		"name":      vs.Name,
		"openaiId":  vs.OpenAIID,
		"createdAt": vs.CreatedAt,
	}
	if vs.AgentID != nil {
		view["agentId"] = *vs.AgentID
	}
	return view
}

func (s *Service) ListVectorStores(ctx context.Context, session Session) (map[string]any, error) {
	stores, err := s.store.ListVectorStores(ctx, session.WorkspaceID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(stores))
	for _, vs := range stores {
		views = append(views, vectorStoreView(vs))
	}
	return map[string]any{"vectorStores": views}, nil
}

func (s *Service) CreateVectorStore(ctx context.Context, session Session, name string, agentID *string) (map[string]any, error) {
	if s.openai == nil {
		return nil, domainError(http.StatusServiceUnavailable, "OPENAI_UNAVAILABLE", "OpenAI is not configured", nil)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if agentID != nil && *agentID != "" {
		if _, err := s.store.GetAgent(ctx, session.WorkspaceID, *agentID); err != nil {
			return nil, err
		}
	}
	apiKey, err := s.workspaceOpenAIKey(ctx, session.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if apiKey == "" {
		return nil, domainError(http.StatusConflict, "OPENAI_KEY_MISSING", "Set the workspace OpenAI API key first", nil)
	}

	remote, err := s.openai.CreateVectorStore(ctx, apiKey, name)
	if err != nil {
		return nil, err
	}

	vs := store.VectorStore{
		ID:          util.NewID("vs"),
		WorkspaceID: session.WorkspaceID,
		AgentID:     agentID,
		Name:        name,
		OpenAIID:    remote.ID,
	}
	if err := s.store.InsertVectorStore(ctx, vs); err != nil {
		return nil, err
	}
	return vectorStoreView(vs), nil
}

func (s *Service) DeleteVectorStore(ctx context.Context, session Session, vectorStoreID string) error {
	vs, err := s.store.GetVectorStore(ctx, session.WorkspaceID, vectorStoreID)
	if err != nil {
		return err
	}
	if s.openai != nil {
		if apiKey, err := s.workspaceOpenAIKey(ctx, session.WorkspaceID); err == nil && apiKey != "" {
			_ = s.openai.DeleteVectorStore(ctx, apiKey, vs.OpenAIID)
		}
	}
	return s.store.DeleteVectorStore(ctx, session.WorkspaceID, vectorStoreID)
}

func (s *Service) ListVectorStoreFiles(ctx context.Context, session Session, vectorStoreID string) (map[string]any, error) {
	if s.openai == nil {
		return nil, domainError(http.StatusServiceUnavailable, "OPENAI_UNAVAILABLE", "OpenAI is not configured", nil)
	}
	vs, err := s.store.GetVectorStore(ctx, session.WorkspaceID, vectorStoreID)
	if err != nil {
		return nil, err
	}
	apiKey, err := s.workspaceOpenAIKey(ctx, session.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if apiKey == "" {
		return nil, domainError(http.StatusConflict, "OPENAI_KEY_MISSING", "Set the workspace OpenAI API key first", nil)
	}
	files, err := s.openai.ListVectorStoreFiles(ctx, apiKey, vs.OpenAIID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(files))
	for _, file := range files {
		views = append(views, map[string]any{"id": file.ID, "status": file.Status})
	}
	return map[string]any{"files": views}, nil
}

// AttachVectorStoreFile uploads content and links it to the store.
func (s *Service) AttachVectorStoreFile(ctx context.Context, session Session, vectorStoreID, filename string, content io.Reader) (map[string]any, error) {
	if s.openai == nil {
		return nil, domainError(http.StatusServiceUnavailable, "OPENAI_UNAVAILABLE", "OpenAI is not configured", nil)
	}
	vs, err := s.store.GetVectorStore(ctx, session.WorkspaceID, vectorStoreID)
	if err != nil {
		return nil, err
	}
	apiKey, err := s.workspaceOpenAIKey(ctx, session.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if apiKey == "" {
		return nil, domainError(http.StatusConflict, "OPENAI_KEY_MISSING", "Set the workspace OpenAI API key first", nil)
	}

	fileID, err := s.openai.UploadFile(ctx, apiKey, filename, content)
	if err != nil {
		return nil, err
	}
	if err := s.openai.AttachFile(ctx, apiKey, vs.OpenAIID, fileID); err != nil {
		return nil, err
	}
	return map[string]any{"fileId": fileID}, nil
}

func (s *Service) DetachVectorStoreFile(ctx context.Context, session Session, vectorStoreID, fileID string) error {
	if s.openai == nil {
		return domainError(http.StatusServiceUnavailable, "OPENAI_UNAVAILABLE", "OpenAI is not configured", nil)
	}
	vs, err := s.store.GetVectorStore(ctx, session.WorkspaceID, vectorStoreID)
	if err != nil {
		return err
	}
	apiKey, err := s.workspaceOpenAIKey(ctx, session.WorkspaceID)
	if err != nil {
		return err
	}
	if apiKey == "" {
		return domainError(http.StatusConflict, "OPENAI_KEY_MISSING", "Set the workspace OpenAI API key first", nil)
	}
	if err := s.openai.DetachFile(ctx, apiKey, vs.OpenAIID, fileID); err != nil {
		return err
	}
	_ = s.openai.DeleteFile(ctx, apiKey, fileID)
	return nil
}
