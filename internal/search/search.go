package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultLead         ResultType = "lead"
	ResultConversation ResultType = "conversation"
	ResultMessage      ResultType = "message"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type           ResultType `json:"type"`
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Snippet        string     `json:"snippet"`
	LeadID         string     `json:"leadId"`
	ConversationID string     `json:"conversationId,omitempty"`
	WorkspaceID    string     `json:"workspaceId"`
}

// Query describes a search request. WorkspaceID is always set by the caller;
// results never cross workspace boundaries.
type Query struct {
	Text        string
	FilterType  ResultType // empty = all types
	WorkspaceID string
	Limit       int
	Offset      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexLead(l LeadRecord) error
	IndexConversation(c ConversationRecord) error
	IndexMessage(m MessageRecord) error
	DeleteLead(id string) error
	DeleteConversation(id string) error
}

// LeadRecord is the data we index for a lead.
type LeadRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
	Notes       string `json:"notes"`
	Stage       string `json:"stage"`
	WorkspaceID string `json:"workspaceId"`
}

// ConversationRecord is the data we index for a conversation.
type ConversationRecord struct {
	ID          string `json:"id"`
	LeadID      string `json:"leadId"`
	LeadName    string `json:"leadName"`
	Channel     string `json:"channel"`
	Status      string `json:"status"`
	WorkspaceID string `json:"workspaceId"`
}

// MessageRecord is the data we index for a message.
type MessageRecord struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	LeadID         string `json:"leadId"`
	Body           string `json:"body"`
	AuthorName     string `json:"authorName"`
	WorkspaceID    string `json:"workspaceId"`
}
