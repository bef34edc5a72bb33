package types

import "encoding/json"

// Instance is the tenant-owned, configured invocation target a job executes
// against. It is the slice of the agent-instance record the execution core
// needs; the full record (template linkage, UI metadata) lives in the
// relational collaborator.
type Instance struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenantId"`
	AgentType    string          `json:"agentType"`
	Name         string          `json:"name"`
	Instructions string          `json:"instructions,omitempty"`
	Model        string          `json:"model,omitempty"`
	Settings     json.RawMessage `json:"settings,omitempty"`
}
