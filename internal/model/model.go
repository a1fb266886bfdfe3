// Package model defines the core data types shared across bifrost-core's
// subsystems: file entries, entities, workflow-access tuples, configuration
// entries and execution records (spec §3).
package model

import "time"

// EntityType is the tagged kind of a discovered decorated declaration.
type EntityType string

const (
	EntityWorkflow     EntityType = "workflow"
	EntityTool         EntityType = "tool"
	EntityDataProvider EntityType = "data_provider"
)

// AccessLevel controls who may see/invoke an entity through the non-core
// surfaces (forms, apps); this core only stores and derives it.
type AccessLevel string

const (
	AccessLevelPublic    AccessLevel = "public"
	AccessLevelAuthUser  AccessLevel = "authenticated"
	AccessLevelRoleBased AccessLevel = "role"
)

// FileEntry is the authoritative per-path record in the file-index store
// (spec §3 "File entry"). Hash is the hex-encoded SHA-256 of Content.
type FileEntry struct {
	Path      string
	Content   []byte
	Hash      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CacheEntry is the workspace cache's per-path loop-suppression record
// (spec §3 "Workspace cache entry").
type CacheEntry struct {
	Path      string
	Hash      string
	IsDeleted bool
}

// Entity is a discovered workflow/tool/data_provider declaration (spec §3
// "Entity record"). OrganizationID nil means global scope.
type Entity struct {
	ID               string
	Name             string
	Type             EntityType
	FunctionName     string
	Path             string
	OrganizationID   *string
	IsActive         bool
	EndpointEnabled  bool
	Schedule         string
	AccessLevel      AccessLevel
	ParametersSchema []byte // raw JSON Schema document, validated via kin-openapi
	Category         string
	Tags             []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Scope returns "global" or the organization id, matching the glossary's
// scope terminology.
func (e Entity) Scope() string {
	if e.OrganizationID == nil {
		return "global"
	}
	return *e.OrganizationID
}

// UserSelectorKind distinguishes the two representations a workflow-access
// row may use for "who may invoke this" (spec §4.11: "'authenticated' and
// 'role-based' are represented as distinct user-selector values").
type UserSelectorKind string

const (
	UserSelectorAuthenticated UserSelectorKind = "authenticated"
	UserSelectorRole          UserSelectorKind = "role"
)

// UserSelector identifies who a workflow-access row grants to.
type UserSelector struct {
	Kind UserSelectorKind
	Role string // set only when Kind == UserSelectorRole
}

// String renders the selector as the flat string stored in the
// workflow_access table's user_identity_selector column.
func (s UserSelector) String() string {
	if s.Kind == UserSelectorRole {
		return "role:" + s.Role
	}
	return "authenticated"
}

// SourceEntityType names what referenced the workflow to grant access.
type SourceEntityType string

const (
	SourceEntityForm SourceEntityType = "form"
	SourceEntityApp  SourceEntityType = "app"
)

// WorkflowAccess is a precomputed authorization tuple (spec §3/§4.11).
type WorkflowAccess struct {
	WorkflowID       string
	UserSelector     UserSelector
	OrganizationID   *string
	SourceEntityType SourceEntityType
	SourceEntityID   string
}

// ConfigValueType is the tagged type of a configuration entry's value.
type ConfigValueType string

const (
	ConfigTypeString ConfigValueType = "string"
	ConfigTypeInt    ConfigValueType = "int"
	ConfigTypeBool   ConfigValueType = "bool"
	ConfigTypeJSON   ConfigValueType = "json"
	ConfigTypeSecret ConfigValueType = "secret"
)

// ConfigEntry is a configuration row (spec §3 "Configuration entry"). Value
// is the raw stored representation: plaintext for everything except
// ConfigTypeSecret, where it carries the crypto.Encrypt "enc:" envelope.
type ConfigEntry struct {
	ID             string
	OrganizationID *string // nil = global scope
	KeyName        string
	Value          string
	Type           ConfigValueType
	Description    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Scope returns "global" or the organization id.
func (c ConfigEntry) Scope() string {
	if c.OrganizationID == nil {
		return "global"
	}
	return *c.OrganizationID
}

// ExecutionStatus is the lifecycle state of an ExecutionRecord. Transitions
// are monotone: pending -> running -> {success, failed, cancelled}.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSuccess   ExecutionStatus = "success"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether status is one from which no further transition
// is permitted (spec §3: "once terminal, only retention cleanup may modify it").
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionSuccess, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// CallerIdentity is the snapshot of who requested an execution, stored
// alongside the execution record for audit purposes.
type CallerIdentity struct {
	UserID          string `json:"user_id,omitempty"`
	OrganizationID  string `json:"organization_id,omitempty"`
	IsPlatformAdmin bool   `json:"is_platform_admin,omitempty"`
	IsAPIKey        bool   `json:"is_api_key,omitempty"`
	APIKeyID        string `json:"api_key_id,omitempty"`
}

// ResourceMetrics is the resource-usage sample a worker reports alongside
// an execution's result (spec §4.14).
type ResourceMetrics struct {
	PeakMemoryBytes  int64
	CPUUserSeconds   float64
	CPUSystemSeconds float64
}

// ExecutionRecord is the durable record of one dispatch (spec §3
// "Execution record").
type ExecutionRecord struct {
	ID         string
	WorkflowID string
	Parameters []byte // JSON snapshot
	Caller     CallerIdentity
	Status     ExecutionStatus
	StartedAt  time.Time
	EndedAt    *time.Time
	DurationMS int64
	Metrics    ResourceMetrics
	Result     []byte // JSON, set on success
	ErrorKind  string
	ErrorMsg   string
	Logs       string
}
