package store

import "time"

// The row types below mirror the persisted schema (spec §6) for GORM.
// JSON/array columns use driver-portable Go types (StringSlice,
// Int64Slice, JSONValue, JSONArray, Vector, defined in codec.go) so the same struct serves both the postgres and
// sqlite dialects.

type EventRow struct {
	ID           int64       `gorm:"primaryKey"`
	ProjectScope string      `gorm:"column:project_scope;index:idx_events_project_ts"`
	SessionID    string      `gorm:"column:session_id"`
	SourceAgent  string      `gorm:"column:source_agent"`
	Ts           time.Time   `gorm:"column:ts;index:idx_events_project_ts"`
	Content      string      `gorm:"column:content"`
	Tags         StringSlice `gorm:"column:tags"`
	Importance   float64     `gorm:"column:importance"`
	Embedding    Vector      `gorm:"column:embedding"`
	Tombstone    bool        `gorm:"column:tombstone"`
	ConsolidatedAt *time.Time `gorm:"column:consolidated_at"`
	CreatedAt    time.Time   `gorm:"column:created_at"`
	UpdatedAt    time.Time   `gorm:"column:updated_at"`
}

func (EventRow) TableName() string { return "events" }

type FactRow struct {
	ID           int64       `gorm:"primaryKey"`
	ProjectScope string      `gorm:"column:project_scope"`
	SourceAgent  string      `gorm:"column:source_agent"`
	Content      string      `gorm:"column:content"`
	Topics       StringSlice `gorm:"column:topics"`
	Confidence   float64     `gorm:"column:confidence"`
	Embedding    Vector      `gorm:"column:embedding"`
	DerivedFrom  Int64Slice  `gorm:"column:derived_from"`
	CreatedAt    time.Time   `gorm:"column:created_at"`
	UpdatedAt    time.Time   `gorm:"column:updated_at"`
}

func (FactRow) TableName() string { return "facts" }

type ProcedureRow struct {
	ID           int64      `gorm:"primaryKey"`
	ProjectScope string     `gorm:"column:project_scope"`
	SourceAgent  string     `gorm:"column:source_agent"`
	Name         string     `gorm:"column:name"`
	Description  string     `gorm:"column:description"`
	Steps        JSONArray  `gorm:"column:steps"`
	Category     string     `gorm:"column:category"`
	SuccessRate  float64    `gorm:"column:success_rate"`
	UsageCount   int        `gorm:"column:usage_count"`
	LastUsed     *time.Time `gorm:"column:last_used"`
	CreatedBy    string     `gorm:"column:created_by"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at"`
}

func (ProcedureRow) TableName() string { return "procedures" }

type GoalRow struct {
	ID           int64      `gorm:"primaryKey"`
	ProjectScope string     `gorm:"column:project_scope"`
	Title        string     `gorm:"column:title"`
	Description  string     `gorm:"column:description"`
	Deadline     *time.Time `gorm:"column:deadline"`
	Priority     int        `gorm:"column:priority"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at"`
}

func (GoalRow) TableName() string { return "goals" }

type TaskRow struct {
	ID            int64      `gorm:"primaryKey"`
	ProjectScope  string     `gorm:"column:project_scope;index:idx_tasks_project_status"`
	GoalID        *int64     `gorm:"column:goal_id"`
	Title         string     `gorm:"column:title"`
	Description   string     `gorm:"column:description"`
	Priority      int        `gorm:"column:priority"`
	Status        string     `gorm:"column:status;index:idx_tasks_project_status"`
	Phase         int        `gorm:"column:phase"`
	DependsOn     Int64Slice `gorm:"column:depends_on"`
	OwnerAgentID  *string    `gorm:"column:owner_agent_id"`
	Result        *string    `gorm:"column:result"`
	ClaimVersion  int        `gorm:"column:claim_version"`
	ClaimedAt     *time.Time `gorm:"column:claimed_at"`
	LastHeartbeat *time.Time `gorm:"column:last_heartbeat"`
	CreatedAt     time.Time  `gorm:"column:created_at"`
	UpdatedAt     time.Time  `gorm:"column:updated_at"`
}

func (TaskRow) TableName() string { return "tasks" }

type TriggerRow struct {
	ID           int64     `gorm:"primaryKey"`
	ProjectScope string    `gorm:"column:project_scope"`
	Kind         string    `gorm:"column:kind"`
	Spec         JSONValue `gorm:"column:spec"`
	TaskID       int64     `gorm:"column:task_id"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (TriggerRow) TableName() string { return "triggers" }

type EntityRow struct {
	ID           int64     `gorm:"primaryKey"`
	ProjectScope string    `gorm:"column:project_scope"`
	Name         string    `gorm:"column:name"`
	Type         string    `gorm:"column:type"`
	Properties   JSONValue `gorm:"column:properties"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (EntityRow) TableName() string { return "entities" }

type RelationRow struct {
	ID           int64      `gorm:"primaryKey"`
	ProjectScope string     `gorm:"column:project_scope"`
	Src          int64      `gorm:"column:src"`
	Dst          int64      `gorm:"column:dst"`
	Type         string     `gorm:"column:type"`
	Strength     float64    `gorm:"column:strength"`
	ValidFrom    *time.Time `gorm:"column:valid_from"`
	ValidUntil   *time.Time `gorm:"column:valid_until"`
	Context      string     `gorm:"column:context"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
}

func (RelationRow) TableName() string { return "relations" }

type MetaQualityRow struct {
	MemoryID        int64     `gorm:"primaryKey;column:memory_id"`
	Layer           string    `gorm:"primaryKey;column:layer"`
	ProjectScope    string    `gorm:"column:project_scope"`
	AccessCount     int       `gorm:"column:access_count"`
	UsefulCount     int       `gorm:"column:useful_count"`
	UsefulnessScore float64   `gorm:"column:usefulness_score"`
	Confidence      float64   `gorm:"column:confidence"`
	EmbeddingDegraded bool    `gorm:"column:embedding_degraded"`
	LastAccessed    time.Time `gorm:"column:last_accessed"`
}

func (MetaQualityRow) TableName() string { return "meta_quality" }

type DomainCoverageRow struct {
	ProjectScope  string    `gorm:"primaryKey;column:project_scope"`
	Domain        string    `gorm:"primaryKey;column:domain"`
	Expertise     string    `gorm:"column:expertise"`
	EvidenceCount int       `gorm:"column:evidence_count"`
	LastUpdate    time.Time `gorm:"column:last_update"`
}

func (DomainCoverageRow) TableName() string { return "domain_coverage" }

type ConsolidationRunRow struct {
	ID           int64      `gorm:"primaryKey"`
	ProjectScope string     `gorm:"column:project_scope"`
	StartedAt    time.Time  `gorm:"column:started_at"`
	FinishedAt   *time.Time `gorm:"column:finished_at"`
	Profile      string     `gorm:"column:profile"`
	Metrics      JSONValue  `gorm:"column:metrics"`
	Accepted     bool       `gorm:"column:accepted"`
}

func (ConsolidationRunRow) TableName() string { return "consolidation_runs" }
