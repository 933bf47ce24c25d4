package types

import "time"

// ID identifies any Athena entity: events, facts, procedures, tasks,
// goals, triggers, entities, relations. It is opaque to callers — the
// store package decides the concrete encoding (snowflake-style int64
// rendered as a string).
type ID string

// ProjectScope is the opaque tenant key every entity and query is scoped
// to. Athena never serves data across project scopes.
type ProjectScope string

// SourceAgent is the opaque identifier of the agent that produced or
// owns an entity.
type SourceAgent string

// Layer names one of the eight cooperating memory layers.
type Layer string

const (
	LayerEpisodic    Layer = "episodic"
	LayerSemantic    Layer = "semantic"
	LayerProcedural  Layer = "procedural"
	LayerProspective Layer = "prospective"
	LayerGraph       Layer = "graph"
	LayerMeta        Layer = "meta"
)

// MemoryRef points at one row in one layer, the unit every retrieval
// result, meta-quality record, and working-memory slot is built around.
type MemoryRef struct {
	ID    ID    `json:"id"`
	Layer Layer `json:"layer"`
}

// Event is an append-only episodic record (spec §3, Episodic).
type Event struct {
	ID           ID           `json:"id"`
	ProjectScope ProjectScope `json:"project_scope"`
	SourceAgent  SourceAgent  `json:"source_agent"`
	SessionID    string       `json:"session_id,omitempty"`
	Content      string       `json:"content"`
	Tags         []string     `json:"tags,omitempty"`
	Importance   float64      `json:"importance"`
	Embedding    []float32    `json:"embedding,omitempty"`
	Tombstone    bool         `json:"tombstone"`
	// ConsolidatedAt marks the run that already folded this event into a
	// Fact/Procedure/Relation, making it ineligible for future windows.
	ConsolidatedAt *time.Time `json:"consolidated_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Fact is a semantic record, created either by explicit store or by
// consolidation (derived_from non-empty in the latter case).
type Fact struct {
	ID           ID           `json:"id"`
	ProjectScope ProjectScope `json:"project_scope"`
	SourceAgent  SourceAgent  `json:"source_agent"`
	Content      string       `json:"content"`
	Topics       []string     `json:"topics,omitempty"`
	Confidence   float64      `json:"confidence"`
	Embedding    []float32    `json:"embedding,omitempty"`
	DerivedFrom  []ID         `json:"derived_from,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// ProcedureCategory classifies a Procedure's domain.
type ProcedureCategory string

// ProcedureOrigin records how a Procedure came to exist.
type ProcedureOrigin string

const (
	ProcedureOriginUser    ProcedureOrigin = "user"
	ProcedureOriginLearned ProcedureOrigin = "learned"
	ProcedureOriginImport  ProcedureOrigin = "imported"
)

// ProcedureStep is one ordered step of a Procedure's playbook.
type ProcedureStep struct {
	Order       int            `json:"order"`
	Description string         `json:"description"`
	Params      map[string]any `json:"params,omitempty"`
}

// Procedure is a reusable named workflow tracked with a success-rate EMA
// (spec §4.5).
type Procedure struct {
	ID           ID                `json:"id"`
	ProjectScope ProjectScope      `json:"project_scope"`
	SourceAgent  SourceAgent       `json:"source_agent"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Steps        []ProcedureStep   `json:"steps"`
	Category     ProcedureCategory `json:"category,omitempty"`
	SuccessRate  float64           `json:"success_rate"`
	UsageCount   int               `json:"usage_count"`
	LastUsed     *time.Time        `json:"last_used,omitempty"`
	CreatedBy    ProcedureOrigin   `json:"created_by"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// TaskStatus enumerates the Prospective-layer task FSM states (spec §4.4).
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskPlanning   TaskStatus = "planning"
	TaskReady      TaskStatus = "ready"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether s is one of the FSM's terminal states.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Task is a unit of prospective work with optimistic-CAS claiming.
type Task struct {
	ID            ID           `json:"id"`
	ProjectScope  ProjectScope `json:"project_scope"`
	GoalID        *ID          `json:"goal_id,omitempty"`
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	Priority      int          `json:"priority"`
	Status        TaskStatus   `json:"status"`
	Phase         int          `json:"phase"`
	DependsOn     []ID         `json:"depends_on,omitempty"`
	OwnerAgentID  *SourceAgent `json:"owner_agent_id,omitempty"`
	Result        *string      `json:"result,omitempty"`
	ClaimedAt     *time.Time   `json:"claimed_at,omitempty"`
	ClaimVersion  int          `json:"claim_version"`
	LastHeartbeat *time.Time   `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Goal is the parent of a set of Tasks.
type Goal struct {
	ID           ID           `json:"id"`
	ProjectScope ProjectScope `json:"project_scope"`
	Title        string       `json:"title"`
	Description  string       `json:"description"`
	Deadline     *time.Time   `json:"deadline,omitempty"`
	Priority     int          `json:"priority"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// TriggerKind names the clock/event a Trigger fires on.
type TriggerKind string

const (
	TriggerTime       TriggerKind = "time"
	TriggerEvent      TriggerKind = "event"
	TriggerContext    TriggerKind = "context"
	TriggerDependency TriggerKind = "dependency"
	TriggerFile       TriggerKind = "file"
)

// Trigger fires when its Spec's condition is met, creating or
// activating TaskID.
type Trigger struct {
	ID           ID             `json:"id"`
	ProjectScope ProjectScope   `json:"project_scope"`
	Kind         TriggerKind    `json:"kind"`
	Spec         map[string]any `json:"spec"`
	TaskID       ID             `json:"task_id"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Entity is a named, typed node in the knowledge graph.
type Entity struct {
	ID           ID             `json:"id"`
	ProjectScope ProjectScope   `json:"project_scope"`
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Properties   map[string]any `json:"properties,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Relation is a directional, optionally time-bounded edge between two
// Entities.
type Relation struct {
	ID           ID           `json:"id"`
	ProjectScope ProjectScope `json:"project_scope"`
	SourceID     ID           `json:"source_id"`
	TargetID     ID           `json:"target_id"`
	Type         string       `json:"type"`
	Strength     float64      `json:"strength"`
	ValidFrom    *time.Time   `json:"valid_from,omitempty"`
	ValidUntil   *time.Time   `json:"valid_until,omitempty"`
	Context      string       `json:"context,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Community is a group of entities produced by community_detect over
// the relation graph.
type Community struct {
	Label     int64 `json:"label"`
	EntityIDs []ID  `json:"entity_ids"`
}

// ActiveAt reports whether r is in force at instant t.
func (r Relation) ActiveAt(t time.Time) bool {
	if r.ValidFrom != nil && t.Before(*r.ValidFrom) {
		return false
	}
	if r.ValidUntil != nil && !t.Before(*r.ValidUntil) {
		return false
	}
	return true
}

// Expertise levels domain familiarity in DomainCoverage.
type Expertise string

const (
	ExpertiseBeginner     Expertise = "beginner"
	ExpertiseIntermediate Expertise = "intermediate"
	ExpertiseAdvanced     Expertise = "advanced"
	ExpertiseExpert       Expertise = "expert"
)

// MemoryQuality tracks per-(memory, layer) access/usefulness feedback
// (spec §4.7).
type MemoryQuality struct {
	MemoryRef       MemoryRef    `json:"memory_ref"`
	ProjectScope    ProjectScope `json:"project_scope"`
	AccessCount     int          `json:"access_count"`
	UsefulCount     int          `json:"useful_count"`
	UsefulnessScore float64      `json:"usefulness_score"`
	Confidence      float64      `json:"confidence"`
	// EmbeddingDegraded records that this memory was written without an
	// embedding because the embedding service was unavailable at write
	// time (spec §4.2); retrieval falls back to lexical/tag paths for it.
	EmbeddingDegraded bool      `json:"embedding_degraded"`
	LastAccessed    time.Time    `json:"last_accessed"`
}

// DomainCoverage tracks how much evidence Athena has accumulated in a
// topical domain for a project.
type DomainCoverage struct {
	ProjectScope  ProjectScope `json:"project_scope"`
	Domain        string       `json:"domain"`
	Expertise     Expertise    `json:"expertise"`
	EvidenceCount int          `json:"evidence_count"`
	LastUpdate    time.Time    `json:"last_update"`
}

// ConsolidationRun records the outcome metrics of one consolidation
// cycle (spec §4.10).
type ConsolidationRun struct {
	ID             ID             `json:"id"`
	ProjectScope   ProjectScope   `json:"project_scope"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	Profile        string         `json:"profile"`
	Metrics        map[string]any `json:"metrics,omitempty"`
	Accepted       bool           `json:"accepted"`
}
