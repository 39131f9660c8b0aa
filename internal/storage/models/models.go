package models

import "time"

type AtomKind string

const (
	AtomFaultCode     AtomKind = "fault_code"
	AtomProcedure     AtomKind = "procedure"
	AtomSpecification AtomKind = "specification"
	AtomPart          AtomKind = "part"
	AtomTip           AtomKind = "tip"
	AtomSafetyWarning AtomKind = "safety_warning"
)

type EnrichmentSource string

const (
	SourceReactive        EnrichmentSource = "reactive"
	SourceProactiveFamily EnrichmentSource = "proactive_family"
	SourceProactivePrio   EnrichmentSource = "proactive_priority"
)

// KnowledgeAtom is a single curated, citable fact or procedure. Atoms are
// never deleted; a newer verified atom supersedes via SupersededBy.
type KnowledgeAtom struct {
	ID               string
	Kind             AtomKind
	Manufacturer     string
	Model            string
	EquipmentType    string
	Title            string
	Body             string
	SourceRef        string
	Confidence       float64
	HumanVerified    bool
	UsageCount       int
	EnrichmentSource EnrichmentSource
	SupersededBy     string
	CreatedAt        time.Time
	LastVerifiedAt   *time.Time
}

type GapStatus string

const (
	GapPending    GapStatus = "pending"
	GapInProgress GapStatus = "in_progress"
	GapCompleted  GapStatus = "completed"
	GapFailed     GapStatus = "failed"
)

// KnowledgeGap records a query the store could not answer confidently.
// At most one pending row exists per (normalized query, manufacturer, model).
type KnowledgeGap struct {
	ID              string
	QueryNormalized string
	Manufacturer    string
	Model           string
	Confidence      float64
	OccurrenceCount int
	Priority        float64
	ResearchStatus  GapStatus
	ResolvedAtomID  string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ProductFamily is a discovered cluster of related models sharing a naming
// pattern. IndexedCount never exceeds MemberCount.
type ProductFamily struct {
	ID           string
	Manufacturer string
	Name         string
	MatchPattern string
	MemberCount  int
	IndexedCount int
	IsComplete   bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// EnrichmentJob is one unit of queued research work. Claiming is a strict
// compare-and-set: only one worker ever holds a job in processing.
type EnrichmentJob struct {
	ID             string
	GapID          string
	Manufacturer   string
	ModelPattern   string
	Priority       float64
	Status         JobStatus
	UserQueryCount int
	WorkerID       string
	AtomsCreated   int
	MembersFound   int
	RetryCount     int
	NextRetryAt    time.Time
	ErrorDetail    string
	CreatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
}

// CachedSearchResult maps a manufacturer/model to a validated source. Results
// below the discard threshold are never cached; the provisional band is
// cached but flagged for human verification.
type CachedSearchResult struct {
	Manufacturer              string    `json:"manufacturer"`
	Model                     string    `json:"model"`
	URL                       string    `json:"url"`
	Title                     string    `json:"title"`
	Snippet                   string    `json:"snippet"`
	Tier                      int       `json:"tier"`
	Category                  string    `json:"category"`
	Confidence                float64   `json:"confidence"`
	Reasoning                 string    `json:"reasoning"`
	RequiresHumanVerification bool      `json:"requires_human_verification"`
	ValidatedAt               time.Time `json:"validated_at"`
}

// SourceFingerprint is the write-once content identity of a processed source.
type SourceFingerprint struct {
	Hash      string
	URL       string
	FirstSeen time.Time
}

type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerStopped WorkerStatus = "stopped"
)

// WorkerHeartbeat is the single source of truth for worker liveness; no
// in-process registry decides job ownership.
type WorkerHeartbeat struct {
	WorkerID      string
	Status        WorkerStatus
	CurrentJobID  string
	JobsProcessed int
	JobsFailed    int
	LastHeartbeat time.Time
}

// QueryOutcome records one routed query for the operational surface.
type QueryOutcome struct {
	ID           string
	QueryText    string
	Manufacturer string
	Model        string
	Route        string
	Confidence   float64
	AtomsMatched int
	GapID        string
	LatencyMS    int
	CreatedAt    time.Time
}
