package cases

import (
	"encoding/json"
	"time"

	"smile-backend/internal/protocol"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Case modes.
const (
	ModeAnalysis     = "analysis"
	ModeProtocol     = "analysis_protocol"
	ModeSimulation   = "simulation"
	ModeProtocolOnly = "protocol_only"
)

// Priority levels, ordered high > medium > low.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// Procedure classifications. Closed enumeration; anything else from a
// provider is dropped at validation.
const (
	ProcedureCaries          = "caries"
	ProcedureFracture        = "fracture"
	ProcedureDiastemaClosure = "diastema_closure"
	ProcedureDiscoloration   = "discoloration"
	ProcedureAbrasion        = "abrasion"
	ProcedureErosion         = "erosion"
	ProcedureMalformation    = "malformation"
	ProcedureOldRestoration  = "old_restoration"
)

// Treatment indications.
const (
	IndicationRestoration = "restoration"
	IndicationAesthetic   = "aesthetic"
	IndicationWhitening   = "whitening"
	IndicationVeneer      = "veneer"
)

// Depth tiers, ordered superficial < medium < deep.
const (
	DepthSuperficial = "superficial"
	DepthMedium      = "medium"
	DepthDeep        = "deep"
)

// Bounds is a normalized bounding region within the source image.
type Bounds struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Finding is one validated observation about one tooth. Tooth numbers use
// FDI two-digit notation ("11".."48"). Enum fields other than Priority and
// Indication may be empty, meaning the provider did not commit to a value.
type Finding struct {
	Tooth      string  `json:"tooth"`
	Region     string  `json:"region,omitempty"`
	Procedure  string  `json:"procedure,omitempty"`
	Size       string  `json:"size,omitempty"`
	Substrate  string  `json:"substrate,omitempty"`
	Condition  string  `json:"condition,omitempty"`
	Depth      string  `json:"depth,omitempty"`
	Priority   string  `json:"priority"`
	Rationale  string  `json:"rationale,omitempty"`
	Indication string  `json:"indication"`
	Bounds     *Bounds `json:"bounds,omitempty"`
}

// CaseAnalysis is the validated, corrected result of one case inference.
// PrimaryTooth always references a finding present in Findings, or is empty
// when Findings is empty.
type CaseAnalysis struct {
	Detected     bool      `json:"detected"`
	Confidence   float64   `json:"confidence"`
	Findings     []Finding `json:"findings"`
	PrimaryTooth string    `json:"primaryTooth,omitempty"`
	Indication   string    `json:"indication"`
	Observations []string  `json:"observations"`
	Warnings     []string  `json:"warnings"`
}

// Case represents one smile-analysis job.
type Case struct {
	ID             string             `json:"id"`
	UserID         string             `json:"userId"`
	ImageKey       string             `json:"imageKey"`
	SourceCaseID   string             `json:"sourceCaseId,omitempty"`
	ImageKind      string             `json:"imageKind"`
	Mode           string             `json:"mode"`
	Status         string             `json:"status"`
	Provider       string             `json:"provider,omitempty"`
	Model          string             `json:"model,omitempty"`
	Analysis       *CaseAnalysis      `json:"analysis,omitempty"`
	AnalysisRaw    json.RawMessage    `json:"-"`
	Protocol       *protocol.Protocol `json:"protocol,omitempty"`
	SimulationKey  string             `json:"simulationKey,omitempty"`
	ErrorCode      string             `json:"errorCode,omitempty"`
	ErrorMessage   string             `json:"errorMessage,omitempty"`
	Retryable      bool               `json:"retryable,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
	StartedAt      *time.Time         `json:"startedAt,omitempty"`
	CompletedAt    *time.Time         `json:"completedAt,omitempty"`
	IdempotencyKey string             `json:"-"`
}

// priorityRank orders priorities for sorting; unknown values sink.
func priorityRank(priority string) int {
	switch priority {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// depthRank orders depth tiers for escalation comparisons.
func depthRank(depth string) int {
	switch depth {
	case DepthSuperficial:
		return 0
	case DepthMedium:
		return 1
	case DepthDeep:
		return 2
	default:
		return -1
	}
}
