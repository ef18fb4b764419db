package cases

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"smile-backend/internal/imagecheck"
	"smile-backend/internal/llm"
	"smile-backend/internal/protocol"
	"smile-backend/internal/queue"
	"smile-backend/internal/shared/metrics"
	"smile-backend/internal/shared/storage/object"
	"smile-backend/internal/shared/telemetry"
	"smile-backend/internal/usage"
)

// ErrImageRejected means the simulated image failed the anatomical
// acceptance check and was discarded.
var ErrImageRejected = errors.New("simulated image rejected")

// defaultChainBudget bounds the whole analysis fallback chain.
const defaultChainBudget = 90 * time.Second

// Service contains business logic for cases.
type Service struct {
	Repo        Repo
	Usage       *usage.Service
	Store       object.ObjectStore
	Catalog     protocol.CatalogRepo
	Providers   []Provider
	Protocol    Provider
	Editor      llm.ImageEditor
	EditorModel string
	Verdict     *imagecheck.Validator
	Queue       queue.Client
	Prompts     *llm.PromptRegistry
	SafetyNet   SafetyNet
	ChainBudget time.Duration
}

// CreateInput carries everything needed to open a case.
type CreateInput struct {
	UserID         string
	Mode           string
	ImageData      []byte
	ImageName      string
	ImageKind      string
	SourceCaseID   string
	IdempotencyKey string
}

func validMode(mode string) bool {
	switch mode {
	case ModeAnalysis, ModeProtocol, ModeSimulation, ModeProtocolOnly:
		return true
	}
	return false
}

// creditCost returns how many credits a mode consumes. Re-deriving a
// protocol from an already-paid analysis is free.
func creditCost(mode string) int {
	if mode == ModeProtocolOnly {
		return 0
	}
	return 1
}

// Create opens a new case, charges the credit, and kicks off asynchronous
// completion. The bool reports whether a new case was actually created; an
// idempotent replay returns the existing case with false.
func (s *Service) Create(ctx context.Context, input CreateInput) (Case, bool, error) {
	if input.UserID == "" {
		return Case{}, false, errors.New("userID is required")
	}
	if !validMode(input.Mode) {
		return Case{}, false, fmt.Errorf("unknown mode %q", input.Mode)
	}

	if input.IdempotencyKey != "" {
		existing, err := s.Repo.GetByIdempotencyKey(ctx, input.UserID, input.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Case{}, false, err
		}
	}

	c := Case{
		ID:             uuid.NewString(),
		UserID:         input.UserID,
		Mode:           input.Mode,
		ImageKind:      input.ImageKind,
		Status:         StatusQueued,
		IdempotencyKey: input.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}

	if input.Mode == ModeProtocolOnly {
		source, err := s.Repo.GetByID(ctx, input.SourceCaseID)
		if err != nil || source.UserID != input.UserID {
			return Case{}, false, ErrNotFound
		}
		if source.Analysis == nil {
			return Case{}, false, ErrNoAnalysis
		}
		c.SourceCaseID = source.ID
		c.ImageKey = source.ImageKey
		if c.ImageKind == "" {
			c.ImageKind = source.ImageKind
		}
	} else {
		if len(input.ImageData) == 0 {
			return Case{}, false, errors.New("image is required")
		}
		name := input.ImageName
		if name == "" {
			name = "case-" + c.ID + ".jpg"
		}
		key, _, _, err := s.Store.Save(ctx, input.UserID, name, bytes.NewReader(input.ImageData))
		if err != nil {
			return Case{}, false, fmt.Errorf("storage save: %w", err)
		}
		c.ImageKey = key
	}

	if cost := creditCost(c.Mode); cost > 0 && s.Usage != nil {
		if _, _, err := s.Usage.Consume(ctx, c.UserID, ledgerKeyFor(c), cost); err != nil {
			return Case{}, false, err
		}
	}

	if err := s.Repo.Create(ctx, c); err != nil {
		s.refund(context.Background(), c)
		return Case{}, false, err
	}

	s.dispatch(ctx, c.ID)

	return c, true, nil
}

// dispatch hands the case to the configured queue, or to an in-process
// goroutine when no queue is wired. A failed enqueue falls back to the
// goroutine so the case is never stranded in queued.
func (s *Service) dispatch(ctx context.Context, caseID string) {
	if s.Queue != nil {
		msg := queue.Message{
			CaseID:     caseID,
			RequestID:  requestIDFromContext(ctx),
			EnqueuedAt: time.Now().UTC().Format(time.RFC3339),
			Version:    1,
		}
		err := s.Queue.Send(ctx, msg)
		if err == nil {
			return
		}
		telemetry.Error("case.enqueue_failed", map[string]any{
			"case_id": caseID,
			"error":   err.Error(),
		})
	}
	go s.completeAsync(backgroundWithRequestID(ctx), caseID)
}

// Get returns a case by ID, scoped to its owner.
func (s *Service) Get(ctx context.Context, userID, caseID string) (Case, error) {
	if caseID == "" {
		return Case{}, errors.New("caseID is required")
	}
	c, err := s.Repo.GetByID(ctx, caseID)
	if err != nil {
		return Case{}, err
	}
	if c.UserID != userID {
		return Case{}, ErrNotFound
	}
	return c, nil
}

// List returns cases for a user ordered newest-first.
func (s *Service) List(ctx context.Context, userID string, limit, offset int) ([]Case, error) {
	if userID == "" {
		return nil, errors.New("userID is required")
	}
	return s.Repo.ListByUser(ctx, userID, limit, offset)
}

func ledgerKeyFor(c Case) usage.LedgerKey {
	return usage.LedgerKey{Operation: c.Mode, IdempotencyKey: c.ID}
}

func (s *Service) chainBudget() time.Duration {
	if s.ChainBudget > 0 {
		return s.ChainBudget
	}
	return defaultChainBudget
}

func (s *Service) completeAsync(ctx context.Context, caseID string) {
	_ = s.ProcessCase(ctx, caseID)
}

// ProcessCase drives a queued case to a terminal status. The HTTP path runs
// it on a background goroutine; queue consumers call it directly and use the
// returned error to decide redelivery. A terminal failure is recorded before
// the error is returned.
func (s *Service) ProcessCase(ctx context.Context, caseID string) (outErr error) {
	var current Case
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			s.failCase(ctx, current, caseID, err, nil)
			outErr = err
		}
	}()

	startedAt := time.Now().UTC()
	if err := s.Repo.MarkProcessing(ctx, caseID, startedAt); err != nil {
		err = fmt.Errorf("set processing failed: %w", err)
		s.failCase(ctx, current, caseID, err, &startedAt)
		return err
	}
	c, err := s.Repo.GetByID(ctx, caseID)
	if err != nil {
		err = fmt.Errorf("case lookup: %w", err)
		s.failCase(ctx, current, caseID, err, &startedAt)
		return err
	}
	current = c
	metrics.IncCaseStarted()
	telemetry.Info("case.status", map[string]any{
		"request_id":        requestIDFromContext(ctx),
		"user_id":           c.UserID,
		"case_id":           c.ID,
		"mode":              c.Mode,
		"status":            StatusProcessing,
		"status_transition": "queued->processing",
	})

	result := CaseResult{}
	var sourceImage llm.Image

	if c.Mode == ModeProtocolOnly {
		source, err := s.Repo.GetByID(ctx, c.SourceCaseID)
		if err != nil {
			s.failCase(ctx, c, caseID, fmt.Errorf("source case lookup: %w", err), &startedAt)
			return err
		}
		if source.Analysis == nil {
			s.failCase(ctx, c, caseID, ErrNoAnalysis, &startedAt)
			return ErrNoAnalysis
		}
		result.Analysis = source.Analysis
		result.AnalysisRaw = source.AnalysisRaw
		result.Provider = source.Provider
		result.Model = source.Model
	} else {
		sourceImage, err = s.loadImage(ctx, c.ImageKey)
		if err != nil {
			s.failCase(ctx, c, caseID, fmt.Errorf("storage load image: %w", err), &startedAt)
			return err
		}

		prompt, err := s.Prompts.Get(llm.PromptCaseAnalysis)
		if err != nil {
			s.failCase(ctx, c, caseID, err, &startedAt)
			return err
		}
		base := llm.Request{
			System: prompt.System,
			User:   prompt.User,
			Images: []llm.Image{sourceImage},
			Tool:   AnalysisToolDef(),
		}
		chain, err := runAnalysisChain(ctx, s.Providers, base, s.chainBudget())
		if err != nil {
			s.failCase(ctx, c, caseID, err, &startedAt)
			return err
		}
		applied := s.SafetyNet.Apply(chain.Analysis)
		result.Analysis = &applied
		result.AnalysisRaw = chain.Raw
		result.Provider = chain.Provider
		result.Model = chain.Model
	}

	if wantsProtocol(c.Mode) {
		proto, err := s.buildProtocol(ctx, result.Analysis)
		if err != nil {
			s.failCase(ctx, c, caseID, err, &startedAt)
			return err
		}
		result.Protocol = proto
	}

	if c.Mode == ModeSimulation {
		key, err := s.runSimulation(ctx, c, sourceImage)
		if err != nil {
			s.failCase(ctx, c, caseID, err, &startedAt)
			return err
		}
		result.SimulationKey = key
	}

	result.CompletedAt = time.Now().UTC()
	if err := s.Repo.UpdateResult(ctx, caseID, result); err != nil {
		s.failCase(ctx, c, caseID, fmt.Errorf("set case result failed: %w", err), &startedAt)
		return err
	}
	metrics.IncCaseCompleted()
	metrics.ObserveCaseDurationMs(durationMs(&startedAt, &result.CompletedAt))
	telemetry.Info("case.status", map[string]any{
		"request_id":        requestIDFromContext(ctx),
		"user_id":           c.UserID,
		"case_id":           c.ID,
		"mode":              c.Mode,
		"provider":          result.Provider,
		"status":            StatusCompleted,
		"status_transition": "processing->completed",
		"duration_ms":       durationMs(&startedAt, &result.CompletedAt),
	})
	return nil
}

func wantsProtocol(mode string) bool {
	switch mode {
	case ModeProtocol, ModeSimulation, ModeProtocolOnly:
		return true
	}
	return false
}

// buildProtocol runs the protocol-design inference and corrects the result
// against the material catalog.
func (s *Service) buildProtocol(ctx context.Context, analysis *CaseAnalysis) (*protocol.Protocol, error) {
	if analysis == nil {
		return nil, ErrNoAnalysis
	}
	prompt, err := s.Prompts.Get(llm.PromptProtocolDesign)
	if err != nil {
		return nil, err
	}
	findings, err := json.Marshal(analysis.Findings)
	if err != nil {
		return nil, err
	}
	req := llm.Request{
		Model:  s.Protocol.Model,
		System: prompt.System,
		User:   fmt.Sprintf(prompt.User, string(findings)),
	}
	res, err := s.Protocol.Client.Invoke(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("protocol design: %w", err)
	}
	raw, err := extractStructured(res)
	if err != nil {
		return nil, &llm.MalformedOutputError{Provider: s.Protocol.Client.Name(), Reason: err.Error()}
	}
	proto, err := protocol.Parse(raw)
	if err != nil {
		return nil, &llm.MalformedOutputError{Provider: s.Protocol.Client.Name(), Reason: err.Error()}
	}

	catalog, err := protocol.LoadCatalog(ctx, s.Catalog, proto)
	if err != nil {
		return nil, fmt.Errorf("catalog load: %w", err)
	}
	corrector := protocol.NewCorrector(catalog)
	corrector.Correct(proto, caseContextFor(analysis))
	return proto, nil
}

// caseContextFor derives the anatomical context the layer-count policy needs.
// Anterior means the primary tooth is an incisor or canine.
func caseContextFor(analysis *CaseAnalysis) protocol.CaseContext {
	cc := protocol.CaseContext{}
	switch analysis.Indication {
	case IndicationAesthetic, IndicationVeneer, IndicationWhitening:
		cc.Aesthetic = true
	}
	if len(analysis.PrimaryTooth) == 2 {
		switch analysis.PrimaryTooth[1] {
		case '1', '2', '3':
			cc.Anterior = true
		}
	}
	return cc
}

// runSimulation produces the edited preview image, gates it through the
// acceptance check, and stores it. A rejected image never reaches storage.
func (s *Service) runSimulation(ctx context.Context, c Case, original llm.Image) (string, error) {
	if s.Editor == nil {
		return "", errors.New("image editor not configured")
	}
	prompt, err := s.Prompts.Get(llm.PromptSimulationEdit)
	if err != nil {
		return "", err
	}
	edit, err := s.Editor.EditImage(ctx, llm.EditRequest{
		Model:  s.EditorModel,
		Prompt: prompt.User,
		Image:  original,
	})
	if err != nil {
		return "", fmt.Errorf("simulation edit: %w", err)
	}

	if s.Verdict != nil {
		verdict := s.Verdict.Check(ctx, original, llm.Image{Data: edit.Data, MediaType: edit.MediaType})
		if !verdict.Accepted {
			return "", fmt.Errorf("%w: %s", ErrImageRejected, verdict.Reason)
		}
	}

	name := "simulation-" + c.ID + extensionFor(edit.MediaType)
	key, _, _, err := s.Store.Save(ctx, c.UserID, name, bytes.NewReader(edit.Data))
	if err != nil {
		return "", fmt.Errorf("storage save simulation: %w", err)
	}
	return key, nil
}

func extensionFor(mediaType string) string {
	switch mediaType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

func (s *Service) loadImage(ctx context.Context, key string) (llm.Image, error) {
	body, err := s.Store.Open(ctx, key)
	if err != nil {
		return llm.Image{}, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return llm.Image{}, err
	}
	if len(data) == 0 {
		return llm.Image{}, errors.New("empty image object")
	}
	return llm.Image{Data: data, MediaType: http.DetectContentType(data)}, nil
}

func (s *Service) failCase(ctx context.Context, c Case, caseID string, err error, startedAt *time.Time) {
	code, retryable := classifyFailure(err)
	msg := sanitizeError(err)
	completedAt := time.Now().UTC()
	if updateErr := s.Repo.UpdateFailure(context.Background(), caseID, code, msg, retryable, completedAt); updateErr != nil {
		telemetry.Error("case.fail_update", map[string]any{
			"case_id": caseID,
			"error":   updateErr.Error(),
			"cause":   msg,
		})
	}
	if c.ID == "" {
		// Failure before the case was loaded. Recover it so the refund
		// still runs; the charge happened at Create regardless.
		if loaded, lookErr := s.Repo.GetByID(context.Background(), caseID); lookErr == nil {
			c = loaded
		}
	}
	if c.ID != "" {
		s.refund(context.Background(), c)
	}
	metrics.IncCaseFailed()
	if startedAt != nil {
		metrics.ObserveCaseDurationMs(durationMs(startedAt, &completedAt))
	}
	telemetry.Info("case.status", map[string]any{
		"request_id":        requestIDFromContext(ctx),
		"user_id":           c.UserID,
		"case_id":           caseID,
		"mode":              c.Mode,
		"status":            StatusFailed,
		"error_code":        code,
		"retryable":         retryable,
		"status_transition": "processing->failed",
		"duration_ms":       durationMs(startedAt, &completedAt),
	})
}

// refund returns the case's credit after a terminal failure. The ledger
// guarantees at most one refund per case no matter how often this runs.
func (s *Service) refund(ctx context.Context, c Case) {
	if s.Usage == nil || creditCost(c.Mode) == 0 {
		return
	}
	_, refunded, err := s.Usage.Refund(ctx, c.UserID, ledgerKeyFor(c))
	if err != nil {
		telemetry.Error("case.refund_failed", map[string]any{
			"case_id": c.ID,
			"user_id": c.UserID,
			"error":   err.Error(),
		})
		return
	}
	if refunded {
		metrics.IncCaseRefunded()
	}
}

func durationMs(startedAt, completedAt *time.Time) float64 {
	if startedAt == nil || completedAt == nil {
		return 0
	}
	return float64(completedAt.Sub(*startedAt).Microseconds()) / 1000.0
}

func classifyFailure(err error) (string, bool) {
	if err == nil {
		return ErrorCodeInternal, false
	}
	if errors.Is(err, ErrImageRejected) {
		return ErrorCodeImageRejected, false
	}
	if errors.Is(err, ErrNoAnalysis) {
		return ErrorCodeValidation, false
	}
	var exhausted *PipelineExhausted
	if errors.As(err, &exhausted) {
		return ErrorCodeExhausted, true
	}
	var transient *llm.TransientError
	if errors.As(err, &transient) {
		if transient.RateLimited() {
			return ErrorCodeProviderLimit, true
		}
		return ErrorCodeExhausted, transient.Retryable
	}
	var malformed *llm.MalformedOutputError
	if errors.As(err, &malformed) {
		return ErrorCodeSchemaMismatch, false
	}
	var invalid *ValidationFailed
	if errors.As(err, &invalid) {
		return ErrorCodeSchemaMismatch, false
	}
	if errors.Is(err, usage.ErrLimitReached) {
		return ErrorCodeLedger, false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "storage") || strings.Contains(msg, "case lookup") || strings.Contains(msg, "set processing") || strings.Contains(msg, "case result") {
		return ErrorCodeStorage, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCodeExhausted, true
	}
	return ErrorCodeInternal, false
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.TrimSpace(msg)
	const maxLen = 500
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}
