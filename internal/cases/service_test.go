package cases

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"smile-backend/internal/imagecheck"
	"smile-backend/internal/llm"
	"smile-backend/internal/protocol"
	"smile-backend/internal/usage"
)

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}}
}

func (s *fakeStore) Save(ctx context.Context, userID, fileName string, r io.Reader) (string, int64, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, "", err
	}
	key := userID + "/" + fileName
	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()
	return key, int64(len(data)), "application/octet-stream", nil
}

func (s *fakeStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	data, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return nil, errors.New("object not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type fakeEditor struct {
	data []byte
	err  error
}

func (e *fakeEditor) Name() string { return "editor" }

func (e *fakeEditor) EditImage(ctx context.Context, req llm.EditRequest) (llm.EditResult, error) {
	if e.err != nil {
		return llm.EditResult{}, e.err
	}
	return llm.EditResult{Data: e.data, MediaType: "image/png"}, nil
}

const protocolJSON = `{
	"layers": [
		{"order": 1, "name": "Opaque base", "productLine": "Vittra APS", "shade": "OA2", "thicknessMm": 0.3},
		{"order": 2, "name": "Dentin body", "productLine": "Vittra APS", "shade": "A2", "thicknessMm": 1.5},
		{"order": 3, "name": "Final enamel", "productLine": "Vittra APS", "shade": "E-A2", "thicknessMm": 0.5}
	],
	"checklist": ["Apply OA2", "Build A2 body", "Finish with E-A2"],
	"alerts": []
}`

func serviceCatalog() protocol.CatalogRepo {
	return &protocol.MemoryCatalogRepo{Rows: []protocol.CatalogEntry{
		{ProductLine: "Vittra APS", Shade: "OA2", LayerType: protocol.LayerTypeOpaque},
		{ProductLine: "Vittra APS", Shade: "A2", LayerType: protocol.LayerTypeBody},
		{ProductLine: "Vittra APS", Shade: "E-A2", LayerType: protocol.LayerTypeEnamel},
		{ProductLine: "Z350 XT", Shade: "A2B", LayerType: protocol.LayerTypeBody},
	}}
}

// jpegMagic keeps http.DetectContentType away from text/plain.
var jpegMagic = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 0x4A, 0x46, 0x49, 0x46}

func newTestService(providers []Provider) (*Service, *MemoryRepo, *usage.Service, *fakeStore) {
	repo := NewMemoryRepo()
	usageSvc := usage.NewService()
	store := newFakeStore()
	svc := &Service{
		Repo:        repo,
		Usage:       usageSvc,
		Store:       store,
		Catalog:     serviceCatalog(),
		Providers:   providers,
		Prompts:     llm.NewPromptRegistry(DefaultPrompts()...),
		SafetyNet:   DefaultSafetyNet(),
		ChainBudget: 30 * time.Second,
	}
	return svc, repo, usageSvc, store
}

func waitTerminal(t *testing.T, repo Repo, caseID string) Case {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c, err := repo.GetByID(context.Background(), caseID)
		if err == nil && (c.Status == StatusCompleted || c.Status == StatusFailed) {
			return c
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("case %s never reached a terminal status", caseID)
	return Case{}
}

func TestCreateAnalysisCompletesAndCharges(t *testing.T) {
	provider := &scriptedClient{name: "openai", steps: []scriptedStep{
		{result: toolResult(validToolArgs)},
	}}
	svc, repo, usageSvc, _ := newTestService([]Provider{{Client: provider, Model: "gpt-4o"}})

	created, isNew, err := svc.Create(context.Background(), CreateInput{
		UserID:    "u1",
		Mode:      ModeAnalysis,
		ImageData: jpegMagic,
		ImageName: "smile.jpg",
	})
	if err != nil || !isNew {
		t.Fatalf("Create: new=%v err=%v", isNew, err)
	}

	done := waitTerminal(t, repo, created.ID)
	if done.Status != StatusCompleted {
		t.Fatalf("status = %q (%s: %s)", done.Status, done.ErrorCode, done.ErrorMessage)
	}
	if done.Analysis == nil || done.Analysis.PrimaryTooth != "11" {
		t.Fatalf("analysis missing or wrong: %+v", done.Analysis)
	}
	if done.Provider != "openai" {
		t.Errorf("provider = %q, want openai", done.Provider)
	}

	u, err := usageSvc.Get(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if u.Used != 1 {
		t.Fatalf("used = %d, want 1 (charged, not refunded)", u.Used)
	}
}

func TestCreateRefundsOnExhaustedChain(t *testing.T) {
	provider := &scriptedClient{name: "openai", steps: []scriptedStep{
		{err: &llm.TransientError{Provider: "openai", HTTPStatus: 503, Retryable: true, Err: errors.New("down")}},
	}}
	svc, repo, usageSvc, _ := newTestService([]Provider{{Client: provider, Model: "gpt-4o"}})

	created, _, err := svc.Create(context.Background(), CreateInput{
		UserID:    "u1",
		Mode:      ModeAnalysis,
		ImageData: jpegMagic,
	})
	if err != nil {
		t.Fatal(err)
	}

	done := waitTerminal(t, repo, created.ID)
	if done.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", done.Status)
	}
	if done.ErrorCode != ErrorCodeExhausted {
		t.Fatalf("errorCode = %q, want %q", done.ErrorCode, ErrorCodeExhausted)
	}
	if !done.Retryable {
		t.Error("exhausted chain should be retryable")
	}

	u, err := usageSvc.Get(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if u.Used != 0 {
		t.Fatalf("used = %d, want 0 (terminal failure refunds the credit)", u.Used)
	}
}

// flakyLookupRepo fails a fixed number of GetByID calls before delegating.
type flakyLookupRepo struct {
	*MemoryRepo
	mu       sync.Mutex
	failures int
}

func (r *flakyLookupRepo) GetByID(ctx context.Context, caseID string) (Case, error) {
	r.mu.Lock()
	fail := r.failures > 0
	if fail {
		r.failures--
	}
	r.mu.Unlock()
	if fail {
		return Case{}, errors.New("connection reset")
	}
	return r.MemoryRepo.GetByID(ctx, caseID)
}

func TestLookupFailureMidPipelineRefunds(t *testing.T) {
	provider := &scriptedClient{name: "openai", steps: []scriptedStep{
		{result: toolResult(validToolArgs)},
	}}
	svc, inner, usageSvc, _ := newTestService([]Provider{{Client: provider, Model: "gpt-4o"}})
	svc.Repo = &flakyLookupRepo{MemoryRepo: inner, failures: 1}

	created, _, err := svc.Create(context.Background(), CreateInput{
		UserID:    "u1",
		Mode:      ModeAnalysis,
		ImageData: jpegMagic,
	})
	if err != nil {
		t.Fatal(err)
	}

	done := waitTerminal(t, inner, created.ID)
	if done.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", done.Status)
	}

	u, err := usageSvc.Get(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if u.Used != 0 {
		t.Fatalf("used = %d, want 0 (failure before the case loaded must still refund)", u.Used)
	}
}

func TestCreateProtocolModeCorrectsAgainstCatalog(t *testing.T) {
	provider := &scriptedClient{name: "openai", steps: []scriptedStep{
		{result: toolResult(validToolArgs)},
	}}
	protocolProvider := &scriptedClient{name: "openai", steps: []scriptedStep{
		{result: llm.Result{Text: protocolJSON}},
	}}
	svc, repo, _, _ := newTestService([]Provider{{Client: provider, Model: "gpt-4o"}})
	svc.Protocol = Provider{Client: protocolProvider, Model: "gpt-4o"}

	created, _, err := svc.Create(context.Background(), CreateInput{
		UserID:    "u1",
		Mode:      ModeProtocol,
		ImageData: jpegMagic,
	})
	if err != nil {
		t.Fatal(err)
	}

	done := waitTerminal(t, repo, created.ID)
	if done.Status != StatusCompleted {
		t.Fatalf("status = %q (%s: %s)", done.Status, done.ErrorCode, done.ErrorMessage)
	}
	if done.Protocol == nil || len(done.Protocol.Layers) != 3 {
		t.Fatalf("protocol missing or wrong: %+v", done.Protocol)
	}
}

func TestSimulationRejectionFailsClosedAndRefunds(t *testing.T) {
	provider := &scriptedClient{name: "openai", steps: []scriptedStep{
		{result: toolResult(validToolArgs)},
	}}
	protocolProvider := &scriptedClient{name: "openai", steps: []scriptedStep{
		{result: llm.Result{Text: protocolJSON}},
	}}
	svc, repo, usageSvc, store := newTestService([]Provider{{Client: provider, Model: "gpt-4o"}})
	svc.Protocol = Provider{Client: protocolProvider, Model: "gpt-4o"}
	svc.Editor = &fakeEditor{data: []byte{0x89, 0x50, 0x4E, 0x47}}
	svc.Verdict = imagecheck.NewValidator(&scriptedClient{name: "verdict", steps: []scriptedStep{
		{result: llm.Result{Text: "NO"}},
	}}, "verdict-model", time.Second)

	created, _, err := svc.Create(context.Background(), CreateInput{
		UserID:    "u1",
		Mode:      ModeSimulation,
		ImageData: jpegMagic,
	})
	if err != nil {
		t.Fatal(err)
	}

	done := waitTerminal(t, repo, created.ID)
	if done.Status != StatusFailed || done.ErrorCode != ErrorCodeImageRejected {
		t.Fatalf("status=%q code=%q, want failed/%s", done.Status, done.ErrorCode, ErrorCodeImageRejected)
	}
	if done.SimulationKey != "" {
		t.Error("rejected simulation must not be referenced")
	}
	store.mu.Lock()
	for key := range store.objects {
		if len(key) > len("u1/simulation-") && key[:len("u1/simulation-")] == "u1/simulation-" {
			t.Errorf("rejected image reached storage: %s", key)
		}
	}
	store.mu.Unlock()

	u, _ := usageSvc.Get(context.Background(), "u1")
	if u.Used != 0 {
		t.Fatalf("used = %d, want 0 after refund", u.Used)
	}
}

func TestSimulationAcceptedStoresImage(t *testing.T) {
	provider := &scriptedClient{name: "openai", steps: []scriptedStep{
		{result: toolResult(validToolArgs)},
	}}
	protocolProvider := &scriptedClient{name: "openai", steps: []scriptedStep{
		{result: llm.Result{Text: protocolJSON}},
	}}
	svc, repo, _, _ := newTestService([]Provider{{Client: provider, Model: "gpt-4o"}})
	svc.Protocol = Provider{Client: protocolProvider, Model: "gpt-4o"}
	svc.Editor = &fakeEditor{data: []byte{0x89, 0x50, 0x4E, 0x47}}
	svc.Verdict = imagecheck.NewValidator(&scriptedClient{name: "verdict", steps: []scriptedStep{
		{result: llm.Result{Text: "YES"}},
	}}, "verdict-model", time.Second)

	created, _, err := svc.Create(context.Background(), CreateInput{
		UserID:    "u1",
		Mode:      ModeSimulation,
		ImageData: jpegMagic,
	})
	if err != nil {
		t.Fatal(err)
	}

	done := waitTerminal(t, repo, created.ID)
	if done.Status != StatusCompleted {
		t.Fatalf("status = %q (%s: %s)", done.Status, done.ErrorCode, done.ErrorMessage)
	}
	if done.SimulationKey == "" {
		t.Fatal("accepted simulation must be stored and referenced")
	}
}

func TestProtocolOnlyReusesAnalysisWithoutCharge(t *testing.T) {
	provider := &scriptedClient{name: "openai", steps: []scriptedStep{
		{result: toolResult(validToolArgs)},
	}}
	protocolProvider := &scriptedClient{name: "openai", steps: []scriptedStep{
		{result: llm.Result{Text: protocolJSON}},
	}}
	svc, repo, usageSvc, _ := newTestService([]Provider{{Client: provider, Model: "gpt-4o"}})
	svc.Protocol = Provider{Client: protocolProvider, Model: "gpt-4o"}

	first, _, err := svc.Create(context.Background(), CreateInput{
		UserID:    "u1",
		Mode:      ModeAnalysis,
		ImageData: jpegMagic,
	})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, repo, first.ID)

	second, _, err := svc.Create(context.Background(), CreateInput{
		UserID:       "u1",
		Mode:         ModeProtocolOnly,
		SourceCaseID: first.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	done := waitTerminal(t, repo, second.ID)
	if done.Status != StatusCompleted {
		t.Fatalf("status = %q (%s: %s)", done.Status, done.ErrorCode, done.ErrorMessage)
	}
	if done.Protocol == nil {
		t.Fatal("protocol_only case must carry a protocol")
	}
	if done.Analysis == nil || done.Analysis.PrimaryTooth != "11" {
		t.Fatalf("source analysis not carried over: %+v", done.Analysis)
	}

	u, _ := usageSvc.Get(context.Background(), "u1")
	if u.Used != 1 {
		t.Fatalf("used = %d, want 1 (protocol_only is free)", u.Used)
	}
}

func TestProtocolOnlyRequiresCompletedAnalysis(t *testing.T) {
	svc, repo, _, _ := newTestService(nil)
	if err := repo.Create(context.Background(), Case{
		ID: "c1", UserID: "u1", Mode: ModeAnalysis, Status: StatusFailed, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	_, _, err := svc.Create(context.Background(), CreateInput{
		UserID:       "u1",
		Mode:         ModeProtocolOnly,
		SourceCaseID: "c1",
	})
	if !errors.Is(err, ErrNoAnalysis) {
		t.Fatalf("err = %v, want ErrNoAnalysis", err)
	}
}

func TestCreateIdempotencyKeyReturnsExistingCase(t *testing.T) {
	provider := &scriptedClient{name: "openai", steps: []scriptedStep{
		{result: toolResult(validToolArgs)},
		{result: toolResult(validToolArgs)},
	}}
	svc, repo, usageSvc, _ := newTestService([]Provider{{Client: provider, Model: "gpt-4o"}})

	first, isNew, err := svc.Create(context.Background(), CreateInput{
		UserID:         "u1",
		Mode:           ModeAnalysis,
		ImageData:      jpegMagic,
		IdempotencyKey: "req-42",
	})
	if err != nil || !isNew {
		t.Fatalf("first create: new=%v err=%v", isNew, err)
	}
	waitTerminal(t, repo, first.ID)

	second, isNew, err := svc.Create(context.Background(), CreateInput{
		UserID:         "u1",
		Mode:           ModeAnalysis,
		ImageData:      jpegMagic,
		IdempotencyKey: "req-42",
	})
	if err != nil {
		t.Fatal(err)
	}
	if isNew || second.ID != first.ID {
		t.Fatalf("replay created a new case: new=%v id=%s want %s", isNew, second.ID, first.ID)
	}

	u, _ := usageSvc.Get(context.Background(), "u1")
	if u.Used != 1 {
		t.Fatalf("used = %d, want 1 (replay must not double charge)", u.Used)
	}
}

func TestCreateRejectsOverLimit(t *testing.T) {
	provider := &scriptedClient{name: "openai", steps: []scriptedStep{
		{result: toolResult(validToolArgs)},
	}}
	svc, _, usageSvc, _ := newTestService([]Provider{{Client: provider, Model: "gpt-4o"}})

	ctx := context.Background()
	limit := 20
	for i := 0; i < limit; i++ {
		key := usage.LedgerKey{Operation: "seed", IdempotencyKey: string(rune('a' + i))}
		if _, _, err := usageSvc.Consume(ctx, "u1", key, 1); err != nil {
			t.Fatal(err)
		}
	}

	_, _, err := svc.Create(ctx, CreateInput{
		UserID:    "u1",
		Mode:      ModeAnalysis,
		ImageData: jpegMagic,
	})
	if !errors.Is(err, usage.ErrLimitReached) {
		t.Fatalf("err = %v, want ErrLimitReached", err)
	}
}
