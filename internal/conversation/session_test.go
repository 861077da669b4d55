package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/course-advisor/backend/internal/catalog"
	"github.com/course-advisor/backend/internal/evaluation"
	"github.com/course-advisor/backend/internal/filter"
	"github.com/course-advisor/backend/internal/llm"
	"github.com/course-advisor/backend/internal/metrics"
	"github.com/course-advisor/backend/internal/ranking"
	"github.com/course-advisor/backend/internal/storage/models"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	vecs  map[string][]float32
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if v, ok := f.vecs[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func (f *fakeEmbedder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type modelCall func(ctx context.Context, req llm.ChatRequest, onDelta func(string)) (*llm.ChatResponse, error)

// fakeModel plays back scripted calls in order and records every request.
type fakeModel struct {
	script   []modelCall
	requests []llm.ChatRequest
}

func (f *fakeModel) StreamChat(ctx context.Context, req llm.ChatRequest, onDelta func(string)) (*llm.ChatResponse, error) {
	f.requests = append(f.requests, req)
	if len(f.script) == 0 {
		return reply("vastus", nil)(ctx, req, onDelta)
	}
	call := f.script[0]
	f.script = f.script[1:]
	return call(ctx, req, onDelta)
}

func (f *fakeModel) Model() string { return "fake-model" }

func (f *fakeModel) lastInstruction(t *testing.T) string {
	t.Helper()
	require.NotEmpty(t, f.requests)
	msgs := f.requests[len(f.requests)-1].Messages
	require.NotEmpty(t, msgs)
	require.Equal(t, llm.RoleSystem, msgs[0].Role)
	return msgs[0].Content
}

func reply(text string, usage *llm.Usage) modelCall {
	return func(_ context.Context, _ llm.ChatRequest, onDelta func(string)) (*llm.ChatResponse, error) {
		if onDelta != nil {
			onDelta(text)
		}
		return &llm.ChatResponse{Content: text, Usage: usage}, nil
	}
}

func fail(err error) modelCall {
	return func(_ context.Context, _ llm.ChatRequest, onDelta func(string)) (*llm.ChatResponse, error) {
		if onDelta != nil {
			onDelta("pool")
		}
		return nil, err
	}
}

type fakeRecorder struct {
	retrievals []*models.RetrievalRecord
	turns      []*models.TurnRecord
}

func (r *fakeRecorder) InsertRetrieval(_ context.Context, rec *models.RetrievalRecord) error {
	r.retrievals = append(r.retrievals, rec)
	return nil
}

func (r *fakeRecorder) InsertTurn(_ context.Context, rec *models.TurnRecord) error {
	r.turns = append(r.turns, rec)
	return nil
}

func eap(v float64) *float64 { return &v }

type fixture struct {
	session  *Session
	model    *fakeModel
	embedder *fakeEmbedder
	recorder *fakeRecorder
}

func newFixture(t *testing.T, topN int, script ...modelCall) *fixture {
	t.Helper()

	courses := []catalog.Course{
		{ID: "HIST", NameET: "Ajalugu", NameEN: "History", Credits: eap(6), Semester: "sügis", Language: "eesti keel"},
		{ID: "ML", NameET: "Masinõpe", NameEN: "Machine Learning", Credits: eap(6), Semester: "kevad", Language: "eesti keel"},
		{ID: "DM", NameET: "Andmekaeve", NameEN: "Data Mining", Credits: eap(3), Semester: "kevad", Language: "eesti keel"},
	}
	embeddings := []catalog.Embedding{
		{CourseID: "HIST", Vector: []float32{0, 0, 1}},
		{CourseID: "ML", Vector: []float32{1, 0, 0}},
		{CourseID: "DM", Vector: []float32{0.8, 0.6, 0}},
	}
	cat, err := catalog.New(courses, embeddings)
	require.NoError(t, err)

	emb := &fakeEmbedder{vecs: map[string][]float32{
		"machine learning": {1, 0, 0},
		"ajalugu":          {0, 0, 1},
	}}
	model := &fakeModel{script: script}
	rec := &fakeRecorder{}

	p := &Pipeline{
		Catalog:  catalog.NewHandle(func(context.Context) (*catalog.Catalog, error) { return cat, nil }),
		Filters:  filter.NewEngine(filter.CreditRange{}),
		Ranker:   ranking.NewRanker(emb),
		Model:    model,
		TopN:     topN,
		Pricing:  DefaultPricing(),
		Recorder: rec,
	}

	return &fixture{session: NewSession("s1", p), model: model, embedder: emb, recorder: rec}
}

func submit(f *fixture, query string, spec filter.Spec) (*Reply, error) {
	return f.session.Submit(context.Background(), Request{Query: query, Filters: spec, APIKey: "key"}, nil)
}

func TestSubmit_FirstTurnGroundsTopN(t *testing.T) {
	f := newFixture(t, 2, reply("Soovitan Masinõpet.", &llm.Usage{PromptTokens: 100, CompletionTokens: 20}))

	assert.Equal(t, StateEmpty, f.session.State())

	var streamed []string
	r, err := f.session.Submit(context.Background(),
		Request{Query: "machine learning", APIKey: "key"},
		func(d string) { streamed = append(streamed, d) })
	require.NoError(t, err)

	assert.Equal(t, OutcomeAnswer, r.Outcome)
	assert.Equal(t, "Soovitan Masinõpet.", r.Text)
	assert.Equal(t, []string{"Soovitan Masinõpet."}, streamed)
	assert.True(t, r.Retrieved)
	assert.Equal(t, 3, r.FilteredCount)
	assert.Equal(t, 3, r.TotalCount)
	require.Len(t, r.Courses, 2)
	assert.Equal(t, "ML", r.Courses[0].ID)
	assert.Equal(t, "DM", r.Courses[1].ID)
	assert.Equal(t, StateGrounded, r.State)

	instr := f.model.lastInstruction(t)
	assert.Contains(t, instr, "AINULT neid 2 kursust:\n- Masinõpe\n- Andmekaeve\n")
	assert.Contains(t, instr, "Rakendatud filtrid: "+filter.NoFilters)
	assert.NotContains(t, instr, "Ajalugu")

	req := f.model.requests[0]
	assert.Equal(t, "key", req.APIKey)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "machine learning"}, req.Messages[1])

	snap := f.session.Snapshot()
	assert.Equal(t, StateGrounded, snap.State)
	assert.Len(t, snap.Messages, 2)
	assert.Equal(t, 100, snap.Totals.InputTokens)
	assert.Equal(t, 20, snap.Totals.OutputTokens)
	assert.InDelta(t, 120.0/1e6*0.10, snap.Totals.CostUSD, 1e-12)

	require.Len(t, f.recorder.retrievals, 1)
	assert.Equal(t, []string{"ML", "DM"}, f.recorder.retrievals[0].CourseIDs)
	assert.Equal(t, "answer", f.recorder.retrievals[0].Outcome)
	require.Len(t, f.recorder.turns, 1)
	assert.False(t, f.recorder.turns[0].Grounded)
}

func TestSubmit_NoMatchesSkipsRankingAndModel(t *testing.T) {
	f := newFixture(t, 3)

	r, err := submit(f, "machine learning", filter.Spec{Language: "inglise keel"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeNoMatches, r.Outcome)
	assert.Equal(t, MsgNoMatches, r.Text)
	assert.Equal(t, 0, r.FilteredCount)
	assert.Equal(t, 3, r.TotalCount)
	assert.Equal(t, 0, f.embedder.Calls())
	assert.Empty(t, f.model.requests)

	snap := f.session.Snapshot()
	assert.Equal(t, StateAwaitingRetrieval, snap.State)
	assert.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: "machine learning"},
		{Role: llm.RoleAssistant, Content: MsgNoMatches},
	}, snap.Messages)

	// The next turn retries retrieval with the new filters.
	r, err = submit(f, "machine learning", filter.Spec{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAnswer, r.Outcome)
	assert.Equal(t, StateGrounded, f.session.State())
	assert.Equal(t, 1, f.embedder.Calls())
}

func TestSubmit_DefaultTopN(t *testing.T) {
	f := newFixture(t, 0)
	r, err := submit(f, "machine learning", filter.Spec{})
	require.NoError(t, err)
	assert.Len(t, r.Courses, DefaultTopN)
}

func TestSubmit_ModelFailureKeepsUserTurn(t *testing.T) {
	f := newFixture(t, 2,
		fail(errors.New("connection reset")),
		reply("Nüüd toimib.", nil),
	)

	_, err := submit(f, "machine learning", filter.Spec{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelCall)
	assert.Contains(t, UserMessage(err), "Viga:")

	snap := f.session.Snapshot()
	assert.Equal(t, StateAwaitingRetrieval, snap.State)
	assert.Equal(t, []llm.Message{{Role: llm.RoleUser, Content: "machine learning"}}, snap.Messages)
	assert.Equal(t, Totals{}, snap.Totals)
	assert.Empty(t, f.session.Instruction())

	r, err := submit(f, "machine learning", filter.Spec{})
	require.NoError(t, err)
	assert.Equal(t, "Nüüd toimib.", r.Text)

	snap = f.session.Snapshot()
	assert.Equal(t, StateGrounded, snap.State)
	require.Len(t, snap.Messages, 3)
	assistant := 0
	for _, m := range snap.Messages {
		if m.Role == llm.RoleAssistant {
			assistant++
		}
	}
	assert.Equal(t, 1, assistant)
}

func TestSubmit_GroundedInstructionIgnoresNewFilters(t *testing.T) {
	f := newFixture(t, 2)

	_, err := submit(f, "machine learning", filter.Spec{Semester: "kevad"})
	require.NoError(t, err)
	first := f.model.lastInstruction(t)
	assert.Equal(t, first, f.session.Instruction())

	_, err = submit(f, "aga ajalugu?", filter.Spec{Semester: "sügis", Language: "inglise keel"})
	require.NoError(t, err)

	assert.Equal(t, first, f.model.lastInstruction(t))
	assert.Equal(t, 1, f.embedder.Calls())

	msgs := f.model.requests[1].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, llm.RoleAssistant, msgs[2].Role)
	assert.Equal(t, "aga ajalugu?", msgs[3].Content)
	require.Len(t, f.recorder.turns, 2)
	assert.True(t, f.recorder.turns[1].Grounded)
}

func TestSubmit_MissingUsageLeavesCountersUnchanged(t *testing.T) {
	f := newFixture(t, 2,
		reply("üks", &llm.Usage{PromptTokens: 10, CompletionTokens: 5}),
		reply("kaks", nil),
	)

	_, err := submit(f, "machine learning", filter.Spec{})
	require.NoError(t, err)
	r, err := submit(f, "veel", filter.Spec{})
	require.NoError(t, err)

	assert.Nil(t, r.Usage)
	assert.Equal(t, 10, r.Totals.InputTokens)
	assert.Equal(t, 5, r.Totals.OutputTokens)
	assert.Equal(t, 1, r.Totals.ReportedTurns)
	assert.Equal(t, 1, r.Totals.UnreportedTurns)
}

func TestSubmit_MissingKeyOrQuery(t *testing.T) {
	f := newFixture(t, 2)

	_, err := f.session.Submit(context.Background(), Request{Query: "machine learning"}, nil)
	assert.ErrorIs(t, err, ErrMissingAPIKey)
	assert.Equal(t, MsgMissingAPIKey, UserMessage(err))

	_, err = f.session.Submit(context.Background(), Request{Query: "   ", APIKey: "key"}, nil)
	assert.ErrorIs(t, err, ErrEmptyQuery)

	assert.Equal(t, StateEmpty, f.session.State())
	assert.Empty(t, f.session.Snapshot().Messages)
	assert.Empty(t, f.model.requests)
}

func TestSubmit_CancelledTurnLeavesNoTrace(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, 2,
		reply("esimene", &llm.Usage{PromptTokens: 1, CompletionTokens: 1}),
		func(ctx context.Context, _ llm.ChatRequest, onDelta func(string)) (*llm.ChatResponse, error) {
			onDelta("poolik vas")
			cancel()
			return nil, ctx.Err()
		},
	)

	_, err := submit(f, "machine learning", filter.Spec{})
	require.NoError(t, err)
	before := f.session.Snapshot()

	_, err = f.session.Submit(ctx, Request{Query: "jätka", APIKey: "key"}, func(string) {})
	assert.ErrorIs(t, err, context.Canceled)

	after := f.session.Snapshot()
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.Messages, after.Messages)
	assert.Equal(t, before.Totals, after.Totals)
}

func TestSubmit_CancelledFirstTurnReturnsToEmpty(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, 2, func(ctx context.Context, _ llm.ChatRequest, _ func(string)) (*llm.ChatResponse, error) {
		cancel()
		return nil, ctx.Err()
	})

	_, err := f.session.Submit(ctx, Request{Query: "machine learning", APIKey: "key"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateEmpty, f.session.State())
	assert.Empty(t, f.session.Snapshot().Messages)
}

func TestReset_ClearsGroundedSession(t *testing.T) {
	f := newFixture(t, 2, reply("vastus", &llm.Usage{PromptTokens: 50, CompletionTokens: 10}))

	_, err := submit(f, "machine learning", filter.Spec{})
	require.NoError(t, err)
	require.Equal(t, StateGrounded, f.session.State())

	f.session.Reset()

	snap := f.session.Snapshot()
	assert.Equal(t, StateEmpty, snap.State)
	assert.Empty(t, snap.Messages)
	assert.Empty(t, snap.Courses)
	assert.Equal(t, Totals{}, snap.Totals)
	assert.Empty(t, f.session.Instruction())

	_, err = submit(f, "ajalugu", filter.Spec{})
	require.NoError(t, err)
	assert.Equal(t, 2, f.embedder.Calls())
	assert.Contains(t, f.model.lastInstruction(t), "- Ajalugu\n")
}

func TestFreeze_OnlyOnce(t *testing.T) {
	f := newFixture(t, 2)
	s := f.session

	s.phase = awaitingPhase{}
	require.NoError(t, s.freeze(groundedPhase{instruction: "a"}))
	assert.ErrorIs(t, s.freeze(groundedPhase{instruction: "b"}), ErrAlreadyGrounded)
	assert.Equal(t, "a", s.Instruction())

	s.phase = emptyPhase{}
	assert.ErrorIs(t, s.freeze(groundedPhase{}), ErrAlreadyGrounded)
}

func TestSubmit_BusySession(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, 2, func(_ context.Context, _ llm.ChatRequest, _ func(string)) (*llm.ChatResponse, error) {
		close(started)
		<-release
		return &llm.ChatResponse{Content: "ok"}, nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := submit(f, "machine learning", filter.Spec{})
		done <- err
	}()

	<-started
	_, err := submit(f, "teine", filter.Spec{})
	assert.ErrorIs(t, err, ErrSessionBusy)

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("first turn did not finish")
	}
}

func TestSubmit_RankingFailureIsRetrievalError(t *testing.T) {
	f := newFixture(t, 2)
	f.session.pipeline.Ranker = ranking.NewRanker(errEmbedder{})

	_, err := submit(f, "machine learning", filter.Spec{})
	assert.ErrorIs(t, err, ErrRetrieval)
	assert.Equal(t, StateAwaitingRetrieval, f.session.State())
	assert.Empty(t, f.model.requests)
}

type errEmbedder struct{}

func (errEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedding service down")
}

func TestSubmit_AuditsOffListMentions(t *testing.T) {
	f := newFixture(t, 2,
		reply("Soovitan Masinõpe ja Andmekaeve.", nil),
		reply("Vaata ka kursust Ajalugu.", nil),
	)
	cat, err := f.session.pipeline.Catalog.Get(context.Background())
	require.NoError(t, err)
	f.session.pipeline.Auditor = evaluation.NewAuditor(cat.Courses())

	before := testutil.ToFloat64(metrics.OffListMentions)

	_, err = submit(f, "machine learning", filter.Spec{})
	require.NoError(t, err)
	assert.Equal(t, before, testutil.ToFloat64(metrics.OffListMentions))

	r, err := submit(f, "midagi veel?", filter.Spec{})
	require.NoError(t, err)
	assert.Equal(t, "Vaata ka kursust Ajalugu.", r.Text)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.OffListMentions))
}

func TestFlatPricing(t *testing.T) {
	p := DefaultPricing()
	assert.InDelta(t, 0.20, p.Cost(llm.Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000}), 1e-12)
	assert.Equal(t, 0.0, p.Cost(llm.Usage{}))
}
