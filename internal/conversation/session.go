package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/course-advisor/backend/internal/catalog"
	"github.com/course-advisor/backend/internal/filter"
	"github.com/course-advisor/backend/internal/grounding"
	"github.com/course-advisor/backend/internal/llm"
	"github.com/course-advisor/backend/internal/metrics"
	"github.com/course-advisor/backend/pkg/logger"
)

var (
	ErrMissingAPIKey   = errors.New("api key is required")
	ErrEmptyQuery      = errors.New("query is empty")
	ErrModelCall       = errors.New("model call failed")
	ErrRetrieval       = errors.New("retrieval failed")
	ErrAlreadyGrounded = errors.New("session is already grounded")
	ErrSessionBusy     = errors.New("session is processing another turn")
)

// User-facing messages.
const (
	MsgMissingAPIKey = "Palun sisesta OpenRouter API võti!"
	MsgNoMatches     = "Antud filtritega ei leidu ühtegi kursust. Proovi muuta filtreid või alusta otsast."
	MsgNoRanked      = "Sobivaid kursuseid ei leitud. Proovi muuta otsingupäringut või filtreid."
)

type Outcome string

const (
	OutcomeAnswer    Outcome = "answer"
	OutcomeNoMatches Outcome = "no_matches"
	OutcomeNoRanked  Outcome = "no_ranked"
)

type Request struct {
	Query   string
	Filters filter.Spec
	APIKey  string
}

type Reply struct {
	Outcome Outcome
	Text    string
	// Retrieved is set when this turn ran a retrieval; the counts are only
	// meaningful then.
	Retrieved     bool
	FilteredCount int
	TotalCount    int
	Courses       []catalog.Course
	Usage         *llm.Usage
	Totals        Totals
	State         State
}

type Snapshot struct {
	ID        string           `json:"id"`
	State     State            `json:"state"`
	Messages  []llm.Message    `json:"messages"`
	Courses   []catalog.Course `json:"courses,omitempty"`
	Filters   string           `json:"filters,omitempty"`
	Totals    Totals           `json:"totals"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Session is one conversation. Its turns are serialised; sessions share
// nothing mutable with each other.
type Session struct {
	id       string
	pipeline *Pipeline

	mu        sync.Mutex
	phase     phase
	messages  []llm.Message
	totals    Totals
	createdAt time.Time
	updatedAt time.Time
}

func NewSession(id string, p *Pipeline) *Session {
	now := time.Now()
	return &Session{
		id:        id,
		pipeline:  p,
		phase:     emptyPhase{},
		createdAt: now,
		updatedAt: now,
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase.state()
}

// Submit runs one turn. onDelta receives the reply text as it streams; the
// session itself changes only once the full reply has arrived. A failed
// model call keeps the user turn. A cancelled ctx undoes the whole turn.
func (s *Session) Submit(ctx context.Context, req Request, onDelta func(string)) (*Reply, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if req.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	if !s.mu.TryLock() {
		return nil, ErrSessionBusy
	}
	defer s.mu.Unlock()

	start := time.Now()
	prevPhase, prevLen := s.phase, len(s.messages)
	rollback := func() {
		s.phase = prevPhase
		s.messages = s.messages[:prevLen]
	}

	s.messages = append(s.messages, llm.Message{Role: llm.RoleUser, Content: query})
	if _, ok := s.phase.(emptyPhase); ok {
		s.phase = awaitingPhase{}
	}

	reply := &Reply{}
	var (
		instruction string
		allowed     []string
		pending     *groundedPhase
	)

	switch ph := s.phase.(type) {
	case awaitingPhase:
		r, err := s.pipeline.retrieve(ctx, s.id, query, req.Filters)
		if err != nil {
			if ctx.Err() != nil {
				rollback()
				return nil, ctx.Err()
			}
			metrics.TurnsTotal.WithLabelValues("retrieval_error").Inc()
			logger.Error("Retrieval failed", zap.String("session_id", s.id), zap.Error(err))
			return nil, fmt.Errorf("%w: %w", ErrRetrieval, err)
		}

		reply.Retrieved = true
		reply.FilteredCount = r.filtered
		reply.TotalCount = r.total

		if r.outcome != OutcomeAnswer {
			text := MsgNoMatches
			if r.outcome == OutcomeNoRanked {
				text = MsgNoRanked
			}
			s.messages = append(s.messages, llm.Message{Role: llm.RoleAssistant, Content: text})
			s.updatedAt = time.Now()

			metrics.TurnsTotal.WithLabelValues(string(r.outcome)).Inc()
			reply.Outcome = r.outcome
			reply.Text = text
			reply.Totals = s.totals
			reply.State = s.phase.state()
			return reply, nil
		}

		pending = &groundedPhase{
			result:      r.result,
			filters:     r.filters,
			instruction: grounding.BuildInstruction(r.result.Detail, r.result.Names, r.filters),
		}
		instruction = pending.instruction
		allowed = r.result.Names
		reply.Courses = r.result.Courses

	case groundedPhase:
		instruction = ph.instruction
		allowed = ph.result.Names
		reply.Courses = ph.result.Courses
	}

	msgs := make([]llm.Message, 0, len(s.messages)+1)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: instruction})
	msgs = append(msgs, s.messages...)

	callStart := time.Now()
	resp, err := s.pipeline.Model.StreamChat(ctx, llm.ChatRequest{APIKey: req.APIKey, Messages: msgs}, onDelta)
	if err != nil {
		if ctx.Err() != nil {
			rollback()
			logger.Info("Turn cancelled", zap.String("session_id", s.id))
			return nil, ctx.Err()
		}
		metrics.TurnsTotal.WithLabelValues("model_error").Inc()
		logger.Error("Model call failed", zap.String("session_id", s.id), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrModelCall, err)
	}

	grounded := pending == nil
	if pending != nil {
		if err := s.freeze(*pending); err != nil {
			return nil, err
		}
	}
	s.messages = append(s.messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
	s.totals = s.totals.add(resp.Usage, s.pipeline.Pricing)
	s.updatedAt = time.Now()

	s.pipeline.recordTurn(ctx, s.id, grounded, resp.Usage, time.Since(callStart))
	s.pipeline.audit(s.id, resp.Content, allowed)

	label := "first"
	if grounded {
		label = "followup"
	}
	metrics.TurnDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	metrics.TurnsTotal.WithLabelValues(string(OutcomeAnswer)).Inc()

	logger.Info("Turn completed",
		zap.String("session_id", s.id),
		zap.String("state", s.phase.state().String()),
		zap.Int("messages", len(s.messages)),
		zap.Int64("latency_ms", time.Since(start).Milliseconds()),
	)

	reply.Outcome = OutcomeAnswer
	reply.Text = resp.Content
	reply.Usage = resp.Usage
	reply.Totals = s.totals
	reply.State = s.phase.state()
	return reply, nil
}

// freeze moves the session to grounded. It fails unless the session is
// still waiting for its first retrieval. Callers hold s.mu.
func (s *Session) freeze(g groundedPhase) error {
	if _, ok := s.phase.(awaitingPhase); !ok {
		return ErrAlreadyGrounded
	}
	s.phase = g
	return nil
}

// Reset clears messages, grounding and counters.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.phase = emptyPhase{}
	s.messages = nil
	s.totals = Totals{}
	s.updatedAt = time.Now()

	logger.Info("Session reset", zap.String("session_id", s.id))
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:        s.id,
		State:     s.phase.state(),
		Messages:  append([]llm.Message(nil), s.messages...),
		Totals:    s.totals,
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
	}
	if g, ok := s.phase.(groundedPhase); ok {
		snap.Courses = append([]catalog.Course(nil), g.result.Courses...)
		snap.Filters = g.filters
	}
	return snap
}

// Instruction returns the frozen directive, or "" before grounding.
func (s *Session) Instruction() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.phase.(groundedPhase); ok {
		return g.instruction
	}
	return ""
}

// UserMessage maps a Submit error to the text shown to the user.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrMissingAPIKey):
		return MsgMissingAPIKey
	case errors.Is(err, ErrEmptyQuery):
		return "Kirjelda, mida soovid õppida."
	case errors.Is(err, ErrSessionBusy):
		return "Eelmine päring on veel pooleli."
	case errors.Is(err, ErrSessionNotFound):
		return "Vestlust ei leitud. Alusta uut vestlust."
	default:
		return "Viga: " + err.Error()
	}
}
