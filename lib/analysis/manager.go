// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ngocp-0847/explain-source/lib/agentdriver"
	"github.com/ngocp-0847/explain-source/lib/broadcast"
	"github.com/ngocp-0847/explain-source/lib/clock"
	"github.com/ngocp-0847/explain-source/lib/logclassify"
	analysisschema "github.com/ngocp-0847/explain-source/lib/schema/analysis"
	"github.com/ngocp-0847/explain-source/lib/schema/ticket"
	"github.com/ngocp-0847/explain-source/lib/store"
)

var (
	// ErrConflict is returned by Start while the ticket already has a
	// session starting or running.
	ErrConflict = errors.New("analysis already running for this ticket")

	// ErrInvalidRequest is returned by Start for a malformed request.
	ErrInvalidRequest = errors.New("invalid analysis request")

	// ErrShuttingDown is returned by Start after Shutdown began.
	ErrShuttingDown = errors.New("analysis manager shutting down")

	// ErrUnrecorded is returned by Stop when a session's terminal state
	// could not be written. The ticket stays reserved until a later
	// Start or Stop records it.
	ErrUnrecorded = errors.New("analysis terminal state not recorded")
)

// Messages recorded when a session is stopped.
const (
	reasonStoppedByUser  = "Cancelled by user"
	logStoppedByUser     = "Analysis stopped by user"
	reasonShutdown       = "Cancelled by server shutdown"
	logShutdown          = "Analysis stopped by server shutdown"
	reasonServerRestart  = "interrupted by server restart"
	reasonStorageFailure = "storage unavailable"
)

// maxPersistFailures is how many consecutive log writes may fail
// before the session is aborted.
const maxPersistFailures = 3

// Storage is the persistence the manager needs. *store.Store
// implements it.
type Storage interface {
	GetTicket(ctx context.Context, id string) (ticket.Ticket, error)
	GetProject(ctx context.Context, id string) (ticket.Project, error)
	BeginSession(ctx context.Context, params store.BeginSessionParams) (analysisschema.Session, error)
	FinishSession(ctx context.Context, params store.FinishSessionParams) (bool, error)
	LatestSession(ctx context.Context, ticketID string) (analysisschema.Session, error)
	RecoverRunning(ctx context.Context, reason string) ([]analysisschema.Session, error)
	AppendLog(ctx context.Context, entry analysisschema.LogEntry) error
}

// Config holds the parameters for NewManager. All fields but Logger
// are required.
type Config struct {
	Store  Storage
	Runner *agentdriver.Runner
	Hub    *broadcast.Hub[analysisschema.Message]
	Clock  clock.Clock

	// Logger receives session lifecycle messages. Nil discards them.
	Logger *slog.Logger
}

// Manager runs analysis sessions. All methods are safe for concurrent
// use.
type Manager struct {
	store      Storage
	runner     *agentdriver.Runner
	hub        *broadcast.Hub[analysisschema.Message]
	clock      clock.Clock
	classifier *logclassify.Classifier
	logger     *slog.Logger
	newID      func() string

	// baseContext outlives individual requests; sessions run under it
	// and Shutdown cancels it.
	baseContext context.Context
	cancelBase  context.CancelFunc

	sessions     sync.Map // ticket ID -> *handle
	consumers    sync.WaitGroup
	shuttingDown atomic.Bool
}

// NewManager validates config and returns a Manager.
func NewManager(config Config) (*Manager, error) {
	var missing []error
	if config.Store == nil {
		missing = append(missing, errors.New("analysis: Store is required"))
	}
	if config.Runner == nil {
		missing = append(missing, errors.New("analysis: Runner is required"))
	}
	if config.Hub == nil {
		missing = append(missing, errors.New("analysis: Hub is required"))
	}
	if config.Clock == nil {
		missing = append(missing, errors.New("analysis: Clock is required"))
	}
	if len(missing) > 0 {
		return nil, errors.Join(missing...)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	baseContext, cancelBase := context.WithCancel(context.Background())
	return &Manager{
		store:       config.Store,
		runner:      config.Runner,
		hub:         config.Hub,
		clock:       config.Clock,
		classifier:  logclassify.New(config.Clock),
		logger:      logger,
		newID:       uuid.NewString,
		baseContext: baseContext,
		cancelBase:  cancelBase,
	}, nil
}

// Session states of a handle. Only the transition out of stateRunning
// is contended.
const (
	stateRunning int32 = iota
	stateStopping
	stateFinishing
)

// handle is the in-memory side of one session.
type handle struct {
	ticketID  string
	sessionID string
	state     atomic.Int32

	// ready is closed once Start has either attached stream or
	// finished the session. stream is immutable afterwards.
	ready  chan struct{}
	stream *agentdriver.Stream

	// done is closed when the consumer goroutine has returned. The
	// fields below are written only by the consumer, so they may be
	// read by anyone who has observed done.
	done chan struct{}

	narrative       strings.Builder
	plainText       []string
	result          *logclassify.Result
	persistFailures int
	abortCause      string

	// unrecorded holds the verdict whose terminal write failed. The
	// handle stays registered until settle records it.
	unrecorded atomic.Pointer[verdict]
}

// StartRequest asks for an analysis of a ticket.
type StartRequest struct {
	TicketID    string
	ProjectID   string
	Mode        ticket.Mode
	Question    string
	CodeContext string
}

// Start launches an analysis. It returns ErrConflict while another
// session for the ticket is starting or running. A ticket that does
// not exist yet is created. Agent start failures do not fail Start:
// the session is recorded as failed and viewers get an error message.
func (m *Manager) Start(ctx context.Context, request StartRequest) (analysisschema.Session, error) {
	if request.TicketID == "" {
		return analysisschema.Session{}, fmt.Errorf("%w: ticket id is required", ErrInvalidRequest)
	}
	if request.Question == "" {
		return analysisschema.Session{}, fmt.Errorf("%w: question is required", ErrInvalidRequest)
	}
	if request.Mode == "" {
		request.Mode = ticket.ModeAsk
	}
	if m.shuttingDown.Load() {
		return analysisschema.Session{}, ErrShuttingDown
	}

	h := &handle{
		ticketID:  request.TicketID,
		sessionID: m.newID(),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	for {
		existing, loaded := m.sessions.LoadOrStore(request.TicketID, h)
		if !loaded {
			break
		}
		// A session that ended without its terminal state recorded
		// still holds the ticket. Record it now and take its place.
		settled, err := m.settle(existing.(*handle))
		if err != nil {
			m.logger.Warn("ticket still reserved by an unrecorded session",
				"ticket_id", request.TicketID, "error", err)
		}
		if !settled {
			return analysisschema.Session{}, ErrConflict
		}
	}
	logger := m.logger.With("ticket_id", h.ticketID, "session_id", h.sessionID)

	session, err := m.begin(ctx, h, request)
	if err != nil {
		h.state.Store(stateFinishing)
		close(h.done)
		close(h.ready)
		m.sessions.CompareAndDelete(h.ticketID, h)
		if errors.Is(err, store.ErrSessionRunning) {
			return analysisschema.Session{}, ErrConflict
		}
		return analysisschema.Session{}, fmt.Errorf("starting analysis for ticket %s: %w", h.ticketID, err)
	}
	logger.Info("analysis session started", "agent", session.Agent, "mode", request.Mode)

	m.persistAndPublish(h.ticketID, analysisschema.MessageSystem,
		fmt.Sprintf("Starting %s analysis", session.Agent))

	workingDirectory := m.workingDirectory(ctx, request.ProjectID, logger)
	stream, err := m.runner.Start(m.baseContext, agentdriver.Request{
		Prompt:           agentdriver.BuildPrompt(request.Mode, request.Question, request.CodeContext),
		WorkingDirectory: workingDirectory,
		IsFinal:          logclassify.IsResult,
	})
	if err != nil {
		logger.Error("agent failed to start", "error", err)
		h.state.Store(stateFinishing)
		close(h.done)
		close(h.ready)
		m.finish(h, verdict{status: analysisschema.SessionFailed, cause: err.Error()})
		session.Status = analysisschema.SessionFailed
		session.ErrorMessage = err.Error()
		return session, nil
	}

	h.stream = stream
	m.consumers.Add(1)
	go m.consume(h, logger)
	close(h.ready)
	return session, nil
}

// begin writes the running session row, auto-creating the ticket.
func (m *Manager) begin(ctx context.Context, h *handle, request StartRequest) (analysisschema.Session, error) {
	autoCreate := &ticket.Ticket{
		ID:          request.TicketID,
		ProjectID:   request.ProjectID,
		Title:       "Auto-created",
		Description: request.Question,
		Status:      ticket.StatusInProgress,
		Mode:        request.Mode,
		CodeContext: request.CodeContext,
	}
	return m.store.BeginSession(ctx, store.BeginSessionParams{
		SessionID:  h.sessionID,
		TicketID:   request.TicketID,
		Agent:      m.runner.Driver().Name(),
		AutoCreate: autoCreate,
	})
}

// workingDirectory prefers the project's directory. The empty string
// lets the runner fall back to the agent's configured directory.
func (m *Manager) workingDirectory(ctx context.Context, projectID string, logger *slog.Logger) string {
	if projectID == "" {
		return ""
	}
	project, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		logger.Warn("project lookup failed, using the agent's working directory", "project_id", projectID, "error", err)
		return ""
	}
	return project.DirectoryPath
}

// StopResult reports what Stop did.
type StopResult struct {
	// Stopped is false when nothing was running or the session
	// finished on its own before it could be cancelled.
	Stopped bool
	Message string
}

// Stop cancels the ticket's running session. Stopping an idle ticket
// succeeds without changing anything; a ticket that does not exist
// returns store.ErrNotFound.
func (m *Manager) Stop(ctx context.Context, ticketID string) (StopResult, error) {
	value, ok := m.sessions.Load(ticketID)
	if !ok {
		if _, err := m.store.GetTicket(ctx, ticketID); err != nil {
			return StopResult{}, err
		}
		return StopResult{Message: "No analysis is running for this ticket"}, nil
	}
	return m.stop(ctx, value.(*handle), reasonStoppedByUser, logStoppedByUser)
}

func (m *Manager) stop(ctx context.Context, h *handle, reason, logMessage string) (StopResult, error) {
	select {
	case <-h.ready:
	case <-ctx.Done():
		return StopResult{}, ctx.Err()
	}

	if !h.state.CompareAndSwap(stateRunning, stateStopping) {
		// The consumer is already finalizing; let it finish.
		select {
		case <-h.done:
		case <-ctx.Done():
			return StopResult{}, ctx.Err()
		}
		if _, err := m.settle(h); err != nil {
			return StopResult{}, err
		}
		return StopResult{Message: "Analysis had already finished"}, nil
	}

	h.stream.Cancel()
	<-h.done

	partial := h.narrative.String()
	m.finish(h, verdict{
		status:    analysisschema.SessionCancelled,
		cause:     reason,
		stopLog:   logMessage,
		result:    partial,
		hasResult: partial != "",
	})
	if h.unrecorded.Load() != nil {
		return StopResult{}, fmt.Errorf("stopping analysis for ticket %s: %w", h.ticketID, ErrUnrecorded)
	}
	m.logger.Info("analysis session stopped", "ticket_id", h.ticketID, "session_id", h.sessionID, "reason", reason)
	return StopResult{Stopped: true, Message: logMessage}, nil
}

// Active lists the tickets with a session starting or running, sorted.
func (m *Manager) Active() []string {
	var tickets []string
	m.sessions.Range(func(key, _ any) bool {
		tickets = append(tickets, key.(string))
		return true
	})
	sort.Strings(tickets)
	return tickets
}

// IsRunning reports whether ticketID has a session starting or running.
func (m *Manager) IsRunning(ticketID string) bool {
	_, ok := m.sessions.Load(ticketID)
	return ok
}

// Status returns the most recent session of a ticket.
func (m *Manager) Status(ctx context.Context, ticketID string) (analysisschema.Session, error) {
	return m.store.LatestSession(ctx, ticketID)
}

// RecoverStale fails sessions left running by a previous process. Call
// it once at startup, before serving requests.
func (m *Manager) RecoverStale(ctx context.Context) (int, error) {
	recovered, err := m.store.RecoverRunning(ctx, reasonServerRestart)
	if err != nil {
		return len(recovered), fmt.Errorf("recovering stale sessions: %w", err)
	}
	for _, session := range recovered {
		m.logger.Warn("failed stale analysis session",
			"ticket_id", session.TicketID, "session_id", session.ID, "started_at", session.StartedAt)
	}
	return len(recovered), nil
}

// Shutdown stops every running session and waits for their consumers.
// Start returns ErrShuttingDown afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shuttingDown.Store(true)
	var stopErrors []error
	m.sessions.Range(func(_, value any) bool {
		if _, err := m.stop(ctx, value.(*handle), reasonShutdown, logShutdown); err != nil {
			stopErrors = append(stopErrors, err)
		}
		return true
	})
	m.cancelBase()

	waited := make(chan struct{})
	go func() {
		m.consumers.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		stopErrors = append(stopErrors, ctx.Err())
	}
	return errors.Join(stopErrors...)
}
