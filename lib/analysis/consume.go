// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ngocp-0847/explain-source/lib/agentdriver"
	"github.com/ngocp-0847/explain-source/lib/logclassify"
	analysisschema "github.com/ngocp-0847/explain-source/lib/schema/analysis"
	"github.com/ngocp-0847/explain-source/lib/store"
)

// Terminal writes are retried this many times before the session is
// parked unrecorded.
const (
	maxFinishAttempts = 3
	finishTimeout     = 5 * time.Second
)

// consume drains the session's stream. It is the only writer of the
// session's log rows, which is what keeps live and persisted order
// identical.
func (m *Manager) consume(h *handle, logger *slog.Logger) {
	defer m.consumers.Done()

	for line := range h.stream.Lines() {
		if h.abortCause != "" {
			continue
		}
		event := m.classifier.Classify(h.ticketID, line.Text)
		h.observe(event)

		if err := m.store.AppendLog(context.Background(), event.Entry); err != nil {
			h.persistFailures++
			logger.Error("persisting analysis log failed",
				"error", err, "log_id", event.Entry.ID, "consecutive_failures", h.persistFailures)
			if h.persistFailures >= maxPersistFailures {
				h.abortCause = reasonStorageFailure
				h.stream.Cancel()
			}
			continue
		}
		h.persistFailures = 0
		m.hub.Publish(analysisschema.NewLogMessage(event.Entry))
	}
	outcome := h.stream.Wait()

	if !h.state.CompareAndSwap(stateRunning, stateFinishing) {
		// Stop owns the terminal transition.
		close(h.done)
		return
	}
	final := h.decide(outcome)
	if final.status != analysisschema.SessionCompleted {
		logger.Warn("analysis session ended without a result",
			"status", final.status, "cause", final.cause, "attempts", outcome.Attempts)
	} else {
		logger.Info("analysis session completed", "attempts", outcome.Attempts)
	}
	m.finish(h, final)
	close(h.done)
}

// observe accumulates what the final verdict needs.
func (h *handle) observe(event logclassify.Event) {
	if event.Narrative != "" {
		h.narrative.WriteString(event.Narrative)
	}
	if event.PlainText != "" {
		h.plainText = append(h.plainText, event.PlainText)
	}
	if event.Result != nil && h.result == nil {
		result := *event.Result
		h.result = &result
	}
}

// verdict is the terminal state a session is moved to.
type verdict struct {
	status analysisschema.SessionStatus

	// cause becomes the session's error message.
	cause string

	// result is written to the ticket's analysis_result when
	// hasResult is set.
	result    string
	hasResult bool

	// stopLog is the system log line recorded for a cancellation.
	stopLog string
}

// decide maps the stream outcome and what was observed to a verdict. A
// valid result wins over a failing exit; without one, the stream's
// error decides.
func (h *handle) decide(outcome agentdriver.Outcome) verdict {
	partial := h.narrative.String()
	failed := func(cause string) verdict {
		return verdict{
			status:    analysisschema.SessionFailed,
			cause:     cause,
			result:    partial,
			hasResult: partial != "",
		}
	}

	switch {
	case h.abortCause != "":
		return failed(h.abortCause)
	case h.result != nil && h.result.IsError:
		return failed(h.resultText())
	case h.result != nil:
		return verdict{status: analysisschema.SessionCompleted, result: h.resultText(), hasResult: true}
	case outcome.Err == nil:
		text := h.resultText()
		return verdict{status: analysisschema.SessionCompleted, result: text, hasResult: text != ""}
	case errors.Is(outcome.Err, agentdriver.ErrCancelled):
		return verdict{
			status:    analysisschema.SessionCancelled,
			cause:     "analysis cancelled",
			stopLog:   "Analysis cancelled",
			result:    partial,
			hasResult: partial != "",
		}
	default:
		return failed(outcome.Err.Error())
	}
}

// resultText picks the session's answer: the result event's text, then
// the assistant narrative, then plain-text output, then the raw result
// line.
func (h *handle) resultText() string {
	if h.result != nil && h.result.HasText {
		return h.result.Text
	}
	if h.narrative.Len() > 0 {
		return h.narrative.String()
	}
	if len(h.plainText) > 0 {
		return strings.Join(h.plainText, "\n")
	}
	if h.result != nil {
		return h.result.Text
	}
	return ""
}

// finish writes the terminal state, records the closing log line, frees
// the ticket, and broadcasts the outcome. It does nothing beyond
// freeing the ticket when the session row was already terminal. When
// the terminal write keeps failing the handle stays registered with the
// verdict parked on it, so memory agrees with the running row until
// settle records it.
func (m *Manager) finish(h *handle, final verdict) {
	logger := m.logger.With("ticket_id", h.ticketID, "session_id", h.sessionID)

	changed, err := m.recordFinish(h, final)
	if err != nil {
		logger.Error("recording terminal session state failed, ticket stays reserved",
			"status", final.status, "attempts", maxFinishAttempts, "error", err)
		h.unrecorded.Store(&final)
		return
	}
	if !changed {
		logger.Info("session already terminal", "status", final.status)
		m.sessions.CompareAndDelete(h.ticketID, h)
		return
	}
	m.announce(h, final)
}

// recordFinish attempts the terminal write up to maxFinishAttempts
// times, each under its own deadline.
func (m *Manager) recordFinish(h *handle, final verdict) (bool, error) {
	params := store.FinishSessionParams{
		SessionID:      h.sessionID,
		TicketID:       h.ticketID,
		Status:         final.status,
		AnalysisResult: final.result,
		SetResult:      final.hasResult,
	}
	if final.status != analysisschema.SessionCompleted {
		params.ErrorMessage = final.cause
	}
	var failures []error
	for range maxFinishAttempts {
		ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
		changed, err := m.store.FinishSession(ctx, params)
		cancel()
		if err == nil {
			return changed, nil
		}
		failures = append(failures, err)
	}
	return false, errors.Join(failures...)
}

// settle retries the terminal write of a session whose finish could not
// be recorded. It returns true once the ticket has been released. A
// handle with nothing parked on it is left alone.
func (m *Manager) settle(h *handle) (bool, error) {
	final := h.unrecorded.Swap(nil)
	if final == nil {
		return false, nil
	}
	changed, err := m.recordFinish(h, *final)
	if err != nil {
		h.unrecorded.Store(final)
		return false, fmt.Errorf("%w: session %s: %w", ErrUnrecorded, h.sessionID, err)
	}
	m.logger.Info("recorded deferred terminal session state",
		"ticket_id", h.ticketID, "session_id", h.sessionID, "status", final.status)
	if !changed {
		m.sessions.CompareAndDelete(h.ticketID, h)
		return true, nil
	}
	m.announce(h, *final)
	return true, nil
}

// announce writes the closing log line, frees the ticket, and
// broadcasts the recorded outcome.
func (m *Manager) announce(h *handle, final verdict) {
	message := analysisschema.Message{TicketID: h.ticketID, Timestamp: m.clock.Now()}
	switch final.status {
	case analysisschema.SessionCompleted:
		m.persistAndPublish(h.ticketID, analysisschema.MessageSystem, "Analysis completed")
		message.Kind = analysisschema.KindAnalysisComplete
		message.Content = final.result
	case analysisschema.SessionFailed:
		m.persistAndPublish(h.ticketID, analysisschema.MessageError, final.cause)
		message.Kind = analysisschema.KindAnalysisError
		message.Error = final.cause
	case analysisschema.SessionCancelled:
		m.persistAndPublish(h.ticketID, analysisschema.MessageSystem, final.stopLog)
		message.Kind = analysisschema.KindAnalysisStopped
		message.Content = final.stopLog
	}

	m.sessions.CompareAndDelete(h.ticketID, h)
	m.hub.Publish(message)
}

// persistAndPublish records a log line the manager itself produces.
// The broadcast is skipped when the write fails.
func (m *Manager) persistAndPublish(ticketID string, kind analysisschema.MessageType, content string) {
	entry := analysisschema.LogEntry{
		ID:          m.newID(),
		TicketID:    ticketID,
		MessageType: kind,
		Content:     content,
		Timestamp:   m.clock.Now(),
	}
	if err := m.store.AppendLog(context.Background(), entry); err != nil {
		m.logger.Error("persisting analysis log failed", "ticket_id", ticketID, "error", err)
		return
	}
	m.hub.Publish(analysisschema.NewLogMessage(entry))
}
