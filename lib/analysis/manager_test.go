// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package analysis_test

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ngocp-0847/explain-source/lib/agentdriver"
	"github.com/ngocp-0847/explain-source/lib/analysis"
	"github.com/ngocp-0847/explain-source/lib/broadcast"
	"github.com/ngocp-0847/explain-source/lib/clock"
	analysisschema "github.com/ngocp-0847/explain-source/lib/schema/analysis"
	"github.com/ngocp-0847/explain-source/lib/schema/ticket"
	"github.com/ngocp-0847/explain-source/lib/store"
	"github.com/ngocp-0847/explain-source/lib/testutil"
)

const waitTimeout = 10 * time.Second

const (
	assistantLine = `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Checkout starts in cart.go. "}]}}`
	toolLine      = `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Read","input":{"file_path":"cart.go"}}]}}`
	resultLine    = `{"type":"result","subtype":"success","result":"Checkout validates the cart, then charges."}`
)

// flakyStore fails AppendLog while failing is set, and FinishSession
// while finishFailing is set.
type flakyStore struct {
	*store.Store
	failing       atomic.Bool
	finishFailing atomic.Bool
	finishCalls   atomic.Int32
}

func (f *flakyStore) AppendLog(ctx context.Context, entry analysisschema.LogEntry) error {
	if f.failing.Load() {
		return errors.New("disk full")
	}
	return f.Store.AppendLog(ctx, entry)
}

func (f *flakyStore) FinishSession(ctx context.Context, params store.FinishSessionParams) (bool, error) {
	f.finishCalls.Add(1)
	if f.finishFailing.Load() {
		return false, errors.New("database is locked")
	}
	return f.Store.FinishSession(ctx, params)
}

type fixture struct {
	manager  *analysis.Manager
	store    *store.Store
	storage  *flakyStore
	receiver *broadcast.Receiver[analysisschema.Message]
}

// newFixture wires a manager to a real store and a script standing in
// for the claude CLI.
func newFixture(t *testing.T, script string, maxRetries int) fixture {
	t.Helper()
	dir := t.TempDir()
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	logger := testutil.Logger(t)

	s, err := store.Open(store.Config{Path: filepath.Join(dir, "test.db"), Clock: fake, Logger: logger})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	driver, err := agentdriver.New("claude", agentdriver.Settings{
		Executable:   testutil.WriteScript(t, dir, "fake-claude", script),
		MaxRetries:   maxRetries,
		OutputFormat: agentdriver.FormatStreamJSON,
	})
	if err != nil {
		t.Fatalf("agentdriver.New: %v", err)
	}
	runner, err := agentdriver.NewRunner(agentdriver.RunnerConfig{Driver: driver, Clock: fake, Logger: logger})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	hub := broadcast.New[analysisschema.Message](broadcast.DefaultCapacity)
	receiver := hub.Subscribe()
	storage := &flakyStore{Store: s}
	manager, err := analysis.NewManager(analysis.Config{
		Store:  storage,
		Runner: runner,
		Hub:    hub,
		Clock:  fake,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		manager.Shutdown(ctx)
	})
	return fixture{manager: manager, store: s, storage: storage, receiver: receiver}
}

// waitFor reads broadcast messages until one of kind arrives and
// returns everything read, that message included.
func (f fixture) waitFor(t *testing.T, kind string) []analysisschema.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	var messages []analysisschema.Message
	for {
		message, dropped, err := f.receiver.Next(ctx)
		if err != nil {
			t.Fatalf("waiting for %s: %v (got %d messages)", kind, err, len(messages))
		}
		if dropped > 0 {
			t.Fatalf("receiver dropped %d messages", dropped)
		}
		messages = append(messages, message)
		if message.Kind == kind {
			return messages
		}
	}
}

// waitForLog reads until a structured log of the given type arrives.
func (f fixture) waitForLog(t *testing.T, kind analysisschema.MessageType) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	for {
		message, _, err := f.receiver.Next(ctx)
		if err != nil {
			t.Fatalf("waiting for %s log: %v", kind, err)
		}
		if message.Log != nil && message.Log.MessageType == kind {
			return
		}
	}
}

func (f fixture) logs(t *testing.T, ticketID string) []analysisschema.LogEntry {
	t.Helper()
	page, err := f.store.Logs(context.Background(), ticketID, store.MaxLogLimit, 0)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	return page.Logs
}

func (f fixture) waitIdle(t *testing.T, ticketID string) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for f.manager.IsRunning(ticketID) {
		if time.Now().After(deadline) {
			t.Fatalf("ticket %s still running after %v", ticketID, waitTimeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func contents(entries []analysisschema.LogEntry) []string {
	out := make([]string, len(entries))
	for i, entry := range entries {
		out[i] = entry.Content
	}
	return out
}

func ask(ticketID string) analysis.StartRequest {
	return analysis.StartRequest{TicketID: ticketID, Mode: ticket.ModeAsk, Question: "How does checkout work?"}
}

func TestNewManagerValidates(t *testing.T) {
	t.Parallel()
	if _, err := analysis.NewManager(analysis.Config{}); err == nil {
		t.Error("NewManager with empty config succeeded")
	}
}

func TestStartValidates(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "exit 0", 1)
	_, err := f.manager.Start(context.Background(), analysis.StartRequest{TicketID: "t1"})
	if !errors.Is(err, analysis.ErrInvalidRequest) {
		t.Errorf("Start without question: err = %v, want ErrInvalidRequest", err)
	}
}

func TestAnalysisCompletes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "echo '"+assistantLine+"'\necho '"+toolLine+"'\necho '"+resultLine+"'\n", 1)
	ctx := context.Background()

	session, err := f.manager.Start(ctx, ask("t1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if session.Status != analysisschema.SessionRunning {
		t.Errorf("Start status = %q, want running", session.Status)
	}

	messages := f.waitFor(t, analysisschema.KindAnalysisComplete)
	final := messages[len(messages)-1]
	if final.Content != "Checkout validates the cart, then charges." {
		t.Errorf("completion content = %q", final.Content)
	}
	f.waitIdle(t, "t1")

	logs := f.logs(t, "t1")
	want := []string{
		"Starting claude analysis",
		"Checkout starts in cart.go. ",
		"Read {\"file_path\":\"cart.go\"}",
		"Checkout validates the cart, then charges.",
		"Analysis completed",
	}
	if got := contents(logs); !slices.Equal(got, want) {
		t.Errorf("log contents = %q, want %q", got, want)
	}

	// The live order equals the persisted order.
	var liveIDs []string
	for _, message := range messages {
		if message.Log != nil {
			liveIDs = append(liveIDs, message.Log.ID)
		}
	}
	var storedIDs []string
	for _, entry := range logs {
		storedIDs = append(storedIDs, entry.ID)
	}
	if !slices.Equal(liveIDs, storedIDs) {
		t.Errorf("live log order %v differs from persisted order %v", liveIDs, storedIDs)
	}

	latest, err := f.manager.Status(ctx, "t1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if latest.Status != analysisschema.SessionCompleted || latest.CompletedAt == nil {
		t.Errorf("session = %+v, want completed with completed_at", latest)
	}
	record, err := f.store.GetTicket(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	if record.IsAnalyzing {
		t.Error("ticket still marked analyzing")
	}
	if record.AnalysisResult != "Checkout validates the cart, then charges." {
		t.Errorf("analysis_result = %q", record.AnalysisResult)
	}
	if record.Title != "Auto-created" || record.Description != "How does checkout work?" {
		t.Errorf("auto-created ticket = %+v", record)
	}
}

func TestConcurrentStartsConflict(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "exec sleep 30\n", 1)
	ctx := context.Background()

	const starters = 8
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		conflicts atomic.Int32
	)
	for range starters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.Start(ctx, ask("t1"))
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, analysis.ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("Start: %v", err)
			}
		}()
	}
	wg.Wait()
	if succeeded.Load() != 1 || conflicts.Load() != starters-1 {
		t.Errorf("succeeded = %d, conflicts = %d, want 1 and %d", succeeded.Load(), conflicts.Load(), starters-1)
	}
	if active := f.manager.Active(); !slices.Equal(active, []string{"t1"}) {
		t.Errorf("Active() = %v, want [t1]", active)
	}

	// A different ticket is unaffected.
	if _, err := f.manager.Start(ctx, ask("t2")); err != nil {
		t.Errorf("Start(t2): %v", err)
	}
}

func TestStopCancelsRunningAnalysis(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "echo '"+assistantLine+"'\nexec sleep 30\n", 1)
	ctx := context.Background()

	if _, err := f.manager.Start(ctx, ask("t1")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.waitForLog(t, analysisschema.MessageAssistant)

	result, err := f.manager.Stop(ctx, "t1")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !result.Stopped {
		t.Error("Stop reported nothing stopped")
	}
	f.waitFor(t, analysisschema.KindAnalysisStopped)
	if f.manager.IsRunning("t1") {
		t.Error("ticket still running after Stop")
	}

	latest, err := f.manager.Status(ctx, "t1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if latest.Status != analysisschema.SessionCancelled || latest.ErrorMessage != "Cancelled by user" {
		t.Errorf("session = %+v, want cancelled by user", latest)
	}
	record, _ := f.store.GetTicket(ctx, "t1")
	if record.IsAnalyzing {
		t.Error("ticket still marked analyzing")
	}
	if record.AnalysisResult != "Checkout starts in cart.go. " {
		t.Errorf("partial analysis_result = %q", record.AnalysisResult)
	}

	logs := f.logs(t, "t1")
	if last := logs[len(logs)-1]; last.Content != "Analysis stopped by user" || last.MessageType != analysisschema.MessageSystem {
		t.Errorf("last log = %+v, want system stop log", last)
	}

	// A second stop changes nothing.
	again, err := f.manager.Stop(ctx, "t1")
	if err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if again.Stopped {
		t.Error("second Stop reported a stop")
	}
	if got := len(f.logs(t, "t1")); got != len(logs) {
		t.Errorf("second Stop added logs: %d, want %d", got, len(logs))
	}

	// The ticket can be analysed again.
	if _, err := f.manager.Start(ctx, ask("t1")); err != nil {
		t.Errorf("Start after Stop: %v", err)
	}
}

func TestStopIdleTicket(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "exit 0", 1)
	ctx := context.Background()
	if err := f.store.CreateTicket(ctx, ticket.Ticket{ID: "idle", Title: "idle"}); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}

	result, err := f.manager.Stop(ctx, "idle")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if result.Stopped {
		t.Error("Stop of idle ticket reported a stop")
	}
	if logs := f.logs(t, "idle"); len(logs) != 0 {
		t.Errorf("Stop of idle ticket wrote %d logs", len(logs))
	}

	if _, err := f.manager.Stop(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Stop(missing): err = %v, want ErrNotFound", err)
	}
}

func TestAnalysisFailsAfterRetries(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "echo boom >&2\nexit 3\n", 2)
	ctx := context.Background()

	if _, err := f.manager.Start(ctx, ask("t1")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	messages := f.waitFor(t, analysisschema.KindAnalysisError)
	if final := messages[len(messages)-1]; final.Error == "" {
		t.Error("error message carries no cause")
	}
	f.waitIdle(t, "t1")

	latest, _ := f.manager.Status(ctx, "t1")
	if latest.Status != analysisschema.SessionFailed {
		t.Errorf("status = %q, want failed", latest.Status)
	}
	logs := f.logs(t, "t1")
	if last := logs[len(logs)-1]; last.MessageType != analysisschema.MessageError {
		t.Errorf("last log type = %q, want error", last.MessageType)
	}
}

func TestErrorResultFailsSession(t *testing.T) {
	t.Parallel()
	line := `{"type":"result","subtype":"error_max_turns","is_error":true,"result":"turn limit reached"}`
	f := newFixture(t, "echo '"+line+"'\n", 1)
	ctx := context.Background()

	if _, err := f.manager.Start(ctx, ask("t1")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.waitFor(t, analysisschema.KindAnalysisError)
	f.waitIdle(t, "t1")

	latest, _ := f.manager.Status(ctx, "t1")
	if latest.Status != analysisschema.SessionFailed || latest.ErrorMessage != "turn limit reached" {
		t.Errorf("session = %+v, want failed with the result text", latest)
	}
	var results int
	for _, entry := range f.logs(t, "t1") {
		if entry.MessageType == analysisschema.MessageResult {
			results++
		}
	}
	if results != 1 {
		t.Errorf("result logs = %d, want 1", results)
	}
}

func TestResultSurvivesFailingExit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "echo '"+resultLine+"'\nexit 1\n", 3)
	ctx := context.Background()

	if _, err := f.manager.Start(ctx, ask("t1")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.waitFor(t, analysisschema.KindAnalysisComplete)
	f.waitIdle(t, "t1")

	var results int
	for _, entry := range f.logs(t, "t1") {
		if entry.MessageType == analysisschema.MessageResult {
			results++
		}
	}
	if results != 1 {
		t.Errorf("result logs = %d, want 1 (no retry after a result)", results)
	}
}

func TestPlainTextOutputBecomesResult(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "pwd\n", 1)
	ctx := context.Background()
	projectDir := t.TempDir()
	err := f.store.CreateProject(ctx, ticket.Project{ID: "p1", Name: "shop", DirectoryPath: projectDir})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	request := ask("t1")
	request.ProjectID = "p1"
	if _, err := f.manager.Start(ctx, request); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.waitFor(t, analysisschema.KindAnalysisComplete)
	f.waitIdle(t, "t1")

	record, _ := f.store.GetTicket(ctx, "t1")
	resolved, _ := filepath.EvalSymlinks(projectDir)
	if record.AnalysisResult != projectDir && record.AnalysisResult != resolved {
		t.Errorf("analysis_result = %q, want the project directory %q", record.AnalysisResult, projectDir)
	}
}

func TestPersistenceFailureAbortsSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "for i in 1 2 3 4 5; do echo line $i; done\nexec sleep 30\n", 1)
	ctx := context.Background()

	f.storage.failing.Store(true)
	if _, err := f.manager.Start(ctx, ask("t1")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	messages := f.waitFor(t, analysisschema.KindAnalysisError)
	for _, message := range messages {
		if message.Log != nil {
			t.Errorf("unpersisted log was broadcast: %+v", message.Log)
		}
	}
	if final := messages[len(messages)-1]; final.Error != "storage unavailable" {
		t.Errorf("error = %q, want storage unavailable", final.Error)
	}
	f.waitIdle(t, "t1")

	latest, _ := f.manager.Status(ctx, "t1")
	if latest.Status != analysisschema.SessionFailed {
		t.Errorf("status = %q, want failed", latest.Status)
	}
}

// waitFinishCalls blocks until FinishSession was called at least n
// times.
func (f fixture) waitFinishCalls(t *testing.T, n int32) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for f.storage.finishCalls.Load() < n {
		if time.Now().After(deadline) {
			t.Fatalf("FinishSession called %d times after %v, want %d", f.storage.finishCalls.Load(), waitTimeout, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUnrecordedFinishKeepsTicketReserved(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "echo '"+resultLine+"'\n", 1)
	ctx := context.Background()

	f.storage.finishFailing.Store(true)
	first, err := f.manager.Start(ctx, ask("t1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.waitFinishCalls(t, 3)

	// Memory agrees with storage: the row is still running, so is the
	// ticket, and nothing terminal was announced.
	if !f.manager.IsRunning("t1") {
		t.Error("ticket released although its terminal state was not recorded")
	}
	session, err := f.store.GetSession(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session.Status != analysisschema.SessionRunning {
		t.Errorf("stored status = %q, want running", session.Status)
	}
	if _, err := f.manager.Start(ctx, ask("t1")); !errors.Is(err, analysis.ErrConflict) {
		t.Errorf("Start while storage still fails: err = %v, want ErrConflict", err)
	}
	for _, entry := range f.logs(t, "t1") {
		if entry.Content == "Analysis completed" {
			t.Error("completion logged before it was recorded")
		}
	}

	// Once storage recovers the next Start records the parked outcome
	// and proceeds.
	// The verdict is parked right after the last failed write, so a
	// Start racing that write may still see a plain conflict.
	f.storage.finishFailing.Store(false)
	deadline := time.Now().Add(waitTimeout)
	second, err := f.manager.Start(ctx, ask("t1"))
	for errors.Is(err, analysis.ErrConflict) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		second, err = f.manager.Start(ctx, ask("t1"))
	}
	if err != nil {
		t.Fatalf("Start after storage recovered: %v", err)
	}
	if second.ID == first.ID {
		t.Error("second Start reused the first session")
	}
	session, _ = f.store.GetSession(ctx, first.ID)
	if session.Status != analysisschema.SessionCompleted {
		t.Errorf("first session status = %q, want completed", session.Status)
	}
	record, _ := f.store.GetTicket(ctx, "t1")
	if record.AnalysisResult != "Checkout validates the cart, then charges." {
		t.Errorf("analysis_result = %q, want the first session's result", record.AnalysisResult)
	}

	messages := f.waitFor(t, analysisschema.KindAnalysisComplete)
	if final := messages[len(messages)-1]; final.Content != "Checkout validates the cart, then charges." {
		t.Errorf("complete content = %q", final.Content)
	}
	f.waitFor(t, analysisschema.KindAnalysisComplete)
	f.waitIdle(t, "t1")
	latest, _ := f.manager.Status(ctx, "t1")
	if latest.ID != second.ID || latest.Status != analysisschema.SessionCompleted {
		t.Errorf("latest session = %+v, want the second one completed", latest)
	}
}

func TestStopRecordsUnrecordedFinish(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "echo '"+resultLine+"'\n", 1)
	ctx := context.Background()

	f.storage.finishFailing.Store(true)
	first, err := f.manager.Start(ctx, ask("t1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.waitFinishCalls(t, 3)

	if _, err := f.manager.Stop(ctx, "t1"); !errors.Is(err, analysis.ErrUnrecorded) {
		t.Errorf("Stop while storage fails: err = %v, want ErrUnrecorded", err)
	}
	f.storage.finishFailing.Store(false)
	result, err := f.manager.Stop(ctx, "t1")
	if err != nil {
		t.Fatalf("Stop after storage recovered: %v", err)
	}
	if result.Stopped {
		t.Error("Stop of a finished session reported a stop")
	}
	if f.manager.IsRunning("t1") {
		t.Error("ticket still reserved after its outcome was recorded")
	}
	session, _ := f.store.GetSession(ctx, first.ID)
	if session.Status != analysisschema.SessionCompleted {
		t.Errorf("status = %q, want completed", session.Status)
	}
	record, _ := f.store.GetTicket(ctx, "t1")
	if record.IsAnalyzing {
		t.Error("ticket still marked analyzing")
	}
}

func TestRecoverStale(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "exit 0", 1)
	ctx := context.Background()
	_, err := f.store.BeginSession(ctx, store.BeginSessionParams{
		SessionID:  "stale",
		TicketID:   "t1",
		Agent:      "claude",
		AutoCreate: &ticket.Ticket{ID: "t1", Title: "t1"},
	})
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}

	recovered, err := f.manager.RecoverStale(ctx)
	if err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	if recovered != 1 {
		t.Errorf("recovered = %d, want 1", recovered)
	}
	latest, _ := f.manager.Status(ctx, "t1")
	if latest.Status != analysisschema.SessionFailed || latest.ErrorMessage != "interrupted by server restart" {
		t.Errorf("session = %+v, want failed by restart", latest)
	}
	if _, err := f.manager.Start(ctx, ask("t1")); err != nil {
		t.Errorf("Start after recovery: %v", err)
	}
}

func TestShutdownStopsSessions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "exec sleep 30\n", 1)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2"} {
		if _, err := f.manager.Start(ctx, ask(id)); err != nil {
			t.Fatalf("Start(%s): %v", id, err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	if err := f.manager.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	for _, id := range []string{"t1", "t2"} {
		latest, _ := f.manager.Status(ctx, id)
		if latest.Status != analysisschema.SessionCancelled {
			t.Errorf("%s status = %q, want cancelled", id, latest.Status)
		}
	}
	if _, err := f.manager.Start(ctx, ask("t3")); !errors.Is(err, analysis.ErrShuttingDown) {
		t.Errorf("Start after Shutdown: err = %v, want ErrShuttingDown", err)
	}
}
