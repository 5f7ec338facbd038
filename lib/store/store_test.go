// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package store_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ngocp-0847/explain-source/lib/clock"
	"github.com/ngocp-0847/explain-source/lib/schema/analysis"
	"github.com/ngocp-0847/explain-source/lib/schema/plan"
	"github.com/ngocp-0847/explain-source/lib/schema/ticket"
	"github.com/ngocp-0847/explain-source/lib/store"
	"github.com/ngocp-0847/explain-source/lib/testutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) (*store.Store, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(epoch)
	s, err := store.Open(store.Config{
		Path:   filepath.Join(t.TempDir(), "test.db"),
		Clock:  fake,
		Logger: testutil.Logger(t),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, fake
}

func createTicket(t *testing.T, s *store.Store, id string, mode ticket.Mode) {
	t.Helper()
	err := s.CreateTicket(context.Background(), ticket.Ticket{ID: id, Title: "ticket " + id, Mode: mode})
	if err != nil {
		t.Fatalf("CreateTicket(%s): %v", id, err)
	}
}

func createUser(t *testing.T, s *store.Store, id string) {
	t.Helper()
	err := s.CreateUser(context.Background(), store.User{ID: id, Username: "user-" + id, PasswordHash: "x"})
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", id, err)
	}
}

func TestOpenRequiresClockAndLogger(t *testing.T) {
	t.Parallel()
	if _, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "a.db")}); err == nil {
		t.Error("Open without Clock succeeded")
	}
	if _, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "b.db"), Clock: clock.Real()}); err == nil {
		t.Error("Open without Logger succeeded")
	}
}

func TestTicketDefaults(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t)
	ctx := context.Background()
	createTicket(t, s, "t1", "")

	got, err := s.GetTicket(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	if got.Status != ticket.StatusTodo {
		t.Errorf("Status = %q, want %q", got.Status, ticket.StatusTodo)
	}
	if got.Mode != ticket.ModeAsk {
		t.Errorf("Mode = %q, want %q", got.Mode, ticket.ModeAsk)
	}
	if got.RequiredApprovals != ticket.DefaultRequiredApprovals {
		t.Errorf("RequiredApprovals = %d, want %d", got.RequiredApprovals, ticket.DefaultRequiredApprovals)
	}
	if !got.CreatedAt.Equal(epoch) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, epoch)
	}
	if got.PlanCreatedAt != nil {
		t.Errorf("PlanCreatedAt = %v, want nil", got.PlanCreatedAt)
	}

	if _, err := s.GetTicket(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetTicket(missing) error = %v, want ErrNotFound", err)
	}
}

func TestBeginSessionAllowsOneRunningSession(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t)
	ctx := context.Background()
	createTicket(t, s, "t1", ticket.ModeAsk)

	session, err := s.BeginSession(ctx, store.BeginSessionParams{SessionID: "s1", TicketID: "t1", Agent: "claude"})
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if session.Status != analysis.SessionRunning {
		t.Errorf("Status = %q, want running", session.Status)
	}

	_, err = s.BeginSession(ctx, store.BeginSessionParams{SessionID: "s2", TicketID: "t1", Agent: "claude"})
	if !errors.Is(err, store.ErrSessionRunning) {
		t.Fatalf("second BeginSession error = %v, want ErrSessionRunning", err)
	}

	record, err := s.GetTicket(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	if !record.IsAnalyzing {
		t.Error("IsAnalyzing = false after BeginSession")
	}

	running, err := s.RunningSessions(ctx)
	if err != nil {
		t.Fatalf("RunningSessions: %v", err)
	}
	if len(running) != 1 || running[0].ID != "s1" {
		t.Errorf("RunningSessions = %+v, want only s1", running)
	}
}

func TestBeginSessionUnknownTicket(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t)
	ctx := context.Background()

	_, err := s.BeginSession(ctx, store.BeginSessionParams{SessionID: "s1", TicketID: "nope"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("BeginSession error = %v, want ErrNotFound", err)
	}

	autoCreate := &ticket.Ticket{
		ID:          "nope",
		Title:       "Auto-created",
		Description: "what does checkout do?",
		Status:      ticket.StatusInProgress,
		Mode:        ticket.ModePlan,
	}
	if _, err := s.BeginSession(ctx, store.BeginSessionParams{SessionID: "s1", TicketID: "nope", AutoCreate: autoCreate}); err != nil {
		t.Fatalf("BeginSession with AutoCreate: %v", err)
	}
	record, err := s.GetTicket(ctx, "nope")
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	if record.Title != "Auto-created" || record.Status != ticket.StatusInProgress || !record.IsAnalyzing {
		t.Errorf("auto-created ticket = %+v", record)
	}
}

func TestFinishSessionIsExactlyOnce(t *testing.T) {
	t.Parallel()
	s, fake := openStore(t)
	ctx := context.Background()
	createTicket(t, s, "t1", ticket.ModeAsk)
	if _, err := s.BeginSession(ctx, store.BeginSessionParams{SessionID: "s1", TicketID: "t1"}); err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	fake.Advance(time.Minute)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		first error
	)
	statuses := []analysis.SessionStatus{analysis.SessionCompleted, analysis.SessionCancelled, analysis.SessionFailed}
	for _, status := range statuses {
		wg.Add(1)
		go func() {
			defer wg.Done()
			transitioned, err := s.FinishSession(ctx, store.FinishSessionParams{
				SessionID:      "s1",
				TicketID:       "t1",
				Status:         status,
				AnalysisResult: "result from " + string(status),
				SetResult:      true,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil && first == nil {
				first = err
			}
			if transitioned {
				wins++
			}
		}()
	}
	wg.Wait()
	if first != nil {
		t.Fatalf("FinishSession: %v", first)
	}
	if wins != 1 {
		t.Fatalf("transitions = %d, want exactly 1", wins)
	}

	session, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !session.Status.IsTerminal() {
		t.Errorf("Status = %q, want terminal", session.Status)
	}
	if session.CompletedAt == nil || !session.CompletedAt.Equal(epoch.Add(time.Minute)) {
		t.Errorf("CompletedAt = %v, want %v", session.CompletedAt, epoch.Add(time.Minute))
	}
	record, err := s.GetTicket(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	if record.IsAnalyzing {
		t.Error("IsAnalyzing = true after FinishSession")
	}
	if want := "result from " + string(session.Status); record.AnalysisResult != want {
		t.Errorf("AnalysisResult = %q, want %q", record.AnalysisResult, want)
	}

	// A new session is allowed once the previous one is terminal.
	if _, err := s.BeginSession(ctx, store.BeginSessionParams{SessionID: "s2", TicketID: "t1"}); err != nil {
		t.Fatalf("BeginSession after finish: %v", err)
	}
	latest, err := s.LatestSession(ctx, "t1")
	if err != nil {
		t.Fatalf("LatestSession: %v", err)
	}
	if latest.ID != "s2" {
		t.Errorf("LatestSession = %s, want s2", latest.ID)
	}
}

func TestFinishSessionRejectsRunningStatus(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t)
	_, err := s.FinishSession(context.Background(), store.FinishSessionParams{
		SessionID: "s1", TicketID: "t1", Status: analysis.SessionRunning,
	})
	if err == nil {
		t.Error("FinishSession(running) succeeded")
	}
}

func TestRecoverRunning(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t)
	ctx := context.Background()
	createTicket(t, s, "t1", ticket.ModeAsk)
	createTicket(t, s, "t2", ticket.ModeAsk)
	for _, id := range []string{"t1", "t2"} {
		if _, err := s.BeginSession(ctx, store.BeginSessionParams{SessionID: "s-" + id, TicketID: id}); err != nil {
			t.Fatalf("BeginSession(%s): %v", id, err)
		}
	}

	recovered, err := s.RecoverRunning(ctx, "interrupted by server restart")
	if err != nil {
		t.Fatalf("RecoverRunning: %v", err)
	}
	if len(recovered) != 2 {
		t.Fatalf("recovered %d sessions, want 2", len(recovered))
	}
	for _, id := range []string{"t1", "t2"} {
		session, err := s.LatestSession(ctx, id)
		if err != nil {
			t.Fatalf("LatestSession(%s): %v", id, err)
		}
		if session.Status != analysis.SessionFailed || session.ErrorMessage != "interrupted by server restart" {
			t.Errorf("session %s = %+v, want failed with restart message", id, session)
		}
		record, _ := s.GetTicket(ctx, id)
		if record.IsAnalyzing {
			t.Errorf("ticket %s still analyzing", id)
		}
	}
}

func TestLogsPagination(t *testing.T) {
	t.Parallel()
	s, fake := openStore(t)
	ctx := context.Background()
	createTicket(t, s, "t1", ticket.ModeAsk)
	createTicket(t, s, "other", ticket.ModeAsk)

	const count = 25
	for i := range count {
		entry := analysis.LogEntry{
			ID:          fmt.Sprintf("log-%02d", i),
			TicketID:    "t1",
			MessageType: analysis.MessageAssistant,
			Content:     fmt.Sprintf("line %d", i),
			Metadata:    map[string]string{"index": fmt.Sprint(i)},
			// Timestamps run backwards: order must follow insertion, not time.
			Timestamp: epoch.Add(-time.Duration(i) * time.Second),
		}
		if err := s.AppendLog(ctx, entry); err != nil {
			t.Fatalf("AppendLog(%d): %v", i, err)
		}
	}
	fake.Advance(time.Second)
	if err := s.AppendLog(ctx, analysis.LogEntry{ID: "foreign", TicketID: "other", MessageType: analysis.MessageSystem, Content: "x"}); err != nil {
		t.Fatalf("AppendLog(other): %v", err)
	}

	tests := []struct {
		limit, offset int
		wantLen       int
		wantFirst     string
		wantMore      bool
	}{
		{limit: 10, offset: 0, wantLen: 10, wantFirst: "log-00", wantMore: true},
		{limit: 10, offset: 20, wantLen: 5, wantFirst: "log-20", wantMore: false},
		{limit: 10, offset: 15, wantLen: 10, wantFirst: "log-15", wantMore: false},
		{limit: 0, offset: 0, wantLen: 25, wantFirst: "log-00", wantMore: false},
		{limit: 5000, offset: 24, wantLen: 1, wantFirst: "log-24", wantMore: false},
		{limit: 10, offset: 30, wantLen: 0, wantMore: false},
		{limit: 3, offset: -4, wantLen: 3, wantFirst: "log-00", wantMore: true},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("limit=%d/offset=%d", test.limit, test.offset), func(t *testing.T) {
			page, err := s.Logs(ctx, "t1", test.limit, test.offset)
			if err != nil {
				t.Fatalf("Logs: %v", err)
			}
			if page.Total != count {
				t.Errorf("Total = %d, want %d", page.Total, count)
			}
			if len(page.Logs) != test.wantLen {
				t.Fatalf("len(Logs) = %d, want %d", len(page.Logs), test.wantLen)
			}
			if test.wantLen > 0 && page.Logs[0].ID != test.wantFirst {
				t.Errorf("Logs[0].ID = %s, want %s", page.Logs[0].ID, test.wantFirst)
			}
			if page.HasMore != test.wantMore {
				t.Errorf("HasMore = %v, want %v", page.HasMore, test.wantMore)
			}
		})
	}

	page, err := s.Logs(ctx, "t1", 1, 7)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if got := page.Logs[0].Metadata["index"]; got != "7" {
		t.Errorf("Metadata[index] = %q, want 7", got)
	}

	var walked []string
	err = s.EachLog(ctx, "t1", func(entry analysis.LogEntry) error {
		walked = append(walked, entry.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("EachLog: %v", err)
	}
	if len(walked) != count || walked[0] != "log-00" || walked[count-1] != "log-24" {
		t.Errorf("EachLog order = %v", walked)
	}
}

func TestClampLogLimit(t *testing.T) {
	t.Parallel()
	for _, test := range []struct{ in, want int }{
		{-1, 100}, {0, 100}, {1, 1}, {100, 100}, {1000, 1000}, {1001, 1000},
	} {
		if got := store.ClampLogLimit(test.in); got != test.want {
			t.Errorf("ClampLogLimit(%d) = %d, want %d", test.in, got, test.want)
		}
	}
}

func TestDeleteTicketCascades(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t)
	ctx := context.Background()
	createTicket(t, s, "t1", ticket.ModePlan)
	createUser(t, s, "u1")

	if _, err := s.BeginSession(ctx, store.BeginSessionParams{SessionID: "s1", TicketID: "t1"}); err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if err := s.AppendLog(ctx, analysis.LogEntry{ID: "l1", TicketID: "t1", MessageType: analysis.MessageSystem, Content: "hi"}); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}
	if err := s.UpsertApproval(ctx, "a1", "t1", "u1", plan.Approved); err != nil {
		t.Fatalf("UpsertApproval: %v", err)
	}

	if err := s.DeleteTicket(ctx, "t1"); err != nil {
		t.Fatalf("DeleteTicket: %v", err)
	}
	page, err := s.Logs(ctx, "t1", 10, 0)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if page.Total != 0 {
		t.Errorf("logs survived delete: total = %d", page.Total)
	}
	if _, err := s.GetSession(ctx, "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetSession after delete error = %v, want ErrNotFound", err)
	}
	approvals, err := s.Approvals(ctx, "t1")
	if err != nil {
		t.Fatalf("Approvals: %v", err)
	}
	if len(approvals) != 0 {
		t.Errorf("approvals survived delete: %+v", approvals)
	}
	if err := s.DeleteTicket(ctx, "t1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second DeleteTicket error = %v, want ErrNotFound", err)
	}
}

func TestUpsertApprovalLastWriteWins(t *testing.T) {
	t.Parallel()
	s, fake := openStore(t)
	ctx := context.Background()
	createTicket(t, s, "t1", ticket.ModePlan)
	createUser(t, s, "u1")

	if err := s.UpsertApproval(ctx, "a1", "t1", "u1", plan.Approved); err != nil {
		t.Fatalf("UpsertApproval: %v", err)
	}
	fake.Advance(time.Hour)
	if err := s.UpsertApproval(ctx, "a2", "t1", "u1", plan.Rejected); err != nil {
		t.Fatalf("UpsertApproval: %v", err)
	}

	approvals, err := s.Approvals(ctx, "t1")
	if err != nil {
		t.Fatalf("Approvals: %v", err)
	}
	if len(approvals) != 1 {
		t.Fatalf("len(approvals) = %d, want 1", len(approvals))
	}
	got := approvals[0]
	if got.ID != "a1" || got.Status != plan.Rejected || got.Username != "user-u1" {
		t.Errorf("approval = %+v, want id a1 rejected by user-u1", got)
	}
	if !got.CreatedAt.Equal(epoch) || !got.UpdatedAt.Equal(epoch.Add(time.Hour)) {
		t.Errorf("timestamps = %v / %v", got.CreatedAt, got.UpdatedAt)
	}
}

func TestRecordPlanEditSetsCreatedAtOnce(t *testing.T) {
	t.Parallel()
	s, fake := openStore(t)
	ctx := context.Background()
	createTicket(t, s, "t1", ticket.ModePlan)
	createUser(t, s, "u1")

	_, first, err := s.RecordPlanEdit(ctx, store.PlanEditParams{EditID: "e1", TicketID: "t1", UserID: "u1", Content: "v1", ContentHash: "h1"})
	if err != nil {
		t.Fatalf("RecordPlanEdit: %v", err)
	}
	fake.Advance(time.Hour)
	edit, second, err := s.RecordPlanEdit(ctx, store.PlanEditParams{EditID: "e2", TicketID: "t1", UserID: "u1", Content: "v2", ContentHash: "h2"})
	if err != nil {
		t.Fatalf("RecordPlanEdit: %v", err)
	}

	if first.PlanCreatedAt == nil || !first.PlanCreatedAt.Equal(epoch) {
		t.Fatalf("first PlanCreatedAt = %v, want %v", first.PlanCreatedAt, epoch)
	}
	if second.PlanCreatedAt == nil || !second.PlanCreatedAt.Equal(epoch) {
		t.Errorf("PlanCreatedAt moved to %v after second edit", second.PlanCreatedAt)
	}
	if second.PlanContent != "v2" {
		t.Errorf("PlanContent = %q, want v2", second.PlanContent)
	}
	if edit.ContentBefore != "v1" || edit.ContentAfter != "v2" {
		t.Errorf("edit before/after = %q/%q, want v1/v2", edit.ContentBefore, edit.ContentAfter)
	}

	history, err := s.PlanEdits(ctx, "t1")
	if err != nil {
		t.Fatalf("PlanEdits: %v", err)
	}
	if len(history) != 2 || history[0].ID != "e1" || history[1].ID != "e2" {
		t.Errorf("history = %+v, want e1 then e2", history)
	}
	if history[0].ContentBefore != "" {
		t.Errorf("first edit ContentBefore = %q, want empty", history[0].ContentBefore)
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t)
	ctx := context.Background()
	createUser(t, s, "u1")
	err := s.CreateUser(ctx, store.User{ID: "u2", Username: "user-u1", PasswordHash: "y"})
	if !errors.Is(err, store.ErrUsernameTaken) {
		t.Fatalf("CreateUser duplicate error = %v, want ErrUsernameTaken", err)
	}
	got, err := s.GetUserByUsername(ctx, "user-u1")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if got.ID != "u1" {
		t.Errorf("ID = %s, want u1", got.ID)
	}
}
