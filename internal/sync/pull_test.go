package sync

import (
	"context"
	"fmt"
	"testing"
)

func seedChanges(t *testing.T, service *Service, workspaceID WorkspaceID, count int) {
	t.Helper()
	configs := make([]OperationConfig, 0, count)
	for index := 0; index < count; index++ {
		configs = append(configs, putConfig(
			fmt.Sprintf("%s-op-%03d", workspaceID, index),
			fmt.Sprintf("note-%03d", index),
			fmt.Sprintf(`{"n":%d}`, index),
			int64(index+1),
			fmt.Sprintf("%d:0:d1", index+1),
			"d1",
		))
	}
	if _, err := service.Push(context.Background(), workspaceID, configs); err != nil {
		t.Fatalf("failed to seed changes: %v", err)
	}
}

func TestPullPaginatesWithoutGapsOrDuplicates(t *testing.T) {
	service, _ := newTestService(t, testServiceOptions{})
	workspaceID := mustWorkspaceID(t, "ws-1")
	seedChanges(t, service, workspaceID, 7)

	seen := map[int64]bool{}
	cursor := int64(0)
	pages := 0
	for {
		result, err := service.Pull(context.Background(), workspaceID, PullRequest{Cursor: cursor, Limit: 3})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for _, change := range result.Changes {
			if change.ServerVersion <= cursor {
				t.Fatalf("page must only contain versions past the cursor")
			}
			if seen[change.ServerVersion] {
				t.Fatalf("version %d delivered twice", change.ServerVersion)
			}
			seen[change.ServerVersion] = true
		}
		cursor = result.NextCursor
		pages++
		if !result.HasMore {
			break
		}
		if pages > 10 {
			t.Fatalf("pagination did not converge")
		}
	}

	if len(seen) != 7 {
		t.Fatalf("expected all 7 changes, got %d", len(seen))
	}
	for version := int64(1); version <= 7; version++ {
		if !seen[version] {
			t.Fatalf("missing version %d", version)
		}
	}
	if pages != 3 {
		t.Fatalf("expected 3 pages of limit 3, got %d", pages)
	}
}

func TestPullFullPageWithNothingBeyondReportsNoMore(t *testing.T) {
	service, _ := newTestService(t, testServiceOptions{})
	workspaceID := mustWorkspaceID(t, "ws-1")
	seedChanges(t, service, workspaceID, 3)

	result, err := service.Pull(context.Background(), workspaceID, PullRequest{Cursor: 0, Limit: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Changes) != 3 || result.HasMore {
		t.Fatalf("exactly-full page must report hasMore=false: %d changes, more=%v",
			len(result.Changes), result.HasMore)
	}
	if result.NextCursor != 3 {
		t.Fatalf("expected cursor 3, got %d", result.NextCursor)
	}
}

func TestPullEmptyPageKeepsCursor(t *testing.T) {
	service, _ := newTestService(t, testServiceOptions{})
	workspaceID := mustWorkspaceID(t, "ws-1")
	seedChanges(t, service, workspaceID, 2)

	result, err := service.Pull(context.Background(), workspaceID, PullRequest{Cursor: 2, Limit: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Changes) != 0 || result.HasMore {
		t.Fatalf("expected empty page, got %d changes", len(result.Changes))
	}
	if result.NextCursor != 2 {
		t.Fatalf("empty page must keep the cursor, got %d", result.NextCursor)
	}
}

func TestPullClampsLimitToPageMaximum(t *testing.T) {
	service, _ := newTestService(t, testServiceOptions{limits: Limits{MaxPullLimit: 2}})
	workspaceID := mustWorkspaceID(t, "ws-1")
	seedChanges(t, service, workspaceID, 5)

	result, err := service.Pull(context.Background(), workspaceID, PullRequest{Cursor: 0, Limit: 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Changes) != 2 || !result.HasMore {
		t.Fatalf("limit must clamp to 2, got %d changes", len(result.Changes))
	}
}

func TestPullTableFilterAdvancesUnfilteredCursor(t *testing.T) {
	service, _ := newTestService(t, testServiceOptions{})
	workspaceID := mustWorkspaceID(t, "ws-1")
	ctx := context.Background()

	noteOp := putConfig("op-note", "note-1", `{"n":1}`, 1, "1:0:d1", "d1")
	threadOp := putConfig("op-thread", "thread-1", `{"subject":"x"}`, 1, "1:1:d1", "d1")
	threadOp.Table = TableThreads
	if _, err := service.Push(ctx, workspaceID, []OperationConfig{noteOp, threadOp}); err != nil {
		t.Fatalf("failed to seed: %v", err)
	}

	result, err := service.Pull(ctx, workspaceID, PullRequest{
		Cursor: 0,
		Limit:  10,
		Tables: []TableKind{TableNotes},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Changes) != 1 || result.Changes[0].TableName != "notes" {
		t.Fatalf("filter must return only notes, got %#v", result.Changes)
	}
	if result.NextCursor != 2 {
		t.Fatalf("cursor must advance over filtered-out entries, got %d", result.NextCursor)
	}
}

func TestPullIsScopedToWorkspace(t *testing.T) {
	service, _ := newTestService(t, testServiceOptions{})
	seedChanges(t, service, mustWorkspaceID(t, "ws-1"), 3)
	seedChanges(t, service, mustWorkspaceID(t, "ws-2"), 2)

	result, err := service.Pull(context.Background(), mustWorkspaceID(t, "ws-2"), PullRequest{Cursor: 0, Limit: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Changes) != 2 {
		t.Fatalf("expected only ws-2 changes, got %d", len(result.Changes))
	}
}

func TestPullDeleteCarriesNoPayload(t *testing.T) {
	service, _ := newTestService(t, testServiceOptions{})
	workspaceID := mustWorkspaceID(t, "ws-1")
	ctx := context.Background()

	if _, err := service.Push(ctx, workspaceID, []OperationConfig{
		putConfig("op-a", "note-1", `{"text":"x"}`, 1, "1:0:d1", "d1"),
		deleteConfig("op-b", "note-1", 2, "2:0:d1", "d1"),
	}); err != nil {
		t.Fatalf("failed to seed: %v", err)
	}

	result, err := service.Pull(ctx, workspaceID, PullRequest{Cursor: 1, Limit: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Changes) != 1 {
		t.Fatalf("expected one change, got %d", len(result.Changes))
	}
	change := result.Changes[0]
	if change.Op != OperationTypeDelete || change.PayloadJSON != "" {
		t.Fatalf("delete entries must carry no payload: %#v", change)
	}
}
