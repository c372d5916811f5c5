package agentrepo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestAgentRepoLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	initial := Snapshot{
		Name:         "Support Bot",
		Model:        "gpt-4o",
		Instructions: "Answer politely.",
		Temperature:  0.7,
	}

	if err := svc.EnsureAgentRepo("agent-1", initial, "Avery"); err != nil {
		t.Fatalf("EnsureAgentRepo() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "agent-1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	// Re-ensuring an existing agent is a no-op.
	if err := svc.EnsureAgentRepo("agent-1", initial, "Avery"); err != nil {
		t.Fatalf("EnsureAgentRepo() second call error = %v", err)
	}

	updated := initial
	updated.Instructions = "Answer politely and briefly."
	rev, err := svc.CommitSnapshot("agent-1", updated, "Avery", "Tighten instructions")
	if err != nil {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}
	if rev.Hash == "" {
		t.Fatal("expected revision hash")
	}

	history, err := svc.History("agent-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 revisions, got %d", len(history))
	}
	if !strings.HasPrefix(history[0].Message, "Tighten instructions") {
		t.Fatalf("expected newest revision first, got %q", history[0].Message)
	}

	changed, err := svc.GetSnapshotByHash("agent-1", rev.Hash)
	if err != nil {
		t.Fatalf("GetSnapshotByHash() error = %v", err)
	}
	if changed.Instructions != "Answer politely and briefly." {
		t.Fatalf("unexpected snapshot: %+v", changed)
	}

	head, headRev, err := svc.GetHeadSnapshot("agent-1")
	if err != nil {
		t.Fatalf("GetHeadSnapshot() error = %v", err)
	}
	if head != updated {
		t.Fatalf("head snapshot mismatch: %+v", head)
	}
	if headRev.Hash != rev.Hash {
		t.Fatalf("expected head revision %s, got %s", rev.Hash, headRev.Hash)
	}
}

func TestConcurrentCommitSnapshot(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	initial := Snapshot{
		Name:         "Support Bot",
		Model:        "gpt-4o",
		Instructions: "Base",
		Temperature:  0.5,
	}

	if err := svc.EnsureAgentRepo("agent-1", initial, "Avery"); err != nil {
		t.Fatalf("EnsureAgentRepo() error = %v", err)
	}

	const writers = 12
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			next := initial
			next.Instructions = fmt.Sprintf("instructions-%02d", idx)
			if _, err := svc.CommitSnapshot("agent-1", next, "Avery", fmt.Sprintf("Commit %02d", idx)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("CommitSnapshot() concurrent error = %v", err)
		}
	}

	history, err := svc.History("agent-1", 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) < writers+1 {
		t.Fatalf("expected at least %d revisions, got %d", writers+1, len(history))
	}

	head, _, err := svc.GetHeadSnapshot("agent-1")
	if err != nil {
		t.Fatalf("GetHeadSnapshot() error = %v", err)
	}
	if !strings.HasPrefix(head.Instructions, "instructions-") {
		t.Fatalf("unexpected head snapshot after concurrent commits: %+v", head)
	}
}

func TestDiffFields(t *testing.T) {
	from := Snapshot{Name: "Bot", Model: "gpt-4o", Instructions: "A", Temperature: 0.5}
	to := Snapshot{Name: "Bot", Model: "gpt-4o-mini", Instructions: "B", Temperature: 0.5}

	diff := DiffFields(from, to)
	if len(diff) != 2 {
		t.Fatalf("expected 2 changed fields, got %d: %v", len(diff), diff)
	}
	if diff[0]["field"] != "instructions" || diff[1]["field"] != "model" {
		t.Fatalf("unexpected diff order: %v", diff)
	}
	if !HasChanges(from, to) {
		t.Fatal("expected HasChanges to be true")
	}
	if HasChanges(from, from) {
		t.Fatal("expected HasChanges to be false for identical snapshots")
	}
}

func TestDeleteAgentRepo(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	if err := svc.EnsureAgentRepo("agent-1", Snapshot{Name: "Bot", Model: "gpt-4o"}, "Avery"); err != nil {
		t.Fatalf("EnsureAgentRepo() error = %v", err)
	}
	if err := svc.DeleteAgentRepo("agent-1"); err != nil {
		t.Fatalf("DeleteAgentRepo() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "agent-1")); !os.IsNotExist(err) {
		t.Fatalf("expected repo directory removed, stat err = %v", err)
	}
}
