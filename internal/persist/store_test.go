package persist

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func writeCorruptIndex(dir string) error {
	return os.WriteFile(filepath.Join(dir, "conversations.json"), []byte("{broken"), 0o644)
}

func TestToolOutputs_RoundTrip(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	id := uuid.New()

	manifest := ToolOutputsManifest{Executions: map[string]ToolExecutionRecord{
		"toolu_1": {
			ID:        "toolu_1",
			Name:      "read_file",
			Input:     "Reading a.txt",
			InputData: json.RawMessage(`{"path":"a.txt"}`),
			Output:    "contents",
		},
		"toolu_2": {
			ID:      "toolu_2",
			Name:    "web_fetch",
			Input:   "Fetching https://example.com",
			Output:  "HTTP 404: not found",
			IsError: true,
		},
	}}
	if err := s.SaveToolOutputs(id, manifest); err != nil {
		t.Fatal(err)
	}

	loaded := s.LoadToolOutputs(id)
	if len(loaded.Executions) != 2 {
		t.Fatalf("executions = %d, want 2", len(loaded.Executions))
	}
	got := loaded.Executions["toolu_1"]
	if got.Name != "read_file" || string(got.InputData) != `{"path":"a.txt"}` {
		t.Errorf("record mangled: %+v", got)
	}
	if !loaded.Executions["toolu_2"].IsError {
		t.Error("error flag lost")
	}
}

func TestToolOutputs_MissingLoadsEmpty(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	loaded := s.LoadToolOutputs(uuid.New())
	if loaded.Executions == nil || len(loaded.Executions) != 0 {
		t.Errorf("missing manifest should load empty, got %+v", loaded)
	}
}

func TestMessages_RoundTrip(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	id := uuid.New()

	manifest := MessagesManifest{Messages: []MessageRecord{
		{
			ID:   uuid.NewString(),
			Kind: "user",
			Content: []ContentRecord{
				{Type: ContentText, Text: "summarize this"},
				{Type: ContentAttachment, Attachment: &AttachmentRecord{
					ID:           uuid.NewString(),
					RelativePath: "attachments/m1/report.pdf",
					FileName:     "report.pdf",
					MimeType:     "application/pdf",
					FileSize:     1234,
				}},
			},
			Timestamp: time.Now().UTC().Truncate(time.Second),
		},
		{
			ID:   uuid.NewString(),
			Kind: "assistant",
			Content: []ContentRecord{
				{Type: ContentThinking, Thinking: ThinkingData{Thinking: "let me see", Signature: "sig"}},
				{Type: ContentToolExecution, ToolUseID: "toolu_1"},
				{Type: ContentText, Text: "done"},
			},
			Timestamp: time.Now().UTC().Truncate(time.Second),
		},
	}}
	if err := s.SaveMessages(id, manifest); err != nil {
		t.Fatal(err)
	}

	loaded, ok := s.LoadMessages(id)
	if !ok {
		t.Fatal("manifest should load")
	}
	if len(loaded.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(loaded.Messages))
	}

	user := loaded.Messages[0]
	if user.Content[1].Attachment == nil || user.Content[1].Attachment.RelativePath != "attachments/m1/report.pdf" {
		t.Errorf("attachment record mangled: %+v", user.Content[1])
	}

	asst := loaded.Messages[1]
	if asst.Content[0].Thinking.Signature != "sig" {
		t.Errorf("thinking signature lost: %+v", asst.Content[0])
	}
	if asst.Content[1].ToolUseID != "toolu_1" {
		t.Errorf("tool reference lost: %+v", asst.Content[1])
	}
	if asst.Content[2].Text != "done" {
		t.Errorf("text lost: %+v", asst.Content[2])
	}
}

func TestMessages_MissingManifestReportsAbsent(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	if _, ok := s.LoadMessages(uuid.New()); ok {
		t.Error("missing manifest should report absent")
	}
}

func TestContentRecord_LegacyThinkingDecodes(t *testing.T) {
	var rec ContentRecord
	if err := json.Unmarshal([]byte(`{"type":"thinking","data":"old style thought"}`), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Thinking.Thinking != "old style thought" || rec.Thinking.Signature != "" {
		t.Errorf("legacy form mis-decoded: %+v", rec.Thinking)
	}

	if err := json.Unmarshal([]byte(`{"type":"thinking","data":{"thinking":"new","signature":"s"}}`), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Thinking.Thinking != "new" || rec.Thinking.Signature != "s" {
		t.Errorf("structured form mis-decoded: %+v", rec.Thinking)
	}
}

func TestIndex_SortedByRecencyDescending(t *testing.T) {
	s := NewStore(t.TempDir(), nil)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	first, second, third := uuid.New(), uuid.New(), uuid.New()
	if err := s.TouchIndex(first, base); err != nil {
		t.Fatal(err)
	}
	if err := s.TouchIndex(second, base.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := s.TouchIndex(third, base.Add(2*time.Hour)); err != nil {
		t.Fatal(err)
	}

	entries := s.LoadIndex()
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	want := []string{third.String(), second.String(), first.String()}
	for i, w := range want {
		if entries[i].ID != w {
			t.Errorf("entry %d = %s, want %s", i, entries[i].ID, w)
		}
	}

	// Updating an old conversation moves it to the front.
	if err := s.TouchIndex(first, base.Add(3*time.Hour)); err != nil {
		t.Fatal(err)
	}
	entries = s.LoadIndex()
	if entries[0].ID != first.String() {
		t.Errorf("updated entry should sort first, got %s", entries[0].ID)
	}
	if len(entries) != 3 {
		t.Errorf("update should not duplicate entries: %d", len(entries))
	}
}

func TestIndex_CorruptLoadsEmpty(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil)
	if err := s.TouchIndex(uuid.New(), time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := writeCorruptIndex(dir); err != nil {
		t.Fatal(err)
	}
	if entries := s.LoadIndex(); len(entries) != 0 {
		t.Errorf("corrupt index should load empty, got %v", entries)
	}
}

func TestDeleteConversation_RemovesEntryAndDirectory(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	id := uuid.New()

	if err := s.SaveSessionBlob(id, []byte(`[]`)); err != nil {
		t.Fatal(err)
	}
	if err := s.TouchIndex(id, time.Now()); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteConversation(id); err != nil {
		t.Fatal(err)
	}
	if entries := s.LoadIndex(); len(entries) != 0 {
		t.Errorf("index entry not removed: %v", entries)
	}
	if blob, err := s.LoadSessionBlob(id); err != nil || blob != nil {
		t.Errorf("directory not removed: blob=%v err=%v", blob, err)
	}
}

func TestSessionBlob_MissingIsNil(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	blob, err := s.LoadSessionBlob(uuid.New())
	if err != nil || blob != nil {
		t.Errorf("missing blob should be (nil, nil), got (%v, %v)", blob, err)
	}
}
