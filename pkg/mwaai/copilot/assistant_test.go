package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/mwaai/pkg/mwaai/channels"
	"github.com/jholhewres/mwaai/pkg/mwaai/conversation"
)

type stubChannel struct {
	in chan *channels.IncomingMessage

	mu   sync.Mutex
	sent []string
}

func newStubChannel() *stubChannel {
	return &stubChannel{in: make(chan *channels.IncomingMessage, 4)}
}

func (s *stubChannel) Name() string                              { return "cloudapi" }
func (s *stubChannel) Connect(context.Context) error             { return nil }
func (s *stubChannel) Disconnect() error                         { return nil }
func (s *stubChannel) Receive() <-chan *channels.IncomingMessage { return s.in }
func (s *stubChannel) Owns(string) bool                          { return true }
func (s *stubChannel) IsConnected() bool                         { return true }
func (s *stubChannel) Health() channels.HealthStatus             { return channels.HealthStatus{Connected: true} }

func (s *stubChannel) DownloadMedia(ctx context.Context, msg *channels.IncomingMessage) ([]byte, string, error) {
	return []byte("quarterly numbers went up"), "text/plain", nil
}

func (s *stubChannel) Send(ctx context.Context, endpoint, to, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, fmt.Sprintf("%s|%s|%s", endpoint, to, text))
	return nil
}

func (s *stubChannel) sentMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// chatServer answers chat completions. Calls for the summary model get a
// fixed summary; the rest get "hello" and are recorded.
type chatServer struct {
	mu    sync.Mutex
	calls []chatRequest
}

func (c *chatServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	json.NewDecoder(r.Body).Decode(&req)

	reply := "hello"
	if req.Model == "gpt-4.1-nano" {
		reply = "numbers went up"
	} else {
		c.mu.Lock()
		c.calls = append(c.calls, req)
		c.mu.Unlock()
	}
	fmt.Fprintf(w, `{"choices":[{"message":{"content":%q},"finish_reason":"stop"}]}`, reply)
}

func (c *chatServer) mainCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func newTestAssistant(t *testing.T) (*Assistant, *stubChannel, *chatServer) {
	t.Helper()

	chat := &chatServer{}
	srv := httptest.NewServer(chat)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.API = APIConfig{BaseURL: srv.URL, APIKey: "test-key"}
	cfg.Storage = StorageConfig{Backend: StorageFile, Dir: dir}
	cfg.Scheduler.Storage = StorageFile
	cfg.Scheduler.Path = dir + "/tasks.json"
	cfg.Memory.Enabled = false
	cfg.Media.ArchiveDir = ""
	cfg.Channels.CloudAPI.Enabled = false
	cfg.Channels.WhatsApp.Enabled = false

	a, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch := newStubChannel()
	if err := a.ChannelManager().Register(ch); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return a, ch, chat
}

func lastUserTurn(t *testing.T, a *Assistant, key string) string {
	t.Helper()
	history, err := a.stores.History.Load(context.Background(), key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == conversation.RoleUser {
			return history[i].Content
		}
	}
	t.Fatal("no user turn in history")
	return ""
}

func TestOpenStores_FileBackendNeedsNoDatabase(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Storage = StorageConfig{Backend: StorageFile, Dir: dir}
	cfg.Scheduler.Storage = StorageFile
	cfg.Scheduler.Path = dir + "/tasks.json"
	cfg.Memory.Enabled = false

	stores, err := OpenStores(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("OpenStores: %v", err)
	}
	defer stores.Close()

	if stores.Backend != nil {
		t.Error("file backend should not open a database")
	}
	if stores.Memory != nil {
		t.Error("memory should be disabled")
	}
}

func TestOpenStores_UnknownBackend(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Storage.Backend = "s3"
	cfg.Database.SQLite.Path = t.TempDir() + "/mwaai.db"
	cfg.Memory.Enabled = false

	if _, err := OpenStores(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected error for unknown storage backend")
	}
}

func TestAssistant_HandleMessageRepliesAndPersists(t *testing.T) {
	t.Parallel()

	a, ch, chat := newTestAssistant(t)
	msg := &channels.IncomingMessage{
		ID:        "wamid.1",
		Channel:   "cloudapi",
		From:      "5511999999999",
		Endpoint:  "1234",
		Type:      channels.MessageText,
		Content:   "hi",
		Timestamp: time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC),
	}

	reply, err := a.HandleMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply != "hello" {
		t.Errorf("reply = %q, want hello", reply)
	}

	sent := ch.sentMessages()
	if len(sent) != 1 || sent[0] != "1234|5511999999999|hello" {
		t.Errorf("sent = %v", sent)
	}

	content := lastUserTurn(t, a, "5511999999999")
	raw, ok := strings.CutPrefix(content, "user input: ")
	if !ok {
		t.Fatalf("user turn %q lacks prefix", content)
	}
	var in map[string]any
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		t.Fatalf("user input is not JSON: %v", err)
	}
	if in["text"] != "hi" || in["to"] != "5511999999999" || in["phone_number_id"] != "1234" {
		t.Errorf("user input = %v", in)
	}
	if in["timestamp"] != "2026-03-01 12:30:00 UTC" {
		t.Errorf("timestamp = %v", in["timestamp"])
	}
	if v, present := in["file_content_summary"]; !present || v != nil {
		t.Errorf("file_content_summary = %v, want explicit null", v)
	}

	// Redelivery of the same id is dropped.
	reply, err = a.HandleMessage(context.Background(), msg)
	if err != nil || reply != "" {
		t.Errorf("duplicate: reply=%q err=%v", reply, err)
	}
	if got := chat.mainCalls(); got != 1 {
		t.Errorf("model calls = %d, want 1", got)
	}
	if len(ch.sentMessages()) != 1 {
		t.Errorf("duplicate message was answered")
	}
}

func TestAssistant_MediaSummaryInUserInput(t *testing.T) {
	t.Parallel()

	a, _, _ := newTestAssistant(t)
	msg := &channels.IncomingMessage{
		ID:       "wamid.doc",
		Channel:  "cloudapi",
		From:     "alice",
		Endpoint: "1234",
		Type:     channels.MessageDocument,
		Content:  "see attached",
		Media: &channels.MediaInfo{
			Type:     channels.MessageDocument,
			ID:       "media-1",
			MimeType: "text/plain",
			Filename: "report.txt",
		},
	}

	if _, err := a.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	content := lastUserTurn(t, a, "alice")
	if !strings.Contains(content, `"file_content_summary":"numbers went up"`) {
		t.Errorf("user turn %q lacks summary", content)
	}
	if !strings.Contains(content, `"timestamp":""`) {
		t.Errorf("user turn %q should carry an empty timestamp", content)
	}
}

func TestAssistant_UnsavedHistoryStillReplies(t *testing.T) {
	t.Parallel()

	a, ch, chat := newTestAssistant(t)
	if err := os.RemoveAll(filepath.Join(a.config.Storage.Dir, "conversations")); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	msg := &channels.IncomingMessage{ID: "m1", Channel: "cloudapi", From: "dave", Endpoint: "1234", Content: "hi"}

	reply, err := a.HandleMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply != "hello" {
		t.Errorf("reply = %q, want hello", reply)
	}
	if got := chat.mainCalls(); got != 1 {
		t.Errorf("model calls = %d, want 1", got)
	}
	sent := ch.sentMessages()
	if len(sent) != 1 || sent[0] != "1234|dave|hello" {
		t.Errorf("sent = %v", sent)
	}
}

func TestAssistant_ForgetSkipsModel(t *testing.T) {
	t.Parallel()

	a, ch, chat := newTestAssistant(t)
	msg := &channels.IncomingMessage{ID: "m1", Channel: "cloudapi", From: "bob", Endpoint: "1234", Content: "  Forget "}

	reply, err := a.HandleMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply != ResetReply {
		t.Errorf("reply = %q, want %q", reply, ResetReply)
	}
	if chat.mainCalls() != 0 {
		t.Error("forget should not call the model")
	}
	if len(ch.sentMessages()) != 1 {
		t.Error("reset confirmation not sent")
	}
}

func TestAssistant_StartProcessesChannelMessages(t *testing.T) {
	t.Parallel()

	a, ch, _ := newTestAssistant(t)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	ch.in <- &channels.IncomingMessage{ID: "m1", Channel: "cloudapi", From: "carol", Endpoint: "1234", Content: "hi"}

	deadline := time.Now().Add(5 * time.Second)
	for len(ch.sentMessages()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no reply sent")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAssistant_LockIsPerKey(t *testing.T) {
	t.Parallel()

	a := &Assistant{convLock: make(map[string]*keyLock)}

	unlockA := a.lock("a")
	acquired := make(chan struct{})
	go func() {
		unlock := a.lock("b")
		unlock()
		close(acquired)
	}()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock on another key blocked")
	}

	blocked := make(chan struct{})
	go func() {
		unlock := a.lock("a")
		unlock()
		close(blocked)
	}()
	select {
	case <-blocked:
		t.Fatal("second lock on the same key did not wait")
	case <-time.After(50 * time.Millisecond):
	}
	unlockA()
	<-blocked

	a.convMu.Lock()
	defer a.convMu.Unlock()
	if len(a.convLock) != 0 {
		t.Errorf("lock entries leaked: %d", len(a.convLock))
	}
}
