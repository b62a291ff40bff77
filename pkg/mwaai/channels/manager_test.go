package channels

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeChannel struct {
	name       string
	owned      string
	connectErr error
	in         chan *IncomingMessage

	mu   sync.Mutex
	sent []string
}

func newFakeChannel(name, owned string) *fakeChannel {
	return &fakeChannel{name: name, owned: owned, in: make(chan *IncomingMessage, 4)}
}

func (f *fakeChannel) Name() string                      { return f.name }
func (f *fakeChannel) Connect(ctx context.Context) error { return f.connectErr }
func (f *fakeChannel) Disconnect() error                 { return nil }
func (f *fakeChannel) Receive() <-chan *IncomingMessage  { return f.in }
func (f *fakeChannel) Owns(endpoint string) bool         { return endpoint == f.owned }
func (f *fakeChannel) IsConnected() bool                 { return f.connectErr == nil }
func (f *fakeChannel) Health() HealthStatus              { return HealthStatus{Connected: f.IsConnected()} }
func (f *fakeChannel) DownloadMedia(ctx context.Context, msg *IncomingMessage) ([]byte, string, error) {
	return []byte(f.name), "text/plain", nil
}

func (f *fakeChannel) Send(ctx context.Context, endpoint, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, endpoint+"|"+to+"|"+text)
	return nil
}

func (f *fakeChannel) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func TestManager_RoutesByEndpoint(t *testing.T) {
	t.Parallel()

	cloud := newFakeChannel("cloudapi", "1234")
	device := newFakeChannel("whatsapp", "5511999999999")

	m := NewManager(nil)
	m.Register(cloud)
	m.Register(device)

	ctx := context.Background()
	m.Send(ctx, "5511999999999", "alice", "via device")
	m.Send(ctx, "1234", "bob", "via cloud")
	m.Send(ctx, "unknown", "carol", "default route")

	if got := device.sentMessages(); len(got) != 1 || got[0] != "5511999999999|alice|via device" {
		t.Errorf("device sent = %v", got)
	}
	if got := cloud.sentMessages(); len(got) != 2 || got[1] != "unknown|carol|default route" {
		t.Errorf("cloud sent = %v", got)
	}
}

func TestManager_NoChannels(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	err := m.Send(context.Background(), "x", "y", "z")
	if !errors.Is(err, ErrNoChannel) {
		t.Errorf("expected ErrNoChannel, got %v", err)
	}
}

func TestManager_DuplicateRegister(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	if err := m.Register(newFakeChannel("a", "")); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(newFakeChannel("a", "")); err == nil {
		t.Error("expected duplicate registration error")
	}
}

func TestManager_MergesInbound(t *testing.T) {
	t.Parallel()

	a := newFakeChannel("a", "")
	b := newFakeChannel("b", "")
	broken := newFakeChannel("broken", "")
	broken.connectErr = errors.New("no session")

	m := NewManager(nil)
	m.Register(a)
	m.Register(b)
	m.Register(broken)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	a.in <- &IncomingMessage{ID: "1", Channel: "a"}
	b.in <- &IncomingMessage{ID: "2", Channel: "b"}

	seen := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case msg := <-m.Messages():
			seen[msg.ID] = true
		case <-timeout:
			t.Fatalf("timed out, got %v", seen)
		}
	}

	data, _, err := m.DownloadMedia(ctx, &IncomingMessage{Channel: "b"})
	if err != nil || string(data) != "b" {
		t.Errorf("DownloadMedia = %q, %v", data, err)
	}
}
