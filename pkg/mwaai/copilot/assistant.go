// Package copilot implements the assistant orchestrator.
// It coordinates channels, media summarization, the dialogue agent, the
// tool dispatcher and the scheduler to answer WhatsApp messages.
package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/jholhewres/mwaai/pkg/mwaai/channels"
	"github.com/jholhewres/mwaai/pkg/mwaai/channels/cloudapi"
	"github.com/jholhewres/mwaai/pkg/mwaai/channels/whatsapp"
	"github.com/jholhewres/mwaai/pkg/mwaai/conversation"
	"github.com/jholhewres/mwaai/pkg/mwaai/copilot/memory"
	"github.com/jholhewres/mwaai/pkg/mwaai/database"
	"github.com/jholhewres/mwaai/pkg/mwaai/dedup"
	"github.com/jholhewres/mwaai/pkg/mwaai/media"
	"github.com/jholhewres/mwaai/pkg/mwaai/metrics"
	"github.com/jholhewres/mwaai/pkg/mwaai/scheduler"
	"github.com/jholhewres/mwaai/pkg/mwaai/timezone"
)

// generalKey is the conversation key for messages without a sender.
const generalKey = "general"

// timestampLayout is the format of the user input timestamp.
const timestampLayout = "2006-01-02 15:04:05 UTC"

// Stores bundles the persistence used by the assistant.
type Stores struct {
	// Backend is the shared SQL database (nil when nothing uses it).
	Backend *database.Backend

	Timezones timezone.Store
	Tasks     scheduler.TaskStore
	History   *conversation.Store
	Dedup     dedup.Store

	// Memory is nil when the similarity store is disabled or unsupported.
	Memory memory.SimilarityStore
}

// Close releases the database connection, if any.
func (s *Stores) Close() error {
	if s.Backend == nil {
		return nil
	}
	return s.Backend.Close()
}

// OpenStores opens every store selected by cfg.
func OpenStores(ctx context.Context, cfg *Config, logger *slog.Logger) (*Stores, error) {
	if logger == nil {
		logger = slog.Default()
	}

	useDB := cfg.Storage.Backend != StorageFile || cfg.Scheduler.Storage != StorageFile || cfg.Memory.Enabled

	stores := &Stores{}
	if useDB {
		backend, err := database.Open(ctx, cfg.Database, logger.With("component", "database"))
		if err != nil {
			return nil, err
		}
		stores.Backend = backend
	}

	opts := conversation.Options{
		SystemPrompt: BuildSystemPrompt(cfg.Name, cfg.Instructions),
		Logger:       logger.With("component", "conversation"),
	}

	switch cfg.Storage.Backend {
	case StorageFile:
		dir := cfg.Storage.Dir
		tz, err := timezone.NewFileStore(filepath.Join(dir, "timezones"))
		if err != nil {
			stores.Close()
			return nil, fmt.Errorf("timezone store: %w", err)
		}
		history, err := conversation.NewFileStore(filepath.Join(dir, "conversations"), opts)
		if err != nil {
			stores.Close()
			return nil, fmt.Errorf("conversation store: %w", err)
		}
		ids, err := dedup.NewFileStore(filepath.Join(dir, "message_ids"))
		if err != nil {
			stores.Close()
			return nil, fmt.Errorf("dedup store: %w", err)
		}
		stores.Timezones, stores.History, stores.Dedup = tz, history, ids
	case StorageDatabase, "":
		stores.Timezones = timezone.NewSQLStore(stores.Backend)
		stores.History = conversation.NewSQLStore(stores.Backend, opts)
		stores.Dedup = dedup.NewSQLStore(stores.Backend)
	default:
		stores.Close()
		return nil, fmt.Errorf("unsupported storage backend: %q", cfg.Storage.Backend)
	}

	if cfg.Scheduler.Storage == StorageFile {
		tasks, err := scheduler.NewFileTaskStore(cfg.Scheduler.Path, logger.With("component", "tasks"))
		if err != nil {
			stores.Close()
			return nil, fmt.Errorf("task store: %w", err)
		}
		stores.Tasks = tasks
	} else {
		stores.Tasks = scheduler.NewSQLTaskStore(stores.Backend)
	}

	if cfg.Memory.Enabled && stores.Backend != nil && stores.Backend.Vector != nil {
		embCfg := cfg.Memory.Embedding
		if embCfg.APIKey == "" {
			embCfg.APIKey = cfg.API.APIKey
		}
		if embCfg.BaseURL == "" {
			embCfg.BaseURL = cfg.API.BaseURL
		}
		stores.Memory = memory.NewVectorMemory(memory.NewEmbeddingProvider(embCfg), stores.Backend.Vector)
	} else if cfg.Memory.Enabled {
		logger.Warn("similarity memory unavailable on this backend")
	}

	return stores, nil
}

// Assistant is the main orchestrator.
// Message flow: receive → dedup → media summary → agent → send.
type Assistant struct {
	config *Config
	stores *Stores

	llm        *LLMClient
	dispatcher *Dispatcher
	agent      *Agent
	summarizer *media.Summarizer

	// channelMgr routes inbound and outbound traffic.
	channelMgr *channels.Manager
	cloudAPI   *cloudapi.CloudAPI
	whatsApp   *whatsapp.WhatsApp

	scheduler *scheduler.Scheduler
	metrics   *metrics.Metrics

	// convMu serializes the handling of one conversation.
	convMu   sync.Mutex
	convLock map[string]*keyLock

	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// New builds an assistant and opens its stores.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*Assistant, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	stores, err := OpenStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewWithStores(cfg, stores, logger)
}

// NewWithStores builds an assistant on already opened stores.
func NewWithStores(cfg *Config, stores *Stores, logger *slog.Logger) (*Assistant, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m := metrics.New()
	llm := NewLLMClient(cfg, logger)

	agentCfg := cfg.Agent.Effective()
	dispatcher := NewDispatcher(stores.Timezones, stores.Tasks, stores.Memory,
		time.Duration(agentCfg.ToolTimeoutSeconds)*time.Second, logger)
	dispatcher.SetMetrics(m)

	agent := NewAgent(llm, dispatcher, stores.History, BuildSystemPrompt(cfg.Name, cfg.Instructions), agentCfg, logger)
	agent.SetMetrics(m)

	a := &Assistant{
		config:     cfg,
		stores:     stores,
		llm:        llm,
		dispatcher: dispatcher,
		agent:      agent,
		channelMgr: channels.NewManager(logger),
		metrics:    m,
		convLock:   make(map[string]*keyLock),
		logger:     logger.With("component", "assistant"),
	}

	if cfg.Media.Enabled {
		var archive *media.Archive
		if cfg.Media.ArchiveDir != "" {
			arc, err := media.NewArchive(cfg.Media.ArchiveDir, logger)
			if err != nil {
				return nil, fmt.Errorf("media archive: %w", err)
			}
			archive = arc
		}
		a.summarizer = media.NewSummarizer(llm, archive, cfg.Media, logger)
	}

	if cfg.Channels.CloudAPI.Enabled {
		a.cloudAPI = cloudapi.New(cfg.Channels.CloudAPI, logger)
		if err := a.channelMgr.Register(a.cloudAPI); err != nil {
			return nil, err
		}
	}
	if cfg.Channels.WhatsApp.Enabled {
		a.whatsApp = whatsapp.New(cfg.Channels.WhatsApp, logger)
		if err := a.channelMgr.Register(a.whatsApp); err != nil {
			return nil, err
		}
	}

	a.scheduler = scheduler.New(stores.Tasks, a.channelMgr, cfg.Scheduler, logger)
	a.scheduler.SetMetrics(m)

	return a, nil
}

// Start connects the channels, starts the scheduler and the message loop.
func (a *Assistant) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.logger.Info("starting mwaai",
		"name", a.config.Name,
		"model", a.config.Model,
		"storage", a.config.Storage.Backend,
		"memory", a.stores.Memory != nil,
	)

	if err := a.channelMgr.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start channels: %w", err)
	}

	if err := a.scheduler.Start(a.ctx); err != nil {
		a.logger.Error("failed to start scheduler", "error", err)
	}

	a.wg.Add(1)
	go a.messageLoop()

	a.logger.Info("mwaai started")
	return nil
}

// Stop shuts down all subsystems and closes the stores.
func (a *Assistant) Stop() {
	a.logger.Info("stopping mwaai...")

	if a.cancel != nil {
		a.cancel()
	}

	a.scheduler.Stop()
	a.channelMgr.Stop()
	a.wg.Wait()

	if err := a.stores.Close(); err != nil {
		a.logger.Warn("failed to close stores", "error", err)
	}
	a.logger.Info("mwaai stopped")
}

// ChannelManager returns the channel manager for external registration.
func (a *Assistant) ChannelManager() *channels.Manager { return a.channelMgr }

// CloudAPI returns the Cloud API channel, or nil when disabled.
func (a *Assistant) CloudAPI() *cloudapi.CloudAPI { return a.cloudAPI }

// WhatsApp returns the linked-device channel, or nil when disabled.
func (a *Assistant) WhatsApp() *whatsapp.WhatsApp { return a.whatsApp }

// Metrics returns the metrics registry.
func (a *Assistant) Metrics() *metrics.Metrics { return a.metrics }

// Scheduler returns the delivery scheduler.
func (a *Assistant) Scheduler() *scheduler.Scheduler { return a.scheduler }

// messageLoop processes messages from all channels.
func (a *Assistant) messageLoop() {
	defer a.wg.Done()
	for {
		select {
		case msg, ok := <-a.channelMgr.Messages():
			if !ok {
				return
			}
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				if _, err := a.HandleMessage(a.ctx, msg); err != nil {
					a.logger.Error("failed to handle message",
						"channel", msg.Channel,
						"from", msg.From,
						"msg_id", msg.ID,
						"error", err,
					)
				}
			}()

		case <-a.ctx.Done():
			return
		}
	}
}

// userInput is the structured user turn handed to the model.
type userInput struct {
	Text               string  `json:"text"`
	Timestamp          string  `json:"timestamp"`
	FileContentSummary *string `json:"file_content_summary"`
	To                 string  `json:"to"`
	PhoneNumberID      string  `json:"phone_number_id"`
}

// HandleMessage answers one inbound message and returns the reply sent.
// A duplicate message id yields an empty reply and no error.
func (a *Assistant) HandleMessage(ctx context.Context, msg *channels.IncomingMessage) (string, error) {
	logger := a.logger.With(
		"channel", msg.Channel,
		"from", msg.From,
		"msg_id", msg.ID,
	)
	a.metrics.RecordInbound(msg.Channel, string(msg.Type))

	key := msg.From
	if key == "" {
		key = generalKey
	}

	if msg.ID != "" {
		claimed, err := a.stores.Dedup.Claim(ctx, key, msg.ID)
		if err != nil {
			return "", fmt.Errorf("dedup: %w", err)
		}
		if !claimed {
			a.metrics.RecordDuplicate()
			logger.Info("message already processed")
			return "", nil
		}
	}

	input := userInput{
		Text:          msg.Content,
		To:            msg.From,
		PhoneNumberID: msg.Endpoint,
	}
	if !msg.Timestamp.IsZero() {
		input.Timestamp = msg.Timestamp.UTC().Format(timestampLayout)
	}
	if summary, ok := a.summarizeMedia(ctx, msg, logger); ok {
		input.FileContentSummary = &summary
	}

	unlock := a.lock(key)
	defer unlock()

	encoded, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("encode user input: %w", err)
	}

	runCtx := ContextWithDelivery(ctx, msg.From, msg.Endpoint)
	result, err := a.agent.Run(runCtx, Request{
		Key:     key,
		Text:    msg.Content,
		Content: "user input: " + string(encoded),
	})
	if err != nil {
		// The reply is still valid; only the history was not saved.
		logger.Warn("replying without saved history", "outcome", result.Outcome, "error", err)
	}

	logger.Debug("message handled", "outcome", result.Outcome, "steps", result.Steps)

	if msg.From == "" || result.Reply == "" {
		return result.Reply, nil
	}

	err = a.channelMgr.Send(ctx, msg.Endpoint, msg.From, result.Reply)
	a.metrics.RecordOutbound(msg.Channel, err)
	if err != nil {
		return result.Reply, fmt.Errorf("send reply: %w", err)
	}
	return result.Reply, nil
}

// summarizeMedia downloads and summarizes an attachment. Failures are
// logged and leave the summary absent.
func (a *Assistant) summarizeMedia(ctx context.Context, msg *channels.IncomingMessage, logger *slog.Logger) (string, bool) {
	if msg.Media == nil || a.summarizer == nil {
		return "", false
	}

	data, mimeType, err := a.channelMgr.DownloadMedia(ctx, msg)
	if err != nil {
		logger.Warn("failed to download media", "media_id", msg.Media.ID, "error", err)
		return "", false
	}
	if mimeType == "" {
		mimeType = msg.Media.MimeType
	}

	summary, err := a.summarizer.Summarize(ctx, media.Ref{
		ID:       msg.Media.ID,
		Data:     data,
		MimeType: mimeType,
		Filename: msg.Media.Filename,
	}, media.KindOf(mimeType))
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, media.ErrUnsupported) {
			level = slog.LevelInfo
		}
		logger.Log(ctx, level, "failed to summarize media", "mime_type", mimeType, "error", err)
		return "", false
	}
	return summary, true
}

// lock acquires the per-conversation lock for key.
func (a *Assistant) lock(key string) func() {
	a.convMu.Lock()
	l, ok := a.convLock[key]
	if !ok {
		l = &keyLock{}
		a.convLock[key] = l
	}
	l.refs++
	a.convMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		a.convMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(a.convLock, key)
		}
		a.convMu.Unlock()
	}
}
