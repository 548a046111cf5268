package convsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// API is the backend contract the engine consumes. *Client implements it.
type API interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	GetOrCreateConversation(ctx context.Context, vendorID string) (Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	SendMessage(ctx context.Context, conversationID string, req SendRequest) (Message, error)
	MarkRead(ctx context.Context, conversationID string) (time.Time, error)
}

// Uploader stores a file and returns the handle a file message refers to.
type Uploader interface {
	Upload(ctx context.Context, f FileUpload) (Attachment, error)
}

var (
	_ API      = (*Client)(nil)
	_ Uploader = (*Client)(nil)
)

// Options configures an Engine. API and Side are required.
type Options struct {
	Side Side
	API  API
	// Uploader defaults to API when it also implements Uploader.
	Uploader Uploader
	// Stream is optional; without it sends resolve from the API response alone.
	Stream Stream
	// Store keeps last-good snapshots. The caller owns and closes it.
	Store SnapshotStore
	// Tokens defaults to NewTokenGenerator().
	Tokens TokenSource
	Logger *slog.Logger
	// Registerer receives the engine's metrics; nil keeps them private.
	Registerer prometheus.Registerer
	// Config supplies limits and timeouts; nil means DefaultConfig().
	Config *Config
	Now    func() time.Time
}

// ============================================================================
// Engine
// ============================================================================

// Engine is the conversation synchronization engine. It owns the cache, the
// conversation index and the stream subscription for its lifetime.
type Engine struct {
	side    Side
	api     API
	stream  Stream
	log     *slog.Logger
	metrics *Metrics
	events  *emitter
	now     func() time.Time

	cache  *Cache
	index  *ConversationIndex
	w      *writer
	loader *SnapshotLoader
	sender *sendPipeline
	router *router
	healer *reconciler

	sendTimeout time.Duration
	timeout     time.Duration
	refreshes   singleflight.Group

	ctx       context.Context
	cancel    context.CancelFunc
	bgMu      sync.Mutex
	closed    bool
	wg        sync.WaitGroup
	unsub     func()
	closeOnce sync.Once
}

// New wires an engine. Nothing touches the network until Start or Open.
func New(opts Options) (*Engine, error) {
	if !opts.Side.Valid() {
		return nil, &Error{Kind: KindValidation, Op: "new engine", Message: "side must be user or vendor"}
	}
	if opts.API == nil {
		return nil, &Error{Kind: KindValidation, Op: "new engine", Message: "API is required"}
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		cp := *cfg
		cp.defaults()
		cfg = &cp
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "convsync", "side", string(opts.Side))
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = NewTokenGenerator()
	}
	uploader := opts.Uploader
	if uploader == nil {
		uploader, _ = opts.API.(Uploader)
	}

	e := &Engine{
		side:        opts.Side,
		api:         opts.API,
		stream:      opts.Stream,
		log:         log,
		metrics:     NewMetrics(opts.Registerer),
		events:      newEmitter(log),
		now:         now,
		cache:       NewCache(),
		index:       NewConversationIndex(),
		sendTimeout: cfg.Engine.SendTimeout.Std(),
		timeout:     cfg.Engine.SnapshotTimeout.Std(),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.w = newWriter(e.cache)
	e.loader = &SnapshotLoader{
		api:     opts.API,
		w:       e.w,
		cache:   e.cache,
		index:   e.index,
		store:   opts.Store,
		metrics: e.metrics,
		log:     log,
		limit:   cfg.Engine.HistoryLimit,
		timeout: e.timeout,
	}
	e.sender = &sendPipeline{
		api:           opts.API,
		uploader:      uploader,
		w:             e.w,
		cache:         e.cache,
		index:         e.index,
		tokens:        tokens,
		events:        e.events,
		metrics:       e.metrics,
		log:           log,
		side:          opts.Side,
		sendTimeout:   e.sendTimeout,
		uploadTimeout: cfg.Engine.UploadTimeout.Std(),
		now:           now,
		refresh:       e.refreshInBackground,
	}
	e.healer = &reconciler{loader: e.loader, events: e.events, metrics: e.metrics, log: log}
	e.router = &router{
		stream:      opts.Stream,
		w:           e.w,
		index:       e.index,
		events:      e.events,
		metrics:     e.metrics,
		log:         log,
		onReconnect: e.healInBackground,
	}
	return e, nil
}

// Start subscribes to the stream and connects it. A connect failure is
// returned but leaves the engine usable over the REST API.
func (e *Engine) Start(ctx context.Context) error {
	if e.stream == nil {
		return nil
	}
	if e.unsub == nil {
		e.unsub = e.stream.Subscribe(e.router.handle)
	}
	if err := e.stream.Connect(ctx); err != nil {
		e.log.WarnContext(ctx, "stream.connect_failed", "error", err)
		var ce *Error
		if errors.As(err, &ce) {
			return err
		}
		return &Error{Kind: KindStreamDisconnected, Op: "start", Err: err}
	}
	return nil
}

// Close stops background work and disconnects the stream. Sends still in
// flight run to completion against their own contexts.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.bgMu.Lock()
		e.closed = true
		e.bgMu.Unlock()
		e.cancel()
		if e.unsub != nil {
			e.unsub()
		}
		if e.stream != nil {
			err = e.stream.Disconnect()
		}
		e.wg.Wait()
		e.events.removeAll()
	})
	return err
}

// On registers an engine event handler (see the Event* constants).
func (e *Engine) On(event string, h EventHandler) {
	e.events.On(event, h)
}

// ── Conversations ────────────────────────────────────────

// Open makes conversationID the active conversation: the stream moves to its
// channel and its history and the conversation list are loaded. When the
// history cannot be fetched the previous cache (or the persisted snapshot)
// stays in place and the typed error is returned.
func (e *Engine) Open(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return &Error{Kind: KindValidation, Op: "open", Message: "conversation id is required"}
	}
	ctx = WithConversation(ctx, conversationID)
	e.router.switchTo(ctx, conversationID)

	var g errgroup.Group
	g.Go(func() error {
		_, err := e.loader.LoadMessages(ctx, conversationID)
		return err
	})
	g.Go(func() error {
		if _, err := e.loader.LoadConversations(ctx); err != nil {
			e.loader.hydrateConversations(ctx)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		if e.loader.hydrate(ctx, conversationID) || e.cache.Len(conversationID) > 0 {
			e.events.emit(EventSnapshotStale, SnapshotStale{ConversationID: conversationID, Err: err})
		}
		return err
	}
	return nil
}

// OpenVendor gets or creates the caller's conversation with vendorID and
// opens it.
func (e *Engine) OpenVendor(ctx context.Context, vendorID string) (Conversation, error) {
	if vendorID == "" {
		return Conversation{}, &Error{Kind: KindValidation, Op: "open vendor", Message: "vendor id is required"}
	}
	gctx, cancel := context.WithTimeout(ctx, e.timeout)
	c, err := e.api.GetOrCreateConversation(gctx, vendorID)
	cancel()
	if err != nil {
		return Conversation{}, wrapTransport("get or create conversation", err)
	}
	e.index.Upsert(c)
	if err := e.Open(ctx, c.ID); err != nil {
		return c, err
	}
	if fresh, ok := e.index.Get(c.ID); ok {
		c = fresh
	}
	return c, nil
}

// Active returns the active conversation id.
func (e *Engine) Active() string {
	return e.router.activeConversation()
}

// Conversations lists known conversations, most recently active first.
func (e *Engine) Conversations() []Conversation {
	return e.index.List()
}

// Conversation returns the metadata of one conversation.
func (e *Engine) Conversation(id string) (Conversation, bool) {
	return e.index.Get(id)
}

// RefreshConversations reloads the conversation list.
func (e *Engine) RefreshConversations(ctx context.Context) error {
	_, err := e.loader.LoadConversations(ctx)
	return err
}

// Heal forces a snapshot reload of the active conversation, as a reconnect
// would.
func (e *Engine) Heal(ctx context.Context) error {
	return e.healer.heal(ctx, e.Active())
}

// ── Messages ─────────────────────────────────────────────

// Messages returns the current timeline of a conversation, sorted.
func (e *Engine) Messages(conversationID string) []Message {
	return e.cache.Messages(conversationID)
}

// Watch subscribes to a conversation's timeline; see Cache.Watch.
func (e *Engine) Watch(conversationID string) (<-chan []Message, func()) {
	return e.cache.Watch(conversationID)
}

// Send posts a draft. The message is visible immediately as pending; on
// failure it is removed again and a typed error is returned.
func (e *Engine) Send(ctx context.Context, d Draft) (Message, error) {
	return e.sender.send(ctx, d)
}

// MarkRead advances the caller's read marker for a conversation.
func (e *Engine) MarkRead(ctx context.Context, conversationID string) error {
	ctx = WithConversation(ctx, conversationID)
	ctx, span := startSpan(ctx, "mark_read", trace.WithAttributes(
		attribute.String("conversation.id", conversationID),
	))
	defer span.End()

	rctx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	at, err := e.api.MarkRead(rctx, conversationID)
	cancel()
	if err != nil {
		err = wrapTransport("mark read", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.log.WarnContext(ctx, "read.mark_failed", "error", err)
		return err
	}
	if at.IsZero() {
		at = e.now().UTC()
	}
	ev := ReadEvent{ConversationID: conversationID, Side: e.side, At: at}
	if e.index.ApplyRead(ev) {
		e.events.emit(EventReadAdvanced, ev)
	}
	return nil
}

// ReadStatus projects the delivery state of m against its conversation's
// current read markers.
func (e *Engine) ReadStatus(m Message) ReadState {
	c, _ := e.index.Get(m.ConversationID)
	return ReadStatus(m, c)
}

// Side returns the local side.
func (e *Engine) Side() Side {
	return e.side
}

// ── background work ──────────────────────────────────────

func (e *Engine) healInBackground() {
	id := e.Active()
	if id == "" {
		return
	}
	e.events.emit(EventStreamReconnect, id)
	e.goBackground(func(ctx context.Context) {
		_ = e.healer.heal(WithConversation(ctx, id), id)
	})
}

func (e *Engine) refreshInBackground() {
	e.goBackground(func(ctx context.Context) {
		_, _, _ = e.refreshes.Do("conversations", func() (any, error) {
			return e.loader.LoadConversations(ctx)
		})
	})
}

func (e *Engine) goBackground(fn func(ctx context.Context)) {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	if e.closed {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
}
