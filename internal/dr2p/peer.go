package dr2p

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"

	"github.com/Monkeyhbd/dr2p-go/internal/dr2p/transport"
)

// Result is what a normal-mode Request returns, and what a streaming
// callback receives on every frame (spec.md §3, §4.2).
type Result struct {
	Msg  any
	Head Head
	Body []byte
}

// StreamCallback receives one Result per frame of a continued response.
// more is false on (and only on) the terminal frame.
type StreamCallback func(res Result, more bool)

type callOutcome struct {
	result  Result
	timeout bool
}

// frameJob is one inbound (head, body) pair waiting to be handled. Frames
// sharing an ID are queued and drained strictly in arrival order so a
// continued response's frames reach the streaming callback in the order the
// transport delivered them (spec.md §5); frames with distinct IDs drain
// through independent goroutines and never wait on one another.
type frameJob struct {
	head Head
	body []byte
}

// Peer is a single bidirectional DR2P endpoint bound to one frame-transport
// connection (spec.md §2.2, §3). It plays the role the teacher's Conn plays
// in jsonrpc2: request correlation, handler dispatch and the receive loop
// all live here.
type Peer struct {
	transport transport.Transport
	codecs    *Registry
	logger    *zap.Logger
	sem       *semaphore.Weighted

	nextRID uint64 // atomic; yields the next correlation id

	handlersMu     sync.RWMutex
	handlers       map[string]Factory
	defaultHandler Factory

	pendingMu sync.Mutex
	pending   map[string]chan callOutcome // normal-mode requests awaiting a response

	streamingMu sync.Mutex
	streaming   map[string]StreamCallback // streaming requests awaiting more frames

	streamSentMu sync.Mutex
	streamSent   map[string]time.Time // rid -> time a streaming request was sent, for per-frame latency logs

	cookieMu sync.Mutex
	cookie   map[string]string

	remoteHostMu sync.RWMutex
	remoteHost   string

	// frameQueueMu guards frameQueues/frameRunning, the per-ID ordering
	// structure dispatchFrame/runFrameQueue use to keep same-ID frames
	// strictly in arrival order while distinct IDs still run concurrently.
	frameQueueMu sync.Mutex
	frameQueues  map[string][]frameJob
	frameRunning map[string]bool

	running   atomic.Bool
	closeOnce sync.Once
}

// PeerOption configures a Peer at construction.
type PeerOption func(*Peer)

// WithLogger attaches a structured logger. The default is a no-op logger,
// never a package-level global (spec.md §9, last Design Note).
func WithLogger(logger *zap.Logger) PeerOption {
	return func(p *Peer) { p.logger = logger }
}

// WithCodecs overrides the default codec registry.
func WithCodecs(r *Registry) PeerOption {
	return func(p *Peer) { p.codecs = r }
}

// WithWorkerLimit bounds the number of inbound frames a Peer processes
// concurrently. Spec.md §9 calls the unbounded thread-per-frame model a
// baseline only; n <= 0 leaves it unbounded.
func WithWorkerLimit(n int64) PeerOption {
	return func(p *Peer) {
		if n > 0 {
			p.sem = semaphore.NewWeighted(n)
		}
	}
}

// NewPeer wraps t in a Peer. Call Run or StartMainloop to begin serving.
func NewPeer(t transport.Transport, opts ...PeerOption) *Peer {
	p := &Peer{
		transport:    t,
		codecs:       NewRegistry(),
		logger:       zap.NewNop(),
		handlers:     make(map[string]Factory),
		pending:      make(map[string]chan callOutcome),
		streaming:    make(map[string]StreamCallback),
		streamSent:   make(map[string]time.Time),
		cookie:       make(map[string]string),
		frameQueues:  make(map[string][]frameJob),
		frameRunning: make(map[string]bool),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetHandler registers factory for path, overwriting any prior entry
// (spec.md §4.2).
func (p *Peer) SetHandler(path string, factory Factory) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.handlers[path] = factory
}

// SetDefaultHandler installs the factory used when an inbound request's
// path has no registered handler. There is no implicit default (spec.md
// §9, first Open Question, resolved in SPEC_FULL.md §12): a peer that never
// calls this drops unmatched requests per §7.
func (p *Peer) SetDefaultHandler(factory Factory) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.defaultHandler = factory
}

func (p *Peer) lookupHandler(path string) (Factory, bool) {
	p.handlersMu.RLock()
	defer p.handlersMu.RUnlock()
	if f, ok := p.handlers[path]; ok {
		return f, true
	}
	if p.defaultHandler != nil {
		return p.defaultHandler, true
	}
	return nil, false
}

// RemoteHost returns the label attached to outgoing requests: the dialed
// host for a Client, or the stringified client id for a Server-side peer.
func (p *Peer) RemoteHost() string {
	p.remoteHostMu.RLock()
	defer p.remoteHostMu.RUnlock()
	return p.remoteHost
}

func (p *Peer) setRemoteHost(host string) {
	p.remoteHostMu.Lock()
	defer p.remoteHostMu.Unlock()
	p.remoteHost = host
}

// IsConnected is true while the receive loop is active (spec.md §4.2).
func (p *Peer) IsConnected() bool { return p.running.Load() }

// Close forwards to the transport; the receive loop exits on its next
// peer-closed signal (spec.md §4.2). It also drains stream_callbacks so a
// closed peer doesn't pin the closures a streaming caller registered forever
// (SPEC_FULL.md §12): nothing will ever deliver a terminal frame for them
// once the connection is gone, so the entries are dropped rather than left
// to leak.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.transport.Close()
		p.drainStreaming()
	})
	return err
}

// drainStreaming removes every pending streaming registration, logging how
// many were dropped so an operator can tell a close-with-pending-streams
// apart from a clean shutdown.
func (p *Peer) drainStreaming() {
	p.streamingMu.Lock()
	n := len(p.streaming)
	for rid := range p.streaming {
		delete(p.streaming, rid)
	}
	p.streamingMu.Unlock()
	if n > 0 {
		p.logger.Info("peer closed, dropped pending stream callbacks", zap.Int("count", n))
	}
	p.streamSentMu.Lock()
	for rid := range p.streamSent {
		delete(p.streamSent, rid)
	}
	p.streamSentMu.Unlock()
}

// requestOptions mirrors the source's request() keyword arguments.
type requestOptions struct {
	bodyType   string
	noResponse bool
	headers    map[string]string
	continued  StreamCallback
	timeout    time.Duration
}

// RequestOption configures a single Request call.
type RequestOption func(*requestOptions)

// WithBodyType selects the codec tag used to encode the request body.
func WithBodyType(tag string) RequestOption {
	return func(o *requestOptions) { o.bodyType = tag }
}

// WithNoResponse sends a fire-and-forget request: no callback is
// registered and Request returns immediately (spec.md §4.2). If combined
// with WithContinuedCallback, no-response wins (SPEC_FULL.md §12).
func WithNoResponse() RequestOption {
	return func(o *requestOptions) { o.noResponse = true }
}

// WithHeaders merges extra fields into the outgoing request head.
func WithHeaders(headers map[string]string) RequestOption {
	return func(o *requestOptions) { o.headers = headers }
}

// WithContinuedCallback puts Request into streaming mode: cb is invoked
// once per response frame, in transport order, until a frame with
// Continued == false arrives (spec.md §4.2, §8 property 5).
func WithContinuedCallback(cb StreamCallback) RequestOption {
	return func(o *requestOptions) { o.continued = cb }
}

// WithTimeout bounds a normal-mode request. It has no effect in
// no-response or streaming mode.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) { o.timeout = d }
}

// Request issues a path-addressed request and, in normal mode, blocks the
// caller until the matching response arrives, the context is canceled, or
// timeout elapses (spec.md §4.2).
func (p *Peer) Request(ctx context.Context, path string, msg any, opts ...RequestOption) (Result, error) {
	if !p.IsConnected() {
		return Result{}, ErrPeerNotConnected
	}

	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}

	rid := strconv.FormatUint(atomic.AddUint64(&p.nextRID, 1), 10)
	body, tag, err := p.codecs.encode(o.bodyType, msg)
	if err != nil {
		return Result{}, xerrors.Errorf("dr2p: encode request body: %w", err)
	}

	head := Head{
		Type:     typeRequest,
		Host:     p.RemoteHost(),
		Path:     path,
		ID:       rid,
		Version:  HeadVersion,
		BodyType: tag,
	}
	if cookie := p.cookieSnapshot(); len(cookie) > 0 {
		head.Cookie = cookie
	}
	for k, v := range o.headers {
		head.setExtra(k, v)
	}

	// Mode selection. No-response wins over streaming, which wins over
	// normal mode, matching the source (SPEC_FULL.md §12, second item).
	sentAt := time.Now()
	var outcomeCh chan callOutcome
	switch {
	case o.noResponse:
		head.NoResponse = true
	case o.continued != nil:
		p.streamingMu.Lock()
		p.streaming[rid] = o.continued
		p.streamingMu.Unlock()
		p.streamSentMu.Lock()
		p.streamSent[rid] = sentAt
		p.streamSentMu.Unlock()
	default:
		outcomeCh = make(chan callOutcome, 1)
		p.pendingMu.Lock()
		p.pending[rid] = outcomeCh
		p.pendingMu.Unlock()
	}

	var timer *time.Timer
	if outcomeCh != nil && o.timeout > 0 {
		timer = time.AfterFunc(o.timeout, func() {
			p.pendingMu.Lock()
			ch, ok := p.pending[rid]
			if ok {
				delete(p.pending, rid)
			}
			p.pendingMu.Unlock()
			if ok {
				p.logger.Info("request timeout fired before a response arrived",
					zap.String("rid", rid), zap.String("path", path), zap.String("direction", "out"),
					zap.Duration("latency", time.Since(sentAt)))
				ch <- callOutcome{timeout: true}
			}
		})
	}

	if err := p.transport.Send(ctx, head.toFrame(), body); err != nil {
		p.pendingMu.Lock()
		delete(p.pending, rid)
		p.pendingMu.Unlock()
		p.streamingMu.Lock()
		delete(p.streaming, rid)
		p.streamingMu.Unlock()
		p.streamSentMu.Lock()
		delete(p.streamSent, rid)
		p.streamSentMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		return Result{}, xerrors.Errorf("dr2p: send request: %w", err)
	}

	p.logger.Info("request sent",
		zap.String("rid", rid), zap.String("path", path), zap.String("direction", "out"))

	switch {
	case o.noResponse, o.continued != nil:
		return Result{}, nil
	default:
		select {
		case outcome := <-outcomeCh:
			if timer != nil {
				timer.Stop()
			}
			if outcome.timeout {
				return Result{}, ErrRequestTimeout
			}
			p.logger.Info("response received",
				zap.String("rid", rid), zap.String("path", path), zap.String("direction", "in"),
				zap.Duration("latency", time.Since(sentAt)))
			if code := outcome.result.Head.Code; code != "" && code != codeOK {
				msg, _ := outcome.result.Msg.(string)
				if b, ok := outcome.result.Msg.([]byte); ok {
					msg = string(b)
				}
				return outcome.result, &Error{Code: code, Message: msg}
			}
			return outcome.result, nil
		case <-ctx.Done():
			p.pendingMu.Lock()
			delete(p.pending, rid)
			p.pendingMu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			return Result{}, ctx.Err()
		}
	}
}

func (p *Peer) cookieSnapshot() map[string]string {
	p.cookieMu.Lock()
	defer p.cookieMu.Unlock()
	if len(p.cookie) == 0 {
		return nil
	}
	snap := make(map[string]string, len(p.cookie))
	for k, v := range p.cookie {
		snap[k] = v
	}
	return snap
}

func (p *Peer) mergeCookies(entries []CookieEntry) {
	p.cookieMu.Lock()
	defer p.cookieMu.Unlock()
	for _, e := range entries {
		p.cookie[e.Key] = e.Value
	}
}

// StartMainloop runs the receive loop in a background goroutine. With
// reconnect set, a clean peer-close triggers transport.Reconnect and the
// loop resumes; any other termination ends it for good (spec.md §4.2).
func (p *Peer) StartMainloop(ctx context.Context, reconnect bool) {
	p.running.Store(true)
	go func() {
		for {
			err := p.Run(ctx)
			if err != nil || !reconnect {
				return
			}
			p.logger.Info("peer closed, reconnecting")
			if rerr := p.transport.Reconnect(ctx); rerr != nil {
				p.logger.Error("reconnect failed", zap.Error(rerr))
				return
			}
		}
	}()
}

// Run executes the receive loop on the calling goroutine until the
// transport closes or the context is canceled (spec.md §4.2).
func (p *Peer) Run(ctx context.Context) error {
	p.running.Store(true)
	defer p.running.Store(false)
	for {
		head, body, err := p.transport.Recv(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrPeerClosed) {
				p.logger.Debug("peer closed, stopping receive loop")
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			p.logger.Warn("receive loop terminated", zap.Error(err))
			return err
		}
		h := headFromFrame(head)
		p.dispatchFrame(ctx, h, body)
	}
}

// dispatchFrame routes an inbound frame to the goroutine handling its ID,
// spawning one if none is currently draining that ID's queue. Frames with
// distinct IDs run fully concurrently; frames sharing an ID (the stream of
// responses to one request) are always handled in the order they were read
// off the transport (spec.md §5, §8 property 5).
func (p *Peer) dispatchFrame(ctx context.Context, head Head, body []byte) {
	rid := head.ID
	if rid == "" {
		// No correlation id to serialize on; nothing else on the wire shares
		// an identity with this frame.
		go p.handleFrame(ctx, head, body)
		return
	}

	p.frameQueueMu.Lock()
	p.frameQueues[rid] = append(p.frameQueues[rid], frameJob{head: head, body: body})
	if p.frameRunning[rid] {
		p.frameQueueMu.Unlock()
		return
	}
	p.frameRunning[rid] = true
	p.frameQueueMu.Unlock()

	go p.runFrameQueue(ctx, rid)
}

// runFrameQueue drains rid's queued frames one at a time, in FIFO order,
// retiring the queue (and the goroutine) once it empties. All reads/writes
// of frameQueues/frameRunning happen under frameQueueMu so a frame arriving
// between "queue looks empty" and "retire it" can never be stranded on an
// abandoned queue.
func (p *Peer) runFrameQueue(ctx context.Context, rid string) {
	for {
		p.frameQueueMu.Lock()
		jobs := p.frameQueues[rid]
		if len(jobs) == 0 {
			delete(p.frameQueues, rid)
			delete(p.frameRunning, rid)
			p.frameQueueMu.Unlock()
			return
		}
		job := jobs[0]
		p.frameQueues[rid] = jobs[1:]
		p.frameQueueMu.Unlock()

		p.handleFrame(ctx, job.head, job.body)
	}
}

func (p *Peer) handleFrame(ctx context.Context, head Head, body []byte) {
	if p.sem != nil {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)
	}
	switch head.Type {
	case typeRequest:
		p.handleRequest(ctx, head, body)
	case typeResponse:
		p.handleResponse(head, body)
	default:
		p.logger.Info("dropping frame of unrecognized type", zap.String("type", head.Type))
	}
}

func (p *Peer) handleRequest(ctx context.Context, head Head, body []byte) {
	factory, ok := p.lookupHandler(head.Path)
	if !ok {
		p.logger.Info("no handler for path, dropping request",
			zap.String("path", head.Path), zap.String("rid", head.ID))
		return
	}
	msg, err := p.codecs.decode(head.BodyType, body)
	if err != nil {
		p.logger.Warn("failed to decode request body", zap.String("rid", head.ID), zap.Error(err))
		return
	}
	receivedAt := time.Now()
	p.logger.Info("request received",
		zap.String("rid", head.ID), zap.String("path", head.Path), zap.String("direction", "in"))
	hctx := &Context{
		Peer: p,
		Head: head,
		Body: body,
		ResHead: Head{
			Type:    typeResponse,
			Code:    codeOK,
			ID:      head.ID,
			Version: HeadVersion,
		},
	}
	result := factory().Handle(hctx, msg)

	// No_Response is evaluated strictly from the request frame; any
	// mutations the handler made to ResHead are discarded (spec.md §4.2,
	// tie-break policies).
	if head.NoResponse {
		return
	}

	switch r := result.(type) {
	case Stream:
		p.sendStream(ctx, hctx, r.Step, receivedAt)
	case Value:
		p.sendOnce(ctx, hctx, r.V, receivedAt)
	default:
		p.sendOnce(ctx, hctx, result, receivedAt)
	}
}

func (p *Peer) sendOnce(ctx context.Context, hctx *Context, v any, receivedAt time.Time) {
	if e, ok := v.(*Error); ok {
		hctx.ResHead.Code = e.Code
		v = e.Message
	}
	body, tag, err := p.codecs.encode(hctx.ResHead.BodyType, v)
	if err != nil {
		p.logger.Error("failed to encode response body", zap.String("rid", hctx.Head.ID), zap.Error(err))
		return
	}
	hctx.ResHead.BodyType = tag
	if err := p.transport.Send(ctx, hctx.ResHead.toFrame(), body); err != nil {
		p.logger.Warn("failed to send response", zap.String("rid", hctx.Head.ID), zap.Error(err))
		return
	}
	p.logger.Info("response sent",
		zap.String("rid", hctx.Head.ID), zap.String("path", hctx.Head.Path), zap.String("direction", "out"),
		zap.Duration("latency", time.Since(receivedAt)))
}

func (p *Peer) sendStream(ctx context.Context, hctx *Context, step StepFunc, receivedAt time.Time) {
	for {
		v, more := step()
		continued := more
		hctx.ResHead.Continued = &continued
		body, tag, err := p.codecs.encode(hctx.ResHead.BodyType, v)
		if err != nil {
			p.logger.Error("failed to encode stream frame", zap.String("rid", hctx.Head.ID), zap.Error(err))
			return
		}
		hctx.ResHead.BodyType = tag
		if err := p.transport.Send(ctx, hctx.ResHead.toFrame(), body); err != nil {
			p.logger.Warn("failed to send stream frame", zap.String("rid", hctx.Head.ID), zap.Error(err))
			return
		}
		p.logger.Info("stream response frame sent",
			zap.String("rid", hctx.Head.ID), zap.String("path", hctx.Head.Path), zap.String("direction", "out"),
			zap.Bool("continued", more), zap.Duration("latency", time.Since(receivedAt)))
		if !more {
			return
		}
	}
}

func (p *Peer) handleResponse(head Head, body []byte) {
	msg, err := p.codecs.decode(head.BodyType, body)
	if err != nil {
		p.logger.Warn("failed to decode response body", zap.String("rid", head.ID), zap.Error(err))
		return
	}
	if len(head.SetCookie) > 0 {
		p.mergeCookies(head.SetCookie)
	}
	result := Result{Msg: msg, Head: head, Body: body}

	if head.Continued != nil {
		more := *head.Continued
		p.streamingMu.Lock()
		cb, ok := p.streaming[head.ID]
		if ok && !more {
			delete(p.streaming, head.ID)
		}
		p.streamingMu.Unlock()
		if !ok {
			p.logger.Info("stream callback not found, dropping frame", zap.String("rid", head.ID))
			return
		}

		p.streamSentMu.Lock()
		sentAt, haveSentAt := p.streamSent[head.ID]
		if !more {
			delete(p.streamSent, head.ID)
		}
		p.streamSentMu.Unlock()
		fields := []zap.Field{
			zap.String("rid", head.ID), zap.String("direction", "in"), zap.Bool("continued", more),
		}
		if haveSentAt {
			fields = append(fields, zap.Duration("latency", time.Since(sentAt)))
		}
		p.logger.Info("stream response frame received", fields...)

		cb(result, more)
		return
	}

	p.pendingMu.Lock()
	ch, ok := p.pending[head.ID]
	if ok {
		delete(p.pending, head.ID)
	}
	p.pendingMu.Unlock()
	if !ok {
		p.logger.Info("callback not found, maybe timeout", zap.String("rid", head.ID))
		return
	}
	ch <- callOutcome{result: result}
}
