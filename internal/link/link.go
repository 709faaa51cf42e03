package link

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/serialsync/internal/observability"
	"github.com/danmuck/serialsync/internal/protocol/frame"
	"github.com/danmuck/serialsync/internal/protocol/session"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Options configures a Link. Opener defaults to a SerialOpener over Serial.
type Options struct {
	Config   session.Config
	Serial   SerialConfig
	Opener   Opener
	Handlers Handlers
	Limits   frame.Limits
	Logger   *zerolog.Logger
}

// Status is a point-in-time view of the link.
type Status struct {
	State                State     `json:"state"`
	Connected            bool      `json:"connected"`
	Endpoint             string    `json:"endpoint"`
	ReconnectAttempts    int       `json:"reconnectAttempts"`
	MaxReconnectAttempts int       `json:"maxReconnectAttempts"`
	LastActive           time.Time `json:"lastActive"`
	CurrentTask          string    `json:"currentTask"`
	Speed                float64   `json:"speed"`
	ActiveOutbound       []uint8   `json:"activeOutbound"`
	InboundSessions      int       `json:"inboundSessions"`
	PendingRequests      int       `json:"pendingRequests"`
}

// conn is one open port and the goroutines bound to it.
type conn struct {
	port     Port
	endpoint string
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// Link is the transport engine for one serial endpoint.
type Link struct {
	cfg    session.Config
	serial SerialConfig
	opener Opener
	limits frame.Limits
	logger zerolog.Logger
	audit  zerolog.Logger

	hmu sync.RWMutex
	h   Handlers

	connectMu sync.Mutex

	mu                sync.Mutex
	state             State
	conn              *conn
	endpoint          string
	reconnectAttempts int
	reconnectCancel   context.CancelFunc
	lastActive        time.Time
	task              string
	speed             float64
	rng               *rand.Rand

	writeMu sync.Mutex

	shortMu      sync.Mutex
	lastShort    []byte
	shortRetried bool

	waiters *session.Waiters
	ids     *session.IDAllocator
	inbound *inboundTable
	now     func() time.Time
}

func New(opts Options) (*Link, error) {
	cfg := opts.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	serialCfg := opts.Serial
	if serialCfg.BaudRate == 0 {
		def := DefaultSerialConfig()
		def.Port = serialCfg.Port
		serialCfg = def
	}
	opener := opts.Opener
	if opener == nil {
		opener = SerialOpener{Config: serialCfg}
	}
	limits := opts.Limits
	if limits.MaxChunkPayload <= 0 {
		limits = frame.DefaultLimits()
	}
	if cfg.ChunkSize > limits.MaxChunkPayload {
		return nil, fmt.Errorf("%w: chunk_size %d exceeds frame limit %d",
			session.ErrInvalidConfig, cfg.ChunkSize, limits.MaxChunkPayload)
	}
	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}
	l := &Link{
		cfg:      cfg,
		serial:   serialCfg,
		opener:   opener,
		limits:   limits,
		logger:   base.With().Str("component", "link").Logger(),
		audit:    base.With().Str("component", "audit").Logger(),
		h:        opts.Handlers,
		state:    StateDisconnected,
		endpoint: strings.TrimSpace(serialCfg.Port),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		waiters:  session.NewWaiters(),
		ids:      session.NewIDAllocator(),
		inbound:  newInboundTable(),
		now:      time.Now,
	}
	return l, nil
}

func (l *Link) Config() session.Config {
	return l.cfg
}

// Connect opens endpoint, or the configured port when endpoint is empty, and
// starts the read loop. Connecting an already connected link is a no-op.
func (l *Link) Connect(ctx context.Context, endpoint string) error {
	l.mu.Lock()
	if l.reconnectCancel != nil {
		l.reconnectCancel()
		l.reconnectCancel = nil
	}
	l.mu.Unlock()
	return l.connect(ctx, endpoint)
}

func (l *Link) connect(ctx context.Context, endpoint string) error {
	l.connectMu.Lock()
	defer l.connectMu.Unlock()

	l.mu.Lock()
	if l.conn != nil {
		l.mu.Unlock()
		return nil
	}
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		endpoint = l.endpoint
	}
	if endpoint == "" {
		l.mu.Unlock()
		return ErrNoEndpoint
	}
	if l.state != StateReconnecting {
		l.state = StateConnecting
	}
	l.endpoint = endpoint
	l.mu.Unlock()

	port, err := l.opener.Open(ctx, endpoint)
	if err != nil {
		l.mu.Lock()
		if l.state == StateConnecting {
			l.state = StateDisconnected
		}
		l.mu.Unlock()
		return fmt.Errorf("link: open %s: %w", endpoint, err)
	}
	if r, ok := port.(inputResetter); ok {
		if err := r.ResetInputBuffer(); err != nil {
			l.logger.Debug().Err(err).Msg("reset input buffer failed")
		}
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		port:     port,
		endpoint: endpoint,
		ctx:      cctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	l.mu.Lock()
	if err := ctx.Err(); err != nil {
		l.mu.Unlock()
		cancel()
		if cerr := port.Close(); cerr != nil {
			l.logger.Debug().Err(cerr).Msg("port close")
		}
		return err
	}
	l.conn = c
	l.state = StateConnected
	l.reconnectAttempts = 0
	l.lastActive = l.now()
	l.mu.Unlock()

	l.shortMu.Lock()
	l.lastShort = nil
	l.shortMu.Unlock()

	go l.readLoop(c)
	go l.janitor(c)

	observability.SetLinkConnected(true)
	l.audit.Info().Str("endpoint", endpoint).Msg("link connected")
	l.emitConnected(endpoint)
	return nil
}

// Disconnect closes the port and fails every pending wait. It is safe to call
// on a disconnected link; only the first call emits OnDisconnected.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	if l.reconnectCancel != nil {
		l.reconnectCancel()
		l.reconnectCancel = nil
		if l.conn == nil {
			l.state = StateDisconnected
		}
	}
	c := l.conn
	l.mu.Unlock()
	if c == nil {
		return nil
	}
	l.teardown(c, nil)
	return nil
}

// teardown closes c once. A nil cause marks a local disconnect.
func (l *Link) teardown(c *conn, cause error) {
	l.mu.Lock()
	if l.conn != c {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	l.state = StateDisconnected
	l.task = ""
	l.speed = 0
	l.mu.Unlock()

	c.cancel()
	if err := c.port.Close(); err != nil {
		l.logger.Debug().Err(err).Msg("port close")
	}
	l.waiters.Clear()

	observability.SetLinkConnected(false)
	ev := l.audit.Info().Str("endpoint", c.endpoint)
	if cause != nil {
		ev = ev.AnErr("cause", cause)
	}
	ev.Msg("link disconnected")
	l.emitDisconnected(cause)

	if cause != nil && l.cfg.AutoReconnect {
		l.startReconnect(c.endpoint)
	}
}

func (l *Link) startReconnect(endpoint string) {
	ctx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	if l.reconnectCancel != nil {
		l.reconnectCancel()
	}
	l.reconnectCancel = cancel
	l.state = StateReconnecting
	l.reconnectAttempts = 0
	l.mu.Unlock()
	go l.reconnectLoop(ctx, endpoint)
}

// reconnectLoop retries connect with backoff. MaxReconnectAttempts of zero
// retries until cancelled.
func (l *Link) reconnectLoop(ctx context.Context, endpoint string) {
	limit := l.cfg.MaxReconnectAttempts
	for attempt := 1; limit == 0 || attempt <= limit; attempt++ {
		l.mu.Lock()
		l.reconnectAttempts = attempt
		delay := session.NextBackoffDelay(l.cfg.Backoff, attempt, l.rng)
		l.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := l.connect(ctx, endpoint)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		l.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("reconnect failed")
	}
	l.mu.Lock()
	if l.conn == nil {
		l.state = StateDisconnected
	}
	l.reconnectCancel = nil
	l.mu.Unlock()
	l.emitError(fmt.Errorf("%w: %s after %d attempts", ErrReconnectExhausted, endpoint, limit))
}

func (l *Link) Status() Status {
	l.mu.Lock()
	st := Status{
		State:                l.state,
		Connected:            l.conn != nil,
		Endpoint:             l.endpoint,
		ReconnectAttempts:    l.reconnectAttempts,
		MaxReconnectAttempts: l.cfg.MaxReconnectAttempts,
		LastActive:           l.lastActive,
		CurrentTask:          l.task,
		Speed:                l.speed,
	}
	l.mu.Unlock()
	st.ActiveOutbound = l.ids.Active()
	st.InboundSessions, st.PendingRequests = l.inbound.counts()
	return st
}

func (l *Link) active() (*conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil, ErrTransportNotOpen
	}
	return l.conn, nil
}

func (l *Link) touch() {
	l.mu.Lock()
	l.lastActive = l.now()
	l.mu.Unlock()
}

func (l *Link) setTask(task string) {
	l.mu.Lock()
	l.task = task
	if task == "" {
		l.speed = 0
	}
	l.mu.Unlock()
}

// write sends one encoded frame. Frames never interleave.
func (l *Link) write(ctx context.Context, c *conn, b []byte, kind string) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if c.ctx.Err() != nil {
		return ErrTransportNotOpen
	}
	if _, err := c.port.Write(b); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrTransportNotOpen, kind, err)
	}
	if d, ok := c.port.(drainer); ok {
		if err := d.Drain(); err != nil {
			return fmt.Errorf("%w: drain: %v", ErrTransportNotOpen, err)
		}
	}
	l.touch()
	observability.RecordFrame("tx", kind)
	return nil
}

func (l *Link) writeChunk(ctx context.Context, c *conn, p frame.ChunkPacket) error {
	b, err := frame.EncodeChunk(p)
	if err != nil {
		return err
	}
	return l.write(ctx, c, b, p.Kind.String())
}

func (l *Link) writeFileControl(ctx context.Context, c *conn, p frame.FileControlPacket) error {
	b, err := frame.EncodeFileControl(p)
	if err != nil {
		return err
	}
	return l.write(ctx, c, b, p.Kind.String())
}

const readBufferSize = 4096

// readLoop owns the framer for c. A (0, nil) read is an idle timeout and
// flushes the framer.
func (l *Link) readLoop(c *conn) {
	defer close(c.done)
	framer := frame.NewFramer(l.limits)
	buf := make([]byte, readBufferSize)
	var prev frame.Stats
	for {
		n, err := c.port.Read(buf)
		if n > 0 {
			l.touch()
			l.dispatch(c, framer.Feed(buf[:n]))
		}
		if err != nil {
			if c.ctx.Err() == nil {
				l.teardown(c, fmt.Errorf("link: read %s: %w", c.endpoint, err))
			}
			return
		}
		if n == 0 {
			l.dispatch(c, framer.Flush())
		}
		prev = recordFramerStats(prev, framer.Stats())
	}
}

func recordFramerStats(prev, cur frame.Stats) frame.Stats {
	observability.RecordDiscardedBytes(int(cur.DiscardedBytes - prev.DiscardedBytes))
	for i := prev.CorruptChunk; i < cur.CorruptChunk; i++ {
		observability.RecordCorruptFrame(frame.ShapeChunk.String())
	}
	for i := prev.CorruptFileControl; i < cur.CorruptFileControl; i++ {
		observability.RecordCorruptFrame(frame.ShapeFileControl.String())
	}
	return cur
}

func (l *Link) dispatch(c *conn, pkts []frame.Packet) {
	for _, p := range pkts {
		switch p.Shape {
		case frame.ShapeShort:
			if !p.Valid {
				observability.RecordCorruptFrame(frame.ShapeShort.String())
				l.handleCorruptShort(c, p.Raw)
				continue
			}
			observability.RecordFrame("rx", "short")
			l.handleShort(c, p.Short.Payload)
		case frame.ShapeChunk:
			observability.RecordFrame("rx", p.Chunk.Kind.String())
			switch p.Chunk.Kind {
			case frame.KindData:
				l.handleData(c, p.Chunk)
			case frame.KindAck:
				if !l.waiters.ResolveAck(p.Chunk.SessionID, p.Chunk.Seq) {
					l.logger.Debug().
						Uint8("session", p.Chunk.SessionID).
						Uint16("seq", p.Chunk.Seq).
						Msg("late or unexpected ack")
				}
			case frame.KindRetry:
				l.handleRetry(c, p.Chunk)
			}
		case frame.ShapeFileControl:
			observability.RecordFrame("rx", p.FileControl.Kind.String())
			switch p.FileControl.Kind {
			case frame.KindFileRequest:
				l.handleFileRequest(c, p.FileControl)
			case frame.KindFileAccept:
				l.waiters.ResolveReply(p.FileControl.SessionID, session.Reply{Accepted: true})
			case frame.KindFileReject:
				l.waiters.ResolveReply(p.FileControl.SessionID, session.Reply{
					Accepted: false,
					Reason:   string(p.FileControl.Metadata),
				})
			}
		}
	}
}

// janitor expires idle inbound state while c is open.
func (l *Link) janitor(c *conn) {
	ttl := l.cfg.InboundSessionTTL
	interval := ttl / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			expired := l.inbound.expire(l.now(), ttl)
			for _, sid := range expired.sessions {
				l.logger.Warn().Uint8("session", sid).Msg("inbound session expired")
			}
			for _, sid := range expired.requests {
				l.logger.Info().Uint8("session", sid).Msg("file request expired undecided")
			}
			open, _ := l.inbound.counts()
			observability.SetInboundSessions(open)
		}
	}
}

// waitErr maps a finished wait to the error a caller sees.
func waitErr(ctx context.Context, c *conn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.ctx.Err() != nil {
		return ErrTransportNotOpen
	}
	return errors.New("link: wait aborted")
}
