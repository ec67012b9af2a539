// Package telemetry streams runtime log records to the backend over the
// realtime channel and replays crash-time captures after an unclean exit.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shipth-is/shipgo/internal/domain"
	"github.com/shipth-is/shipgo/internal/metrics"
	"github.com/shipth-is/shipgo/internal/session"
)

// Event is the realtime event name carrying LogRecord payloads.
const Event = "build:runtime-log"

const (
	tagLastLines   = "crash-lastlines"
	tagCrashDetail = "crash-detail"

	mailboxSize   = 64
	liveQueueSize = 4096
	sendTimeout   = 10 * time.Second
)

// State of the realtime channel.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

// Conn is an established realtime channel.
type Conn interface {
	Emit(ctx context.Context, event string, payload any) error
	Done() <-chan struct{}
	Close() error
}

// Dialer opens a channel authenticated with token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// Marker is the subset of the crash marker the relay needs.
type Marker interface {
	WasCrashedLastTime(ctx context.Context) bool
	CrashedBuildID(ctx context.Context) (string, bool)
	MarkReported(ctx context.Context) error
}

// Captures reads the on-device crash captures.
type Captures interface {
	LastLines() ([]string, error)
	ConsumeCrashDetail() ([]string, error)
}

// Status is a point-in-time view of the relay.
type Status struct {
	State   State  `json:"-"`
	Name    string `json:"state"`
	BuildID string `json:"buildId,omitempty"`
	Pending int    `json:"pendingReplay"`
}

type snapshot struct {
	outbox  chan domain.LogRecord
	buildID string
}

type dialResultMsg struct {
	gen  uint64
	conn Conn
	err  error
}

type (
	connectMsg    struct{ token string }
	disconnectMsg struct{}
	buildIDMsg    struct{ id string }
	connLostMsg   struct{ gen uint64 }
	replayMsg     struct{ records []domain.LogRecord }
	flushDoneMsg  struct{ failed []domain.LogRecord }
	statusMsg     struct{ reply chan Status }
)

// Relay owns the realtime channel. All state transitions happen on the Run
// goroutine; Log reads an atomically published snapshot and never blocks.
// A failed or lost channel stays down until the next Connect.
type Relay struct {
	dialer   Dialer
	marker   Marker
	captures Captures
	logger   *slog.Logger
	now      func() time.Time

	mailbox chan any
	stopped chan struct{}
	snap    atomic.Pointer[snapshot]
	sends   sync.WaitGroup

	liveMu  sync.Mutex
	liveSeq int64

	// actor-owned
	state        State
	conn         Conn
	outbox       chan domain.LogRecord
	buildID      string
	token        string
	gen          uint64
	pending      []domain.LogRecord
	replaySeq    int64
	flushing     bool
	replayQueued bool
}

// Option configures a Relay.
type Option func(*Relay)

// WithCrashReplay enables QueueCrashReplay.
func WithCrashReplay(m Marker, c Captures) Option {
	return func(r *Relay) {
		r.marker = m
		r.captures = c
	}
}

// WithClock overrides the sentAt clock.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

func New(dialer Dialer, logger *slog.Logger, opts ...Option) *Relay {
	r := &Relay{
		dialer:  dialer,
		logger:  logger.With("component", "telemetry"),
		now:     time.Now,
		mailbox: make(chan any, mailboxSize),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.snap.Store(&snapshot{})
	return r
}

// Run processes mailbox messages until ctx is done, then closes the channel
// and waits for in-flight sends.
func (r *Relay) Run(ctx context.Context) {
	defer func() {
		close(r.stopped)
		if r.conn != nil {
			r.conn.Close()
		}
		r.sends.Wait()
		metrics.TelemetryState.Set(0)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.mailbox:
			r.handle(ctx, msg)
		}
	}
}

func (r *Relay) post(msg any) bool {
	select {
	case r.mailbox <- msg:
		return true
	case <-r.stopped:
		return false
	}
}

// Connect opens the channel with token. It is a no-op while connecting or
// connected.
func (r *Relay) Connect(token string) { r.post(connectMsg{token: token}) }

// Disconnect closes the channel and forgets the build id.
func (r *Relay) Disconnect() { r.post(disconnectMsg{}) }

// SetBuildID selects the build that live records are attributed to.
func (r *Relay) SetBuildID(id string) { r.post(buildIDMsg{id: id}) }

// Status queries the actor.
func (r *Relay) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if !r.post(statusMsg{reply: reply}) {
		return Status{}, fmt.Errorf("telemetry relay stopped")
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Follow connects and disconnects with the session until events is closed
// or ctx is done.
func (r *Relay) Follow(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case session.Authenticated, session.Updated:
				if ev.Session != nil && ev.Session.JWT != "" {
					r.Connect(ev.Session.JWT)
				}
			case session.Ended:
				r.Disconnect()
			}
		}
	}
}

// Log submits message for the current build. Each non-blank line becomes
// one record with the next live sequence number and is queued for the
// connection's sender. Nothing is sent without a build id and a live
// channel. A full send queue drops the line without using up a sequence
// number.
func (r *Relay) Log(level, tag, message string) {
	snap := r.snap.Load()
	if snap.outbox == nil || snap.buildID == "" {
		metrics.TelemetryRecords.WithLabelValues("live", "dropped").Inc()
		return
	}
	sentAt := r.now().UTC().Format(time.RFC3339Nano)
	r.liveMu.Lock()
	defer r.liveMu.Unlock()
	for _, line := range splitLines(message) {
		rec := domain.LogRecord{
			BuildID:  snap.buildID,
			Level:    level,
			Message:  format(tag, line),
			SentAt:   sentAt,
			Sequence: r.liveSeq + 1,
		}
		select {
		case snap.outbox <- rec:
			r.liveSeq++
		default:
			metrics.TelemetryRecords.WithLabelValues("live", "dropped").Inc()
		}
	}
}

// QueueCrashReplay buffers the crash captures of the previous run, if it
// ended uncleanly, for delivery on the next connect. It is meant to be
// called once at cold start.
func (r *Relay) QueueCrashReplay(ctx context.Context) (int, error) {
	if r.marker == nil || r.captures == nil {
		return 0, nil
	}
	if !r.marker.WasCrashedLastTime(ctx) {
		return 0, nil
	}
	buildID, ok := r.marker.CrashedBuildID(ctx)
	if !ok {
		return 0, nil
	}
	last, err := r.captures.LastLines()
	if err != nil {
		return 0, fmt.Errorf("read last lines capture: %w", err)
	}
	detail, err := r.captures.ConsumeCrashDetail()
	if err != nil {
		return 0, fmt.Errorf("read crash detail capture: %w", err)
	}
	sentAt := r.now().UTC().Format(time.RFC3339Nano)
	var recs []domain.LogRecord
	add := func(level, msg string) {
		recs = append(recs, domain.LogRecord{BuildID: buildID, Level: level, Message: msg, SentAt: sentAt})
	}
	appendSection := func(tag, level string, lines []string) {
		if len(lines) == 0 {
			return
		}
		add(domain.LevelInfo, fmt.Sprintf("===== %s begin (%d lines) =====", tag, len(lines)))
		for _, l := range lines {
			if strings.TrimSpace(l) != "" {
				add(level, format(tag, l))
			}
		}
		add(domain.LevelInfo, fmt.Sprintf("===== %s end =====", tag))
	}
	appendSection(tagLastLines, domain.LevelInfo, last)
	appendSection(tagCrashDetail, domain.LevelError, detail)
	if len(recs) == 0 {
		return 0, nil
	}
	if !r.post(replayMsg{records: recs}) {
		return 0, fmt.Errorf("telemetry relay stopped")
	}
	r.logger.Info("queued crash replay", "build_id", buildID, "records", len(recs))
	return len(recs), nil
}

func (r *Relay) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case connectMsg:
		r.token = m.token
		r.connect(ctx)
	case disconnectMsg:
		r.gen++
		r.token = ""
		r.buildID = ""
		r.dropConn()
		r.setState(Disconnected)
	case buildIDMsg:
		r.buildID = m.id
		r.publish()
	case dialResultMsg:
		if m.gen != r.gen || r.state != Connecting {
			if m.conn != nil {
				m.conn.Close()
			}
			return
		}
		if m.err != nil {
			r.logger.Warn("realtime connect failed", "error", m.err)
			r.setState(Disconnected)
			return
		}
		r.conn = m.conn
		r.outbox = make(chan domain.LogRecord, liveQueueSize)
		r.setState(Connected)
		r.logger.Info("realtime channel connected")
		go r.watch(m.conn, m.gen)
		r.sends.Add(1)
		go r.sendLive(m.conn, r.outbox)
		r.flush()
	case connLostMsg:
		if m.gen != r.gen || r.state != Connected {
			return
		}
		r.logger.Warn("realtime channel lost")
		r.conn = nil
		r.outbox = nil
		r.setState(Disconnected)
	case replayMsg:
		for i := range m.records {
			m.records[i].Sequence = r.replaySeq
			r.replaySeq++
		}
		r.pending = append(r.pending, m.records...)
		r.replayQueued = true
		if r.state == Connected {
			r.flush()
		}
	case flushDoneMsg:
		r.flushing = false
		if len(m.failed) > 0 {
			r.pending = append(m.failed, r.pending...)
			sort.SliceStable(r.pending, func(i, j int) bool { return r.pending[i].Sequence < r.pending[j].Sequence })
			r.logger.Warn("crash replay incomplete", "remaining", len(r.pending))
			return
		}
		if len(r.pending) > 0 {
			if r.state == Connected {
				r.flush()
			}
			return
		}
		if r.replayQueued && r.marker != nil {
			r.replayQueued = false
			mctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := r.marker.MarkReported(mctx); err != nil {
				r.logger.Warn("mark crash reported", "error", err)
			}
			cancel()
			r.logger.Info("crash replay delivered")
		}
	case statusMsg:
		m.reply <- Status{State: r.state, Name: r.state.String(), BuildID: r.buildID, Pending: len(r.pending)}
	}
}

func (r *Relay) connect(ctx context.Context) {
	if r.state != Disconnected || r.token == "" {
		return
	}
	r.gen++
	r.setState(Connecting)
	gen, token := r.gen, r.token
	go func() {
		dctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		conn, err := r.dialer.Dial(dctx, token)
		if !r.post(dialResultMsg{gen: gen, conn: conn, err: err}) && conn != nil {
			conn.Close()
		}
	}()
}

func (r *Relay) watch(conn Conn, gen uint64) {
	select {
	case <-conn.Done():
		r.post(connLostMsg{gen: gen})
	case <-r.stopped:
	}
}

// sendLive emits queued live records in order until conn goes away. Records
// still queued at that point are dropped with the connection.
func (r *Relay) sendLive(conn Conn, outbox <-chan domain.LogRecord) {
	defer r.sends.Done()
	for {
		select {
		case <-conn.Done():
			return
		case <-r.stopped:
			return
		case rec := <-outbox:
			if err := r.emit(conn, rec); err != nil {
				r.logger.Debug("send runtime log", "sequence", rec.Sequence, "error", err)
				metrics.TelemetryRecords.WithLabelValues("live", "failed").Inc()
				continue
			}
			metrics.TelemetryRecords.WithLabelValues("live", "sent").Inc()
		}
	}
}

// flush takes the whole pending buffer and sends it concurrently. Records
// that fail come back through flushDoneMsg.
func (r *Relay) flush() {
	if r.flushing || len(r.pending) == 0 || r.conn == nil {
		return
	}
	batch := r.pending
	r.pending = nil
	r.flushing = true
	conn := r.conn
	r.sends.Add(1)
	go func() {
		defer r.sends.Done()
		var (
			mu     sync.Mutex
			failed []domain.LogRecord
			wg     sync.WaitGroup
		)
		for _, rec := range batch {
			wg.Add(1)
			go func(rec domain.LogRecord) {
				defer wg.Done()
				if err := r.emit(conn, rec); err != nil {
					metrics.TelemetryRecords.WithLabelValues("replay", "failed").Inc()
					mu.Lock()
					failed = append(failed, rec)
					mu.Unlock()
					return
				}
				metrics.TelemetryRecords.WithLabelValues("replay", "sent").Inc()
			}(rec)
		}
		wg.Wait()
		r.post(flushDoneMsg{failed: failed})
	}()
}

func (r *Relay) emit(conn Conn, rec domain.LogRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return conn.Emit(ctx, Event, rec)
}

func (r *Relay) dropConn() {
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	r.outbox = nil
}

func (r *Relay) setState(s State) {
	r.state = s
	if s == Connected {
		metrics.TelemetryState.Set(1)
	} else {
		metrics.TelemetryState.Set(0)
	}
	r.publish()
}

func (r *Relay) publish() {
	snap := &snapshot{buildID: r.buildID}
	if r.state == Connected {
		snap.outbox = r.outbox
	}
	r.snap.Store(snap)
}

func splitLines(message string) []string {
	raw := strings.FieldsFunc(message, func(c rune) bool { return c == '\n' || c == '\r' })
	out := raw[:0]
	for _, l := range raw {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

func format(tag, line string) string {
	if tag == "" {
		return line
	}
	return "[" + tag + "] " + line
}
