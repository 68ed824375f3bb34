// Package controller is the command surface for per-device agent sessions.
//
// A single loop goroutine owns the session registry, the output router,
// transcript appends and the per-device sending state. Public methods and
// process output are delivered to that loop as closures, so none of that
// state is guarded by locks. Work that may block (waiting for a replaced
// agent to exit, reading the API key, spawning) runs in helper goroutines
// that post their result back to the loop.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/szaher/phoneagent/internal/events"
	"github.com/szaher/phoneagent/internal/memory"
	"github.com/szaher/phoneagent/internal/process"
	"github.com/szaher/phoneagent/internal/router"
	"github.com/szaher/phoneagent/internal/secrets"
	"github.com/szaher/phoneagent/internal/session"
	"github.com/szaher/phoneagent/internal/state"
	"github.com/szaher/phoneagent/internal/telemetry"
)

// DefaultSettleTimeout bounds how long Connect waits for a replaced agent
// to exit before giving up.
const DefaultSettleTimeout = 5 * time.Second

// Devices reports whether a device may host a session.
// *discovery.Registry satisfies it.
type Devices interface {
	Eligible(deviceID string) bool
}

// Options configures a Controller. Spawner is required.
type Options struct {
	Spawner process.Spawner
	Launch  LaunchConfig

	// Credentials supplies the API key. Nil launches agents with an empty key.
	Credentials secrets.Store
	// Devices gates Connect on eligibility. Nil allows every device.
	Devices Devices
	// Transcript stores conversation entries. Nil uses an unbounded
	// in-memory transcript.
	Transcript memory.Store
	// Classifier filters agent output. Nil drops lines starting with ">".
	Classifier router.Classifier
	Emitter    events.Emitter
	Metrics    *telemetry.Metrics
	// Ledger records spawned PIDs for orphan reaping. Optional.
	Ledger state.Backend
	Logger *slog.Logger

	// SendTimeout resets the sending state when the agent stays silent.
	// Zero disables the timeout.
	SendTimeout time.Duration
	// SettleTimeout bounds the wait for a replaced agent. Zero uses
	// DefaultSettleTimeout.
	SettleTimeout time.Duration
}

// Controller runs connect, send, cancel and shutdown for every device.
type Controller struct {
	spawner       process.Spawner
	launchConfig  LaunchConfig
	credentials   secrets.Store
	devices       Devices
	transcript    memory.Store
	emitter       events.Emitter
	metrics       *telemetry.Metrics
	ledger        state.Backend
	logger        *slog.Logger
	sendTimeout   time.Duration
	settleTimeout time.Duration

	inbox   chan func()
	quit    chan struct{}
	stopped chan struct{}

	// ctx is cancelled at shutdown to abort in-flight connects.
	ctx    context.Context
	cancel context.CancelFunc

	helpers sync.WaitGroup
	pumps   sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error

	// Owned by the loop goroutine.
	registry *session.Registry
	router   *router.Router
	slots    map[string]*slot
	closing  bool
	seq      uint64
}

type opKind int

const (
	opConnect opKind = iota
	opDisconnect
)

// op is a queued connect or disconnect. reply receives exactly one value.
type op struct {
	kind          opKind
	ctx           context.Context
	correlationID string
	reply         chan error
}

// slot is the loop's per-device bookkeeping.
type slot struct {
	pending []*op
	// busy is set while a connect is between removing the old session and
	// inserting the new one.
	busy bool
	// settling is closed once the last removed session has fully drained.
	settling <-chan struct{}
	sending  *sendToken
}

type sendToken struct {
	seq   uint64
	timer *time.Timer
}

// New creates a controller and starts its loop.
func New(opts Options) (*Controller, error) {
	if opts.Spawner == nil {
		return nil, errors.New("controller: spawner is required")
	}
	if opts.Launch.Path == "" {
		return nil, errors.New("controller: agent path is required")
	}

	c := &Controller{
		spawner:       opts.Spawner,
		launchConfig:  opts.Launch,
		credentials:   opts.Credentials,
		devices:       opts.Devices,
		transcript:    opts.Transcript,
		emitter:       opts.Emitter,
		metrics:       opts.Metrics,
		ledger:        opts.Ledger,
		logger:        opts.Logger,
		sendTimeout:   opts.SendTimeout,
		settleTimeout: opts.SettleTimeout,
		inbox:         make(chan func()),
		quit:          make(chan struct{}),
		stopped:       make(chan struct{}),
		registry:      session.NewRegistry(),
		slots:         make(map[string]*slot),
	}
	if c.transcript == nil {
		c.transcript = memory.NewTranscript(0)
	}
	if c.emitter == nil {
		c.emitter = events.NoopEmitter{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.settleTimeout <= 0 {
		c.settleTimeout = DefaultSettleTimeout
	}
	c.router = router.New(opts.Classifier, router.WithVerdictHook(func(_ router.Line, v router.Verdict) {
		c.metrics.RecordOutputUnit(v.String())
	}))
	c.ctx, c.cancel = context.WithCancel(context.Background())

	go c.run()
	return c, nil
}

func (c *Controller) run() {
	defer close(c.stopped)
	for {
		select {
		case fn := <-c.inbox:
			fn()
		case <-c.quit:
			return
		}
	}
}

// post hands fn to the loop. It reports false once the loop has stopped.
// It must not be called from the loop itself.
func (c *Controller) post(fn func()) bool {
	select {
	case c.inbox <- fn:
		return true
	case <-c.stopped:
		return false
	}
}

// postCtx is post for callers: it gives up when ctx ends before the loop
// takes fn, in which case fn never runs.
func (c *Controller) postCtx(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case c.inbox <- fn:
		return nil
	case <-c.stopped:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the loop and waits for its result. Loop closures never
// block, so once fn is taken its result is always returned.
func (c *Controller) call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	if err := c.postCtx(ctx, func() { done <- fn() }); err != nil {
		return err
	}
	return <-done
}

func (c *Controller) slot(deviceID string) *slot {
	s, ok := c.slots[deviceID]
	if !ok {
		s = &slot{}
		c.slots[deviceID] = s
	}
	return s
}

// Connect starts an agent for deviceID, replacing any live session. The old
// agent is killed and its output fully drained before the new one is
// spawned. Connects and disconnects for one device run in call order.
func (c *Controller) Connect(ctx context.Context, deviceID string) error {
	return c.submit(ctx, deviceID, opConnect)
}

// Disconnect kills and removes the device's session. It is a no-op when the
// device has none.
func (c *Controller) Disconnect(ctx context.Context, deviceID string) error {
	return c.submit(ctx, deviceID, opDisconnect)
}

func (c *Controller) submit(ctx context.Context, deviceID string, kind opKind) error {
	if deviceID == "" {
		return errors.New("device id is required")
	}
	o := &op{
		kind:          kind,
		ctx:           ctx,
		correlationID: telemetry.CorrelationID(ctx),
		reply:         make(chan error, 1),
	}
	if err := c.postCtx(ctx, func() { c.enqueue(deviceID, o) }); err != nil {
		return err
	}
	select {
	case err := <-o.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) enqueue(deviceID string, o *op) {
	if c.closing {
		o.reply <- ErrShuttingDown
		return
	}
	s := c.slot(deviceID)
	if o.kind == opConnect {
		kept := s.pending[:0]
		for _, p := range s.pending {
			if p.kind == opConnect {
				p.reply <- ErrSuperseded
				continue
			}
			kept = append(kept, p)
		}
		s.pending = kept
	}
	s.pending = append(s.pending, o)
	c.advance(deviceID, s)
}

// advance runs queued operations until one has to wait for a helper.
func (c *Controller) advance(deviceID string, s *slot) {
	for !s.busy && len(s.pending) > 0 {
		o := s.pending[0]
		s.pending = s.pending[1:]
		if err := o.ctx.Err(); err != nil {
			o.reply <- err
			continue
		}
		switch o.kind {
		case opDisconnect:
			o.reply <- c.disconnect(deviceID, s)
		case opConnect:
			c.startConnect(deviceID, s, o)
		}
	}
}

func (c *Controller) disconnect(deviceID string, s *slot) error {
	sess := c.removeSession(deviceID, s, "disconnect")
	if sess == nil {
		return nil
	}
	c.appendEntry(deviceID, memory.RoleSystem, "disconnected")
	return nil
}

// removeSession takes the device's session out of the registry, clears its
// sending state and kills it. Its drain becomes the slot's settle barrier.
func (c *Controller) removeSession(deviceID string, s *slot, reason string) *session.Session {
	sess, ok := c.registry.Remove(deviceID)
	if !ok {
		return nil
	}
	c.clearSending(deviceID, s, reason)
	if err := sess.Handle.Kill(); err != nil {
		c.logger.Warn("kill agent failed", "device", deviceID, "session", sess.ID, "error", err)
	}
	s.settling = sess.Drained
	c.metrics.SetSessionsLive(c.registry.Len())
	c.emitter.Emit(events.New(events.SessionDisconnected, deviceID).
		WithData("session_id", sess.ID).
		WithData("reason", reason))
	c.logger.Info("agent session removed", "device", deviceID, "session", sess.ID, "pid", sess.Handle.PID(), "reason", reason)
	return sess
}

func (c *Controller) startConnect(deviceID string, s *slot, o *op) {
	if c.devices != nil && !c.devices.Eligible(deviceID) {
		err := fmt.Errorf("connect %s: %w", deviceID, ErrDeviceOffline)
		c.connectFailed(deviceID, o, err)
		o.reply <- err
		return
	}
	s.busy = true
	c.removeSession(deviceID, s, "replaced")
	c.helpers.Add(1)
	go c.launch(deviceID, s.settling, o)
}

// launch waits for the previous session to settle, then spawns the agent
// and posts the outcome to the loop.
func (c *Controller) launch(deviceID string, settling <-chan struct{}, o *op) {
	defer c.helpers.Done()

	ctx, cancel := context.WithCancel(o.ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	sess, err := c.settleAndSpawn(ctx, deviceID, settling)
	if err == nil {
		// The pump or drain goroutine started by finishConnect releases this.
		c.pumps.Add(1)
	}
	if !c.post(func() { c.finishConnect(deviceID, o, sess, err) }) {
		if sess != nil {
			_ = sess.Handle.Kill()
			go c.drain(sess)
		}
		o.reply <- ErrShuttingDown
	}
}

func (c *Controller) settleAndSpawn(ctx context.Context, deviceID string, settling <-chan struct{}) (*session.Session, error) {
	if settling != nil {
		timer := time.NewTimer(c.settleTimeout)
		defer timer.Stop()
		select {
		case <-settling:
		case <-timer.C:
			return nil, fmt.Errorf("connect %s: %w", deviceID, ErrSettleTimeout)
		case <-ctx.Done():
			return nil, fmt.Errorf("connect %s: %w", deviceID, ctx.Err())
		}
	}

	key, err := c.apiKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", deviceID, err)
	}
	spec := c.launchConfig.Spec(deviceID, key)
	h, err := c.spawner.Spawn(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", deviceID, err)
	}

	sess := session.New(deviceID, h)
	if c.ledger != nil {
		entry := state.Entry{
			PID:        h.PID(),
			DeviceID:   deviceID,
			SessionID:  sess.ID,
			Executable: spec.Path,
			StartedAt:  sess.StartedAt,
		}
		if err := c.ledger.Put(entry); err != nil {
			c.logger.Warn("record agent pid failed", "device", deviceID, "pid", h.PID(), "error", err)
		}
	}
	return sess, nil
}

func (c *Controller) apiKey(ctx context.Context) (string, error) {
	if c.credentials == nil {
		return "", nil
	}
	key, err := c.credentials.Get(ctx)
	if errors.Is(err, secrets.ErrNoKey) {
		c.logger.Info("no API key configured, launching agent without one")
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read API key: %w", err)
	}
	return key, nil
}

func (c *Controller) finishConnect(deviceID string, o *op, sess *session.Session, err error) {
	s := c.slot(deviceID)
	s.busy = false

	if err == nil && c.closing {
		_ = sess.Handle.Kill()
		go c.drain(sess)
		err = ErrShuttingDown
	}
	if err == nil {
		if insertErr := c.registry.Insert(sess); insertErr != nil {
			_ = sess.Handle.Kill()
			go c.drain(sess)
			err = insertErr
		}
	}
	if err != nil {
		c.connectFailed(deviceID, o, err)
		o.reply <- err
		c.advance(deviceID, s)
		return
	}

	c.metrics.RecordSpawn("ok")
	c.metrics.SetSessionsLive(c.registry.Len())
	go c.pump(sess)

	c.emitter.Emit(events.New(events.SessionConnected, deviceID).
		WithCorrelationID(o.correlationID).
		WithData("session_id", sess.ID).
		WithData("pid", sess.Handle.PID()))
	c.appendEntry(deviceID, memory.RoleSystem, "connected")
	telemetry.DeviceLogger(c.logger, o.ctx, deviceID).Info("agent session started", "session", sess.ID, "pid", sess.Handle.PID())

	o.reply <- nil
	c.advance(deviceID, s)
}

func (c *Controller) connectFailed(deviceID string, o *op, err error) {
	var spawnErr *process.SpawnError
	if errors.As(err, &spawnErr) {
		c.metrics.RecordSpawn("error")
	}
	c.emitter.Emit(events.New(events.SessionConnectFailed, deviceID).
		WithCorrelationID(o.correlationID).
		WithData("error", err.Error()))
	c.appendEntry(deviceID, memory.RoleSystem, "connection failed: "+err.Error())
	telemetry.DeviceLogger(c.logger, o.ctx, deviceID).Warn("agent connect failed", "error", err)
}

// pump forwards one session's output to the loop in order, then its exit.
func (c *Controller) pump(sess *session.Session) {
	defer c.pumps.Done()
	for chunk := range sess.Handle.Output() {
		// After the loop stops, keep reading so the process can exit.
		c.post(func() { c.handleChunk(sess, chunk) })
	}
	<-sess.Handle.Done()
	if c.ledger != nil {
		if err := c.ledger.Remove(sess.Handle.PID()); err != nil {
			c.logger.Warn("forget agent pid failed", "device", sess.DeviceID, "pid", sess.Handle.PID(), "error", err)
		}
	}
	if !c.post(func() { c.handleExit(sess) }) {
		close(sess.Drained)
	}
}

// drain discards the output of a handle that never became a session.
func (c *Controller) drain(sess *session.Session) {
	defer c.pumps.Done()
	for range sess.Handle.Output() {
	}
	<-sess.Handle.Done()
	if c.ledger != nil {
		_ = c.ledger.Remove(sess.Handle.PID())
	}
	close(sess.Drained)
}

// handleChunk routes a chunk of output. Any output from the live session
// ends the device's sending state, including prompt lines the router drops.
func (c *Controller) handleChunk(sess *session.Session, chunk process.Chunk) {
	c.deliver(sess, c.router.Feed(sess.ID, sess.DeviceID, chunk))
	if len(chunk.Data) == 0 {
		return
	}
	if cur, ok := c.registry.Get(sess.DeviceID); ok && cur == sess {
		c.clearSending(sess.DeviceID, c.slot(sess.DeviceID), "output")
	}
}

// deliver appends surfaced lines as agent entries.
func (c *Controller) deliver(sess *session.Session, lines []router.Line) {
	for _, l := range lines {
		c.appendEntry(sess.DeviceID, memory.RoleAgent, l.Text)
	}
}

func (c *Controller) handleExit(sess *session.Session) {
	defer close(sess.Drained)

	c.deliver(sess, c.router.Flush(sess.ID, sess.DeviceID))
	code := sess.Handle.ExitCode()

	if !c.registry.RemoveIf(sess) {
		c.metrics.RecordExit("killed")
		return
	}
	c.metrics.RecordExit("exited")
	c.metrics.SetSessionsLive(c.registry.Len())
	c.clearSending(sess.DeviceID, c.slot(sess.DeviceID), "exited")
	c.emitter.Emit(events.New(events.SessionDisconnected, sess.DeviceID).
		WithData("session_id", sess.ID).
		WithData("reason", "exited").
		WithData("exit_code", code))
	c.appendEntry(sess.DeviceID, memory.RoleSystem, fmt.Sprintf("agent exited (code %d)", code))
	c.logger.Warn("agent exited", "device", sess.DeviceID, "session", sess.ID, "exit_code", code)
}

// Send queues text and a trailing newline for the device's agent. It fails
// with ErrNotConnected when the device has no live session and never
// spawns one, and with ErrInvalidMessage when text holds control
// characters other than tab.
func (c *Controller) Send(ctx context.Context, deviceID, text string) error {
	if strings.IndexFunc(text, isControl) >= 0 {
		return fmt.Errorf("send to %s: %w", deviceID, ErrInvalidMessage)
	}
	return c.call(ctx, func() error { return c.send(deviceID, text) })
}

func isControl(r rune) bool {
	return r != '\t' && unicode.IsControl(r)
}

func (c *Controller) send(deviceID, text string) error {
	if c.closing {
		return ErrShuttingDown
	}
	sess, ok := c.registry.Get(deviceID)
	if !ok {
		c.metrics.RecordSend("not_connected")
		c.appendEntry(deviceID, memory.RoleSystem, "not connected: message not sent")
		return fmt.Errorf("send to %s: %w", deviceID, ErrNotConnected)
	}
	if err := sess.Handle.Write(text + "\n"); err != nil {
		c.metrics.RecordSend("error")
		c.appendEntry(deviceID, memory.RoleSystem, "send failed: "+err.Error())
		return fmt.Errorf("send to %s: %w", deviceID, err)
	}
	c.metrics.RecordSend("ok")
	c.appendEntry(deviceID, memory.RoleUser, text)
	c.startSending(deviceID, c.slot(deviceID))
	return nil
}

// Cancel asks the device's agent to abandon its current operation and
// resets the sending state. It is a no-op when the device has no session.
func (c *Controller) Cancel(ctx context.Context, deviceID string) error {
	err := c.call(ctx, func() error {
		c.cancelSession(deviceID)
		return nil
	})
	if errors.Is(err, ErrShuttingDown) {
		return nil
	}
	return err
}

func (c *Controller) cancelSession(deviceID string) {
	sess, ok := c.registry.Get(deviceID)
	if !ok || c.closing {
		return
	}
	if err := sess.Handle.Interrupt(); err != nil {
		c.logger.Warn("interrupt agent failed", "device", deviceID, "session", sess.ID, "error", err)
	}
	c.clearSending(deviceID, c.slot(deviceID), "cancelled")
	c.appendEntry(deviceID, memory.RoleSystem, "operation cancelled")
}

func (c *Controller) startSending(deviceID string, s *slot) {
	if s.sending != nil && s.sending.timer != nil {
		s.sending.timer.Stop()
	}
	c.seq++
	tok := &sendToken{seq: c.seq}
	if c.sendTimeout > 0 {
		seq := tok.seq
		tok.timer = time.AfterFunc(c.sendTimeout, func() {
			c.post(func() { c.expireSending(deviceID, seq) })
		})
	}
	s.sending = tok
	c.emitter.Emit(events.New(events.SendingChanged, deviceID).
		WithData("sending", true).
		WithData("seq", tok.seq))
}

// expireSending clears the sending state only if seq is still current, so
// a stale timer never resets a newer send.
func (c *Controller) expireSending(deviceID string, seq uint64) {
	s, ok := c.slots[deviceID]
	if !ok || s.sending == nil || s.sending.seq != seq {
		return
	}
	c.clearSending(deviceID, s, "timeout")
}

func (c *Controller) clearSending(deviceID string, s *slot, reason string) {
	if s.sending == nil {
		return
	}
	if s.sending.timer != nil {
		s.sending.timer.Stop()
	}
	seq := s.sending.seq
	s.sending = nil
	c.emitter.Emit(events.New(events.SendingChanged, deviceID).
		WithData("sending", false).
		WithData("seq", seq).
		WithData("reason", reason))
}

func (c *Controller) appendEntry(deviceID string, role memory.Role, text string) {
	entry, err := c.transcript.Append(context.Background(), memory.Entry{
		DeviceID: deviceID,
		Role:     role,
		Text:     text,
	})
	if err != nil {
		c.logger.Error("append transcript entry failed", "device", deviceID, "role", role, "error", err)
		return
	}
	c.emitter.Emit(events.New(events.MessageAppended, deviceID).
		WithData("id", entry.ID).
		WithData("role", string(entry.Role)).
		WithData("text", entry.Text).
		WithData("timestamp", entry.Timestamp))
}

// Shutdown kills every live session exactly once and fails queued
// operations with ErrShuttingDown. It waits, bounded by ctx, for in-flight
// connects and output pumps to finish, then stops the loop. Later calls
// return the first call's result.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.shutdownErr = c.shutdown(ctx)
	})
	return c.shutdownErr
}

func (c *Controller) shutdown(ctx context.Context) error {
	err := c.call(context.Background(), func() error {
		c.closing = true
		for deviceID, s := range c.slots {
			for _, p := range s.pending {
				p.reply <- ErrShuttingDown
			}
			s.pending = nil
			c.clearSending(deviceID, s, "shutdown")
		}
		sessions := c.registry.Drain()
		session.TeardownAll(c.logger, sessions)
		c.metrics.SetSessionsLive(0)
		c.logger.Info("agent sessions torn down", "count", len(sessions))
		return nil
	})
	if err != nil {
		return err
	}
	c.cancel()

	var waitErr error
	if err := waitGroup(ctx, &c.helpers); err != nil {
		waitErr = fmt.Errorf("wait for pending connects: %w", err)
	} else if err := waitGroup(ctx, &c.pumps); err != nil {
		waitErr = fmt.Errorf("wait for agent output: %w", err)
	}
	if waitErr != nil {
		c.logger.Warn("shutdown did not finish cleanly", "error", waitErr)
	}

	close(c.quit)
	<-c.stopped
	return waitErr
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Transcript returns the device's conversation in append order. History
// outlives sessions and device presence.
func (c *Controller) Transcript(ctx context.Context, deviceID string) ([]memory.Entry, error) {
	return c.transcript.Load(ctx, deviceID)
}

// Sessions returns the live sessions ordered by device ID.
func (c *Controller) Sessions(ctx context.Context) ([]session.Info, error) {
	var infos []session.Info
	err := c.call(ctx, func() error {
		for _, sess := range c.registry.List() {
			info := sess.Info()
			if s, ok := c.slots[sess.DeviceID]; ok {
				info.Sending = s.sending != nil
			}
			infos = append(infos, info)
		}
		return nil
	})
	return infos, err
}

// Session returns the device's live session, if any.
func (c *Controller) Session(ctx context.Context, deviceID string) (session.Info, bool, error) {
	var (
		info  session.Info
		found bool
	)
	err := c.call(ctx, func() error {
		sess, ok := c.registry.Get(deviceID)
		if !ok {
			return nil
		}
		info, found = sess.Info(), true
		if s, ok := c.slots[deviceID]; ok {
			info.Sending = s.sending != nil
		}
		return nil
	})
	return info, found, err
}

// Sending reports whether the device has a send awaiting output.
func (c *Controller) Sending(ctx context.Context, deviceID string) (bool, error) {
	var sending bool
	err := c.call(ctx, func() error {
		if s, ok := c.slots[deviceID]; ok {
			sending = s.sending != nil
		}
		return nil
	})
	return sending, err
}
