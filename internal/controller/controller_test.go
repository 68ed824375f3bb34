package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/szaher/phoneagent/internal/discovery"
	"github.com/szaher/phoneagent/internal/events"
	"github.com/szaher/phoneagent/internal/memory"
	"github.com/szaher/phoneagent/internal/process"
	"github.com/szaher/phoneagent/internal/secrets"
	"github.com/szaher/phoneagent/internal/state"
	"github.com/szaher/phoneagent/internal/testutil"
)

const agentPath = "/opt/agent/phone-agent"

type fixture struct {
	ctrl       *Controller
	spawner    *testutil.FakeSpawner
	events     *events.CollectorEmitter
	transcript *memory.Transcript
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		spawner:    testutil.NewFakeSpawner(),
		events:     &events.CollectorEmitter{},
		transcript: memory.NewTranscript(0),
	}
	opts := Options{
		Spawner: f.spawner,
		Launch: LaunchConfig{
			Path:    agentPath,
			BaseURL: "https://api.example.com/v1",
			Model:   "phone-model",
			Lang:    "en",
		},
		Transcript: f.transcript,
		Emitter:    f.events,
	}
	for _, m := range mutate {
		m(&opts)
	}
	ctrl, err := New(opts)
	if err != nil {
		t.Fatalf("New returned unexpected error: %v", err)
	}
	f.ctrl = ctrl
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ctrl.Shutdown(ctx)
	})
	return f
}

func (f *fixture) connect(t *testing.T, deviceID string) *testutil.FakeHandle {
	t.Helper()
	if err := f.ctrl.Connect(context.Background(), deviceID); err != nil {
		t.Fatalf("Connect(%s) returned unexpected error: %v", deviceID, err)
	}
	return f.spawner.Last()
}

func (f *fixture) entries(t *testing.T, deviceID string) []memory.Entry {
	t.Helper()
	entries, err := f.ctrl.Transcript(context.Background(), deviceID)
	if err != nil {
		t.Fatalf("Transcript returned unexpected error: %v", err)
	}
	return entries
}

func (f *fixture) texts(t *testing.T, deviceID string, role memory.Role) []string {
	t.Helper()
	var out []string
	for _, e := range f.entries(t, deviceID) {
		if e.Role == role {
			out = append(out, e.Text)
		}
	}
	return out
}

func (f *fixture) hasText(t *testing.T, deviceID string, role memory.Role, text string) bool {
	t.Helper()
	for _, s := range f.texts(t, deviceID, role) {
		if s == text {
			return true
		}
	}
	return false
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(Options{Launch: LaunchConfig{Path: agentPath}}); err == nil {
		t.Error("expected error without spawner")
	}
	if _, err := New(Options{Spawner: testutil.NewFakeSpawner()}); err == nil {
		t.Error("expected error without agent path")
	}
}

func TestConnectSendReceive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	h := f.connect(t, "dev1")
	if err := f.ctrl.Send(ctx, "dev1", "hello"); err != nil {
		t.Fatalf("Send returned unexpected error: %v", err)
	}
	if got := h.Writes(); len(got) != 1 || got[0] != "hello\n" {
		t.Fatalf("agent stdin = %q, want [\"hello\\n\"]", got)
	}

	h.Emit(process.StreamStdout, "> \nAI: hi\n>\n")

	testutil.Eventually(t, time.Second, "agent reply appended", func() bool {
		return len(f.texts(t, "dev1", memory.RoleAgent)) > 0
	})
	// Give any duplicate delivery a chance to show up.
	if _, err := f.ctrl.Sessions(ctx); err != nil {
		t.Fatalf("Sessions returned unexpected error: %v", err)
	}

	agent := f.texts(t, "dev1", memory.RoleAgent)
	if len(agent) != 1 || agent[0] != "AI: hi" {
		t.Errorf("agent entries = %q, want exactly [\"AI: hi\"]", agent)
	}
	entries := f.entries(t, "dev1")
	var roles []string
	for _, e := range entries {
		roles = append(roles, string(e.Role))
	}
	if strings.Join(roles, ",") != "system,user,agent" {
		t.Errorf("transcript roles = %v, want system,user,agent", roles)
	}
	for _, e := range entries {
		if e.DeviceID != "dev1" {
			t.Errorf("entry %s tagged with device %q", e.ID, e.DeviceID)
		}
	}

	if len(f.events.OfType(events.SessionConnected)) != 1 {
		t.Errorf("got %d connected events, want 1", len(f.events.OfType(events.SessionConnected)))
	}
}

func TestLaunchArguments(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Credentials = fakeStore{key: "sk-test"}
	})
	h := f.connect(t, "emulator-5554")

	want := []string{
		"--base-url", "https://api.example.com/v1",
		"--model", "phone-model",
		"--device-id", "emulator-5554",
		"--apikey", "sk-test",
		"--lang", "en",
	}
	if got := strings.Join(h.Spec.Args, " "); got != strings.Join(want, " ") {
		t.Errorf("args = %q, want %q", got, want)
	}
	if h.Spec.Path != agentPath {
		t.Errorf("path = %q, want %q", h.Spec.Path, agentPath)
	}
}

func TestConnectWithoutKeyLaunchesWithEmptyKey(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Credentials = fakeStore{err: secrets.ErrNoKey}
	})
	h := f.connect(t, "dev1")

	args := h.Spec.Args
	for i, a := range args {
		if a == "--apikey" {
			if i+1 >= len(args) || args[i+1] != "" {
				t.Errorf("api key arg = %q, want empty", args[i+1])
			}
			return
		}
	}
	t.Errorf("args %q missing --apikey", args)
}

func TestConnectCredentialFailure(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Credentials = fakeStore{err: errors.New("permission denied")}
	})
	err := f.ctrl.Connect(context.Background(), "dev1")
	testutil.AssertErrorContains(t, err, "permission denied")

	if n := len(f.spawner.Handles()); n != 0 {
		t.Errorf("spawned %d agents after credential failure", n)
	}
	if len(f.events.OfType(events.SessionConnectFailed)) != 1 {
		t.Error("missing connect_failed event")
	}
}

func TestConnectReplacesAfterOldExits(t *testing.T) {
	f := newFixture(t)

	first := f.connect(t, "dev1")
	second := f.connect(t, "dev1")

	if first == second {
		t.Fatal("second connect reused the first handle")
	}
	if !first.Exited() || first.Kills() != 1 {
		t.Errorf("first handle exited=%v kills=%d, want killed once", first.Exited(), first.Kills())
	}

	j := &f.spawner.Journal
	kill := j.Index(fmt.Sprintf("kill:%d", first.PID()))
	exit := j.Index(fmt.Sprintf("exit:%d", first.PID()))
	spawn := j.Index(fmt.Sprintf("spawn:%d", second.PID()))
	if kill < 0 || exit < 0 || spawn < 0 {
		t.Fatalf("journal missing entries: %v", j.Entries())
	}
	if !(kill < exit && exit < spawn) {
		t.Errorf("journal order = %v, want kill and exit of %d before spawn of %d", j.Entries(), first.PID(), second.PID())
	}

	if live := f.spawner.Live(); len(live) != 1 || live[0] != second {
		t.Errorf("live handles = %d, want only the second", len(live))
	}
}

func TestConcurrentConnectsKeepOneLiveHandle(t *testing.T) {
	f := newFixture(t)

	var violations atomic.Int32
	stop := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if len(f.spawner.Live()) > 1 {
				violations.Add(1)
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.ctrl.Connect(context.Background(), "dev1")
		}()
	}
	wg.Wait()
	close(stop)
	<-watcherDone
	close(errs)

	succeeded := 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrSuperseded):
		default:
			t.Errorf("Connect returned unexpected error: %v", err)
		}
	}
	if succeeded == 0 {
		t.Error("no connect succeeded")
	}
	if v := violations.Load(); v != 0 {
		t.Errorf("observed more than one live handle %d times", v)
	}
	if live := f.spawner.Live(); len(live) != 1 {
		t.Errorf("live handles = %d, want 1", len(live))
	}
	sessions, _ := f.ctrl.Sessions(context.Background())
	if len(sessions) != 1 || sessions[0].PID != f.spawner.Live()[0].PID() {
		t.Errorf("sessions = %+v, want the single live handle", sessions)
	}
}

func TestQueuedConnectIsSuperseded(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, func(o *Options) {
		o.Credentials = &gatedStore{gate: gate}
	})
	ctx := context.Background()

	results := make(chan error, 3)
	go func() { results <- f.ctrl.Connect(ctx, "dev1") }()
	time.Sleep(50 * time.Millisecond)
	go func() { results <- f.ctrl.Connect(ctx, "dev1") }()
	time.Sleep(50 * time.Millisecond)
	go func() { results <- f.ctrl.Connect(ctx, "dev1") }()
	time.Sleep(50 * time.Millisecond)
	close(gate)

	var superseded, ok int
	for i := 0; i < 3; i++ {
		err := <-results
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrSuperseded):
			superseded++
		default:
			t.Fatalf("Connect returned unexpected error: %v", err)
		}
	}
	if ok != 2 || superseded != 1 {
		t.Errorf("ok=%d superseded=%d, want 2 and 1", ok, superseded)
	}
	if n := len(f.spawner.Handles()); n != 2 {
		t.Errorf("spawned %d agents, want 2", n)
	}
}

func TestSendWithoutSession(t *testing.T) {
	f := newFixture(t)

	err := f.ctrl.Send(context.Background(), "dev1", "hello")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send error = %v, want ErrNotConnected", err)
	}
	if n := len(f.spawner.Handles()); n != 0 {
		t.Errorf("Send spawned %d agents", n)
	}
	if len(f.texts(t, "dev1", memory.RoleSystem)) != 1 {
		t.Error("missing system entry for send without session")
	}
	if len(f.texts(t, "dev1", memory.RoleUser)) != 0 {
		t.Error("user entry appended for unsent message")
	}
}

func TestSendDuringPendingConnect(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, func(o *Options) {
		o.Credentials = &gatedStore{gate: gate}
	})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- f.ctrl.Connect(ctx, "dev1") }()
	time.Sleep(50 * time.Millisecond)

	if err := f.ctrl.Send(ctx, "dev1", "too early"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send during connect = %v, want ErrNotConnected", err)
	}
	if err := f.ctrl.Cancel(ctx, "dev1"); err != nil {
		t.Errorf("Cancel during connect returned %v", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("Connect returned unexpected error: %v", err)
	}
	if err := f.ctrl.Send(ctx, "dev1", "now"); err != nil {
		t.Errorf("Send after connect returned %v", err)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	h1 := f.connect(t, "dev1")
	h2 := f.connect(t, "dev2")
	if err := f.ctrl.Send(ctx, "dev1", "open settings"); err != nil {
		t.Fatalf("Send returned unexpected error: %v", err)
	}
	if sending, _ := f.ctrl.Sending(ctx, "dev1"); !sending {
		t.Fatal("dev1 not sending after Send")
	}

	if err := f.ctrl.Cancel(ctx, "dev1"); err != nil {
		t.Fatalf("Cancel returned unexpected error: %v", err)
	}
	if h1.Interrupts() != 1 {
		t.Errorf("dev1 interrupts = %d, want 1", h1.Interrupts())
	}
	if h1.Exited() {
		t.Error("Cancel killed the agent")
	}
	if sending, _ := f.ctrl.Sending(ctx, "dev1"); sending {
		t.Error("dev1 still sending after Cancel")
	}
	if !f.hasText(t, "dev1", memory.RoleSystem, "operation cancelled") {
		t.Error("missing cancellation entry")
	}
	if h2.Interrupts() != 0 {
		t.Error("Cancel on dev1 interrupted dev2")
	}
}

func TestCancelWithoutSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := f.connect(t, "dev2")
	before := len(f.entries(t, "dev2"))

	if err := f.ctrl.Cancel(ctx, "dev1"); err != nil {
		t.Fatalf("Cancel without session returned %v", err)
	}
	if len(f.entries(t, "dev1")) != 0 {
		t.Error("Cancel without session wrote to the transcript")
	}
	if other.Interrupts() != 0 || other.Exited() {
		t.Error("Cancel without session affected another device")
	}
	if len(f.entries(t, "dev2")) != before {
		t.Error("Cancel without session changed another device's transcript")
	}
}

func TestOutputOrderPreserved(t *testing.T) {
	f := newFixture(t)
	h := f.connect(t, "dev1")

	var stream strings.Builder
	for i := 0; i < 100; i++ {
		fmt.Fprintf(&stream, "step %d\n", i)
	}
	data := stream.String()
	for i := 0; i < len(data); i += 7 {
		end := i + 7
		if end > len(data) {
			end = len(data)
		}
		h.Emit(process.StreamStdout, data[i:end])
	}

	testutil.Eventually(t, 2*time.Second, "all output delivered", func() bool {
		return len(f.texts(t, "dev1", memory.RoleAgent)) == 100
	})
	for i, text := range f.texts(t, "dev1", memory.RoleAgent) {
		if want := fmt.Sprintf("step %d", i); text != want {
			t.Fatalf("agent entry %d = %q, want %q", i, text, want)
		}
	}
}

func TestOutputNotConflatedAcrossDevices(t *testing.T) {
	f := newFixture(t)
	h1 := f.connect(t, "dev1")
	h2 := f.connect(t, "dev2")

	h1.Emit(process.StreamStdout, "from one, part ")
	h2.Emit(process.StreamStdout, "from two\n")
	h1.Emit(process.StreamStdout, "two\n")
	h2.Emit(process.StreamStderr, "two warns\n")

	testutil.Eventually(t, time.Second, "both devices received output", func() bool {
		return len(f.texts(t, "dev1", memory.RoleAgent)) == 1 && len(f.texts(t, "dev2", memory.RoleAgent)) == 2
	})
	if got := f.texts(t, "dev1", memory.RoleAgent); got[0] != "from one, part two" {
		t.Errorf("dev1 output = %q", got)
	}
	if got := f.texts(t, "dev2", memory.RoleAgent); got[0] != "from two" || got[1] != "two warns" {
		t.Errorf("dev2 output = %q", got)
	}
}

func TestOutputClearsSending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.connect(t, "dev1")

	if err := f.ctrl.Send(ctx, "dev1", "hello"); err != nil {
		t.Fatalf("Send returned unexpected error: %v", err)
	}
	h.Emit(process.StreamStdout, "working\n")

	testutil.Eventually(t, time.Second, "sending cleared by output", func() bool {
		sending, _ := f.ctrl.Sending(ctx, "dev1")
		return !sending
	})
}

func TestSendTimeoutClearsSending(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.SendTimeout = 50 * time.Millisecond })
	ctx := context.Background()
	f.connect(t, "dev1")

	if err := f.ctrl.Send(ctx, "dev1", "hello"); err != nil {
		t.Fatalf("Send returned unexpected error: %v", err)
	}
	if sending, _ := f.ctrl.Sending(ctx, "dev1"); !sending {
		t.Fatal("not sending after Send")
	}
	testutil.Eventually(t, time.Second, "sending cleared by timeout", func() bool {
		sending, _ := f.ctrl.Sending(ctx, "dev1")
		return !sending
	})

	var timedOut bool
	for _, e := range f.events.OfType(events.SendingChanged) {
		if e.Data["reason"] == "timeout" {
			timedOut = true
		}
	}
	if !timedOut {
		t.Error("no sending.changed event with reason timeout")
	}
}

func TestNoTimeoutKeepsSending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "dev1")

	if err := f.ctrl.Send(ctx, "dev1", "hello"); err != nil {
		t.Fatalf("Send returned unexpected error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if sending, _ := f.ctrl.Sending(ctx, "dev1"); !sending {
		t.Error("sending cleared without output, cancel or timeout")
	}
}

func TestUnexpectedExit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.connect(t, "dev1")
	other := f.connect(t, "dev2")

	h.Emit(process.StreamStderr, "fatal: model unavailable")
	h.Exit(3)

	testutil.Eventually(t, time.Second, "exit recorded", func() bool {
		return f.hasText(t, "dev1", memory.RoleSystem, "agent exited (code 3)")
	})

	agent := f.texts(t, "dev1", memory.RoleAgent)
	if len(agent) != 1 || agent[0] != "fatal: model unavailable" {
		t.Errorf("flushed output = %q", agent)
	}
	entries := f.entries(t, "dev1")
	if last := entries[len(entries)-1]; last.Text != "agent exited (code 3)" {
		t.Errorf("last entry = %q, want exit notice after flushed output", last.Text)
	}

	if err := f.ctrl.Send(ctx, "dev1", "hello"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after exit = %v, want ErrNotConnected", err)
	}
	if err := f.ctrl.Send(ctx, "dev2", "still here"); err != nil {
		t.Errorf("Send to dev2 after dev1 exited returned %v", err)
	}
	if other.Exited() {
		t.Error("dev1 exit affected dev2")
	}

	var exited bool
	for _, e := range f.events.OfType(events.SessionDisconnected) {
		if e.DeviceID == "dev1" && e.Data["reason"] == "exited" {
			exited = true
		}
	}
	if !exited {
		t.Error("missing disconnected event for exit")
	}

	if _, err := f.ctrl.Sessions(ctx); err != nil {
		t.Fatal(err)
	}
	f.connect(t, "dev1")
}

func TestSpawnFailureIsContained(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h2 := f.connect(t, "dev2")

	f.spawner.FailPath(agentPath, errors.New("no such file or directory"))
	err := f.ctrl.Connect(ctx, "dev1")

	var spawnErr *process.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("Connect error = %v, want *process.SpawnError", err)
	}
	failed := f.events.OfType(events.SessionConnectFailed)
	if len(failed) != 1 || failed[0].DeviceID != "dev1" {
		t.Fatalf("connect_failed events = %+v", failed)
	}
	if msg, _ := failed[0].Data["error"].(string); !strings.Contains(msg, "no such file") {
		t.Errorf("failure cause = %q, want human-readable cause", msg)
	}
	if len(f.texts(t, "dev1", memory.RoleSystem)) != 1 {
		t.Error("missing system entry for failed connect")
	}

	if err := f.ctrl.Send(ctx, "dev2", "hello"); err != nil {
		t.Errorf("dev2 Send after dev1 failure returned %v", err)
	}
	if h2.Exited() {
		t.Error("dev1 failure killed dev2")
	}
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.connect(t, "dev1")

	if err := f.ctrl.Disconnect(ctx, "dev1"); err != nil {
		t.Fatalf("Disconnect returned unexpected error: %v", err)
	}
	if !h.Exited() {
		t.Error("agent still running after Disconnect")
	}
	if err := f.ctrl.Send(ctx, "dev1", "hello"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after Disconnect = %v, want ErrNotConnected", err)
	}
	if err := f.ctrl.Disconnect(ctx, "dev1"); err != nil {
		t.Errorf("second Disconnect returned %v", err)
	}
	if err := f.ctrl.Disconnect(ctx, "never-connected"); err != nil {
		t.Errorf("Disconnect of unknown device returned %v", err)
	}
	if h.Kills() != 1 {
		t.Errorf("kills = %d, want 1", h.Kills())
	}
}

func TestShutdownTearsDownEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	handles := []*testutil.FakeHandle{
		f.connect(t, "dev1"),
		f.connect(t, "dev2"),
		f.connect(t, "dev3"),
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := f.ctrl.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown returned unexpected error: %v", err)
	}

	for _, h := range handles {
		if !h.Exited() {
			t.Errorf("handle %d did not exit", h.PID())
		}
		if h.Kills() != 1 {
			t.Errorf("handle %d killed %d times, want 1", h.PID(), h.Kills())
		}
		if f.spawner.Journal.Index(fmt.Sprintf("exit:%d", h.PID())) < 0 {
			t.Errorf("no exit notification for %d", h.PID())
		}
	}
	if live := f.spawner.Live(); len(live) != 0 {
		t.Errorf("%d handles live after shutdown", len(live))
	}

	if err := f.ctrl.Shutdown(shutdownCtx); err != nil {
		t.Errorf("second Shutdown returned %v", err)
	}
	if err := f.ctrl.Connect(ctx, "dev1"); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Connect after Shutdown = %v, want ErrShuttingDown", err)
	}
	if err := f.ctrl.Send(ctx, "dev1", "hi"); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Send after Shutdown = %v, want ErrShuttingDown", err)
	}
	if err := f.ctrl.Cancel(ctx, "dev1"); err != nil {
		t.Errorf("Cancel after Shutdown = %v, want nil", err)
	}
	if n := len(f.spawner.Handles()); n != 3 {
		t.Errorf("spawned %d agents, want 3", n)
	}
}

func TestShutdownFailsPendingConnect(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, func(o *Options) {
		o.Credentials = &gatedStore{gate: gate}
	})

	done := make(chan error, 1)
	go func() { done <- f.ctrl.Connect(context.Background(), "dev1") }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.ctrl.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown returned unexpected error: %v", err)
	}
	if err := <-done; err == nil {
		t.Error("in-flight Connect succeeded across Shutdown")
	}
	if live := f.spawner.Live(); len(live) != 0 {
		t.Errorf("%d handles live after shutdown", len(live))
	}
}

func TestConnectOfflineDevice(t *testing.T) {
	enum := &stubEnumerator{}
	devices := discovery.NewRegistry(enum)
	f := newFixture(t, func(o *Options) { o.Devices = devices })
	ctx := context.Background()

	enum.set(discovery.Snapshot{ID: "dev1", Online: true})
	_, _ = devices.Refresh(ctx)
	h := f.connect(t, "dev1")

	enum.set(discovery.Snapshot{ID: "dev1", Online: false, State: "offline"})
	_, _ = devices.Refresh(ctx)

	if err := f.ctrl.Connect(ctx, "dev1"); !errors.Is(err, ErrDeviceOffline) {
		t.Fatalf("Connect offline = %v, want ErrDeviceOffline", err)
	}
	if h.Exited() {
		t.Error("rejected connect killed the existing session")
	}
	if err := f.ctrl.Connect(ctx, "unknown"); !errors.Is(err, ErrDeviceOffline) {
		t.Errorf("Connect unknown = %v, want ErrDeviceOffline", err)
	}
}

func TestHistorySurvivesDeviceAbsence(t *testing.T) {
	enum := &stubEnumerator{}
	devices := discovery.NewRegistry(enum)
	f := newFixture(t, func(o *Options) { o.Devices = devices })
	ctx := context.Background()

	enum.set(discovery.Snapshot{ID: "dev1", Online: true})
	_, _ = devices.Refresh(ctx)
	h := f.connect(t, "dev1")
	_ = f.ctrl.Send(ctx, "dev1", "open camera")
	h.Emit(process.StreamStdout, "camera opened\n")
	testutil.Eventually(t, time.Second, "reply appended", func() bool {
		return len(f.texts(t, "dev1", memory.RoleAgent)) == 1
	})
	before := f.entries(t, "dev1")

	enum.set()
	_, _ = devices.Refresh(ctx)
	if devices.Eligible("dev1") {
		t.Fatal("absent device still eligible")
	}
	enum.set(discovery.Snapshot{ID: "dev1", Online: true})
	_, _ = devices.Refresh(ctx)

	after := f.entries(t, "dev1")
	if len(after) != len(before) {
		t.Fatalf("transcript has %d entries after reappearance, want %d", len(after), len(before))
	}
	for i := range before {
		if after[i].ID != before[i].ID || after[i].Text != before[i].Text {
			t.Errorf("entry %d changed: %+v -> %+v", i, before[i], after[i])
		}
	}
}

func TestLedgerTracksAgents(t *testing.T) {
	ledger := state.NewLocalBackend(filepath.Join(t.TempDir(), "agents.json"))
	f := newFixture(t, func(o *Options) { o.Ledger = ledger })
	ctx := context.Background()

	h := f.connect(t, "dev1")
	entries, err := ledger.Load()
	if err != nil {
		t.Fatalf("Load returned unexpected error: %v", err)
	}
	if len(entries) != 1 || entries[0].PID != h.PID() || entries[0].DeviceID != "dev1" {
		t.Fatalf("ledger = %+v, want entry for pid %d", entries, h.PID())
	}

	if err := f.ctrl.Disconnect(ctx, "dev1"); err != nil {
		t.Fatalf("Disconnect returned unexpected error: %v", err)
	}
	testutil.Eventually(t, time.Second, "ledger entry removed", func() bool {
		entries, _ := ledger.Load()
		return len(entries) == 0
	})
}

func TestConnectRespectsCallerContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := f.ctrl.Connect(ctx, "dev1"); !errors.Is(err, context.Canceled) {
		t.Errorf("Connect with cancelled context = %v, want context.Canceled", err)
	}
	if err := f.ctrl.Connect(context.Background(), ""); err == nil {
		t.Error("Connect with empty device id succeeded")
	}
}

func TestSessionInfo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.connect(t, "dev1")
	_ = f.ctrl.Send(ctx, "dev1", "hello")

	info, ok, err := f.ctrl.Session(ctx, "dev1")
	if err != nil || !ok {
		t.Fatalf("Session = %v, %v", ok, err)
	}
	if info.PID != h.PID() || !info.Sending || !strings.HasPrefix(info.ID, "sess_") {
		t.Errorf("info = %+v", info)
	}
	if _, ok, _ := f.ctrl.Session(ctx, "dev2"); ok {
		t.Error("Session reported a session for an unconnected device")
	}
}

type fakeStore struct {
	key string
	err error
}

func (s fakeStore) Get(context.Context) (string, error) { return s.key, s.err }

func (s fakeStore) Set(context.Context, string) error { return secrets.ErrReadOnly }

// gatedStore blocks Get until gate is closed or ctx ends.
type gatedStore struct {
	gate chan struct{}
}

func (s *gatedStore) Get(ctx context.Context) (string, error) {
	select {
	case <-s.gate:
		return "sk-gated", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *gatedStore) Set(context.Context, string) error { return secrets.ErrReadOnly }

type stubEnumerator struct {
	mu    sync.Mutex
	snaps []discovery.Snapshot
}

func (e *stubEnumerator) Name() string { return "stub" }

func (e *stubEnumerator) Enumerate(context.Context) ([]discovery.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]discovery.Snapshot, len(e.snaps))
	copy(out, e.snaps)
	return out, nil
}

func (e *stubEnumerator) set(snaps ...discovery.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snaps = snaps
}

func TestStalledAgentDoesNotBlockOtherDevices(t *testing.T) {
	for _, bin := range []string{"sh", "sleep"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not available: %v", bin, err)
		}
	}
	agent := filepath.Join(t.TempDir(), "phone-agent")
	if err := os.WriteFile(agent, []byte("#!/bin/sh\nexec sleep 30\n"), 0755); err != nil {
		t.Fatalf("write agent script: %v", err)
	}
	f := newFixture(t, func(o *Options) {
		o.Spawner = process.NewExecSpawner(nil, nil)
		o.Launch.Path = agent
	})
	ctx := context.Background()

	for _, dev := range []string{"dev1", "dev2"} {
		if err := f.ctrl.Connect(ctx, dev); err != nil {
			t.Fatalf("Connect(%s) returned unexpected error: %v", dev, err)
		}
	}

	// dev1's agent never reads stdin, so this fills its pipe.
	if err := f.ctrl.Send(ctx, "dev1", strings.Repeat("x", 200*1024)); err != nil {
		t.Fatalf("Send(dev1) returned unexpected error: %v", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := f.ctrl.Send(sendCtx, "dev2", "hello"); err != nil {
		t.Fatalf("Send(dev2) returned unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Send(dev2) took %s behind dev1's stalled input", elapsed)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, 5*time.Second)
	defer cancelShutdown()
	if err := f.ctrl.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown returned unexpected error: %v", err)
	}
}

func TestSendHonoursDeadlineWhileLoopBusy(t *testing.T) {
	f := newFixture(t)
	h := f.connect(t, "dev1")

	release := make(chan struct{})
	go f.ctrl.post(func() { <-release })
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := f.ctrl.Send(ctx, "dev1", "late")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Send took %s, want the caller's deadline", elapsed)
	}

	close(release)
	if _, err := f.ctrl.Sending(context.Background(), "dev1"); err != nil {
		t.Fatalf("Sending returned unexpected error: %v", err)
	}
	if w := h.Writes(); len(w) != 0 {
		t.Errorf("timed out Send still reached the agent: %q", w)
	}
}

func TestSendRejectsControlCharacters(t *testing.T) {
	f := newFixture(t)
	h := f.connect(t, "dev1")
	ctx := context.Background()

	for _, text := range []string{"one\ntwo", "stop\x03", "carriage\rreturn"} {
		if err := f.ctrl.Send(ctx, "dev1", text); !errors.Is(err, ErrInvalidMessage) {
			t.Errorf("Send(%q) = %v, want ErrInvalidMessage", text, err)
		}
	}
	if err := f.ctrl.Send(ctx, "dev1", "tab\tseparated"); err != nil {
		t.Errorf("Send with a tab returned unexpected error: %v", err)
	}
	if w := h.Writes(); len(w) != 1 || w[0] != "tab\tseparated\n" {
		t.Errorf("agent writes = %q", w)
	}
}

func TestPromptOutputClearsSending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.connect(t, "dev1")

	if err := f.ctrl.Send(ctx, "dev1", "hello"); err != nil {
		t.Fatalf("Send returned unexpected error: %v", err)
	}
	h.Emit(process.StreamStdout, "> \n")

	testutil.Eventually(t, time.Second, "sending cleared by prompt output", func() bool {
		sending, _ := f.ctrl.Sending(ctx, "dev1")
		return !sending
	})
	if got := f.texts(t, "dev1", memory.RoleAgent); len(got) != 0 {
		t.Errorf("prompt line surfaced: %q", got)
	}
}

func TestLaunchEnvPassedThrough(t *testing.T) {
	spec := LaunchConfig{Path: agentPath, Env: []string{"AGENT_LANG=en"}}.Spec("dev1", "")
	if len(spec.Env) != 1 || spec.Env[0] != "AGENT_LANG=en" {
		t.Errorf("Spec.Env = %q, want only the configured pairs", spec.Env)
	}
}
