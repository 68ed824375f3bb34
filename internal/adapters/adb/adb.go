// Package adb enumerates Android devices through the adb command line tool.
package adb

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/szaher/phoneagent/internal/adapters"
	"github.com/szaher/phoneagent/internal/discovery"
)

// Name is the registry name of this enumerator.
const Name = "adb"

const (
	stateDevice = "device"
	header      = "List of devices attached"

	propManufacturer   = "ro.product.manufacturer"
	propModel          = "ro.product.model"
	propAndroidVersion = "ro.build.version.release"

	// maxPropQueries bounds concurrent getprop calls across devices.
	maxPropQueries = 4
)

func init() {
	adapters.Register(Name, func(cfg adapters.Config) (discovery.Enumerator, error) {
		return New(cfg.ADBPath, cfg.Timeout), nil
	})
}

// Runner executes a command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// Enumerator lists devices with "adb devices -l" and fills in product
// properties for the online ones.
type Enumerator struct {
	Path    string
	Timeout time.Duration
	Run     Runner
	Logger  *slog.Logger
}

// New creates an adb enumerator. An empty path means "adb" on PATH.
func New(path string, timeout time.Duration) *Enumerator {
	if path == "" {
		path = "adb"
	}
	return &Enumerator{
		Path:    path,
		Timeout: timeout,
		Run:     ExecRunner,
		Logger:  slog.Default(),
	}
}

// Name implements discovery.Enumerator.
func (e *Enumerator) Name() string { return Name }

// Enumerate implements discovery.Enumerator.
func (e *Enumerator) Enumerate(ctx context.Context) ([]discovery.Snapshot, error) {
	out, err := e.run(ctx, "devices", "-l")
	if err != nil {
		return nil, err
	}
	snaps, err := ParseDevices(out)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxPropQueries)
	for i := range snaps {
		if !snaps[i].Online {
			continue
		}
		snap := &snaps[i]
		g.Go(func() error {
			e.fillProps(gctx, snap)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return snaps, nil
}

func (e *Enumerator) fillProps(ctx context.Context, snap *discovery.Snapshot) {
	props := []struct {
		prop string
		key  string
	}{
		{propManufacturer, discovery.MetaManufacturer},
		{propModel, discovery.MetaModel},
		{propAndroidVersion, discovery.MetaAndroidVersion},
	}
	for _, p := range props {
		out, err := e.run(ctx, "-s", snap.ID, "shell", "getprop", p.prop)
		if err != nil {
			e.logger().Debug("getprop failed", "device", snap.ID, "prop", p.prop, "error", err)
			continue
		}
		if v := strings.TrimSpace(string(out)); v != "" {
			snap.Metadata[p.key] = v
		}
	}
	snap.DisplayName = DisplayName(snap.ID, snap.Metadata)
}

func (e *Enumerator) run(ctx context.Context, args ...string) ([]byte, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	run := e.Run
	if run == nil {
		run = ExecRunner
	}
	return run(ctx, e.Path, args...)
}

func (e *Enumerator) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// ParseDevices parses the output of "adb devices -l". Devices in any state
// other than "device" are reported offline.
func ParseDevices(out []byte) ([]discovery.Snapshot, error) {
	var snaps []discovery.Snapshot
	sawHeader := false

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "", strings.HasPrefix(line, "*"):
			continue
		case strings.HasPrefix(line, header):
			sawHeader = true
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		snap := discovery.Snapshot{
			ID:       fields[0],
			State:    fields[1],
			Online:   fields[1] == stateDevice,
			Metadata: make(map[string]string),
		}
		for _, f := range fields[2:] {
			k, v, ok := strings.Cut(f, ":")
			if !ok {
				continue
			}
			if k == "model" {
				snap.Metadata[discovery.MetaModel] = strings.ReplaceAll(v, "_", " ")
			}
		}
		snap.DisplayName = DisplayName(snap.ID, snap.Metadata)
		snaps = append(snaps, snap)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read adb output: %w", err)
	}
	if !sawHeader {
		return nil, fmt.Errorf("unexpected adb output: missing %q header", header)
	}
	return snaps, nil
}

// DisplayName builds a human-readable name from manufacturer and model,
// falling back to the serial.
func DisplayName(id string, md map[string]string) string {
	manufacturer := md[discovery.MetaManufacturer]
	model := md[discovery.MetaModel]
	switch {
	case manufacturer != "" && model != "":
		if strings.HasPrefix(strings.ToLower(model), strings.ToLower(manufacturer)) {
			return model
		}
		return manufacturer + " " + model
	case model != "":
		return model
	default:
		return id
	}
}
