package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/szaher/phoneagent/internal/controller"
	"github.com/szaher/phoneagent/internal/discovery"
	"github.com/szaher/phoneagent/internal/events"
	"github.com/szaher/phoneagent/internal/runtime"
)

var (
	agentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	systemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

const chatHelp = `Commands:
  /cancel     interrupt the agent's current operation (also Ctrl-C)
  /reconnect  restart the agent for this device
  /devices    list attached devices
  /quit       disconnect and exit`

// sessionController is the part of the controller the chat drives.
type sessionController interface {
	Connect(ctx context.Context, deviceID string) error
	Disconnect(ctx context.Context, deviceID string) error
	Send(ctx context.Context, deviceID, text string) error
	Cancel(ctx context.Context, deviceID string) error
}

// chat relays terminal input to one device's agent.
type chat struct {
	ctrl     sessionController
	devices  *discovery.Registry
	deviceID string

	mu  sync.Mutex
	out io.Writer
}

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [device-id]",
		Short: "Chat with the agent on one device",
		Long: `Chat connects an agent to the device (the first eligible device when
none is given) and relays each input line to it. Ctrl-C cancels the agent's
current operation; /quit or end of input exits and tears the agent down.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, redactor := newLogger(cfg)

			rt, err := runtime.New(cfg, runtime.Options{
				Logger:   logger,
				Redactor: redactor,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = rt.Shutdown(shutdownCtx)
			}()
			if err := rt.Start(ctx); err != nil {
				return err
			}

			deviceID := ""
			if len(args) == 1 {
				deviceID = args[0]
			} else if deviceID, err = firstEligible(rt.Devices()); err != nil {
				return err
			}

			c := &chat{
				ctrl:     rt.Controller(),
				devices:  rt.Devices(),
				deviceID: deviceID,
				out:      cmd.OutOrStdout(),
			}
			return c.run(ctx, rt.Bus(), cmd.InOrStdin())
		},
	}
}

func firstEligible(devices *discovery.Registry) (string, error) {
	for _, d := range devices.Visible() {
		if devices.Eligible(d.ID) {
			return d.ID, nil
		}
	}
	return "", errors.New("no online device attached; run 'phoneagent devices' to check")
}

func (c *chat) run(ctx context.Context, bus *events.Bus, in io.Reader) error {
	feed, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	go func() {
		for ev := range feed {
			if text, ok := render(ev, c.deviceID); ok {
				c.println(text)
			}
		}
	}()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	c.println(systemStyle.Render(fmt.Sprintf("connecting to %s (type /help for commands)", c.deviceID)))
	if err := c.ctrl.Connect(ctx, c.deviceID); err != nil {
		c.println(errorStyle.Render("connect failed: " + err.Error()))
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-interrupts:
			c.cancel(ctx)
		case line, ok := <-lines:
			if !ok || c.handle(ctx, line) {
				return c.ctrl.Disconnect(context.Background(), c.deviceID)
			}
		}
	}
}

// handle processes one input line and reports whether the chat should end.
func (c *chat) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return false
	case "/quit", "/exit":
		return true
	case "/help":
		c.println(chatHelp)
	case "/cancel":
		c.cancel(ctx)
	case "/reconnect":
		if err := c.ctrl.Connect(ctx, c.deviceID); err != nil {
			c.println(errorStyle.Render("connect failed: " + err.Error()))
		}
	case "/devices":
		c.listDevices()
	default:
		err := c.ctrl.Send(ctx, c.deviceID, line)
		switch {
		case errors.Is(err, controller.ErrNotConnected):
			c.println(errorStyle.Render("not connected; use /reconnect"))
		case err != nil:
			c.println(errorStyle.Render("send failed: " + err.Error()))
		}
	}
	return false
}

func (c *chat) cancel(ctx context.Context) {
	if err := c.ctrl.Cancel(ctx, c.deviceID); err != nil {
		c.println(errorStyle.Render("cancel failed: " + err.Error()))
	}
}

func (c *chat) listDevices() {
	if c.devices == nil {
		return
	}
	visible := c.devices.Visible()
	if len(visible) == 0 {
		c.println(systemStyle.Render("no devices attached"))
		return
	}
	for _, d := range visible {
		marker := " "
		if d.ID == c.deviceID {
			marker = "*"
		}
		c.println(fmt.Sprintf("%s %s  %s  %s", marker, d.ID, d.DisplayName, d.State))
	}
}

func (c *chat) println(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, text)
}

// render formats a transcript event for the terminal. User entries are not
// echoed since the user just typed them.
func render(ev *events.Event, deviceID string) (string, bool) {
	if ev.Type != events.MessageAppended || ev.DeviceID != deviceID {
		return "", false
	}
	role, _ := ev.Data["role"].(string)
	text, _ := ev.Data["text"].(string)
	switch role {
	case "agent":
		return agentStyle.Render(text), true
	case "system":
		return systemStyle.Render("[" + text + "]"), true
	default:
		return "", false
	}
}
