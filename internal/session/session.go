package session

import (
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// TeardownAll kills every given session. It returns once each kill has been
// issued; it does not wait for the processes to exit. Kill failures are
// logged and otherwise ignored.
func TeardownAll(logger *slog.Logger, sessions []*Session) {
	if logger == nil {
		logger = slog.Default()
	}
	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			if err := s.Handle.Kill(); err != nil {
				logger.Warn("teardown kill failed", "device", s.DeviceID, "session", s.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
