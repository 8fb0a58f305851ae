package sampler

import (
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// NewTree returns a supervisor that restarts crashed samplers and logs its
// events through logger.
func NewTree(logger *slog.Logger, services ...suture.Service) *suture.Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	handler := &sutureslog.Handler{Logger: logger}
	root := suture.New("samplers", suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          5 * time.Second,
	})
	for _, s := range services {
		root.Add(s)
	}
	return root
}
