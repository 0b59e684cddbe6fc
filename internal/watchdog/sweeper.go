package watchdog

import (
	"context"
	"time"

	"github.com/notnull-co/frota/internal/integration/docker"
	"github.com/rs/zerolog/log"
)

// ServerLister supplies the logical hosts the sweeper visits. Backed by the
// agent registry so fleet membership changes are picked up without restart.
type ServerLister func() ([]string, error)

// Sweeper periodically lists containers on every known server and feeds
// non-zero exits into the watchdog. Containers that enter a crash loop are
// stopped once, to break the runtime's restart cycle, and flagged for
// operator attention.
type Sweeper struct {
	dog      *Watchdog
	runtime  docker.Runtime
	servers  ServerLister
	interval time.Duration
}

func NewSweeper(dog *Watchdog, runtime docker.Runtime, servers ServerLister, interval time.Duration) *Sweeper {
	return &Sweeper{
		dog:      dog,
		runtime:  runtime,
		servers:  servers,
		interval: interval,
	}
}

// Run blocks until the context is canceled. Detection stays active whether
// or not a deployment is in flight.
func (s *Sweeper) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("crash loop sweep started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("crash loop sweep stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	servers, err := s.servers()
	if err != nil {
		log.Error().Err(err).Msg("listing servers for crash sweep failed")
		return
	}

	for _, server := range servers {
		containers, err := s.runtime.List(ctx, server)
		if err != nil {
			log.Error().Err(err).Str("server", server).Msg("listing containers failed")
			continue
		}

		for _, c := range containers {
			if c.State != "exited" {
				continue
			}

			state, err := s.runtime.Inspect(ctx, server, c.Id)
			if err != nil {
				log.Error().Err(err).Str("container", c.Id).Msg("inspecting exited container failed")
				continue
			}

			if s.dog.observeExit(c.Id, server, state.FinishedAt, state.ExitCode) {
				log.Error().Str("container", c.Id).Str("server", server).Msg("crash loop detected, stopping container")
				if err := s.runtime.Stop(ctx, server, c.Id); err != nil {
					log.Error().Err(err).Str("container", c.Id).Msg("stopping crash-looping container failed")
					continue
				}
				s.dog.markStopped(c.Id)
			}
		}
	}
}
