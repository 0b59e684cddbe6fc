package main

import (
	"context"

	"github.com/notnull-co/frota/internal/channel/rest"
	"github.com/notnull-co/frota/internal/config"
	"github.com/notnull-co/frota/internal/integration/agent"
	"github.com/notnull-co/frota/internal/integration/alert"
	"github.com/notnull-co/frota/internal/integration/docker"
	"github.com/notnull-co/frota/internal/integration/registry"
	"github.com/notnull-co/frota/internal/orchestrator"
	"github.com/notnull-co/frota/internal/repository"
	"github.com/notnull-co/frota/internal/watchdog"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := config.Init(); err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	conf := config.Get()

	repo := repository.New()
	runtime := docker.NewCLI()

	dog := watchdog.New(conf.CrashWindow(), conf.Watchdog.Threshold, alert.Webhook(conf.Alerts.Webhook))
	sweeper := watchdog.NewSweeper(dog, runtime, repo.Servers, conf.SweepInterval())
	go sweeper.Run(context.Background())

	orch := orchestrator.New(
		repo,
		agent.New(conf.Deploy.UpdateRetries, conf.RetryBackoff()),
		runtime,
		registry.NewResolver(),
		dog,
		orchestrator.Config{
			MaxInFlight:  conf.Deploy.MaxInFlight,
			PhaseTimeout: conf.PhaseTimeout(),
			PollInterval: conf.PollInterval(),
			RiskMaxFleet: conf.Risk.MaxFleet,
		},
	)
	orch.ResumeActive()

	log.Fatal().Err(rest.New(orch, dog).Start()).Msg("rest server closed unexpectedly")
}
