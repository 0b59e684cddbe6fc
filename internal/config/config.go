package config

import (
	"flag"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/notnull-co/cfg"
	"github.com/rs/zerolog"
)

type Configuration struct {
	Rest struct {
		Port string `cfg:"port"`
	} `cfg:"rest"`
	Database struct {
		Schema string `cfg:"schema"`
		Path   string `cfg:"path"`
	} `cfg:"database"`
	Deploy struct {
		MaxInFlight         int `cfg:"maxInFlight"`
		PhaseTimeoutSeconds int `cfg:"phaseTimeoutSeconds"`
		PollIntervalSeconds int `cfg:"pollIntervalSeconds"`
		UpdateRetries       int `cfg:"updateRetries"`
		RetryBackoffSeconds int `cfg:"retryBackoffSeconds"`
	} `cfg:"deploy"`
	Watchdog struct {
		WindowSeconds        int `cfg:"windowSeconds"`
		Threshold            int `cfg:"threshold"`
		SweepIntervalSeconds int `cfg:"sweepIntervalSeconds"`
	} `cfg:"watchdog"`
	Risk struct {
		MaxFleet int `cfg:"maxFleet"`
	} `cfg:"risk"`
	Alerts struct {
		Webhook string `cfg:"webhook"`
	} `cfg:"alerts"`
	Logger struct {
		Json bool `cfg:"json"`
	} `cfg:"logger"`
}

func (c Configuration) PhaseTimeout() time.Duration {
	return time.Duration(c.Deploy.PhaseTimeoutSeconds) * time.Second
}

func (c Configuration) PollInterval() time.Duration {
	return time.Duration(c.Deploy.PollIntervalSeconds) * time.Second
}

func (c Configuration) RetryBackoff() time.Duration {
	return time.Duration(c.Deploy.RetryBackoffSeconds) * time.Second
}

func (c Configuration) CrashWindow() time.Duration {
	return time.Duration(c.Watchdog.WindowSeconds) * time.Second
}

func (c Configuration) SweepInterval() time.Duration {
	return time.Duration(c.Watchdog.SweepIntervalSeconds) * time.Second
}

var (
	instance Configuration
	once     sync.Once
	initErr  error
)

func Init() error {
	once.Do(func() {
		var configDir string
		flag.StringVar(&configDir, "config-dir", "config/", "Configuration file directory")
		flag.Parse()
		initErr = cfg.Load(&instance, cfg.Dirs(configDir), cfg.UseEnv("cfg"))

		applyDefaults(&instance)

		if !instance.Logger.Json {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		}
	})
	return initErr
}

func applyDefaults(c *Configuration) {
	if c.Deploy.MaxInFlight <= 0 {
		c.Deploy.MaxInFlight = 5
	}
	if c.Deploy.PhaseTimeoutSeconds <= 0 {
		c.Deploy.PhaseTimeoutSeconds = 300
	}
	if c.Deploy.PollIntervalSeconds <= 0 {
		c.Deploy.PollIntervalSeconds = 5
	}
	if c.Deploy.UpdateRetries <= 0 {
		c.Deploy.UpdateRetries = 2
	}
	if c.Deploy.RetryBackoffSeconds <= 0 {
		c.Deploy.RetryBackoffSeconds = 2
	}
	if c.Watchdog.WindowSeconds <= 0 {
		c.Watchdog.WindowSeconds = 300
	}
	if c.Watchdog.Threshold <= 0 {
		c.Watchdog.Threshold = 3
	}
	if c.Watchdog.SweepIntervalSeconds <= 0 {
		c.Watchdog.SweepIntervalSeconds = 30
	}
	if c.Risk.MaxFleet <= 0 {
		c.Risk.MaxFleet = 5
	}
}

func Get() Configuration {
	return instance
}
