package alert

import (
	"net/http"
	"time"

	"github.com/notnull-co/dynaclient/pkg/client"
	"github.com/notnull-co/frota/internal/watchdog"
	"github.com/rs/zerolog/log"
)

type crashLoopAlert struct {
	ContainerId string    `json:"container_id"`
	Host        string    `json:"host"`
	DetectedAt  time.Time `json:"detected_at"`
}

// Webhook returns a watchdog notifier that posts crash-loop events to an
// external alerting endpoint. An empty URL downgrades to log-only.
func Webhook(url string) watchdog.Notifier {
	return func(e watchdog.Event) {
		log.Error().Str("container", e.ContainerId).Str("server", e.ServerId).Int("crashes", e.Crashes).Msg("crash loop detected")

		if url == "" {
			return
		}

		c := client.New[any]()
		req, err := client.NewRequest(http.MethodPost, url, crashLoopAlert{
			ContainerId: e.ContainerId,
			Host:        e.ServerId,
			DetectedAt:  e.DetectedAt,
		})
		if err != nil {
			log.Error().Err(err).Msg("building crash loop alert failed")
			return
		}
		req.Header.Set("Content-Type", "application/json")

		if _, _, err := c.Do(req); err != nil {
			log.Error().Err(err).Msg("delivering crash loop alert failed")
		}
	}
}
