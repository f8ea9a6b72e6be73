package notifications

import (
	"fmt"
	"time"

	"github.com/0xPuncker/mozart-engraver/internal/catalogue"
)

// CatalogueSource loads the current example catalogue.
type CatalogueSource interface {
	Catalogue() (*catalogue.Catalogue, error)
}

type StartupNotifier struct {
	source  CatalogueSource
	service *NotificationService
}

func NewStartupNotifier(source CatalogueSource, service *NotificationService) *StartupNotifier {
	return &StartupNotifier{
		source:  source,
		service: service,
	}
}

func (n *StartupNotifier) formatStartup(stats catalogue.Stats) *SlackMessage {
	return &SlackMessage{
		Text: fmt.Sprintf("🎼 Engraver started for %s", n.service.project),
		Attachments: []Attachment{
			{
				Color: "#36a64f",
				Fields: []Field{
					{Title: "Examples", Value: fmt.Sprintf("%d", stats.Examples), Short: true},
					{Title: "Input done", Value: fmt.Sprintf("%d", stats.Input), Short: true},
					{Title: "Reviewed", Value: fmt.Sprintf("%d", stats.Review), Short: true},
					{Title: "Approved", Value: fmt.Sprintf("%d", stats.Approved), Short: true},
				},
				Footer: fmt.Sprintf("Started at %s", time.Now().Format("15:04")),
				Ts:     time.Now().Unix(),
			},
		},
	}
}

func (n *StartupNotifier) NotifyStartup() error {
	cat, err := n.source.Catalogue()
	if err != nil {
		return fmt.Errorf("failed to load catalogue: %w", err)
	}
	return n.service.slackService.SendSlackMessage(n.formatStartup(cat.Stats))
}
