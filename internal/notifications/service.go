package notifications

import (
	"fmt"
	"time"

	"github.com/0xPuncker/mozart-engraver/internal/batch"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

type NotificationService struct {
	slackService *SlackService
	logger       *logrus.Logger
	project      string
}

func NewNotificationService(slackService *SlackService, project string, logger *logrus.Logger) *NotificationService {
	return &NotificationService{
		slackService: slackService,
		logger:       logger,
		project:      project,
	}
}

func (s *NotificationService) formatBatchNotification(p batch.Progress) *SlackMessage {
	var color string
	var icon string

	switch {
	case p.Status == batch.StatusAborted:
		color = "warning"
		icon = "⏹️"
	case p.Failed > 0:
		color = "danger"
		icon = "❌"
	default:
		color = "good"
		icon = "✅"
	}

	fields := []Field{
		{
			Title: "Batch",
			Value: p.ID,
			Short: true,
		},
		{
			Title: "Status",
			Value: cases.Title(language.English).String(p.Status),
			Short: true,
		},
		{
			Title: "Completed",
			Value: fmt.Sprintf("%d / %d", p.Completed, p.Scheduled),
			Short: true,
		},
		{
			Title: "Skipped",
			Value: fmt.Sprintf("%d", p.Skipped),
			Short: true,
		},
	}

	if p.Failed > 0 {
		fields = append(fields, Field{
			Title: "Failed",
			Value: fmt.Sprintf("%d", p.Failed),
			Short: true,
		})
	}

	if p.Overview != "" {
		fields = append(fields, Field{
			Title: "Overview",
			Value: p.Overview,
			Short: false,
		})
	}

	return &SlackMessage{
		Text: fmt.Sprintf("%s Compilation batch finished", icon),
		Attachments: []Attachment{
			{
				Color:  color,
				Text:   p.Summary,
				Fields: fields,
				Footer: fmt.Sprintf("Project: %s | Elapsed: %s", s.project, p.Elapsed),
				Ts:     time.Now().Unix(),
			},
		},
	}
}

func (s *NotificationService) SendBatchNotification(p batch.Progress) error {
	return s.slackService.SendSlackMessage(s.formatBatchNotification(p))
}

// BatchObserver posts a summary once a batch is done. Up-to-date batches
// that scheduled nothing are not reported.
func (s *NotificationService) BatchObserver() batch.Observer {
	return func(p batch.Progress) {
		if !p.Done || p.Scheduled == 0 {
			return
		}
		go func() {
			if err := s.SendBatchNotification(p); err != nil {
				s.logger.WithFields(logrus.Fields{
					"batch_id": p.ID,
					"error":    err.Error(),
				}).Error("Failed to send batch notification")
			}
		}()
	}
}
