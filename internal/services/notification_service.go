package services

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/containrrr/shoutrrr"
	"github.com/sirupsen/logrus"

	"github.com/beacon-iot/edgegate/internal/logger"
)

// Notification event types.
const (
	EventBackendDown      = "backend_down"
	EventBackendRecovered = "backend_recovered"
	EventSyncFailing      = "sync_failing"
)

// SendFunc delivers one message to one shoutrrr service URL.
type SendFunc func(url, message string) error

// NotificationService fans operator alerts out to the configured shoutrrr URLs.
type NotificationService struct {
	urls      []string
	gatewayID string
	send      SendFunc
	log       *logrus.Entry
	wg        sync.WaitGroup
}

// NewNotificationService returns a service that sends nothing when urls is empty.
func NewNotificationService(gatewayID string, urls []string) *NotificationService {
	normalized := make([]string, 0, len(urls))
	for _, u := range urls {
		normalized = append(normalized, normalizeURL(u))
	}
	return &NotificationService{
		urls:      normalized,
		gatewayID: gatewayID,
		send:      func(url, msg string) error { return shoutrrr.Send(url, msg) },
		log:       logger.Component("notifications"),
	}
}

// Enabled reports whether any destination is configured.
func (s *NotificationService) Enabled() bool {
	return len(s.urls) > 0
}

var discordWebhookRegex = regexp.MustCompile(`^https://discord(?:app)?\.com/api/webhooks/(\d+)/([a-zA-Z0-9_-]+)`)

// normalizeURL turns a pasted Discord webhook URL into shoutrrr's discord:// form.
func normalizeURL(rawURL string) string {
	matches := discordWebhookRegex.FindStringSubmatch(rawURL)
	if len(matches) == 3 {
		return fmt.Sprintf("discord://%s@%s", matches[2], matches[1])
	}
	return rawURL
}

// SendExternal delivers title and message to every destination asynchronously.
func (s *NotificationService) SendExternal(eventType, title, message string) {
	if !s.Enabled() {
		return
	}
	msg := fmt.Sprintf("[%s] %s\n\n%s\n\ngateway: %s, time: %s",
		eventType, title, message, s.gatewayID, time.Now().UTC().Format(time.RFC3339))

	for _, url := range s.urls {
		s.wg.Add(1)
		go func(url string) {
			defer s.wg.Done()
			if err := s.send(url, msg); err != nil {
				s.log.WithError(err).WithField("event", eventType).Warn("Failed to send notification")
			}
		}(url)
	}
}

// Wait blocks until in-flight deliveries finish.
func (s *NotificationService) Wait() {
	s.wg.Wait()
}

// BackendHealthChanged is wired as the endpoint pool's health callback.
func (s *NotificationService) BackendHealthChanged(healthy, total int) {
	if healthy == 0 {
		s.SendExternal(EventBackendDown, "Ledger backend unreachable",
			fmt.Sprintf("All %d backend endpoints failed their health checks. Decisions continue from the local policy store.", total))
		return
	}
	s.SendExternal(EventBackendRecovered, "Ledger backend reachable",
		fmt.Sprintf("%d of %d backend endpoints are healthy again.", healthy, total))
}
