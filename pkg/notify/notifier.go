// Package notify combines local structured logging with best-effort
// broadcasting to remote operator channels. Remote delivery failures are
// swallowed and logged locally, never retried.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/roy-adler/Netflix-VerifyBot/pkg/config"
	"github.com/roy-adler/Netflix-VerifyBot/pkg/reliability"
)

// Notifier writes every message to the local logger and pushes info,
// warning and error messages to the configured channel gateway. A
// circuit breaker stops outbound POSTs to a dead gateway for a while;
// suppressed messages are still logged locally.
type Notifier struct {
	log     zerolog.Logger
	cfg     config.Notify
	client  *http.Client
	breaker *reliability.CircuitBreaker
}

// New creates a Notifier. The gateway is contacted only when cfg is
// fully populated (see config.Notify.Enabled).
func New(log zerolog.Logger, cfg config.Notify) *Notifier {
	return &Notifier{
		log:     log.With().Str("component", "notify").Logger(),
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: reliability.NewCircuitBreaker(5, 2*time.Minute),
	}
}

// Status describes the remote channel configuration for the startup banner.
func (n *Notifier) Status() string {
	if n.cfg.Enabled() {
		return fmt.Sprintf("enabled for channel %s", n.cfg.ChannelName)
	}
	return "disabled"
}

// Debug logs locally only; debug messages are never broadcast.
func (n *Notifier) Debug(msg string) {
	n.log.Debug().Msg(msg)
}

// Info logs locally and broadcasts to the public channel.
func (n *Notifier) Info(msg string) {
	n.log.Info().Msg(msg)
	n.broadcast(msg, n.cfg.ChannelName, n.cfg.ChannelSecret)
}

// Warn logs locally and broadcasts to the public channel.
func (n *Notifier) Warn(msg string) {
	n.log.Warn().Msg(msg)
	n.broadcast(msg, n.cfg.ChannelName, n.cfg.ChannelSecret)
}

// Error logs locally and broadcasts to the public channel.
func (n *Notifier) Error(msg string) {
	n.log.Error().Msg(msg)
	n.broadcast(msg, n.cfg.ChannelName, n.cfg.ChannelSecret)
}

// Internal logs locally and broadcasts to the internal/info channel if
// one is configured.
func (n *Notifier) Internal(msg string) {
	n.log.Info().Msg(msg)
	n.broadcast(msg, n.cfg.InfoChannelName, n.cfg.InfoChannelSecret)
}

type channelMessage struct {
	Message       string `json:"message"`
	ChannelName   string `json:"channel_name"`
	ChannelSecret string `json:"channel_secret"`
}

func (n *Notifier) broadcast(msg, channel, secret string) {
	if !n.cfg.Enabled() || channel == "" || secret == "" {
		return
	}
	if err := n.breaker.Allow(); err != nil {
		n.log.Debug().Str("channel", channel).Msg("Notification suppressed, gateway circuit open")
		return
	}

	err := n.post(msg, channel, secret)
	n.breaker.Record(err)
	if err != nil {
		// Local log only. No retry, no propagation.
		n.log.Warn().Err(err).Str("channel", channel).Msg("Failed to deliver notification")
	}
}

func (n *Notifier) post(msg, channel, secret string) error {
	body, err := json.Marshal(channelMessage{
		Message:       msg,
		ChannelName:   channel,
		ChannelSecret: secret,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, n.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", n.cfg.APIKey)

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
	return nil
}
