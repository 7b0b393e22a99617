package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/stampwise/loyalty/wallet-sync/internal/models"
)

// DefaultCardSubject is where the card-management subsystem announces changes.
const DefaultCardSubject = "cards.updated"

// CardEvent is the payload of a card-state change notification.
type CardEvent struct {
	CardID     string   `json:"cardId"`
	UpdateType string   `json:"updateType"`
	Platforms  []string `json:"platforms,omitempty"`
}

// DecodeCardEvent parses and validates a notification body.
func DecodeCardEvent(data []byte) (CardEvent, []models.Platform, error) {
	var ev CardEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return CardEvent{}, nil, fmt.Errorf("decode card event: %w", err)
	}
	ev.CardID = strings.TrimSpace(ev.CardID)
	if ev.CardID == "" {
		return CardEvent{}, nil, fmt.Errorf("card event without cardId")
	}
	var platforms []models.Platform
	for _, raw := range ev.Platforms {
		p, err := models.ParsePlatform(raw)
		if err != nil {
			return CardEvent{}, nil, err
		}
		platforms = append(platforms, p)
	}
	return ev, platforms, nil
}

// CardHandler reacts to a card change, typically by requesting provisioning.
type CardHandler func(ctx context.Context, ev CardEvent, platforms []models.Platform) error

type NATSConfig struct {
	URL     string
	Token   string
	Subject string
	// Queue, when set, load-balances notifications across replicas.
	Queue string
	// HandlerTimeout bounds each handler call. Defaults to 10s.
	HandlerTimeout time.Duration
	Logger         *log.Entry
}

// CardEventSubscriber feeds NATS card notifications to a CardHandler.
type CardEventSubscriber struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string
	queue   string
	timeout time.Duration
	handler CardHandler
	logger  *log.Entry
}

func ConnectNATS(cfg NATSConfig) (*nats.Conn, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	opts := []nats.Option{
		nats.Name("wallet-sync"),
		nats.MaxReconnects(-1),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return conn, nil
}

func NewCardEventSubscriber(conn *nats.Conn, cfg NATSConfig, handler CardHandler) *CardEventSubscriber {
	subject := cfg.Subject
	if subject == "" {
		subject = DefaultCardSubject
	}
	timeout := cfg.HandlerTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithField("component", "card-events")
	}
	return &CardEventSubscriber{
		conn:    conn,
		subject: subject,
		queue:   cfg.Queue,
		timeout: timeout,
		handler: handler,
		logger:  logger,
	}
}

func (s *CardEventSubscriber) Start() error {
	var (
		sub *nats.Subscription
		err error
	)
	if s.queue != "" {
		sub, err = s.conn.QueueSubscribe(s.subject, s.queue, s.handle)
	} else {
		sub, err = s.conn.Subscribe(s.subject, s.handle)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	s.sub = sub
	s.logger.Infof("subscribed to %s", s.subject)
	return nil
}

func (s *CardEventSubscriber) handle(msg *nats.Msg) {
	ev, platforms, err := DecodeCardEvent(msg.Data)
	if err != nil {
		s.logger.WithError(err).Warn("dropping card event")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.handler(ctx, ev, platforms); err != nil {
		s.logger.WithError(err).WithField("card_id", ev.CardID).Error("card event handler failed")
	}
}

// Stop drains the subscription so in-flight handlers finish.
func (s *CardEventSubscriber) Stop() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Drain()
}
