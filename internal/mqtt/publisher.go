package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/todogate/internal/buildinfo"
	"github.com/nugget/todogate/internal/command"
	"github.com/nugget/todogate/internal/config"
)

// Errors returned by [Publisher.PublishCommands].
var (
	ErrNotConnected = errors.New("mqtt publisher not connected")
	ErrRateLimited  = errors.New("mqtt command batch rate limit exceeded")
)

// Command batches allowed per limiter window.
const (
	batchLimit  = 120
	batchWindow = time.Minute
)

// StatsSource supplies the live values behind the gateway sensors.
type StatsSource interface {
	ActiveSessions() int
}

// conn is the subset of the autopaho connection manager the publisher
// uses after connecting.
type conn interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher owns the broker connection. It announces HA discovery on
// every (re-)connect, publishes sensor states on a fixed interval and
// forwards command batches on demand.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	tokens     *DailyTokens
	stats      StatsSource
	limiter    *batchLimiter
	logger     *slog.Logger

	mu   sync.RWMutex
	cm   *autopaho.ConnectionManager
	conn conn
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to connect and run the state loop.
func New(cfg config.MQTTConfig, instanceID string, tokens *DailyTokens, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		tokens:     tokens,
		stats:      stats,
		limiter:    newBatchLimiter(batchLimit, batchWindow, logger),
		logger:     logger,
	}
}

// Device returns the HA device block shared by all entities.
func (p *Publisher) Device() DeviceInfo { return p.device }

// Start connects to the broker and runs the periodic state loop until
// ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "todogate-" + p.cfg.DeviceName,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.conn = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go p.limiter.run(ctx)
	p.runLoop(ctx)
	return nil
}

// Stop marks the device offline and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.RLock()
	cm := p.cm
	p.mu.RUnlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// PublishCommands sends one reply's command batch to the executor
// topic at QoS 1. Empty batches are skipped.
func (p *Publisher) PublishCommands(ctx context.Context, b command.Batch) error {
	if b.Empty() {
		return nil
	}
	p.mu.RLock()
	c := p.conn
	p.mu.RUnlock()
	if c == nil {
		return ErrNotConnected
	}
	if !p.limiter.allow() {
		return ErrRateLimited
	}

	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal command batch: %w", err)
	}
	if _, err := c.Publish(ctx, &paho.Publish{
		Topic:   p.commandsTopic(),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("publish command batch: %w", err)
	}

	p.logger.Debug("mqtt command batch published",
		"session_id", b.SessionID,
		"provider", b.Provider,
		"commands", len(b.Commands),
	)
	return nil
}

func (p *Publisher) baseTopic() string {
	return "todogate/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) commandsTopic() string {
	return p.baseTopic() + "/commands"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

type sensorDef struct {
	entity string
	config SensorConfig
}

func (p *Publisher) sensor(entity, name, icon string) SensorConfig {
	return SensorConfig{
		Name:              name,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + entity,
		StateTopic:        p.stateTopic(entity),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
	}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	tokens := p.sensor("tokens_today", "Tokens Today", "mdi:counter")
	tokens.StateClass = "total_increasing"
	tokens.UnitOfMeasurement = "tokens"

	requests := p.sensor("requests_today", "Requests Today", "mdi:message-text")
	requests.StateClass = "total_increasing"

	sessions := p.sensor("active_sessions", "Active Sessions", "mdi:chat-processing")
	sessions.StateClass = "measurement"

	uptime := p.sensor("uptime", "Uptime", "mdi:clock-outline")
	uptime.EntityCategory = "diagnostic"

	return []sensorDef{
		{"tokens_today", tokens},
		{"requests_today", requests},
		{"active_sessions", sessions},
		{"uptime", uptime},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, c conn) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entity)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", s.entity, "error", err)
			continue
		}
		if _, err := c.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", s.entity, "topic", topic, "error", err)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, c conn, status string) {
	if _, err := c.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

func (p *Publisher) runLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(p.cfg.PublishIntervalSec) * time.Second)
	defer ticker.Stop()

	p.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

// states returns the current sensor values keyed by entity.
func (p *Publisher) states() map[string]string {
	input, output, requests := p.tokens.Snapshot()
	sessions := 0
	if p.stats != nil {
		sessions = p.stats.ActiveSessions()
	}
	return map[string]string{
		"tokens_today":    strconv.FormatInt(input+output, 10),
		"requests_today":  strconv.FormatInt(requests, 10),
		"active_sessions": strconv.Itoa(sessions),
		"uptime":          buildinfo.Uptime().Truncate(time.Second).String(),
	}
}

func (p *Publisher) publishStates(ctx context.Context) {
	p.mu.RLock()
	c := p.conn
	p.mu.RUnlock()
	if c == nil {
		return
	}

	states := p.states()
	for entity, value := range states {
		if _, err := c.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}
