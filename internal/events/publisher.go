// Package events mirrors in-process event streams to NATS so external
// consumers can follow executions and instances without holding an HTTP
// connection. The mirror is optional: it exists only when a NATS URL is
// configured, and the in-process hubs never depend on it.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ensembleai/ensemble/internal/common/config"
	"github.com/ensembleai/ensemble/internal/common/logger"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

// publishFunc is the transport seam; production wiring uses nats.Conn.Publish.
type publishFunc func(subject string, data []byte) error

// Publisher mirrors event streams to NATS subjects
// <prefix>.execution.<execution_id> and <prefix>.instance.<instance_id>.
type Publisher struct {
	conn    *nats.Conn
	prefix  string
	logger  *logger.Logger
	publish publishFunc

	wg sync.WaitGroup
}

// NewPublisher connects to NATS with reconnection handling.
func NewPublisher(cfg config.EventsConfig, log *logger.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("ensemble-events"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Warn("NATS connection closed", zap.Error(err))
			}
		}),
	}

	conn, err := nats.Connect(cfg.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	log.Info("connected to NATS", zap.String("url", cfg.NATSURL))

	return &Publisher{
		conn:    conn,
		prefix:  subjectPrefix(cfg),
		logger:  log.WithFields(zap.String("component", "events")),
		publish: conn.Publish,
	}, nil
}

func subjectPrefix(cfg config.EventsConfig) string {
	if cfg.SubjectPrefix != "" {
		return cfg.SubjectPrefix
	}
	return "ensemble"
}

// ExecutionSubject is the subject carrying one execution's event stream.
func (p *Publisher) ExecutionSubject(executionID string) string {
	return p.prefix + ".execution." + executionID
}

// InstanceSubject is the subject carrying one instance's event stream.
func (p *Publisher) InstanceSubject(instanceID string) string {
	return p.prefix + ".instance." + instanceID
}

// MirrorExecution drains an execution event channel into NATS. Returns
// immediately; the mirror ends when the channel closes.
func (p *Publisher) MirrorExecution(executionID string, ch <-chan v1.ExecutionEvent) {
	subject := p.ExecutionSubject(executionID)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for event := range ch {
			p.send(subject, event)
		}
	}()
}

// MirrorInstance drains an instance event channel into NATS.
func (p *Publisher) MirrorInstance(instanceID string, ch <-chan v1.InstanceEvent) {
	subject := p.InstanceSubject(instanceID)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for event := range ch {
			p.send(subject, event)
		}
	}()
}

// send marshals and publishes one event. Publish failures are logged and
// dropped: the mirror must never stall the in-process stream.
func (p *Publisher) send(subject string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("marshal event failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.publish(subject, data); err != nil {
		p.logger.Warn("publish event failed", zap.String("subject", subject), zap.Error(err))
	}
}

// Close waits for mirrors to drain their channels, then drains the
// connection.
func (p *Publisher) Close() {
	p.wg.Wait()
	if p.conn != nil {
		if err := p.conn.Drain(); err != nil {
			p.logger.Warn("drain NATS connection failed", zap.Error(err))
			p.conn.Close()
		}
	}
}
