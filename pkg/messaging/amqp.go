package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"salescoach-server/pkg/attention"
	"salescoach-server/pkg/metrics"
	"salescoach-server/pkg/session"
)

// Message kinds published to the persistence queue
const (
	KindCallRecord = "call_record"
	KindAlertEvent = "alert_event"
)

// Envelope wraps every message sent to the queue
type Envelope struct {
	Kind      string      `json:"kind"`
	CallUUID  string      `json:"call_uuid"`
	OrgID     string      `json:"org_id"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Config holds AMQP publisher configuration
type Config struct {
	URL       string
	QueueName string
}

// Publisher delivers finished-call records and alert events to the
// downstream persistence queue. The queue is the system's durability
// boundary: nothing here blocks the live pipeline, and a broker outage
// degrades to logged drops rather than failures upstream.
type Publisher struct {
	logger    *logrus.Logger
	config    Config
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
	connMutex sync.RWMutex
	stopChan  chan struct{}
}

// NewPublisher creates an AMQP publisher
func NewPublisher(logger *logrus.Logger, config Config) *Publisher {
	return &Publisher{
		logger:   logger,
		config:   config,
		stopChan: make(chan struct{}),
	}
}

// Connect establishes the broker connection and declares the queue. Safe to
// call again after a disconnect.
func (p *Publisher) Connect() error {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()

	if p.connected {
		return nil
	}
	if p.config.URL == "" || p.config.QueueName == "" {
		p.logger.Warn("AMQP url or queue name not set, persistence publishing disabled")
		return fmt.Errorf("amqp url or queue name not configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// amqp.Dial has no context variant, so bound it from the outside
	dialChan := make(chan struct {
		conn *amqp.Connection
		err  error
	}, 1)
	go func() {
		conn, err := amqp.Dial(p.config.URL)
		select {
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		case dialChan <- struct {
			conn *amqp.Connection
			err  error
		}{conn, err}:
		}
	}()

	var conn *amqp.Connection
	select {
	case result := <-dialChan:
		if result.err != nil {
			metrics.RecordAMQPConnectionError()
			return fmt.Errorf("failed to connect to AMQP server: %w", result.err)
		}
		conn = result.conn
	case <-ctx.Done():
		metrics.RecordAMQPConnectionError()
		return fmt.Errorf("connection to AMQP server timed out")
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		metrics.RecordAMQPConnectionError()
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	if _, err := channel.QueueDeclare(
		p.config.QueueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		metrics.RecordAMQPConnectionError()
		return fmt.Errorf("failed to declare AMQP queue: %w", err)
	}

	p.conn = conn
	p.channel = channel
	p.connected = true
	p.stopChan = make(chan struct{})
	p.logger.WithFields(logrus.Fields{
		"queue": p.config.QueueName,
	}).Info("Connected to AMQP server")

	go p.monitorConnection()
	return nil
}

// Disconnect closes the broker connection
func (p *Publisher) Disconnect() {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()
	if !p.connected {
		return
	}
	close(p.stopChan)
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	p.connected = false
	p.logger.Info("Disconnected from AMQP server")
}

// IsConnected returns the connection status
func (p *Publisher) IsConnected() bool {
	p.connMutex.RLock()
	defer p.connMutex.RUnlock()
	return p.connected
}

// PublishCallRecord publishes a finished call's record
func (p *Publisher) PublishCallRecord(record *session.CallRecord) error {
	err := p.publish(Envelope{
		Kind:      KindCallRecord,
		CallUUID:  record.CallUUID,
		OrgID:     record.OrgID,
		Timestamp: time.Now(),
		Payload:   record,
	})
	if err == nil {
		metrics.RecordAMQPPublish(KindCallRecord)
	}
	return err
}

// PublishAlertEvent publishes an alert lifecycle event (raised, resolved,
// dismissed) for offline reporting
func (p *Publisher) PublishAlertEvent(event string, alert *attention.Alert) error {
	err := p.publish(Envelope{
		Kind:      KindAlertEvent,
		CallUUID:  alert.CallUUID,
		OrgID:     alert.OrgID,
		Timestamp: time.Now(),
		Payload: map[string]interface{}{
			"event": event,
			"alert": alert,
		},
	})
	if err == nil {
		metrics.RecordAMQPPublish(KindAlertEvent)
	}
	return err
}

func (p *Publisher) publish(envelope Envelope) error {
	if !p.IsConnected() {
		return fmt.Errorf("not connected to AMQP server")
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", envelope.Kind, err)
	}

	p.connMutex.RLock()
	defer p.connMutex.RUnlock()
	if !p.connected || p.channel == nil {
		return fmt.Errorf("lost AMQP connection before publishing")
	}

	if err := p.channel.Publish(
		"",                 // default exchange
		p.config.QueueName, // routing key
		false,              // mandatory
		false,              // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	); err != nil {
		return fmt.Errorf("failed to publish %s to AMQP: %w", envelope.Kind, err)
	}

	p.logger.WithFields(logrus.Fields{
		"call_uuid": envelope.CallUUID,
		"kind":      envelope.Kind,
	}).Debug("Published message to AMQP")
	return nil
}

// monitorConnection watches for broker-side closes and reconnects with
// exponential backoff
func (p *Publisher) monitorConnection() {
	closeChan := make(chan *amqp.Error)

	p.connMutex.RLock()
	if p.conn != nil {
		p.conn.NotifyClose(closeChan)
	}
	stop := p.stopChan
	p.connMutex.RUnlock()

	select {
	case <-stop:
		return
	case closeErr := <-closeChan:
		p.connMutex.Lock()
		p.connected = false
		p.connMutex.Unlock()
		metrics.RecordAMQPConnectionError()
		p.logger.WithError(closeErr).Warn("AMQP connection closed, attempting to reconnect")

		for attempt := 1; attempt <= 10; attempt++ {
			select {
			case <-stop:
				return
			default:
			}

			if err := p.Connect(); err == nil {
				p.logger.Info("Reconnected to AMQP server")
				return
			} else {
				p.logger.WithError(err).WithField("attempt", attempt).Error("AMQP reconnect failed")
			}

			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			time.Sleep(backoff)
		}
		p.logger.Error("Giving up on AMQP reconnection")
	}
}
