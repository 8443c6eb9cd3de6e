package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/w1xm/pwi_interface/device"
	"go.uber.org/zap"
)

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NATSPublisher publishes each snapshot as JSON on <subject>.<device>.
type NATSPublisher struct {
	conn    Publisher
	subject string
	close   func()
}

// ConnectNATS dials the server at url.
func ConnectNATS(url, subject string, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(url,
		nats.Name("mountd"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	p := NewNATSPublisher(conn, subject)
	p.close = conn.Close
	return p, nil
}

func NewNATSPublisher(conn Publisher, subject string) *NATSPublisher {
	return &NATSPublisher{conn: conn, subject: subject}
}

// Subject returns the subject snapshots of the named device go to.
func (p *NATSPublisher) Subject(name string) string {
	return p.subject + "." + subjectToken.Replace(name)
}

var subjectToken = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

func (p *NATSPublisher) Publish(st device.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal %s status: %w", st.Device, err)
	}
	if err := p.conn.Publish(p.Subject(st.Device), data); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Write implements Sink.
func (p *NATSPublisher) Write(st device.State) error {
	return p.Publish(st)
}

func (p *NATSPublisher) Close() {
	if p.close != nil {
		p.close()
	}
}
