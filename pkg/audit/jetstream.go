package audit

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/meridianhq/conduit/pkg/config"
	"github.com/meridianhq/conduit/pkg/errors"
	"github.com/meridianhq/conduit/pkg/logger"
)

// streamName is the JetStream stream holding audit entries.
const streamName = "CONDUIT_AUDIT"

// JetStreamPublisher writes audit entries to NATS JetStream so they survive
// engine restarts and are shared across engine instances.
type JetStreamPublisher struct {
	nc            *nats.Conn
	js            jetstream.JetStream
	subjectPrefix string
	logger        *zap.Logger
	published     uint64
}

var _ Publisher = (*JetStreamPublisher)(nil)

// NewJetStreamPublisher connects to NATS and ensures the audit stream
// exists.
func NewJetStreamPublisher(ctx context.Context, cfg config.AuditConfig) (*JetStreamPublisher, error) {
	if cfg.NATSURL == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "audit publisher requires a NATS URL")
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "conduit.audit"
	}

	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to NATS")
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create JetStream context")
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{prefix + ".>"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create audit stream")
	}

	return &JetStreamPublisher{
		nc:            nc,
		js:            js,
		subjectPrefix: prefix,
		logger:        logger.Get().With(zap.String("component", "audit_publisher")),
	}, nil
}

// Publish implements Publisher. Subject format:
// <prefix>.terminal.<reason>, e.g. conduit.audit.terminal.policy.
func (p *JetStreamPublisher) Publish(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode audit entry")
	}

	subject := fmt.Sprintf("%s.terminal.%s", p.subjectPrefix, entry.Reason)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to publish audit entry")
	}

	atomic.AddUint64(&p.published, 1)
	p.logger.Debug("audit entry published",
		zap.String("subject", subject),
		zap.String("envelope_id", entry.EnvelopeID))
	return nil
}

// Published returns the count of successfully published entries.
func (p *JetStreamPublisher) Published() uint64 {
	return atomic.LoadUint64(&p.published)
}

// Close implements Publisher.
func (p *JetStreamPublisher) Close() error {
	p.nc.Close()
	return nil
}
