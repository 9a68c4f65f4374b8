// Package broadcaster publishes snapshot-taken events to Kafka so
// downstream consumers (backup shipping, observability) learn about
// new snapshots without polling the engine.
package broadcaster

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"ember/snapshot"
)

// Event is the published snapshot notification.
type Event struct {
	V             int    `json:"v"`
	Type          string `json:"type"`
	SnapshotId    uint16 `json:"snapshot_id"`
	SnapshotEpoch uint32 `json:"snapshot_epoch"`
}

// Broadcaster polls the published snapshot epoch and emits one event
// each time it sees the epoch change. Snapshots published between two
// polls are reported as a single event for the latest one.
type Broadcaster struct {
	manager  *snapshot.Manager
	producer sarama.SyncProducer
	topic    string
	logger   logrus.FieldLogger

	lastEpoch uint32
}

// New connects the Kafka producer.
func New(manager *snapshot.Manager, brokers []string, topic string, logger logrus.FieldLogger) (*Broadcaster, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connecting kafka producer")
	}
	return &Broadcaster{
		manager:  manager,
		producer: producer,
		topic:    topic,
		logger:   logger.WithField("component", "broadcaster"),
	}, nil
}

// Start launches the watch loop until ctx is cancelled.
func (b *Broadcaster) Start(ctx context.Context) {
	b.logger.Info("snapshot broadcaster started")
	b.lastEpoch = uint32(b.manager.SnapshotEpoch())

	go func() {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.publishOnce()
			}
		}
	}()
}

func (b *Broadcaster) publishOnce() {
	current := uint32(b.manager.SnapshotEpoch())
	if current == b.lastEpoch {
		return
	}
	event := Event{
		V:             1,
		Type:          "snapshot_taken",
		SnapshotId:    uint16(b.manager.Control().PreviousSnapshotId()),
		SnapshotEpoch: current,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.WithError(err).Error("encoding snapshot event")
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		// retry on the next tick; the epoch comparison keeps the
		// event pending
		b.logger.WithError(err).Warn("publishing snapshot event failed")
		return
	}
	b.lastEpoch = current
}

// Close shuts the producer down.
func (b *Broadcaster) Close() error {
	return b.producer.Close()
}
