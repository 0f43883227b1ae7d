package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

const sourceKafka = "kafka"

type KafkaConfig struct {
	Brokers     []string
	Topic       string
	GroupID     string
	PollTimeout time.Duration
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes device counts from a Kafka topic as part of a
// consumer group and feeds a Recorder.
type KafkaSource struct {
	cfg    KafkaConfig
	reader messageReader
	rec    *Recorder
	log    *slog.Logger
	now    func() time.Time
}

func NewKafkaSource(cfg KafkaConfig, rec *Recorder, logger *slog.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka topic must not be empty")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, errors.New("consumer group must not be empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return &KafkaSource{cfg: cfg, reader: reader, rec: rec, log: logger, now: time.Now}, nil
}

func (k *KafkaSource) Close() error { return k.reader.Close() }

// Run consumes until ctx is cancelled or the reader is closed. Malformed
// messages are logged and committed so they are not redelivered.
func (k *KafkaSource) Run(ctx context.Context) error {
	k.log.Info("kafka source started", "topic", k.cfg.Topic, "group", k.cfg.GroupID, "brokers", strings.Join(k.cfg.Brokers, ","))
	defer k.log.Info("kafka source stopped")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fetchCtx, cancel := context.WithTimeout(ctx, k.cfg.PollTimeout)
		msg, err := k.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				continue
			case errors.Is(err, context.Canceled):
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, kafka.ErrGroupClosed):
				return nil
			}
			k.log.Error("kafka fetch failed", "err", err)
			continue
		}

		received := msg.Time
		if received.IsZero() {
			received = k.now()
		}
		sample, err := Decode(msg.Value, received)
		if err != nil {
			k.log.Warn("kafka decode failed", "offset", msg.Offset, "partition", msg.Partition, "err", err)
		} else {
			k.rec.Record(sourceKafka, sample)
		}

		commitCtx, commitCancel := context.WithTimeout(ctx, k.cfg.PollTimeout)
		if err := k.reader.CommitMessages(commitCtx, msg); err != nil {
			if !(errors.Is(err, context.Canceled) && ctx.Err() != nil) {
				k.log.Error("kafka commit failed", "err", err)
			}
		}
		commitCancel()
	}
}
