package notifier

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/richardliu001/wallet-ledger/internal/model"
)

// messageReader is the part of *kafka.Reader the feed uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaFeed feeds the notifier from the outbox topic the poller writes, so
// every server instance sees changes committed by any instance.
type KafkaFeed struct {
	reader messageReader
	pub    Publisher
	log    *zap.SugaredLogger
}

func NewKafkaFeed(brokers []string, topic, groupID string, pub Publisher, log *zap.SugaredLogger) *KafkaFeed {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	})
	return &KafkaFeed{reader: r, pub: pub, log: log}
}

// Run publishes each message and commits it afterwards, so a crash between the
// two redelivers rather than loses. Returns when ctx is done.
func (f *KafkaFeed) Run(ctx context.Context) error {
	defer f.reader.Close()
	for {
		msg, err := f.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "fetch change event")
		}
		var evt model.ChangeEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			f.log.Errorf("decode change event offset=%d: %v", msg.Offset, err)
		} else {
			f.pub.Publish(evt)
		}
		if err := f.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "commit change event")
		}
	}
}
