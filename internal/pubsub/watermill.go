package pubsub

import (
	"context"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Reserved metadata keys. They carry Message fields through watermill and
// are stripped from Message.Metadata on delivery.
const (
	MetaSource      = "source"
	MetaTopic       = "topic"
	MetaPublishedAt = "published_at"
)

var reservedMetadata = map[string]bool{
	MetaSource:      true,
	MetaTopic:       true,
	MetaPublishedAt: true,
}

// WatermillBridge is an in-process bus backed by watermill's GoChannel. The
// reload watcher publishes on it and the script service consumes from it.
type WatermillBridge struct {
	channel *gochannel.GoChannel
	logger  watermill.LoggerAdapter
}

// NewWatermillBridge creates a bridge whose watermill logs go to slog.
func NewWatermillBridge() *WatermillBridge {
	logger := newSlogAdapter(slog.Default().With(slog.String("component", "pubsub")))

	return &WatermillBridge{
		channel: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, logger),
		logger:  logger,
	}
}

func toWatermill(msg Message, now time.Time) *message.Message {
	wmMsg := message.NewMessage(watermill.NewUUID(), msg.Payload)
	for k, v := range msg.Metadata {
		if !reservedMetadata[k] {
			wmMsg.Metadata.Set(k, v)
		}
	}
	wmMsg.Metadata.Set(MetaSource, msg.Source)
	wmMsg.Metadata.Set(MetaTopic, msg.Topic)
	wmMsg.Metadata.Set(MetaPublishedAt, now.UTC().Format(time.RFC3339Nano))
	return wmMsg
}

func fromWatermill(wmMsg *message.Message) Message {
	metadata := make(map[string]string, len(wmMsg.Metadata))
	for k, v := range wmMsg.Metadata {
		if !reservedMetadata[k] {
			metadata[k] = v
		}
	}

	msg := Message{
		ID:       wmMsg.UUID,
		Topic:    wmMsg.Metadata.Get(MetaTopic),
		Source:   wmMsg.Metadata.Get(MetaSource),
		Payload:  wmMsg.Payload,
		Metadata: metadata,
	}
	if ts, err := time.Parse(time.RFC3339Nano, wmMsg.Metadata.Get(MetaPublishedAt)); err == nil {
		msg.PublishedAt = ts
	}
	return msg
}

// Publish sends msg on msg.Topic.
func (wb *WatermillBridge) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wb.channel.Publish(msg.Topic, toWatermill(msg, time.Now()))
}

// Subscribe delivers messages on topic to handler until ctx is canceled.
// Messages for one subscription are handled sequentially; a handler error
// nacks the message so GoChannel redelivers it.
func (wb *WatermillBridge) Subscribe(ctx context.Context, topic string, handler Handler) error {
	messages, err := wb.channel.Subscribe(ctx, topic)
	if err != nil {
		return err
	}

	go func() {
		for wmMsg := range messages {
			if err := handler(ctx, fromWatermill(wmMsg)); err != nil {
				wb.logger.Error("Failed to handle message", err, watermill.LogFields{
					"topic":  topic,
					"msg_id": wmMsg.UUID,
				})
				wmMsg.Nack()
				continue
			}
			wmMsg.Ack()
		}
		wb.logger.Debug("Subscription message loop ended", watermill.LogFields{"topic": topic})
	}()

	return nil
}

// Close stops every subscription.
func (wb *WatermillBridge) Close() error {
	return wb.channel.Close()
}

// Shutdown closes the bridge when the owning container shuts down.
func (wb *WatermillBridge) Shutdown() error {
	return wb.Close()
}

// slogAdapter routes watermill's logs into slog. Trace maps to debug.
type slogAdapter struct {
	logger *slog.Logger
}

func newSlogAdapter(logger *slog.Logger) watermill.LoggerAdapter {
	return &slogAdapter{logger: logger}
}

func (a *slogAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.logger.Error(msg, append(attrs(fields), slog.Any("error", err))...)
}

func (a *slogAdapter) Info(msg string, fields watermill.LogFields) {
	a.logger.Info(msg, attrs(fields)...)
}

func (a *slogAdapter) Debug(msg string, fields watermill.LogFields) {
	a.logger.Debug(msg, attrs(fields)...)
}

func (a *slogAdapter) Trace(msg string, fields watermill.LogFields) {
	a.logger.Debug(msg, attrs(fields)...)
}

func (a *slogAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &slogAdapter{logger: a.logger.With(attrs(fields)...)}
}

func attrs(fields watermill.LogFields) []any {
	out := make([]any, 0, len(fields))
	for k, v := range fields {
		out = append(out, slog.Any(k, v))
	}
	return out
}
