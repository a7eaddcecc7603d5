package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalspot/backend/internal/domain"
	"github.com/signalspot/backend/internal/fcm"
)

// TokenSource looks up and prunes the push tokens registered for a user.
type TokenSource interface {
	DeviceTokens(ctx context.Context, userID uuid.UUID) ([]string, error)
	RemoveDeviceToken(ctx context.Context, userID uuid.UUID, token string) error
}

// Sender pushes one message to a set of devices and reports the tokens that are no longer
// valid.
type Sender interface {
	SendBatch(ctx context.Context, tokens []string, msg fcm.Message) ([]string, error)
}

type pushTemplate struct {
	title string
	body  string
}

// pushTemplates lists the events worth a push. Others only go to live channels.
var pushTemplates = map[domain.EventType]pushTemplate{
	domain.EventSparkDetected: {"New spark", "Someone nearby crossed paths with you."},
	domain.EventSparkAccepted: {"Spark accepted", "Someone accepted your spark."},
	domain.EventSparkMatched:  {"It's a match", "You both said yes."},
	domain.EventSpotRemoved:   {"Spot removed", "One of your spots was taken down."},
	domain.EventSpotExpired:   {"Spot expired", "One of your spots has expired."},
}

// PushSink delivers events to recipients' devices through FCM.
type PushSink struct {
	tokens TokenSource
	sender Sender
	logger *zap.Logger
}

func NewPushSink(tokens TokenSource, sender Sender, logger *zap.Logger) *PushSink {
	return &PushSink{tokens: tokens, sender: sender, logger: logger}
}

func (s *PushSink) Name() string { return "push" }

func (s *PushSink) Deliver(ctx context.Context, e domain.Event) error {
	tpl, ok := pushTemplates[e.Type]
	if !ok {
		return nil
	}
	msg := fcm.Message{
		Title: tpl.title,
		Body:  tpl.body,
		Data: map[string]string{
			"type":         string(e.Type),
			"aggregate_id": e.AggregateID.String(),
		},
	}

	var errs []error
	for _, userID := range e.Recipients {
		tokens, err := s.tokens.DeviceTokens(ctx, userID)
		if err != nil {
			errs = append(errs, fmt.Errorf("tokens for %s: %w", userID, err))
			continue
		}
		if len(tokens) == 0 {
			continue
		}
		stale, err := s.sender.SendBatch(ctx, tokens, msg)
		if err != nil {
			errs = append(errs, err)
		}
		for _, token := range stale {
			s.logger.Debug("pruning unregistered device token", zap.String("user_id", userID.String()))
			if err := s.tokens.RemoveDeviceToken(ctx, userID, token); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
