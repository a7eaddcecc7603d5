// Package fcm sends push notifications through Firebase Cloud Messaging.
package fcm

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// maxMulticastTokens is the FCM limit for one multicast request.
const maxMulticastTokens = 500

// Message is the device-agnostic payload of a push.
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

// Client wraps the Firebase messaging client.
type Client struct {
	msgClient *messaging.Client
	logger    *zap.Logger
}

// NewClient initialises Firebase from credentialsFile, or from application default
// credentials when the path is empty.
func NewClient(ctx context.Context, logger *zap.Logger, credentialsFile string) (*Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	} else {
		logger.Info("firebase credentials file not set, using application default credentials")
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	msgClient, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase messaging: %w", err)
	}
	return &Client{msgClient: msgClient, logger: logger}, nil
}

// SendBatch pushes msg to every token. It returns the tokens FCM reports as unregistered or
// malformed so the caller can forget them. Other per-token failures are logged and counted in
// the returned error.
func (c *Client) SendBatch(ctx context.Context, tokens []string, msg Message) ([]string, error) {
	var (
		stale  []string
		failed int
	)
	for start := 0; start < len(tokens); start += maxMulticastTokens {
		end := min(start+maxMulticastTokens, len(tokens))
		chunk := tokens[start:end]

		resp, err := c.msgClient.SendEachForMulticast(ctx, &messaging.MulticastMessage{
			Tokens:       chunk,
			Notification: &messaging.Notification{Title: msg.Title, Body: msg.Body},
			Data:         msg.Data,
			Android:      &messaging.AndroidConfig{Priority: "high"},
			APNS: &messaging.APNSConfig{
				Payload: &messaging.APNSPayload{Aps: &messaging.Aps{Sound: "default"}},
			},
		})
		if err != nil {
			return stale, fmt.Errorf("fcm multicast: %w", err)
		}

		for i, r := range resp.Responses {
			if r.Success {
				continue
			}
			if messaging.IsUnregistered(r.Error) || messaging.IsInvalidArgument(r.Error) {
				stale = append(stale, chunk[i])
				continue
			}
			failed++
			c.logger.Warn("fcm delivery failed", zap.String("type", msg.Data["type"]), zap.Error(r.Error))
		}
	}
	if failed > 0 {
		return stale, fmt.Errorf("fcm: %d of %d deliveries failed", failed, len(tokens))
	}
	return stale, nil
}
