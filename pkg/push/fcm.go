package push

import (
	"context"
	"fmt"
	"strconv"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/dpcomm/cba-was-renewal-sub000/pkg/model"
)

const androidTTL = 24 * time.Hour

type multicastSender interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCMGateway sends batches through Firebase Cloud Messaging.
type FCMGateway struct {
	client multicastSender
}

// NewFCMGateway authenticates with the service account file at credentialsFile.
func NewFCMGateway(ctx context.Context, credentialsFile string) (*FCMGateway, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init messaging client: %w", err)
	}
	return &FCMGateway{client: client}, nil
}

func (g *FCMGateway) SendMulticast(ctx context.Context, batch Batch) ([]TokenResult, error) {
	results := make([]TokenResult, 0, len(batch.Tokens))

	for start := 0; start < len(batch.Tokens); start += MaxTokensPerCall {
		end := min(start+MaxTokensPerCall, len(batch.Tokens))
		chunk := batch.Tokens[start:end]

		msg, err := buildMessage(batch.Platform, chunk, batch.Notification)
		if err != nil {
			return results, err
		}
		resp, err := g.client.SendEachForMulticast(ctx, msg)
		if err != nil {
			return results, fmt.Errorf("send multicast: %w", err)
		}

		for i, token := range chunk {
			r := TokenResult{Token: token}
			if i < len(resp.Responses) && resp.Responses[i] != nil && !resp.Responses[i].Success {
				r.Err = resp.Responses[i].Error
				r.Invalid = messaging.IsUnregistered(r.Err) || messaging.IsInvalidArgument(r.Err)
			}
			results = append(results, r)
		}
	}
	return results, nil
}

func collapseKey(roomID int64) string {
	return "room-" + strconv.FormatInt(roomID, 10)
}

// buildMessage shapes n for platform: android gets a data-only message that
// collapses per room, ios gets a visible alert threaded per room.
func buildMessage(platform model.Platform, tokens []string, n Notification) (*messaging.MulticastMessage, error) {
	data := map[string]string{
		"kind":   n.Kind,
		"roomId": strconv.FormatInt(n.RoomID, 10),
		"title":  n.Title,
		"body":   n.Body,
	}
	for k, v := range n.Data {
		data[k] = v
	}

	switch platform {
	case model.PlatformAndroid:
		ttl := androidTTL
		return &messaging.MulticastMessage{
			Tokens: tokens,
			Data:   data,
			Android: &messaging.AndroidConfig{
				CollapseKey: collapseKey(n.RoomID),
				Priority:    "high",
				TTL:         &ttl,
			},
		}, nil

	case model.PlatformIOS:
		custom := make(map[string]interface{}, len(data))
		for k, v := range data {
			custom[k] = v
		}
		return &messaging.MulticastMessage{
			Tokens: tokens,
			APNS: &messaging.APNSConfig{
				Headers: map[string]string{"apns-priority": "10"},
				Payload: &messaging.APNSPayload{
					Aps: &messaging.Aps{
						Alert:    &messaging.ApsAlert{Title: n.Title, Body: n.Body},
						ThreadID: collapseKey(n.RoomID),
						Sound:    "default",
					},
					CustomData: custom,
				},
			},
		}, nil
	}

	return nil, fmt.Errorf("unsupported platform %q", platform)
}
