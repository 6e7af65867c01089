package push

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"firebase.google.com/go/v4/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpcomm/cba-was-renewal-sub000/pkg/model"
)

type fakeSender struct {
	calls  []*messaging.MulticastMessage
	failOn map[string]error
	err    error
}

func (f *fakeSender) SendEachForMulticast(ctx context.Context, m *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	f.calls = append(f.calls, m)
	if f.err != nil {
		return nil, f.err
	}

	resp := &messaging.BatchResponse{}
	for _, tok := range m.Tokens {
		if err, ok := f.failOn[tok]; ok {
			resp.Responses = append(resp.Responses, &messaging.SendResponse{Error: err})
			resp.FailureCount++
			continue
		}
		resp.Responses = append(resp.Responses, &messaging.SendResponse{Success: true, MessageID: "id-" + tok})
		resp.SuccessCount++
	}
	return resp, nil
}

func TestBuildAndroidMessage(t *testing.T) {
	n := Notification{RoomID: 5, Kind: "chat", Title: "room 5", Body: "hi", Data: map[string]string{"senderId": "3"}}
	m, err := buildMessage(model.PlatformAndroid, []string{"a"}, n)
	require.NoError(t, err)

	assert.Nil(t, m.Notification, "android payload is data only")
	assert.Nil(t, m.APNS)
	require.NotNil(t, m.Android)
	assert.Equal(t, "room-5", m.Android.CollapseKey)
	assert.Equal(t, "hi", m.Data["body"])
	assert.Equal(t, "3", m.Data["senderId"])
	assert.Equal(t, "5", m.Data["roomId"])
}

func TestBuildIOSMessage(t *testing.T) {
	n := Notification{RoomID: 5, Kind: "chat", Title: "room 5", Body: "hi"}
	m, err := buildMessage(model.PlatformIOS, []string{"a"}, n)
	require.NoError(t, err)

	require.NotNil(t, m.APNS)
	aps := m.APNS.Payload.Aps
	assert.Equal(t, "room-5", aps.ThreadID)
	assert.Equal(t, "room 5", aps.Alert.Title)
	assert.Equal(t, "hi", aps.Alert.Body)
	assert.Nil(t, m.Android)
}

func TestBuildUnknownPlatform(t *testing.T) {
	_, err := buildMessage(model.Platform("web"), []string{"a"}, Notification{})
	require.Error(t, err)
}

func TestSendMulticastChunks(t *testing.T) {
	sender := &fakeSender{failOn: map[string]error{"t-7": errors.New("transient")}}
	g := &FCMGateway{client: sender}

	tokens := make([]string, 1200)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("t-%d", i)
	}

	results, err := g.SendMulticast(context.Background(), Batch{
		Platform:     model.PlatformAndroid,
		Tokens:       tokens,
		Notification: Notification{RoomID: 1, Kind: "chat"},
	})
	require.NoError(t, err)

	require.Len(t, sender.calls, 3)
	assert.Len(t, sender.calls[0].Tokens, MaxTokensPerCall)
	assert.Len(t, sender.calls[2].Tokens, 200)

	require.Len(t, results, 1200)
	for i, r := range results {
		assert.Equal(t, tokens[i], r.Token)
	}
	assert.Error(t, results[7].Err)
	assert.False(t, results[7].Invalid, "unclassified failures are transient")
	assert.NoError(t, results[8].Err)
}

func TestSendMulticastGatewayError(t *testing.T) {
	g := &FCMGateway{client: &fakeSender{err: errors.New("unavailable")}}
	_, err := g.SendMulticast(context.Background(), Batch{Platform: model.PlatformIOS, Tokens: []string{"a"}})
	require.Error(t, err)
}
