//go:build integration

package notify_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlement/internal/notify"
)

func TestRedisNotifier_Publishes(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	client, err := notify.NewRedisClient(url)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := client.Subscribe(ctx, "settlement:test")
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	n := notify.NewRedisNotifier(client, "settlement:test")
	require.NoError(t, n.Ping(ctx))
	require.NoError(t, n.Notify(ctx, notify.Message{UserID: "buyer-1", Title: "Order shipped", Kind: notify.KindOrder, OrderID: "ord_1"}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var got notify.Message
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, "buyer-1", got.UserID)
	assert.Equal(t, notify.KindOrder, got.Kind)
	assert.Equal(t, "ord_1", got.OrderID)
}
