//go:build integration

package inventory_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlement/internal/inventory"
	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/notify"
)

func TestRedisRestorer_AppendsToStream(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	client, err := notify.NewRedisClient(url)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream := "catalog:test-restore:" + time.Now().Format("150405.000000")
	defer client.Del(context.Background(), stream)

	r := inventory.NewRedisRestorer(client, stream)
	require.NoError(t, r.Restore(ctx, "ord_1", []ledger.OrderItem{{ProductID: "prd_a", Quantity: 2, UnitPrice: 2500}}))

	entries, err := client.XRange(ctx, stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ord_1", entries[0].Values["order_id"])

	var items []ledger.OrderItem
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["items"].(string)), &items))
	assert.Equal(t, "prd_a", items[0].ProductID)
}
