package stream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNilNotifierPublishesNothing(t *testing.T) {
	var n *Notifier
	err := n.Publish(context.Background(), Notification{TimerID: "t1", Event: "expired"})
	require.NoError(t, err)
}

func TestNewRequiresRedis(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
