package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/notewatch/internal/tracker"
)

func TestSenderRecordsNotifications(t *testing.T) {
	t.Parallel()

	s := New()
	require.NoError(t, s.Send(context.Background(), tracker.Notification{ItemRef: "n1", Action: "updated"}))
	require.NoError(t, s.Send(context.Background(), tracker.Notification{ItemRef: "n2", Action: "report"}))

	sent := s.Sent()
	require.Len(t, sent, 2)
	require.Equal(t, "n1", sent[0].ItemRef)

	s.Err = errors.New("smtp down")
	require.Error(t, s.Send(context.Background(), tracker.Notification{}))
	require.Len(t, s.Sent(), 2)
}
