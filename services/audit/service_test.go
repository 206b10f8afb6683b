package audit

import (
	"context"
	"testing"

	"github.com/Phillboard/mobul-sub010/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestRecordAndList(t *testing.T) {
	svc := NewService(ServiceParams{DB: testutil.NewTestDB(t, &Event{})})
	ctx := context.Background()

	svc.Record(ctx, Event{Kind: KindEvaluationNoop, RecipientID: "r-1", Message: "no match"})
	svc.Record(ctx, Event{Kind: KindDeliveryAttempt, RecipientID: "r-1", Message: "sent", Payload: Payload(map[string]string{"status": "sent"})})
	svc.Record(ctx, Event{Kind: KindDeliveryAttempt, RecipientID: "r-2", Message: "failed"})

	events, err := svc.List(ctx, ListRequest{RecipientID: "r-1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, KindDeliveryAttempt, events[0].Kind)

	events, err = svc.List(ctx, ListRequest{Kind: KindDeliveryAttempt})
	require.NoError(t, err)
	require.Len(t, events, 2)
}
