package condition

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Phillboard/mobul-sub010/pkg/config"
	"github.com/Phillboard/mobul-sub010/services/audit"
	"github.com/Phillboard/mobul-sub010/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeCampaigns struct {
	live    bool
	running bool
}

func (f *fakeCampaigns) IsLive(context.Context, string) (bool, error) { return f.live, nil }

func (f *fakeCampaigns) IsRunning(context.Context, string, time.Time) (bool, error) {
	return f.running, nil
}

func (f *fakeCampaigns) TenantOf(context.Context, string) (string, error) { return "client-1", nil }

type fakeDispatcher struct {
	mu       sync.Mutex
	err      error
	calls    int
	handoffs []Handoff
}

func (f *fakeDispatcher) Dispatch(_ context.Context, h Handoff) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.handoffs = append(f.handoffs, h)
	return nil
}

func (f *fakeDispatcher) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handoffs)
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, audit.Event) {}

type fixture struct {
	svc        *Service
	campaigns  *fakeCampaigns
	dispatcher *fakeDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t, &Definition{}, &RecipientStatus{})
	f := &fixture{
		campaigns:  &fakeCampaigns{running: true},
		dispatcher: &fakeDispatcher{},
	}
	f.svc = NewService(ServiceParams{
		DB:         db,
		Node:       testutil.NewNode(t),
		Config:     &config.Config{},
		Campaigns:  f.campaigns,
		Dispatcher: f.dispatcher,
		Audit:      nopRecorder{},
	})
	return f
}

func (f *fixture) define(t *testing.T, inputs ...DefinitionInput) []*Definition {
	t.Helper()
	f.campaigns.live = false
	defs, err := f.svc.DefineConditions(context.Background(), "camp-1", DefineConditionsRequest{Conditions: inputs})
	require.NoError(t, err)
	f.campaigns.live = true
	return defs
}

func pool(id string) *string { return &id }

func twoStepCampaign(t *testing.T, f *fixture) []*Definition {
	return f.define(t,
		DefinitionInput{SequenceOrder: 1, ConditionType: TypeFormSubmitted, TriggerAction: ActionLogOnly},
		DefinitionInput{SequenceOrder: 2, ConditionType: TypeOptInConfirmed, TriggerAction: ActionSendSMSReward, RewardPoolID: pool("pool-1"), MessageTemplate: "Hi {{first_name}}, your code: {{code}}"},
	)
}

func TestEvaluateUnmatchedEventIsNoop(t *testing.T) {
	f := newFixture(t)
	twoStepCampaign(t, f)

	res, err := f.svc.Evaluate(context.Background(), EvaluateRequest{RecipientID: "r-1", CampaignID: "camp-1", EventType: "link_clicked"})
	require.NoError(t, err)
	require.False(t, res.Matched)
	require.Equal(t, ReasonNoMatch, res.Reason)
	require.Zero(t, f.dispatcher.count())
}

func TestEvaluateCompletesAtMostOnceUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	defs := twoStepCampaign(t, f)

	var (
		mu    sync.Mutex
		newly int
	)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			res, err := f.svc.Evaluate(ctx, EvaluateRequest{RecipientID: "r-1", CampaignID: "camp-1", EventType: string(TypeFormSubmitted)})
			if err != nil {
				return err
			}
			if res.NewlyCompleted {
				mu.Lock()
				newly++
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 1, newly)
	require.Equal(t, 1, f.dispatcher.count())

	statuses, err := f.svc.ListRecipientStatuses(context.Background(), "r-1", "camp-1")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	require.Equal(t, defs[0].ConditionID, statuses[0].ConditionID)
	require.Equal(t, StatusCompleted, statuses[0].Status)

	res, err := f.svc.Evaluate(context.Background(), EvaluateRequest{RecipientID: "r-1", CampaignID: "camp-1", EventType: string(TypeFormSubmitted)})
	require.NoError(t, err)
	require.True(t, res.Matched)
	require.False(t, res.NewlyCompleted)
	require.Equal(t, ReasonAlreadyCompleted, res.Reason)
}

func TestSequencingBlocksThenCascades(t *testing.T) {
	f := newFixture(t)
	defs := twoStepCampaign(t, f)
	ctx := context.Background()

	res, err := f.svc.Evaluate(ctx, EvaluateRequest{RecipientID: "r-1", CampaignID: "camp-1", EventType: string(TypeOptInConfirmed), Metadata: map[string]any{"keyword": "YES"}})
	require.NoError(t, err)
	require.True(t, res.Matched)
	require.False(t, res.NewlyCompleted)
	require.Equal(t, ReasonPrerequisitePending, res.Reason)
	require.Zero(t, f.dispatcher.count())

	res, err = f.svc.Evaluate(ctx, EvaluateRequest{RecipientID: "r-1", CampaignID: "camp-1", EventType: string(TypeFormSubmitted)})
	require.NoError(t, err)
	require.True(t, res.NewlyCompleted)
	require.Equal(t, defs[0].ConditionID, res.ConditionID)
	require.Len(t, res.Cascaded, 1)
	require.Equal(t, defs[1].ConditionID, res.Cascaded[0].ConditionID)
	require.Equal(t, ActionSendSMSReward, res.Cascaded[0].TriggerAction)

	require.Equal(t, 2, f.dispatcher.count())
	h := f.dispatcher.handoffs[1]
	require.Equal(t, "pool-1", h.RewardPoolID)
	require.Equal(t, "client-1", h.TenantID)
	require.Equal(t, "YES", h.Metadata["keyword"])

	// re-firing the blocked event later is a safe no-op
	res, err = f.svc.Evaluate(ctx, EvaluateRequest{RecipientID: "r-1", CampaignID: "camp-1", EventType: string(TypeOptInConfirmed)})
	require.NoError(t, err)
	require.Equal(t, ReasonAlreadyCompleted, res.Reason)
	require.Equal(t, 2, f.dispatcher.count())
}

func TestOptionalPrerequisiteDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	optional := false
	f.define(t,
		DefinitionInput{SequenceOrder: 1, ConditionType: TypeLinkClicked, TriggerAction: ActionLogOnly, IsRequired: &optional},
		DefinitionInput{SequenceOrder: 2, ConditionType: TypeFormSubmitted, TriggerAction: ActionLogOnly},
	)

	res, err := f.svc.Evaluate(context.Background(), EvaluateRequest{RecipientID: "r-1", CampaignID: "camp-1", EventType: string(TypeFormSubmitted)})
	require.NoError(t, err)
	require.True(t, res.NewlyCompleted)
}

func TestMalformedDefinitionIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.db.Create(&[]Definition{
		{ConditionID: "bad", CampaignID: "camp-1", SequenceOrder: 1, ConditionType: "survey_done", TriggerAction: ActionLogOnly, IsRequired: true, IsActive: true},
		{ConditionID: "good", CampaignID: "camp-1", SequenceOrder: 2, ConditionType: TypeFormSubmitted, TriggerAction: ActionLogOnly, IsRequired: true, IsActive: true},
	}).Error)

	res, err := f.svc.Evaluate(ctx, EvaluateRequest{RecipientID: "r-1", CampaignID: "camp-1", EventType: string(TypeFormSubmitted)})
	require.NoError(t, err)
	require.True(t, res.NewlyCompleted)
	require.Equal(t, "good", res.ConditionID)
	require.Len(t, res.Warnings, 1)
	require.Contains(t, res.Warnings[0], "survey_done")
}

func TestFilterExpressionAndMetadataSchema(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.define(t, DefinitionInput{
		SequenceOrder:    1,
		ConditionType:    TypeCallDisposition,
		TriggerAction:    ActionLogOnly,
		FilterExpression: `metadata.disposition == "interested"`,
		MetadataSchema:   datatypes.JSON(`{"type":"object","required":["disposition","agent_id"]}`),
	})

	res, err := f.svc.Evaluate(ctx, EvaluateRequest{RecipientID: "r-1", CampaignID: "camp-1", EventType: string(TypeCallDisposition), Metadata: map[string]any{"disposition": "no_answer"}})
	require.NoError(t, err)
	require.Equal(t, ReasonNoMatch, res.Reason)

	res, err = f.svc.Evaluate(ctx, EvaluateRequest{RecipientID: "r-1", CampaignID: "camp-1", EventType: string(TypeCallDisposition), Metadata: map[string]any{"disposition": "interested"}})
	require.NoError(t, err)
	require.Equal(t, ReasonMetadataRejected, res.Reason)
	require.False(t, res.NewlyCompleted)

	res, err = f.svc.Evaluate(ctx, EvaluateRequest{RecipientID: "r-1", CampaignID: "camp-1", EventType: string(TypeCallDisposition), Metadata: map[string]any{"disposition": "interested", "agent_id": "a-7"}})
	require.NoError(t, err)
	require.True(t, res.NewlyCompleted)
}

func TestInactiveCampaignIgnoresEvents(t *testing.T) {
	f := newFixture(t)
	twoStepCampaign(t, f)
	f.campaigns.running = false

	res, err := f.svc.Evaluate(context.Background(), EvaluateRequest{RecipientID: "r-1", CampaignID: "camp-1", EventType: string(TypeFormSubmitted)})
	require.NoError(t, err)
	require.Equal(t, ReasonCampaignInactive, res.Reason)
	require.Zero(t, f.dispatcher.count())
}

func TestDefineConditionsValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.DefineConditions(ctx, "camp-1", DefineConditionsRequest{Conditions: []DefinitionInput{
		{SequenceOrder: 1, ConditionType: TypeFormSubmitted, TriggerAction: ActionLogOnly},
		{SequenceOrder: 3, ConditionType: TypeOptInConfirmed, TriggerAction: ActionSendSMSReward},
	}})
	require.ErrorIs(t, err, ErrInvalidDefinitions)

	_, err = f.svc.DefineConditions(ctx, "camp-1", DefineConditionsRequest{Conditions: []DefinitionInput{
		{SequenceOrder: 1, ConditionType: TypeFormSubmitted, TriggerAction: ActionLogOnly, FilterExpression: "metadata.x +"},
	}})
	require.ErrorIs(t, err, ErrInvalidDefinitions)

	f.campaigns.live = true
	_, err = f.svc.DefineConditions(ctx, "camp-1", DefineConditionsRequest{Conditions: []DefinitionInput{
		{SequenceOrder: 1, ConditionType: TypeFormSubmitted, TriggerAction: ActionLogOnly},
	}})
	require.ErrorIs(t, err, ErrCampaignLive)
}

func TestDeactivatedConditionStopsGating(t *testing.T) {
	f := newFixture(t)
	defs := twoStepCampaign(t, f)
	ctx := context.Background()

	_, err := f.svc.DeactivateCondition(ctx, defs[0].ConditionID)
	require.NoError(t, err)

	res, err := f.svc.Evaluate(ctx, EvaluateRequest{RecipientID: "r-1", CampaignID: "camp-1", EventType: string(TypeOptInConfirmed)})
	require.NoError(t, err)
	require.True(t, res.NewlyCompleted)

	res, err = f.svc.Evaluate(ctx, EvaluateRequest{RecipientID: "r-1", CampaignID: "camp-1", EventType: string(TypeFormSubmitted)})
	require.NoError(t, err)
	require.False(t, res.Matched)

	_, err = f.svc.DeactivateCondition(ctx, "missing")
	require.ErrorIs(t, err, ErrConditionNotFound)
}

func TestFailedHandoffIsRedispatched(t *testing.T) {
	f := newFixture(t)
	defs := twoStepCampaign(t, f)
	ctx := context.Background()
	f.dispatcher.fail(errors.New("redis: connection refused"))

	req := EvaluateRequest{
		RecipientID: "r-1",
		CampaignID:  "camp-1",
		EventType:   string(TypeFormSubmitted),
		Metadata:    map[string]any{"source": "web"},
	}
	res, err := f.svc.Evaluate(ctx, req)
	require.NoError(t, err)
	require.True(t, res.NewlyCompleted)
	require.Len(t, res.Warnings, 1)

	res, err = f.svc.Evaluate(ctx, req)
	require.NoError(t, err)
	require.Equal(t, ReasonAlreadyCompleted, res.Reason)

	statuses, err := f.svc.ListRecipientStatuses(ctx, "r-1", "camp-1")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	require.Equal(t, StatusCompleted, statuses[0].Status)
	require.Nil(t, statuses[0].DispatchedAt)

	// still inside the grace period
	n, err := f.svc.RedispatchPending(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, n)

	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	n, err = f.svc.RedispatchPending(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, n)

	f.dispatcher.fail(nil)
	n, err = f.svc.RedispatchPending(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, f.dispatcher.handoffs, 1)

	h := f.dispatcher.handoffs[0]
	require.Equal(t, defs[0].ConditionID, h.ConditionID)
	require.Equal(t, "r-1", h.RecipientID)
	require.Equal(t, "client-1", h.TenantID)
	require.Equal(t, ActionLogOnly, h.TriggerAction)
	require.Equal(t, "web", h.Metadata["source"])

	statuses, err = f.svc.ListRecipientStatuses(ctx, "r-1", "camp-1")
	require.NoError(t, err)
	require.NotNil(t, statuses[0].DispatchedAt)

	n, err = f.svc.RedispatchPending(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 3, f.dispatcher.calls)
}

func TestSuccessfulHandoffIsStamped(t *testing.T) {
	f := newFixture(t)
	twoStepCampaign(t, f)
	ctx := context.Background()

	_, err := f.svc.Evaluate(ctx, EvaluateRequest{RecipientID: "r-1", CampaignID: "camp-1", EventType: string(TypeFormSubmitted)})
	require.NoError(t, err)

	statuses, err := f.svc.ListRecipientStatuses(ctx, "r-1", "camp-1")
	require.NoError(t, err)
	require.NotNil(t, statuses[0].DispatchedAt)

	f.svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := f.svc.RedispatchPending(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, n)
}
