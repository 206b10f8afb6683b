package fulfillment

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Phillboard/mobul-sub010/pkg/config"
	"github.com/Phillboard/mobul-sub010/pkg/db/pagination"
	"github.com/Phillboard/mobul-sub010/pkg/messaging"
	"github.com/Phillboard/mobul-sub010/services/audit"
	"github.com/Phillboard/mobul-sub010/services/channel"
	"github.com/Phillboard/mobul-sub010/services/condition"
	"github.com/Phillboard/mobul-sub010/services/contact"
	"github.com/Phillboard/mobul-sub010/services/inventory"
	"github.com/Phillboard/mobul-sub010/services/ledger"
	"github.com/Phillboard/mobul-sub010/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/datatypes"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeChannels struct {
	mu         sync.Mutex
	err        error
	retryAfter *time.Time
	failures   int
	successes  int
}

func (f *fakeChannels) Resolve(_ context.Context, req channel.ResolveRequest) (*channel.Resolution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return &channel.Resolution{RetryAfter: f.retryAfter}, f.err
	}
	return &channel.Resolution{Active: &channel.ActiveAccount{
		AccountID:      "acct-client",
		Level:          channel.LevelClient,
		Provider:       messaging.ProviderTwilio,
		CredentialsRef: "vault:client-1",
		Reason:         channel.ReasonAvailable,
	}}, nil
}

func (f *fakeChannels) RecordFailure(context.Context, string, error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures++
	return nil
}

func (f *fakeChannels) RecordSuccess(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes++
	return nil
}

type fakeGateway struct {
	mu   sync.Mutex
	err  error
	sent []messaging.Message
}

func (f *fakeGateway) SendMessage(_ context.Context, _ messaging.AccountRef, msg messaging.Message) (*messaging.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, msg)
	return &messaging.Result{ProviderMessageID: "SM123"}, nil
}

func (f *fakeGateway) Validate(context.Context, messaging.AccountRef) error { return nil }

type fakeFlags struct{ paused bool }

func (f *fakeFlags) Enabled(context.Context, string, string) (bool, error) { return f.paused, nil }

type fakeBilling struct {
	mu      sync.Mutex
	charges map[string]int64
}

func (f *fakeBilling) Charge(_ context.Context, req ledger.EntryRequest) (*ledger.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.charges == nil {
		f.charges = map[string]int64{}
	}
	f.charges[req.ReferenceID] = req.Amount
	return &ledger.LedgerEntry{ReferenceID: req.ReferenceID, Amount: req.Amount}, nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (f *fakeRecorder) Record(_ context.Context, e audit.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeRecorder) count(kind audit.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

type fakeCampaigns struct{ live bool }

func (f *fakeCampaigns) IsLive(context.Context, string) (bool, error) { return f.live, nil }

func (f *fakeCampaigns) IsRunning(context.Context, string, time.Time) (bool, error) {
	return true, nil
}

func (f *fakeCampaigns) TenantOf(context.Context, string) (string, error) { return "client-1", nil }

type fixture struct {
	svc       *Service
	inventory *inventory.Service
	contacts  *contact.Service
	channels  *fakeChannels
	gateway   *fakeGateway
	flags     *fakeFlags
	billing   *fakeBilling
	rec       *fakeRecorder
	pool      *inventory.Pool
}

func newFixture(t *testing.T, units int) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t,
		&DeliveryRecord{},
		&inventory.Pool{}, &inventory.Unit{},
		&contact.Contact{},
		&condition.Definition{}, &condition.RecipientStatus{},
	)
	node := testutil.NewNode(t)
	cfg := &config.Config{RewardCodeKey: "test-key"}

	f := &fixture{
		channels: &fakeChannels{},
		gateway:  &fakeGateway{},
		flags:    &fakeFlags{},
		billing:  &fakeBilling{},
		rec:      &fakeRecorder{},
	}
	f.inventory = inventory.NewService(inventory.ServiceParams{DB: db, Node: node, Config: cfg, Audit: f.rec})
	f.contacts = contact.NewService(contact.ServiceParams{DB: db})
	f.svc = NewService(ServiceParams{
		DB:        db,
		Node:      node,
		Config:    cfg,
		Inventory: f.inventory,
		Channels:  f.channels,
		Contacts:  f.contacts,
		Billing:   f.billing,
		Gateway:   f.gateway,
		Flags:     f.flags,
		Audit:     f.rec,
	})

	ctx := context.Background()
	pool, err := f.inventory.CreatePool(ctx, inventory.CreatePoolRequest{
		TenantID:     "client-1",
		Name:         "Amazon $25",
		Brand:        "Amazon",
		Denomination: 2500,
		CostPerUnit:  2400,
	})
	require.NoError(t, err)
	if units > 0 {
		codes := make([]string, units)
		for i := range codes {
			codes[i] = "AMZN-CODE-" + string(rune('A'+i))
		}
		_, err := f.inventory.ImportUnits(ctx, pool.PoolID, codes)
		require.NoError(t, err)
	}
	f.pool = pool

	_, err = f.contacts.Upsert(ctx, "r-1", contact.UpsertContactRequest{
		TenantID:  "client-1",
		FirstName: "Ada",
		LastName:  "Lovelace",
		Phone:     "+15550100",
		Email:     "ada@example.com",
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) handoff(action condition.Action) condition.Handoff {
	return condition.Handoff{
		TenantID:        "client-1",
		CampaignID:      "camp-1",
		RecipientID:     "r-1",
		ConditionID:     "cond-2",
		TriggerAction:   action,
		RewardPoolID:    f.pool.PoolID,
		MessageTemplate: "Hi {{first_name}}, your {{brand}} {{amount}} code: {{code}}",
	}
}

func (f *fixture) available(t *testing.T) int64 {
	t.Helper()
	p, err := f.inventory.GetPool(context.Background(), f.pool.PoolID)
	require.NoError(t, err)
	return p.AvailableCount
}

func TestFulfillSendsReward(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	rec, err := f.svc.Fulfill(ctx, f.handoff(condition.ActionSendSMSReward))
	require.NoError(t, err)
	require.Equal(t, StatusSent, rec.DeliveryStatus)
	require.Equal(t, StageSent, rec.Stage)
	require.Equal(t, "SM123", rec.ProviderMessageID)
	require.NotNil(t, rec.RewardUnitID)
	require.Equal(t, channel.LevelClient, rec.AccountLevel)

	require.Len(t, f.gateway.sent, 1)
	msg := f.gateway.sent[0]
	require.Equal(t, "+15550100", msg.To)
	require.True(t, strings.HasPrefix(msg.Body, "Hi Ada, your Amazon $25.00 code: AMZN-CODE-"), msg.Body)

	unit, err := f.inventory.GetUnit(ctx, *rec.RewardUnitID)
	require.NoError(t, err)
	require.Equal(t, inventory.UnitDelivered, unit.State)
	require.Equal(t, int64(1), f.available(t))
	require.Equal(t, 1, f.channels.successes)
	require.Equal(t, int64(2400), f.billing.charges[*rec.RewardUnitID])
	require.Equal(t, 1, f.rec.count(audit.KindDeliveryAttempt))
}

func TestFulfillIsIdempotentPerBinding(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	first, err := f.svc.Fulfill(ctx, f.handoff(condition.ActionSendSMSReward))
	require.NoError(t, err)
	again, err := f.svc.Fulfill(ctx, f.handoff(condition.ActionSendSMSReward))
	require.NoError(t, err)

	require.Equal(t, first.RecordID, again.RecordID)
	require.Len(t, f.gateway.sent, 1)
	require.Equal(t, int64(1), f.available(t))
}

func TestFulfillLogOnlyWritesNoRecord(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	rec, err := f.svc.Fulfill(ctx, f.handoff(condition.ActionLogOnly))
	require.NoError(t, err)
	require.Nil(t, rec)

	out, _, err := f.svc.ListRecords(ctx, ListRequest{RecipientID: "r-1"})
	require.NoError(t, err)
	require.Empty(t, out)
	require.Equal(t, int64(1), f.available(t))
	require.Equal(t, 1, f.rec.count(audit.KindDeliveryAttempt))
}

func TestFulfillPoolExhaustedIsTerminal(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	rec, err := f.svc.Fulfill(ctx, f.handoff(condition.ActionSendSMSReward))
	require.NoError(t, err)
	require.Equal(t, StatusFailed, rec.DeliveryStatus)
	require.Equal(t, StageAllocating, rec.FailedStage)
	require.Equal(t, ReasonPoolExhausted, rec.FailureReason)
	require.False(t, rec.Retryable)
	require.Empty(t, f.gateway.sent)

	exhausted, err := f.svc.ListExhausted(ctx, 0)
	require.NoError(t, err)
	require.Len(t, exhausted, 1)
}

func TestFulfillNoChannelIsRetryable(t *testing.T) {
	f := newFixture(t, 1)
	f.channels.err = channel.ErrNoChannelAvailable
	ctx := context.Background()

	rec, err := f.svc.Fulfill(ctx, f.handoff(condition.ActionSendSMSReward))
	require.NoError(t, err)
	require.Equal(t, StatusFailed, rec.DeliveryStatus)
	require.Equal(t, StageResolving, rec.FailedStage)
	require.Equal(t, ReasonNoChannel, rec.FailureReason)
	require.True(t, rec.Retryable)
	require.Zero(t, rec.RetryCount)
	require.NotNil(t, rec.RewardUnitID)
	require.True(t, rec.AwaitingChannel)
	require.Nil(t, rec.NextAttemptAt)

	// the unit stays bound to the record for the retry
	unit, err := f.inventory.GetUnit(ctx, *rec.RewardUnitID)
	require.NoError(t, err)
	require.Equal(t, inventory.UnitClaimed, unit.State)
}

func TestFulfillSendFailureRecordsAccountFailure(t *testing.T) {
	f := newFixture(t, 1)
	f.gateway.err = errors.New("provider 503")
	ctx := context.Background()

	rec, err := f.svc.Fulfill(ctx, f.handoff(condition.ActionSendSMSReward))
	require.NoError(t, err)
	require.Equal(t, StatusFailed, rec.DeliveryStatus)
	require.Equal(t, StageSending, rec.FailedStage)
	require.True(t, rec.Retryable)
	require.Zero(t, rec.RetryCount)
	require.Equal(t, 1, f.channels.failures)
	require.Zero(t, f.channels.successes)
}

func TestDeliverResumesWithoutReclaiming(t *testing.T) {
	f := newFixture(t, 2)
	f.gateway.err = errors.New("timeout")
	ctx := context.Background()

	failed, err := f.svc.Fulfill(ctx, f.handoff(condition.ActionSendSMSReward))
	require.NoError(t, err)
	require.Equal(t, StatusFailed, failed.DeliveryStatus)
	require.Equal(t, int64(1), f.available(t))

	_, err = f.svc.Deliver(ctx, failed.RecordID)
	require.ErrorIs(t, err, ErrRecordNotPending)

	// what the retry sweep does before redelivering
	require.NoError(t, f.svc.db.Model(&DeliveryRecord{}).
		Where("record_id = ?", failed.RecordID).
		Updates(map[string]any{"delivery_status": StatusPending, "retry_count": 1}).Error)

	f.gateway.err = nil
	rec, err := f.svc.Deliver(ctx, failed.RecordID)
	require.NoError(t, err)
	require.Equal(t, StatusSent, rec.DeliveryStatus)
	require.Equal(t, *failed.RewardUnitID, *rec.RewardUnitID)
	require.Equal(t, int64(1), f.available(t))
	require.Len(t, f.billing.charges, 1)
}

func TestFulfillPausedTenant(t *testing.T) {
	f := newFixture(t, 1)
	f.flags.paused = true
	ctx := context.Background()

	rec, err := f.svc.Fulfill(ctx, f.handoff(condition.ActionSendSMSReward))
	require.NoError(t, err)
	require.Equal(t, StatusFailed, rec.DeliveryStatus)
	require.Equal(t, ReasonPaused, rec.FailureReason)
	require.True(t, rec.Retryable)
	require.Equal(t, int64(1), f.available(t))
}

func TestFulfillMissingDestinationIsTerminal(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	_, err := f.contacts.Upsert(ctx, "r-2", contact.UpsertContactRequest{TenantID: "client-1", FirstName: "Grace"})
	require.NoError(t, err)

	h := f.handoff(condition.ActionSendEmailReward)
	h.RecipientID = "r-2"
	rec, err := f.svc.Fulfill(ctx, h)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, rec.DeliveryStatus)
	require.Equal(t, StageResolved, rec.FailedStage)
	require.False(t, rec.Retryable)
	require.Contains(t, rec.FailureReason, "no email destination")
}

func TestConditionToDeliveryEndToEnd(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	campaigns := &fakeCampaigns{}
	conditions := condition.NewService(condition.ServiceParams{
		DB:         f.svc.db,
		Node:       f.svc.node,
		Config:     &config.Config{},
		Campaigns:  campaigns,
		Dispatcher: NewInlineDispatcher(f.svc),
		Audit:      f.rec,
	})

	poolID := f.pool.PoolID
	_, err := conditions.DefineConditions(ctx, "camp-1", condition.DefineConditionsRequest{Conditions: []condition.DefinitionInput{
		{SequenceOrder: 1, ConditionType: condition.TypeFormSubmitted, TriggerAction: condition.ActionLogOnly},
		{SequenceOrder: 2, ConditionType: condition.TypeOptInConfirmed, TriggerAction: condition.ActionSendSMSReward, RewardPoolID: &poolID, MessageTemplate: "Hi {{first_name}}, your code: {{code}}"},
	}})
	require.NoError(t, err)
	campaigns.live = true

	for _, event := range []condition.Type{condition.TypeFormSubmitted, condition.TypeOptInConfirmed} {
		res, err := conditions.Evaluate(ctx, condition.EvaluateRequest{RecipientID: "r-1", CampaignID: "camp-1", EventType: string(event)})
		require.NoError(t, err)
		require.True(t, res.NewlyCompleted)
	}

	records, _, err := f.svc.ListRecords(ctx, ListRequest{RecipientID: "r-1"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, StatusSent, records[0].DeliveryStatus)
	require.Equal(t, condition.ActionSendSMSReward, records[0].TriggerAction)
	require.Equal(t, int64(1), f.available(t))
	require.Len(t, f.gateway.sent, 1)
}

func TestListRecordsPages(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	for _, r := range []string{"r-1", "r-2", "r-3"} {
		h := f.handoff(condition.ActionSendSMSReward)
		h.RecipientID = r
		_, err := f.svc.Fulfill(ctx, h)
		require.NoError(t, err)
	}

	first, page, err := f.svc.ListRecords(ctx, ListRequest{Pagination: pagination.Pagination{Limit: 2}})
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.True(t, page.HasMore)
	require.Equal(t, "r-3", first[0].RecipientID)

	rest, page, err := f.svc.ListRecords(ctx, ListRequest{Pagination: pagination.Pagination{Limit: 2, Cursor: page.NextCursor}})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.False(t, page.HasMore)
	require.Equal(t, "r-1", rest[0].RecipientID)
}

func TestRewardMessageFormatting(t *testing.T) {
	c := &contact.Contact{ContactID: "r-1", FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"}
	pool := &inventory.Pool{Brand: "Visa", Denomination: 1050, Currency: "CAD"}

	msg, err := rewardMessage("", channel.TypeEmail, c, pool, "VISA-1", map[string]any{"store": "Main St"})
	require.NoError(t, err)
	require.Equal(t, "ada@example.com", msg.To)
	require.Equal(t, "Your Visa gift card", msg.Subject)
	require.Contains(t, msg.Body, "10.50 CAD")
	require.Contains(t, msg.Body, "VISA-1")

	msg, err = rewardMessage("{{full_name}} @ {{metadata.store}}", channel.TypeEmail, c, pool, "VISA-1", map[string]any{"store": "Main St"})
	require.NoError(t, err)
	require.Equal(t, "Ada Lovelace @ Main St", msg.Body)

	_, err = rewardMessage("", channel.TypeSMS, c, pool, "VISA-1", nil)
	require.Error(t, err)
}

func TestFulfillNoChannelStoresRecoveryTime(t *testing.T) {
	f := newFixture(t, 1)
	recovers := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	f.channels.err = channel.ErrNoChannelAvailable
	f.channels.retryAfter = &recovers
	ctx := context.Background()

	rec, err := f.svc.Fulfill(ctx, f.handoff(condition.ActionSendSMSReward))
	require.NoError(t, err)

	stored, err := f.svc.GetRecord(ctx, rec.RecordID)
	require.NoError(t, err)
	require.True(t, stored.AwaitingChannel)
	require.NotNil(t, stored.NextAttemptAt)
	require.True(t, recovers.Equal(*stored.NextAttemptAt))

	// a later failure for another reason clears the wait
	require.NoError(t, f.svc.db.Model(&DeliveryRecord{}).
		Where("record_id = ?", rec.RecordID).
		Update("delivery_status", StatusPending).Error)
	f.channels.err = nil
	f.gateway.err = errors.New("provider 503")
	rec, err = f.svc.Deliver(ctx, rec.RecordID)
	require.NoError(t, err)
	require.Equal(t, StageSending, rec.FailedStage)

	stored, err = f.svc.GetRecord(ctx, rec.RecordID)
	require.NoError(t, err)
	require.False(t, stored.AwaitingChannel)
	require.Nil(t, stored.NextAttemptAt)
}

// leavePending puts a record back in pending with its last stage write age ago.
func leavePending(t *testing.T, f *fixture, recordID string, age time.Duration) {
	t.Helper()
	require.NoError(t, f.svc.db.Model(&DeliveryRecord{}).
		Where("record_id = ?", recordID).
		Updates(map[string]any{"delivery_status": StatusPending, "updated_at": time.Now().Add(-age)}).Error)
}

func TestFulfillResumesStalePendingOnce(t *testing.T) {
	f := newFixture(t, 1)
	f.channels.err = channel.ErrNoChannelAvailable
	ctx := context.Background()

	rec, err := f.svc.Fulfill(ctx, f.handoff(condition.ActionSendSMSReward))
	require.NoError(t, err)
	f.channels.err = nil

	leavePending(t, f, rec.RecordID, 0)
	_, err = f.svc.Fulfill(ctx, f.handoff(condition.ActionSendSMSReward))
	require.ErrorIs(t, err, ErrDeliveryInProgress)
	require.Empty(t, f.gateway.sent)

	leavePending(t, f, rec.RecordID, time.Hour)
	ok, err := f.svc.ClaimStale(ctx, rec.RecordID)
	require.NoError(t, err)
	require.True(t, ok)

	// the claim refreshed updated_at, so a second worker backs off
	_, err = f.svc.Fulfill(ctx, f.handoff(condition.ActionSendSMSReward))
	require.ErrorIs(t, err, ErrDeliveryInProgress)
	ok, err = f.svc.ClaimStale(ctx, rec.RecordID)
	require.NoError(t, err)
	require.False(t, ok)

	leavePending(t, f, rec.RecordID, time.Hour)
	out, err := f.svc.Fulfill(ctx, f.handoff(condition.ActionSendSMSReward))
	require.NoError(t, err)
	require.Equal(t, StatusSent, out.DeliveryStatus)
	require.Len(t, f.gateway.sent, 1)
}

func TestListExhaustedIncludesStalePending(t *testing.T) {
	f := newFixture(t, 2)
	f.channels.err = channel.ErrNoChannelAvailable
	ctx := context.Background()

	stuck, err := f.svc.Fulfill(ctx, f.handoff(condition.ActionSendSMSReward))
	require.NoError(t, err)
	h := f.handoff(condition.ActionSendSMSReward)
	h.ConditionID = "cond-3"
	fresh, err := f.svc.Fulfill(ctx, h)
	require.NoError(t, err)

	leavePending(t, f, stuck.RecordID, time.Hour)
	leavePending(t, f, fresh.RecordID, 0)

	exhausted, err := f.svc.ListExhausted(ctx, 0)
	require.NoError(t, err)
	require.Len(t, exhausted, 1)
	require.Equal(t, stuck.RecordID, exhausted[0].RecordID)
}

func TestUnreadableMetadataIsLoggedAndSendContinues(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	defer zap.ReplaceGlobals(zap.New(core))()

	f := newFixture(t, 1)
	f.channels.err = channel.ErrNoChannelAvailable
	ctx := context.Background()

	rec, err := f.svc.Fulfill(ctx, f.handoff(condition.ActionSendSMSReward))
	require.NoError(t, err)
	require.NoError(t, f.svc.db.Model(&DeliveryRecord{}).
		Where("record_id = ?", rec.RecordID).
		Updates(map[string]any{"delivery_status": StatusPending, "metadata": datatypes.JSON(`{"source":`)}).Error)

	f.channels.err = nil
	rec, err = f.svc.Deliver(ctx, rec.RecordID)
	require.NoError(t, err)
	require.Equal(t, StatusSent, rec.DeliveryStatus)

	entries := logs.FilterMessage("ignoring unreadable delivery metadata").All()
	require.Len(t, entries, 1)
	require.Equal(t, rec.RecordID, entries[0].ContextMap()["record_id"])
}
