package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Phillboard/mobul-sub010/pkg/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestTwilioSenderSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "AC123", user)
		require.Equal(t, "secret", pass)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "+15550001111", r.PostForm.Get("To"))
		require.Equal(t, "+15559990000", r.PostForm.Get("From"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM42","status":"queued"}`))
	}))
	defer srv.Close()

	s := NewTwilioSender(srv.URL)
	res, err := s.Send(context.Background(),
		Credentials{AccountSID: "AC123", AuthToken: "secret", From: "+15559990000"},
		Message{To: "+15550001111", Body: "hi"},
	)
	require.NoError(t, err)
	require.Equal(t, "SM42", res.ProviderMessageID)
}

func TestTwilioSenderProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"invalid To"}`))
	}))
	defer srv.Close()

	_, err := NewTwilioSender(srv.URL).Send(context.Background(), Credentials{AccountSID: "AC1"}, Message{To: "x"})

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, http.StatusBadRequest, perr.Status)
	require.Equal(t, "21211", perr.Code)
}

type fakeSNS struct{ input *sns.PublishInput }

func (f *fakeSNS) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.input = in
	return &sns.PublishOutput{MessageId: aws.String("sns-1")}, nil
}

type fakeSES struct{ input *ses.SendEmailInput }

func (f *fakeSES) SendEmail(ctx context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.input = in
	return &ses.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

func TestAWSSenders(t *testing.T) {
	pub := &fakeSNS{}
	res, err := NewSNSSender(pub).Send(context.Background(), Credentials{From: "BRAND"}, Message{To: "+15550001111", Body: "code"})
	require.NoError(t, err)
	require.Equal(t, "sns-1", res.ProviderMessageID)
	require.Equal(t, "+15550001111", aws.ToString(pub.input.PhoneNumber))
	require.Equal(t, "BRAND", aws.ToString(pub.input.MessageAttributes["AWS.SNS.SMS.SenderID"].StringValue))

	mail := &fakeSES{}
	res, err = NewSESSender(mail, "rewards@example.com").Send(context.Background(), Credentials{}, Message{To: "r@example.com", Subject: "Your reward", Body: "code"})
	require.NoError(t, err)
	require.Equal(t, "ses-1", res.ProviderMessageID)
	require.Equal(t, "rewards@example.com", aws.ToString(mail.input.Source))
}

type stubSender struct {
	creds Credentials
	err   error
}

func (s *stubSender) Send(ctx context.Context, creds Credentials, msg Message) (*Result, error) {
	s.creds = creds
	if s.err != nil {
		return nil, s.err
	}
	return &Result{ProviderMessageID: "stub"}, nil
}

func TestRouterUsesLegacyEnvCredentials(t *testing.T) {
	cfg := &config.Config{}
	cfg.Twilio.AccountSID = "AClegacy"
	cfg.Twilio.AuthToken = "tok"
	cfg.Twilio.FromNumber = "+15550000000"

	stub := &stubSender{}
	gw := NewRouter(NewCredentialStore(cfg, nil), map[Provider]Sender{ProviderTwilio: stub})

	res, err := gw.SendMessage(context.Background(), AccountRef{Provider: ProviderTwilio, CredentialsRef: LegacyRef}, Message{To: "+1", Body: "b"})
	require.NoError(t, err)
	require.Equal(t, "stub", res.ProviderMessageID)
	require.Equal(t, "AClegacy", stub.creds.AccountSID)
}

func TestRouterErrors(t *testing.T) {
	gw := NewRouter(NewCredentialStore(&config.Config{}, nil), map[Provider]Sender{ProviderTwilio: &stubSender{}})
	ctx := context.Background()

	_, err := gw.SendMessage(ctx, AccountRef{Provider: ProviderTwilio, CredentialsRef: LegacyRef}, Message{})
	require.ErrorIs(t, err, ErrEmptyDestination)

	_, err = gw.SendMessage(ctx, AccountRef{Provider: "pigeon", CredentialsRef: LegacyRef}, Message{To: "+1"})
	require.ErrorIs(t, err, ErrUnknownProvider)

	_, err = gw.SendMessage(ctx, AccountRef{Provider: ProviderTwilio, CredentialsRef: LegacyRef}, Message{To: "+1"})
	require.ErrorIs(t, err, ErrMissingCredential)

	_, err = gw.SendMessage(ctx, AccountRef{Provider: ProviderTwilio, CredentialsRef: "vault:messaging/client-1"}, Message{To: "+1"})
	require.ErrorIs(t, err, ErrMissingCredential)

	cfg := &config.Config{}
	cfg.Twilio.AccountSID = "AClegacy"
	failing := NewRouter(NewCredentialStore(cfg, nil), map[Provider]Sender{ProviderTwilio: &stubSender{err: errors.New("boom")}})
	_, err = failing.SendMessage(ctx, AccountRef{Provider: ProviderTwilio, CredentialsRef: LegacyRef}, Message{To: "+1"})
	require.EqualError(t, err, "boom")
}

func TestTwilioCheckCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pass, _ := r.BasicAuth()
		w.Header().Set("Content-Type", "application/json")
		if pass != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":20003,"message":"Authenticate"}`))
			return
		}
		_, _ = w.Write([]byte(`{"sid":"AC1","status":"active"}`))
	}))
	defer srv.Close()

	s := NewTwilioSender(srv.URL).(CredentialChecker)
	require.NoError(t, s.CheckCredentials(context.Background(), Credentials{AccountSID: "AC1", AuthToken: "good"}))

	err := s.CheckCredentials(context.Background(), Credentials{AccountSID: "AC1", AuthToken: "bad"})
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "20003", perr.Code)
}
