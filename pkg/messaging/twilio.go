package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultTwilioBaseURL = "https://api.twilio.com"

type twilioSender struct {
	client *resty.Client
}

type twilioMessage struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewTwilioSender posts to the Programmable Messaging REST API. The caller's
// context deadline bounds each request.
func NewTwilioSender(baseURL string) Sender {
	if baseURL == "" {
		baseURL = defaultTwilioBaseURL
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetHeader("Accept", "application/json")
	return &twilioSender{client: client}
}

func (s *twilioSender) Send(ctx context.Context, creds Credentials, msg Message) (*Result, error) {
	var out twilioMessage
	var apiErr twilioError

	resp, err := s.client.R().
		SetContext(ctx).
		SetBasicAuth(creds.AccountSID, creds.AuthToken).
		SetFormData(map[string]string{
			"To":   msg.To,
			"From": creds.From,
			"Body": msg.Body,
		}).
		SetResult(&out).
		SetError(&apiErr).
		Post(fmt.Sprintf("/2010-04-01/Accounts/%s/Messages.json", creds.AccountSID))
	if err != nil {
		return nil, fmt.Errorf("twilio request: %w", err)
	}

	if resp.IsError() {
		return nil, &ProviderError{
			Provider: ProviderTwilio,
			Status:   resp.StatusCode(),
			Code:     fmt.Sprint(apiErr.Code),
			Message:  apiErr.Message,
		}
	}

	return &Result{ProviderMessageID: out.SID}, nil
}

// CheckCredentials fetches the account resource, which only succeeds for a
// valid SID and token pair.
func (s *twilioSender) CheckCredentials(ctx context.Context, creds Credentials) error {
	var apiErr twilioError

	resp, err := s.client.R().
		SetContext(ctx).
		SetBasicAuth(creds.AccountSID, creds.AuthToken).
		SetError(&apiErr).
		Get(fmt.Sprintf("/2010-04-01/Accounts/%s.json", creds.AccountSID))
	if err != nil {
		return fmt.Errorf("twilio request: %w", err)
	}

	if resp.IsError() {
		return &ProviderError{
			Provider: ProviderTwilio,
			Status:   resp.StatusCode(),
			Code:     fmt.Sprint(apiErr.Code),
			Message:  apiErr.Message,
		}
	}
	return nil
}
