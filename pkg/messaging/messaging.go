// Package messaging is the outbound transport for reward messages. It routes
// a message to the provider behind a communication account and resolves the
// account's credentials by reference.
package messaging

import (
	"context"
	"errors"
	"fmt"
)

type Provider string

const (
	ProviderTwilio Provider = "twilio"
	ProviderSNS    Provider = "sns"
	ProviderSES    Provider = "ses"
)

var (
	ErrUnknownProvider   = errors.New("messaging: unknown provider")
	ErrMissingCredential = errors.New("messaging: credentials not found")
	ErrEmptyDestination  = errors.New("messaging: empty destination")
)

// AccountRef identifies the account a message is sent through.
type AccountRef struct {
	Provider       Provider
	CredentialsRef string
}

type Message struct {
	To      string
	Subject string
	Body    string
}

type Result struct {
	ProviderMessageID string
}

type Credentials struct {
	AccountSID string
	AuthToken  string
	From       string
}

// Sender delivers one message through one provider.
type Sender interface {
	Send(ctx context.Context, creds Credentials, msg Message) (*Result, error)
}

// CredentialStore resolves a credentials reference to usable secrets.
type CredentialStore interface {
	Resolve(ctx context.Context, ref string) (Credentials, error)
}

// Gateway is the sendMessage primitive the fulfillment pipeline calls.
// Validate checks that an account's credentials are accepted by its
// provider without sending anything.
type Gateway interface {
	SendMessage(ctx context.Context, account AccountRef, msg Message) (*Result, error)
	Validate(ctx context.Context, account AccountRef) error
}

// CredentialChecker is implemented by senders that can verify credentials.
type CredentialChecker interface {
	CheckCredentials(ctx context.Context, creds Credentials) error
}

type ProviderError struct {
	Provider Provider
	Status   int
	Code     string
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: status=%d code=%s: %s", e.Provider, e.Status, e.Code, e.Message)
}
