package messaging

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type router struct {
	senders map[Provider]Sender
	creds   CredentialStore
}

func NewRouter(creds CredentialStore, senders map[Provider]Sender) Gateway {
	return &router{senders: senders, creds: creds}
}

func (r *router) SendMessage(ctx context.Context, account AccountRef, msg Message) (*Result, error) {
	if msg.To == "" {
		return nil, ErrEmptyDestination
	}

	sender, ok := r.senders[account.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, account.Provider)
	}

	creds, err := r.creds.Resolve(ctx, account.CredentialsRef)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials %q: %w", account.CredentialsRef, err)
	}

	res, err := sender.Send(ctx, creds, msg)
	if err != nil {
		zap.L().Warn("message send failed",
			zap.String("provider", string(account.Provider)),
			zap.String("credentials_ref", account.CredentialsRef),
			zap.Error(err),
		)
		return nil, err
	}
	return res, nil
}

func (r *router) Validate(ctx context.Context, account AccountRef) error {
	sender, ok := r.senders[account.Provider]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, account.Provider)
	}

	creds, err := r.creds.Resolve(ctx, account.CredentialsRef)
	if err != nil {
		return fmt.Errorf("resolve credentials %q: %w", account.CredentialsRef, err)
	}

	if checker, ok := sender.(CredentialChecker); ok {
		return checker.CheckCredentials(ctx, creds)
	}
	return nil
}
