package premium

import (
	"context"

	"github.com/italolelis/premium_downloader/internal/storage"
	"github.com/italolelis/premium_downloader/internal/telemetry"
)

// Provider is what the coordinator needs from a premium host.
type Provider interface {
	Login(ctx context.Context, p *storage.Premium) (string, error)
	Resolve(ctx context.Context, p *storage.Premium, link string) (string, error)
}

// InstrumentedClient wraps a Provider with telemetry.
type InstrumentedClient struct {
	client    Provider
	telemetry *telemetry.Telemetry
}

// NewInstrumentedClient creates a new instrumented premium client.
func NewInstrumentedClient(client Provider, tel *telemetry.Telemetry) *InstrumentedClient {
	return &InstrumentedClient{
		client:    client,
		telemetry: tel,
	}
}

// Login authenticates the credential with telemetry.
func (c *InstrumentedClient) Login(ctx context.Context, p *storage.Premium) (string, error) {
	var providerID string

	err := c.telemetry.InstrumentOperation(ctx, "premium_login", "premium", func(ctx context.Context) error {
		var err error

		providerID, err = c.client.Login(ctx, p)

		return err
	})
	if err != nil {
		c.telemetry.RecordSystemError("premium", "login")

		return "", err
	}

	return providerID, nil
}

// Resolve resolves a link with telemetry.
func (c *InstrumentedClient) Resolve(ctx context.Context, p *storage.Premium, link string) (string, error) {
	var realURL string

	err := c.telemetry.InstrumentOperation(ctx, "premium_resolve", "premium", func(ctx context.Context) error {
		var err error

		realURL, err = c.client.Resolve(ctx, p, link)

		return err
	})
	if err != nil {
		return "", err
	}

	return realURL, nil
}
