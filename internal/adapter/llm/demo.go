package llm

import (
	"context"
	"fmt"
)

// DemoProvider answers without network access. It keeps the system usable
// when no vendor credentials are configured.
type DemoProvider struct {
	name string
}

// NewDemoProvider creates the offline provider.
func NewDemoProvider(name string) *DemoProvider {
	if name == "" {
		name = "demo"
	}
	return &DemoProvider{name: name}
}

// Complete implements Provider.
func (p *DemoProvider) Complete(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("I'm %s but I don't have access to AI generation right now. Here's a basic response to: %s",
		req.Agent, req.Message), nil
}

// Name implements Provider.
func (p *DemoProvider) Name() string { return p.name }
