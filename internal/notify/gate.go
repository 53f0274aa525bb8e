package notify

import (
	"context"
	"fmt"

	"notifyd/internal/template"
	"notifyd/pkg/logx"
)

// Validation is the template gate's verdict.
type Validation struct {
	Valid  bool
	Exists bool
	Active bool
	Errors []string
}

// Gate checks that a notification is dispatchable before any channel is
// touched. It never returns an error: lookup failures are captured into the
// validation result.
type Gate struct {
	store template.Store
	log   logx.Logger
}

func NewGate(store template.Store, log logx.Logger) *Gate {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gate{store: store, log: log.With(logx.String("comp", "gate"))}
}

// Validate enforces the template precondition: a notification requesting
// EMAIL must carry a template reference naming an existing, active template.
// Channels without template requirements pass trivially.
func (g *Gate) Validate(ctx context.Context, n *Notification) Validation {
	if !n.Wants(ChannelEmail) {
		return Validation{Valid: true}
	}

	ref := n.Templates[ChannelEmail]
	if ref == "" {
		return Validation{Errors: []string{"email channel requires a template reference"}}
	}

	info, err := g.store.FindByName(ctx, ref)
	if err != nil {
		// The gate never throws; surface lookup failures as a generic
		// validation error.
		g.log.Warn("template lookup failed", logx.String("template", ref), logx.Err(err))
		return Validation{Errors: []string{fmt.Sprintf("template %q could not be validated", ref)}}
	}
	if !info.Exists {
		return Validation{Errors: []string{fmt.Sprintf("template %q not found", ref)}}
	}
	if !info.Active {
		return Validation{Exists: true, Errors: []string{fmt.Sprintf("template %q is inactive", ref)}}
	}
	return Validation{Valid: true, Exists: true, Active: true}
}
