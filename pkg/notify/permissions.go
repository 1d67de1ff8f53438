package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mahaj/connectify/pkg/model"
)

// DeniedAdvisory is shown while notifications are blocked. Chat keeps working.
const DeniedAdvisory = "Notifications are blocked. You will not be alerted about new messages while away."

// Prompter asks the user for notification permission.
type Prompter interface {
	Prompt(ctx context.Context) (model.Permission, error)
}

type PromptFunc func(ctx context.Context) (model.Permission, error)

func (f PromptFunc) Prompt(ctx context.Context) (model.Permission, error) {
	return f(ctx)
}

// StaticPrompter answers every prompt with p.
func StaticPrompter(p model.Permission) Prompter {
	return PromptFunc(func(context.Context) (model.Permission, error) { return p, nil })
}

// Permissions holds the process-wide notification permission. It only changes
// through a prompt.
type Permissions struct {
	prompter Prompter

	mu       sync.Mutex
	state    model.Permission
	autoDone bool
}

func NewPermissions(initial model.Permission, p Prompter) *Permissions {
	if initial == "" {
		initial = model.PermissionDefault
	}
	return &Permissions{prompter: p, state: initial}
}

func (p *Permissions) State() model.Permission {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// AutoRequest prompts on the first call of a session if the permission is still
// default. Every later call returns the current state without prompting.
func (p *Permissions) AutoRequest(ctx context.Context) model.Permission {
	p.mu.Lock()
	if p.autoDone || p.state != model.PermissionDefault {
		p.autoDone = true
		st := p.state
		p.mu.Unlock()
		return st
	}
	p.autoDone = true
	p.mu.Unlock()

	st, err := p.prompt(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("[notify] permission request failed")
	}
	return st
}

// Request is the user-triggered prompt. A decided permission is returned as is.
func (p *Permissions) Request(ctx context.Context) (model.Permission, error) {
	if st := p.State(); st != model.PermissionDefault {
		return st, nil
	}
	return p.prompt(ctx)
}

// Advisory is the banner text for the current permission, empty unless denied.
func (p *Permissions) Advisory() string {
	if p.State() == model.PermissionDenied {
		return DeniedAdvisory
	}
	return ""
}

func (p *Permissions) prompt(ctx context.Context) (model.Permission, error) {
	if p.prompter == nil {
		return p.State(), nil
	}
	st, err := p.prompter.Prompt(ctx)
	if err != nil {
		return p.State(), err
	}
	switch st {
	case model.PermissionGranted, model.PermissionDenied, model.PermissionDefault:
	default:
		st = model.PermissionDefault
	}

	p.mu.Lock()
	p.state = st
	p.mu.Unlock()
	log.Info().Str("permission", string(st)).Msg("[notify] permission updated")
	return st, nil
}
