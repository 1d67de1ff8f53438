package push

import (
	"context"

	"github.com/mahaj/connectify/pkg/model"
)

const (
	DefaultScriptURL = "/sw.js"
	DefaultScope     = "/"
)

type Capabilities struct {
	Worker bool
	Push   bool
}

// Registration is a background worker registration.
type Registration struct {
	ID        string `json:"id"`
	ScriptURL string `json:"scriptUrl"`
	Scope     string `json:"scope"`
	Active    bool   `json:"active"`
}

type SubscribeOptions struct {
	UserVisibleOnly      bool
	ApplicationServerKey []byte
}

// Platform is the host's background worker and push service. Lookups return a nil
// value and no error when nothing exists yet.
type Platform interface {
	Supported() Capabilities
	Registration(ctx context.Context) (*Registration, error)
	Register(ctx context.Context, scriptURL, scope string) (*Registration, error)
	// Ready blocks until reg is activated.
	Ready(ctx context.Context, reg *Registration) (*Registration, error)
	Subscription(ctx context.Context, reg *Registration) (*model.PushSubscription, error)
	Subscribe(ctx context.Context, reg *Registration, opts SubscribeOptions) (model.PushSubscription, error)
	Unsubscribe(ctx context.Context, sub model.PushSubscription) error
	PermissionState() model.Permission
}
