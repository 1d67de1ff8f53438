package notify

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/mahaj/connectify/pkg/metrics"
	"github.com/mahaj/connectify/pkg/model"
)

type Action struct {
	Action string
	Title  string
}

// Notification is a system notification as handed to a Notifier.
type Notification struct {
	Title    string
	Body     string
	Icon     string
	Tag      string
	URL      string
	Renotify bool
	Actions  []Action
}

type Notifier interface {
	Show(ctx context.Context, n Notification) error
}

// Closer is implemented by notifiers that can dismiss a shown notification.
type Closer interface {
	Dismiss(ctx context.Context, tag string) error
}

type Sound interface {
	Play(ctx context.Context) error
}

// Focuser brings the chat back to the foreground.
type Focuser interface {
	Focus(ctx context.Context, url string) error
}

// Visibility reports whether the chat is currently in view. It is set by the UI and
// doubles as a Focuser: focusing makes the chat visible.
type Visibility struct {
	visible atomic.Bool
}

func NewVisibility(visible bool) *Visibility {
	v := &Visibility{}
	v.visible.Store(visible)
	return v
}

func (v *Visibility) Visible() bool { return v.visible.Load() }

func (v *Visibility) SetVisible(visible bool) { v.visible.Store(visible) }

func (v *Visibility) Focus(context.Context, string) error {
	v.visible.Store(true)
	return nil
}

type DispatcherConfig struct {
	LocalID     string
	Permissions *Permissions
	Visibility  *Visibility

	Sound    Sound
	Notifier Notifier
	Focuser  Focuser

	Label   SenderLabel
	Icon    string
	URL     string
	Metrics *metrics.Core
}

type Dispatcher struct {
	cfg DispatcherConfig
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Label == nil {
		cfg.Label = DefaultLabel
	}
	if cfg.Permissions == nil {
		cfg.Permissions = NewPermissions(model.PermissionDefault, nil)
	}
	if cfg.Visibility == nil {
		cfg.Visibility = NewVisibility(true)
	}
	if cfg.Focuser == nil {
		cfg.Focuser = cfg.Visibility
	}
	return &Dispatcher{cfg: cfg}
}

// Dispatch applies the notification policy to one inbound message. Failures of the
// sound or the notifier are logged and never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, msg model.Message) Decision {
	dec := decide(d.cfg.Label, msg, d.cfg.LocalID, d.cfg.Permissions.State(), d.cfg.Visibility.Visible())

	if dec.PlaySound && d.cfg.Sound != nil {
		if err := d.cfg.Sound.Play(ctx); err != nil {
			log.Debug().Err(err).Msg("[notify] sound playback failed")
			d.cfg.Metrics.Notified("sound_failed")
		} else {
			d.cfg.Metrics.Notified("sound")
		}
	}

	if dec.ShowNotification && d.cfg.Notifier != nil {
		n := Notification{
			Title: dec.Title,
			Body:  dec.Body,
			Icon:  d.cfg.Icon,
			Tag:   Tag,
			URL:   d.cfg.URL,
		}
		if err := d.cfg.Notifier.Show(ctx, n); err != nil {
			log.Warn().Err(err).Msg("[notify] notification failed")
			d.cfg.Metrics.Notified("notification_failed")
		} else {
			d.cfg.Metrics.Notified("notification")
		}
	}
	return dec
}

// Click handles activation of a shown notification. The notification is always
// dismissed; a body click or the open action focuses the chat.
func (d *Dispatcher) Click(ctx context.Context, n Notification, action string) {
	Click(ctx, d.cfg.Notifier, d.cfg.Focuser, n, action)
}

// Click is the click handling shared by foreground and pushed notifications.
func Click(ctx context.Context, notifier Notifier, focuser Focuser, n Notification, action string) {
	if c, ok := notifier.(Closer); ok {
		if err := c.Dismiss(ctx, n.Tag); err != nil {
			log.Debug().Err(err).Msg("[notify] dismiss failed")
		}
	}
	if action != "" && action != ActionOpen {
		return
	}
	if focuser == nil {
		return
	}
	if err := focuser.Focus(ctx, n.URL); err != nil {
		log.Warn().Err(err).Msg("[notify] focus failed")
	}
}
