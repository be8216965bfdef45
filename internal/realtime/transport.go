package realtime

import (
	"context"

	"github.com/prudhvinik1/mealstock/internal/models"
)

type ChannelStatus string

const (
	StatusSubscribed   ChannelStatus = "SUBSCRIBED"
	StatusChannelError ChannelStatus = "CHANNEL_ERROR"
	StatusTimedOut     ChannelStatus = "TIMED_OUT"
	StatusClosed       ChannelStatus = "CLOSED"
)

type ChannelOptions struct {
	// PresenceKey enables presence on the channel under this key.
	PresenceKey string
}

// Channel is one named channel on the backend realtime service. Callbacks
// must be registered before Subscribe and are invoked from the transport's
// delivery goroutine, in arrival order.
type Channel interface {
	Name() string
	OnChange(topic string, kind models.EventKind, cb func(models.ChangeEvent))
	OnPresence(cb func(models.PresenceEvent))
	Subscribe(onStatus func(status ChannelStatus, err error))
	Track(ctx context.Context, record models.PresenceRecord) error
	PresenceState() map[string][]models.PresenceRecord
}

type Transport interface {
	OpenChannel(name string, opts ChannelOptions) Channel
	RemoveChannel(ch Channel) error
	Close() error
}

// Connector dials the realtime service for an authenticated user.
type Connector interface {
	Connect(ctx context.Context, accessToken string) (Transport, error)
}
