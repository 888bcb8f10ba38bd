package notify

import (
	"context"

	"github.com/picobot/picobot/errors"
)

// ErrUnknownChannel marks deliveries addressed to a channel with no
// registered sender. These dead-letter immediately rather than retry.
var ErrUnknownChannel = errors.New("unknown notification channel")

// Sender delivers one payload to a target over a concrete channel.
// Implementations must be safe for concurrent use; the queue fans out.
type Sender interface {
	// Name identifies the channel, matched against Record.Channel.
	Name() string
	// Send delivers the payload. A returned error marks the attempt
	// failed and schedules a retry.
	Send(ctx context.Context, target, payload string) error
}

// Registry is a closed set of senders keyed by channel name. Senders are
// registered at wiring time, before the queue starts; the registry is
// immutable afterwards which keeps lookups lock-free.
type Registry struct {
	senders map[string]Sender
}

func NewRegistry(senders ...Sender) *Registry {
	r := &Registry{senders: make(map[string]Sender, len(senders))}
	for _, s := range senders {
		r.senders[s.Name()] = s
	}
	return r
}

func (r *Registry) Lookup(channel string) (Sender, bool) {
	s, ok := r.senders[channel]
	return s, ok
}

func (r *Registry) Channels() []string {
	names := make([]string, 0, len(r.senders))
	for name := range r.senders {
		names = append(names, name)
	}
	return names
}
