package room

import "time"

// Options tunes persistence and session buffering. Zero fields take the
// defaults below.
type Options struct {
	// SaveInterval is the debounce delay between the first unsaved edit and
	// the save it triggers.
	SaveInterval time.Duration
	SaveTimeout  time.Duration
	// DrainRetries is how many times a failed final save is retried before
	// the snapshot is parked as an orphan. Negative disables retries.
	DrainRetries int
	DrainBackoff time.Duration
	// SendQueue is the per-session outbound frame buffer. A session that
	// falls this far behind is disconnected.
	SendQueue   int
	MailboxSize int
	// EmptyGrace evicts a room nobody managed to attach to.
	EmptyGrace          time.Duration
	LoadTimeout         time.Duration
	OrphanRetryInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.SaveInterval <= 0 {
		o.SaveInterval = 10 * time.Second
	}
	if o.SaveTimeout <= 0 {
		o.SaveTimeout = 30 * time.Second
	}
	if o.DrainRetries == 0 {
		o.DrainRetries = 3
	}
	if o.DrainRetries < 0 {
		o.DrainRetries = 0
	}
	if o.DrainBackoff <= 0 {
		o.DrainBackoff = 250 * time.Millisecond
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 64
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = 256
	}
	if o.EmptyGrace <= 0 {
		o.EmptyGrace = 30 * time.Second
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = 15 * time.Second
	}
	if o.OrphanRetryInterval <= 0 {
		o.OrphanRetryInterval = time.Minute
	}
	return o
}
