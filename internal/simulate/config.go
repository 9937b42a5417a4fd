package simulate

import (
	"time"

	service "github.com/okian/resonance/internal/app"
	"github.com/okian/resonance/internal/domain/clocksync"
	"github.com/okian/resonance/pkg/logger"
)

// Config holds configuration for a multi-client run.
type Config struct {
	BaseURL   string        // Base URL of the reference server
	Token     string        // Bearer token, may be empty
	Clients   int           // Number of simulated clients
	MaxSkew   time.Duration // Local clock skews are spread over [-MaxSkew, +MaxSkew]
	Duration  time.Duration // How long every client plays before results are taken
	Tolerance time.Duration // Largest accepted spread of start instants
	Session   service.SessionParams
	Base      service.ClientConfig // Template for every client; URL, token, id and clock are overwritten
	Logger    logger.Logger
}

// ClientResult is the state of one client at the end of a run.
type ClientResult struct {
	ID      string
	Skew    time.Duration
	Offset  time.Duration
	RTT     time.Duration
	Quality clocksync.Quality
	State   service.State
	StartAt time.Time // reference time

	// StartError is how far the client's audible start lands from StartAt in
	// true time. It is the residual of the offset estimate against the
	// injected skew.
	StartError  time.Duration
	LastDriftMs float64
	PeerDriftMs float64
	Detune      float64
	Peers       int
}

// Report summarises a run.
type Report struct {
	SessionID   string
	Clients     []ClientResult
	StartSpread time.Duration
	Aligned     bool
	Duration    time.Duration
}
