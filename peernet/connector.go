package peernet

import (
	"fmt"
	"time"

	"github.com/distcodep7/peerlock/handshake"
	"github.com/distcodep7/peerlock/shutdown"
	"github.com/distcodep7/peerlock/tracelog"
	"go.uber.org/zap"
)

// Connector dials every configured peer Location (the caller excludes
// self) and, on each successful handshake, hands the link to Manager.
// On any dial/handshake failure it reports the error and signals shutdown,
// per spec.md §4.4: "On any failure emits an error and signals shutdown."
type Connector struct {
	selfID       byte
	password     string
	timeout      time.Duration
	retryTimeout time.Duration
	manager      *Manager
	logger       *tracelog.Logger
	token        *shutdown.Token
}

// NewConnector builds a Connector bound to manager and token.
func NewConnector(selfID byte, password string, timeout, retryTimeout time.Duration, manager *Manager, logger *tracelog.Logger, token *shutdown.Token) *Connector {
	return &Connector{
		selfID:       selfID,
		password:     password,
		timeout:      timeout,
		retryTimeout: retryTimeout,
		manager:      manager,
		logger:       logger,
		token:        token,
	}
}

// Start spawns one dialer goroutine per Location and returns immediately.
func (c *Connector) Start(locs []Location) {
	for _, loc := range locs {
		go c.dialOne(loc)
	}
}

func (c *Connector) dialOne(loc Location) {
	ctx, cancel := c.token.Context()
	defer cancel()

	est, err := handshake.Dial(ctx, loc.Addr(), c.selfID, c.password, c.timeout, c.retryTimeout, 0)
	if err != nil {
		wrapped := fmt.Errorf("peernet: connect to %s: %w", loc.Addr(), err)
		if c.logger != nil {
			c.logger.Error("connector: dial failed", zap.String("addr", loc.Addr()), zap.Error(err))
		}
		c.manager.ReportError(wrapped)
		c.token.Stop()
		return
	}

	if c.logger != nil {
		c.logger.Info("connector: peer dialled", zap.String("addr", loc.Addr()), zap.Uint8("peer_id", est.PeerID))
	}
	c.manager.HandleClientConnection(est, loc)
}
