// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/OffchainLabs/optimist/blob/master/LICENSE

package challenge

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	pkgerrors "github.com/pkg/errors"
	flag "github.com/spf13/pflag"

	"github.com/offchainlabs/optimist/util/stopwaiter"
)

const (
	// envelope types on the wire to the signing agent
	EnvelopeCommit    = "commit"
	EnvelopeChallenge = "challenge"

	// message type from the agent confirming a commit transaction mined
	confirmationType = "confirmation"
)

// Envelope is one message to the remote signing agent.
type Envelope struct {
	Type    string        `json:"type"`
	Payload hexutil.Bytes `json:"payload"`
}

// AgentChannel is the duplex channel to the remote signing agent. Readiness
// is observable and may change asynchronously; Send fails immediately when
// the channel is closed, the caller owns the retry policy.
type AgentChannel interface {
	IsOpen() bool
	Send(ctx context.Context, env Envelope) error
	// Confirmations delivers the commit hash of each commit transaction
	// the agent reports as mined.
	Confirmations() <-chan common.Hash
}

type WSChannelConfig struct {
	URL         string        `koanf:"url"`
	Timeout     time.Duration `koanf:"timeout"`
	IdleTimeout time.Duration `koanf:"idle-timeout"`
}

func WSChannelConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.String(prefix+".url", DefaultWSChannelConfig.URL, "websocket URL of the challenge signing agent")
	f.Duration(prefix+".timeout", DefaultWSChannelConfig.Timeout, "duration to wait before timing out connection to the signing agent")
	f.Duration(prefix+".idle-timeout", DefaultWSChannelConfig.IdleTimeout, "duration without agent traffic before the connection is considered dead")
}

var DefaultWSChannelConfig = WSChannelConfig{
	URL:         "",
	Timeout:     10 * time.Second,
	IdleTimeout: 60 * time.Second,
}

// WSAgentChannel is the websocket implementation of AgentChannel. It keeps
// one connection to the agent, reconnecting with a growing delay, and runs a
// background reader that surfaces commit confirmations.
type WSAgentChannel struct {
	stopwaiter.StopWaiter

	config WSChannelConfig

	connMutex sync.Mutex
	conn      net.Conn

	confirmations chan common.Hash
}

func NewWSAgentChannel(config WSChannelConfig) *WSAgentChannel {
	return &WSAgentChannel{
		config:        config,
		confirmations: make(chan common.Hash, 16),
	}
}

func (c *WSAgentChannel) Start(ctxIn context.Context) {
	c.StopWaiter.Start(ctxIn, c)
	c.LaunchThread(func(ctx context.Context) {
		for {
			if err := c.connect(ctx); err == nil {
				c.backgroundRead(ctx)
			} else if ctx.Err() != nil {
				return
			} else {
				log.Warn("failed to connect to signing agent, waiting and retrying", "url", c.config.URL, "err", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	})
}

func (c *WSAgentChannel) connect(ctx context.Context) error {
	dialer := ws.Dialer{Timeout: c.config.Timeout}
	conn, _, _, err := dialer.Dial(ctx, c.config.URL)
	if err != nil {
		return pkgerrors.Wrap(err, "unable to connect to signing agent")
	}
	c.connMutex.Lock()
	c.conn = conn
	c.connMutex.Unlock()
	log.Info("connected to challenge signing agent", "url", c.config.URL)
	return nil
}

type agentMessage struct {
	Type       string      `json:"type"`
	CommitHash common.Hash `json:"commitHash"`
}

// backgroundRead consumes agent messages until the connection dies.
func (c *WSAgentChannel) backgroundRead(ctx context.Context) {
	defer c.dropConn()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn := c.currentConn()
		if conn == nil {
			return
		}
		if c.config.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.config.IdleTimeout))
		}
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			log.Error("error reading from signing agent", "url", c.config.URL, "err", err)
			return
		}
		var msg agentMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Error("error unmarshalling agent message", "msg", string(data), "err", err)
			continue
		}
		if msg.Type != confirmationType {
			log.Debug("ignoring agent message", "type", msg.Type)
			continue
		}
		select {
		case c.confirmations <- msg.CommitHash:
		case <-ctx.Done():
			return
		}
	}
}

func (c *WSAgentChannel) currentConn() net.Conn {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()
	return c.conn
}

func (c *WSAgentChannel) dropConn() {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *WSAgentChannel) IsOpen() bool {
	return c.currentConn() != nil
}

func (c *WSAgentChannel) Send(_ context.Context, env Envelope) error {
	data, err := json.Marshal(&env)
	if err != nil {
		return pkgerrors.Wrap(err, "unable to marshal agent envelope")
	}
	c.connMutex.Lock()
	defer c.connMutex.Unlock()
	if c.conn == nil {
		return pkgerrors.New("agent channel is not open")
	}
	return wsutil.WriteClientText(c.conn, data)
}

func (c *WSAgentChannel) Confirmations() <-chan common.Hash {
	return c.confirmations
}

func (c *WSAgentChannel) StopAndWait() {
	c.StopWaiter.StopAndWait()
	c.dropConn()
}
