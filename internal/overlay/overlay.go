package overlay

import (
	"context"
	log "log/slog"
	"strconv"
	"sync"

	"halo/internal/reflex"
	"halo/pkg/protocol"
)

const (
	DefaultShard  = "halo"
	DefaultTarget = "overlay"
)

// Commands is what a remote UI may ask of the guardian.
type Commands interface {
	Toggle()
	ClearAlerts()
	Status() reflex.Status
}

type Config struct {
	Url    string
	Shard  string
	Target string
}

// Client mirrors the danger signal and status line to a websocket hub and
// accepts TOGGLE/CLEAR/GET frames from it. The signal is one-way: nothing
// the hub says about danger is read back.
//
// SetDanger and Status only record the latest value; Run writes it out, so a
// stalled hub never holds up the caller. Intermediate values may be skipped.
type Client struct {
	ptcl     *protocol.Protocol
	target   string
	transmit func(protocol.Message) error
	dirty    chan struct{}

	mu     sync.Mutex
	cmds   Commands
	danger bool
	status string

	// guarded by sendMu, describes what the current connection has seen
	sendMu sync.Mutex
	synced bool
	sent   shown
}

type shown struct {
	danger bool
	status string
}

func New(cfg Config) *Client {
	if cfg.Shard == "" {
		cfg.Shard = DefaultShard
	}
	if cfg.Target == "" {
		cfg.Target = DefaultTarget
	}

	c := &Client{target: cfg.Target, dirty: make(chan struct{}, 1)}
	c.ptcl = protocol.NewProtocol(protocol.PtclConfig{
		Shard:     cfg.Shard,
		Url:       cfg.Url,
		EmitOut:   c.handle,
		OnConnect: c.resync,
	})
	c.transmit = c.ptcl.Transmit
	return c
}

// Bind routes incoming commands to cmds.
func (c *Client) Bind(cmds Commands) {
	c.mu.Lock()
	c.cmds = cmds
	c.mu.Unlock()
}

func (c *Client) Run(ctx context.Context) error {
	go c.pump(ctx)
	return c.ptcl.Run(ctx)
}

func (c *Client) SetDanger(on bool) {
	c.mu.Lock()
	c.danger = on
	c.mu.Unlock()
	c.markDirty()
}

func (c *Client) Status(msg string) {
	c.mu.Lock()
	c.status = msg
	c.mu.Unlock()
	c.markDirty()
}

// Preview is not forwarded; live transcripts stay on this machine.
func (c *Client) Preview(string) {}

func (c *Client) markDirty() {
	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

func (c *Client) current() shown {
	c.mu.Lock()
	defer c.mu.Unlock()
	return shown{danger: c.danger, status: c.status}
}

// pump writes state changes until ctx is done.
func (c *Client) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.dirty:
			c.flush()
		}
	}
}

// flush sends whatever the connection has not seen yet. Without a synced
// connection it does nothing; resync covers the next connect.
func (c *Client) flush() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.synced {
		return
	}

	want := c.current()
	if want.danger != c.sent.danger {
		if err := c.transmit(c.dangerFrame(want.danger)); err != nil {
			c.desync(err)
			return
		}
		c.sent.danger = want.danger
	}
	if want.status != "" && want.status != c.sent.status {
		if err := c.transmit(c.statusFrame(want.status)); err != nil {
			c.desync(err)
			return
		}
		c.sent.status = want.status
	}
}

func (c *Client) desync(err error) {
	log.Debug("Overlay frame dropped", "err", err)
	c.synced = false
}

// resync replays the last known state to a fresh connection.
func (c *Client) resync(send func(protocol.Message) error) {
	c.sendMu.Lock()
	defer c.markDirty()
	defer c.sendMu.Unlock()

	c.synced = false
	want := c.current()
	if err := send(c.dangerFrame(want.danger)); err != nil {
		log.Debug("Overlay replay failed", "err", err)
		return
	}
	if want.status != "" {
		if err := send(c.statusFrame(want.status)); err != nil {
			log.Debug("Overlay replay failed", "err", err)
			return
		}
	}
	c.sent = want
	c.synced = true
}

func (c *Client) dangerFrame(on bool) protocol.Message {
	return protocol.Message{To: c.target, Verb: "SET", Noun: "DANGER", Args: []string{onOff(on)}}
}

func (c *Client) statusFrame(msg string) protocol.Message {
	return protocol.Message{To: c.target, Verb: "SET", Noun: "STATUS", Args: []string{protocol.Token(msg)}}
}

func (c *Client) reply(m protocol.Message) {
	if err := c.ptcl.Transmit(m); err != nil {
		log.Debug("Overlay reply dropped", "noun", m.Noun, "err", err)
	}
}

func (c *Client) handle(msg *protocol.Message) {
	c.mu.Lock()
	cmds := c.cmds
	c.mu.Unlock()

	reply := msg.Reply()
	switch {
	case cmds == nil:
		reply.Error("NOT_READY")

	case msg.Verb == "TOGGLE" && msg.Noun == "GUARDIAN":
		cmds.Toggle()
		reply.Ok("GUARDIAN")

	case msg.Verb == "CLEAR" && msg.Noun == "ALERTS":
		cmds.ClearAlerts()
		reply.Ok("ALERTS")

	case msg.Verb == "GET" && msg.Noun == "STATUS":
		st := cmds.Status()
		reply.Ok("STATUS", st.State.String(), protocol.Token(st.Message), strconv.Itoa(st.Alerts))

	default:
		log.Warn("Unknown overlay command", "verb", msg.Verb, "noun", msg.Noun)
		reply.Error("UNKNOWN", msg.Verb, msg.Noun)
	}

	c.reply(reply)
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
