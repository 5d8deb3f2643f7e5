package protocol

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

var ErrNotConnected = errors.New("hub not connected")

type PtclConfig struct {
	Shard   string
	Url     string
	Reconn  time.Duration
	Timeout time.Duration
	EmitOut func(*Message)
	// OnConnect runs after every successful (re)connect, before Transmit can
	// use the new connection. send writes on that connection only.
	OnConnect func(send func(Message) error)
}

// Protocol speaks the colon separated hub frames:
//
//	TO:VERB:NOUN[:ARG...]:FROM
type Protocol struct {
	cfg PtclConfig

	mu sync.RWMutex
	ws *WebSocket
}

func NewProtocol(cfg PtclConfig) *Protocol {
	if cfg.Reconn <= 0 {
		cfg.Reconn = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Protocol{cfg: cfg}
}

func (ptcl *Protocol) Transmit(m Message) error {
	ptcl.mu.RLock()
	web := ptcl.ws
	ptcl.mu.RUnlock()

	if web == nil {
		return ErrNotConnected
	}
	return ptcl.write(web, m)
}

func (ptcl *Protocol) write(web *WebSocket, m Message) error {
	m.From = ptcl.cfg.Shard
	msg := m.String()

	if err := web.Write([]byte(msg)); err != nil {
		log.Error("Failed to transmit", "msg", msg, "err", err)
		return err
	}
	return nil
}

// Run keeps a connection to the hub alive and dispatches incoming frames
// addressed to this shard until ctx is done.
func (ptcl *Protocol) Run(ctx context.Context) error {
	for {
		web, err := ptcl.connect(ctx)
		if err != nil {
			return nil
		}

		ptcl.serve(ctx, web)

		ptcl.mu.Lock()
		ptcl.ws = nil
		ptcl.mu.Unlock()
		web.Close()

		if ctx.Err() != nil {
			return nil
		}
		log.Warn("Hub connection lost, reconnecting", "url", ptcl.cfg.Url)
	}
}

func (ptcl *Protocol) connect(ctx context.Context) (*WebSocket, error) {
	for {
		web, err := DialWebSocket(ctx, ptcl.cfg.Url, ptcl.cfg.Timeout)
		if err == nil {
			log.Info("Connected to hub", "url", ptcl.cfg.Url)
			if ptcl.cfg.OnConnect != nil {
				ptcl.cfg.OnConnect(func(m Message) error { return ptcl.write(web, m) })
			}

			ptcl.mu.Lock()
			ptcl.ws = web
			ptcl.mu.Unlock()
			return web, nil
		}
		log.Debug("Hub dial failed", "url", ptcl.cfg.Url, "err", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(ptcl.cfg.Reconn):
		}
	}
}

func (ptcl *Protocol) serve(ctx context.Context, web *WebSocket) {
	stop := context.AfterFunc(ctx, func() { web.Close() })
	defer stop()

	for {
		in := web.Read()
		switch in.kind {
		case CONN_CLOSE:
			return

		case READ_FAILURE:
			if ctx.Err() == nil {
				log.Error("Failed to read", "err", in.err)
			}
			return

		case READ_OK:
			if !ptcl.checkRecipient(in.msg) {
				continue
			}

			msg, err := Parse(string(in.msg))
			if err != nil {
				log.Warn("Failed to parse", "msg", string(in.msg), "err", err)
				continue
			}

			if ptcl.cfg.EmitOut != nil {
				ptcl.cfg.EmitOut(msg)
			}
		}
	}
}

func (ptcl *Protocol) checkRecipient(msg []byte) bool {
	to, _, _ := strings.Cut(string(msg), ":")
	return to == ptcl.cfg.Shard || to == "ALL"
}

func Parse(line string) (*Message, error) {
	s := strings.TrimSpace(line)
	if s == "" {
		return nil, errors.New("empty message")
	}
	if strings.ContainsAny(s, " \t\r\n") {
		// frames are single-line
		return nil, fmt.Errorf("invalid whitespace present")
	}
	parts := strings.Split(s, ":")
	if len(parts) < 4 {
		return nil, fmt.Errorf("too few fields: got %d, want >= 4", len(parts))
	}

	to := parts[0]
	verb := parts[1]
	noun := parts[2]
	from := parts[len(parts)-1]
	args := append([]string(nil), parts[3:len(parts)-1]...)

	if !isToken(to) && !isHexID(to) && to != "ALL" {
		return nil, fmt.Errorf("invalid TO token: %q", to)
	}
	if !isToken(from) && !isHexID(from) {
		return nil, fmt.Errorf("invalid FROM token: %q", from)
	}

	if !isToken(noun) || !isToken(verb) {
		return nil, fmt.Errorf("invalid NOUN/VERB: %q %q", noun, verb)
	}
	for i, a := range args {
		if !isToken(a) {
			return nil, fmt.Errorf("invalid ARG[%d]: %q", i, a)
		}
	}

	msg := &Message{
		To:   to,
		Verb: strings.ToUpper(verb),
		Noun: strings.ToUpper(noun),
		Args: args,
		From: from,
	}
	return msg, nil
}

var (
	tokenRe    = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	hexIDRe    = regexp.MustCompile(`^[0-9A-F]{2}$`)
	nonTokenRe = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)
)

func isToken(s string) bool {
	return tokenRe.MatchString(s)
}

func isHexID(s string) bool {
	return hexIDRe.MatchString(strings.ToUpper(s))
}

// Token squeezes free text into a single frame field.
func Token(s string) string {
	t := strings.Trim(nonTokenRe.ReplaceAllString(strings.TrimSpace(s), "_"), "_")
	if t == "" {
		return "-"
	}
	return t
}

type Message struct {
	To   string
	Verb string
	Noun string
	Args []string
	From string
}

func (m *Message) String() string {
	parts := make([]string, 0, 4+len(m.Args))
	parts = append(parts, m.To)
	parts = append(parts, m.Verb)
	parts = append(parts, m.Noun)
	parts = append(parts, m.Args...)
	parts = append(parts, m.From)
	return strings.Join(parts, ":")
}

func (m *Message) Error(reason string, args ...string) {
	m.Verb = "ERR"
	m.Noun = reason
	m.Args = args
}

func (m *Message) Ok(reason string, args ...string) {
	m.Verb = "OK"
	m.Noun = reason
	m.Args = args
}

// Reply addresses a response back to the sender of m.
func (m *Message) Reply() Message {
	return Message{To: m.From, Verb: m.Verb, Noun: m.Noun}
}
