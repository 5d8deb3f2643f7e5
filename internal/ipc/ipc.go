package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	log "log/slog"
	"net"
	"os"
	"time"

	"halo/internal/alerts"
	"halo/internal/reflex"
)

const (
	SocketPath = "/tmp/halo.sock"

	CmdToggle   = "toggle"
	CmdStatus   = "status"
	CmdAlerts   = "alerts"
	CmdClear    = "clear"
	CmdReselect = "reselect"
)

const ioTimeout = 5 * time.Second

type ControlMessage struct {
	Cmd string `json:"cmd"`
}

type Reply struct {
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	Status *reflex.Status `json:"status,omitempty"`
	Alerts []alerts.Entry `json:"alerts,omitempty"`
}

func Errorf(format string, args ...any) Reply {
	return Reply{Error: fmt.Sprintf(format, args...)}
}

// StartServer serves one JSON request and one JSON reply per connection on
// a unix socket until ctx is done.
func StartServer(ctx context.Context, path string, handler func(ControlMessage) Reply) error {
	if path == "" {
		path = SocketPath
	}
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
		os.Remove(path)
	}()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				log.Warn("Accept failed", "err", err)
				continue
			}
			go handleConn(conn, handler)
		}
	}()

	return nil
}

func handleConn(conn net.Conn, handler func(ControlMessage) Reply) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(ioTimeout))

	var msg ControlMessage
	dec := json.NewDecoder(conn)
	if err := dec.Decode(&msg); err != nil {
		log.Debug("Bad control message", "err", err)
		return
	}

	log.Debug("Control command", "cmd", msg.Cmd)
	if err := json.NewEncoder(conn).Encode(handler(msg)); err != nil {
		log.Debug("Failed to reply", "err", err)
	}
}

func SendCommand(path, cmd string) (Reply, error) {
	if path == "" {
		path = SocketPath
	}

	conn, err := net.DialTimeout("unix", path, ioTimeout)
	if err != nil {
		return Reply{}, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(ioTimeout))

	enc := json.NewEncoder(conn)
	if err := enc.Encode(ControlMessage{Cmd: cmd}); err != nil {
		return Reply{}, fmt.Errorf("send: %w", err)
	}

	var reply Reply
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return Reply{}, fmt.Errorf("read reply: %w", err)
	}
	if reply.Error != "" {
		return reply, errors.New(reply.Error)
	}
	return reply, nil
}
