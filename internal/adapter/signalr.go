package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
)

// signalrRecordSep terminates every frame in the SignalR text protocol.
const signalrRecordSep = 0x1e

// signalrAdapter consumes a SignalR-style streaming hub: JSON handshake,
// then invocation messages whose target matches the configured method,
// each carrying arrays of vessel rows.
type signalrAdapter struct {
	*base
}

type signalrMessage struct {
	Type      int               `json:"type"`
	Target    string            `json:"target"`
	Arguments []json.RawMessage `json:"arguments"`
}

const (
	signalrTypeInvocation = 1
	signalrTypePing       = 6
)

func (a *signalrAdapter) Start(ctx context.Context) error {
	return a.start(ctx, a.session)
}

func (a *signalrAdapter) session(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, a.feed.URL, &websocket.DialOptions{
		HTTPHeader: headerFromFeed(a.feed.Headers),
	})
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.feed.URL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(int64(a.opts.MaxBatchBytes) * 2)

	handshake := append([]byte(`{"protocol":"json","version":1}`), signalrRecordSep)
	if err := conn.Write(ctx, websocket.MessageText, handshake); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	// The handshake response is an empty object (or an error report).
	_, frame, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("handshake read: %w", err)
	}
	var hs struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(bytes.TrimRight(frame, string(rune(signalrRecordSep))), &hs); err == nil && hs.Error != "" {
		return fmt.Errorf("handshake rejected: %s", hs.Error)
	}
	a.markConnected()

	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		for _, part := range bytes.Split(frame, []byte{signalrRecordSep}) {
			if len(bytes.TrimSpace(part)) == 0 {
				continue
			}
			a.handleMessage(ctx, conn, part, len(frame))
		}
	}
}

func (a *signalrAdapter) handleMessage(ctx context.Context, conn *websocket.Conn, part []byte, frameBytes int) {
	var msg signalrMessage
	if err := json.Unmarshal(part, &msg); err != nil {
		a.countParseError(err)
		return
	}
	switch msg.Type {
	case signalrTypePing:
		ping := append([]byte(`{"type":6}`), signalrRecordSep)
		_ = conn.Write(ctx, websocket.MessageText, ping)
	case signalrTypeInvocation:
		if msg.Target != a.feed.Method {
			return
		}
		for _, arg := range msg.Arguments {
			records, err := decodeRows(arg)
			if err != nil {
				a.countParseError(err)
				continue
			}
			a.emitRecords(a.truncateBatch(records, frameBytes))
		}
	}
}

// decodeRows accepts an array of rows, a single row object, or a JSON string
// wrapping either.
func decodeRows(arg json.RawMessage) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(arg)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, err
		}
		return decodeObjectOrArray([]byte(inner))
	}
	return decodeObjectOrArray(trimmed)
}
