package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// wsAdapter consumes a vendor AIS WebSocket stream. The subscription filter
// is sent once per open; frames carry a single object or an array of them.
type wsAdapter struct {
	*base
}

func (a *wsAdapter) Start(ctx context.Context) error {
	return a.start(ctx, a.session)
}

func (a *wsAdapter) session(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, a.feed.URL, &websocket.DialOptions{
		HTTPHeader: headerFromFeed(a.feed.Headers),
	})
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.feed.URL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(int64(a.opts.MaxBatchBytes) * 2)

	if err := a.subscribe(ctx, conn); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	a.markConnected()

	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		records, err := decodeObjectOrArray(frame)
		if err != nil {
			a.countParseError(err)
			continue
		}
		a.emitRecords(a.truncateBatch(records, len(frame)))
	}
}

// subscribe sends the bbox and message-type filter, once per open.
func (a *wsAdapter) subscribe(ctx context.Context, conn *websocket.Conn) error {
	sub := map[string]any{}
	if len(a.feed.BBox) == 4 {
		// Vendor order: [[lat, lon] south-west, [lat, lon] north-east].
		sub["BoundingBoxes"] = [][][2]float64{{
			{a.feed.BBox[1], a.feed.BBox[0]},
			{a.feed.BBox[3], a.feed.BBox[2]},
		}}
	}
	if len(a.feed.MessageTypes) > 0 {
		sub["FilterMessageTypes"] = a.feed.MessageTypes
	}
	if len(sub) == 0 {
		return nil
	}
	payload, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

func headerFromFeed(headers map[string]string) http.Header {
	if len(headers) == 0 {
		return nil
	}
	h := make(http.Header, len(headers))
	for k, v := range headers {
		h.Set(k, v)
	}
	return h
}

// decodeObjectOrArray tolerates both frame shapes upstreams use.
func decodeObjectOrArray(frame []byte) ([]map[string]any, error) {
	for _, c := range frame {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			var arr []map[string]any
			if err := json.Unmarshal(frame, &arr); err != nil {
				return nil, err
			}
			return arr, nil
		default:
			var obj map[string]any
			if err := json.Unmarshal(frame, &obj); err != nil {
				return nil, err
			}
			return []map[string]any{obj}, nil
		}
	}
	return nil, fmt.Errorf("empty frame")
}
