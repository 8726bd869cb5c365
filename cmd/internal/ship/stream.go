package ship

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/dcSpark/urbit-visor/cmd/internal/fault"
)

// Channel response kinds.
const (
	ResponsePoke      = "poke"
	ResponseSubscribe = "subscribe"
	ResponseDiff      = "diff"
	ResponseQuit      = "quit"
)

const maxEventBytes = 8 << 20

// Event is one channel event.
//
// EventID is the SSE id to ack; ActionID correlates it to the poke or
// subscribe action that caused it.
type Event struct {
	EventID  int64
	ActionID int64
	Response string
	OK       bool
	Err      string
	JSON     json.RawMessage
	Mark     string
}

type wireEvent struct {
	ID       int64           `json:"id"`
	Response string          `json:"response"`
	Err      json.RawMessage `json:"err"`
	JSON     json.RawMessage `json:"json"`
	Mark     string          `json:"mark"`
}

// EventStream reads server-sent events from an open channel stream.
// Next is not safe for concurrent use; Close may be called from any goroutine.
type EventStream struct {
	body io.ReadCloser
	r    *bufio.Reader

	closeOnce sync.Once
}

func newEventStream(body io.ReadCloser) *EventStream {
	return &EventStream{body: body, r: bufio.NewReaderSize(body, 64<<10)}
}

// Next blocks for the next event. A clean end of stream returns io.EOF;
// read failures are reported as fault.ErrTransport.
func (s *EventStream) Next() (Event, error) {
	const op = "ship.Stream"

	var (
		id   int64
		data bytes.Buffer
	)
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && line == "" && data.Len() == 0 {
				return Event{}, io.EOF
			}
			return Event{}, fault.E(op, fault.ErrTransport, "event stream interrupted")
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if data.Len() == 0 {
				continue
			}
			return decodeEvent(id, data.Bytes())
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				id = n
			}
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			if data.Len() > maxEventBytes {
				return Event{}, fault.E(op, fault.ErrTransport, "event too large")
			}
		}
	}
}

// Close releases the underlying connection and unblocks Next.
func (s *EventStream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.body.Close() })
	return err
}

func decodeEvent(eventID int64, data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fault.E("ship.Stream", fault.ErrTransport, "malformed channel event")
	}
	ev := Event{
		EventID:  eventID,
		ActionID: w.ID,
		Response: w.Response,
		JSON:     w.JSON,
		Mark:     w.Mark,
	}
	if len(w.Err) > 0 && string(w.Err) != "null" {
		ev.Err = errText(w.Err)
	} else {
		ev.OK = true
	}
	return ev, nil
}

// errText flattens the ship's err payload (a string or a tang array) into one line.
func errText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []string
	if err := json.Unmarshal(raw, &parts); err == nil {
		return strings.Join(parts, "\n")
	}
	return string(raw)
}
