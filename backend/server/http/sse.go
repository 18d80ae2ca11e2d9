package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adwski/presence-relay/backend/model"
)

var lineBreaks = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// eventStream frames presence events as text/event-stream.
type eventStream struct {
	w            http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration
}

func newEventStream(w http.ResponseWriter, writeTimeout time.Duration) *eventStream {
	return &eventStream{
		w:            w,
		rc:           http.NewResponseController(w),
		writeTimeout: writeTimeout,
	}
}

// open sends stream headers and the reconnect hint.
func (es *eventStream) open(retry time.Duration) error {
	h := es.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-store")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	h.Set("X-Accel-Buffering", "no")
	h.Set("Access-Control-Allow-Origin", "*")
	es.w.WriteHeader(http.StatusOK)
	return es.write("retry: " + strconv.FormatInt(retry.Milliseconds(), 10) + "\n\n")
}

func (es *eventStream) WriteEvent(ev model.Event) error {
	return es.write(formatEvent(ev))
}

func (es *eventStream) WriteKeepalive() error {
	return es.write(formatEvent(model.Event{Type: model.EventTypeKeepalive}))
}

func (es *eventStream) write(frame string) error {
	if err := es.rc.SetWriteDeadline(time.Now().Add(es.writeTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := io.WriteString(es.w, frame); err != nil {
		return err
	}
	if err := es.rc.Flush(); err != nil {
		return err
	}
	// writes are sparse, an expired deadline would break the next keepalive
	if err := es.rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// formatEvent renders one event, multi-line data becomes several data fields.
func formatEvent(ev model.Event) string {
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(ev.Type)
	b.WriteByte('\n')
	for _, line := range strings.Split(lineBreaks.Replace(ev.Data), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.String()
}
