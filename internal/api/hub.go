package api

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/danmuck/serialsync/internal/link"
	"github.com/danmuck/serialsync/internal/logging"
)

const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventError        = "error"
	EventMessage      = "message"
	EventProgress     = "progress"
	EventFileRequest  = "file_request"
	EventFileReceived = "file_received"
)

// Event is one link event as streamed to HTTP clients.
type Event struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Hub fans link events out to subscribers. A subscriber whose buffer is full
// misses events rather than stalling the link's read loop.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	next   uint64
	buffer int
	save   bool
	logger zerolog.Logger

	saveFile func(link.ReceivedFile) (string, error)
	saving   sync.WaitGroup
}

// NewHub returns a hub with per-subscriber buffers of size buffer. When save
// is set, received files with a destination are written to disk.
func NewHub(buffer int, save bool) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		subs:   make(map[uint64]chan Event),
		buffer: buffer,
		save:   save,
		logger: logging.Component("hub"),

		saveFile: link.SaveReceived,
	}
}

func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Publish(typ string, data any) Event {
	ev := Event{
		ID:   uuid.NewString(),
		Type: typ,
		Time: time.Now().UTC(),
		Data: data,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Debug().Uint64("subscriber", id).Str("type", typ).Msg("subscriber full, event dropped")
		}
	}
	return ev
}

// RequestView is the JSON shape of an incoming file request.
type RequestView struct {
	SessionID          uint8  `json:"sessionId"`
	Name               string `json:"name"`
	Size               int64  `json:"size"`
	RequireConfirm     bool   `json:"requireConfirm"`
	DefaultDestination string `json:"defaultDestination"`
	Decided            bool   `json:"decided"`
	Accepted           bool   `json:"accepted"`
}

func viewRequest(f *link.IncomingFile) RequestView {
	return RequestView{
		SessionID:          f.SessionID,
		Name:               f.Meta.Name,
		Size:               f.Meta.Size,
		RequireConfirm:     f.Meta.RequireConfirm,
		DefaultDestination: f.DefaultDestination,
		Decided:            f.Decided(),
		Accepted:           f.Accepted(),
	}
}

// ReceivedView is the JSON shape of a completed inbound transfer.
type ReceivedView struct {
	SessionID   uint8  `json:"sessionId"`
	Name        string `json:"name,omitempty"`
	Destination string `json:"destination,omitempty"`
	Bytes       int    `json:"bytes"`
	Bare        bool   `json:"bare"`
	Saved       bool   `json:"saved"`
	Text        string `json:"text,omitempty"`
}

// maxInlineText bounds how much of a bare payload is echoed in an event.
const maxInlineText = 4096

// Handlers returns link callbacks that publish into the hub.
func (h *Hub) Handlers() link.Handlers {
	return link.Handlers{
		OnConnected: func(endpoint string) {
			h.Publish(EventConnected, map[string]string{"endpoint": endpoint})
		},
		OnDisconnected: func(err error) {
			data := map[string]string{}
			if err != nil {
				data["error"] = err.Error()
			}
			h.Publish(EventDisconnected, data)
		},
		OnError: func(err error) {
			h.Publish(EventError, map[string]string{"error": err.Error()})
		},
		OnMessage: func(payload []byte) {
			h.Publish(EventMessage, map[string]any{"text": string(payload), "bytes": len(payload)})
		},
		OnProgress: func(p link.Progress) {
			h.Publish(EventProgress, p)
		},
		OnFileRequest: func(f *link.IncomingFile) {
			h.Publish(EventFileRequest, viewRequest(f))
		},
		OnFileReceived: h.fileReceived,
	}
}

// fileReceived runs on the link's read loop, so disk writes happen on their
// own goroutine and file_received is published once the save settles.
func (h *Hub) fileReceived(f link.ReceivedFile) {
	view := ReceivedView{
		SessionID:   f.SessionID,
		Name:        f.Meta.Name,
		Destination: f.Destination,
		Bytes:       len(f.Data),
		Bare:        f.Bare,
	}
	if f.Bare && len(f.Data) <= maxInlineText {
		view.Text = string(f.Data)
	}
	if !h.save || f.Destination == "" {
		h.Publish(EventFileReceived, view)
		return
	}
	h.saving.Add(1)
	go func() {
		defer h.saving.Done()
		if _, err := h.saveFile(f); err != nil {
			h.logger.Error().Err(err).Str("destination", f.Destination).Msg("save received file failed")
			h.Publish(EventError, map[string]string{"error": err.Error()})
		} else {
			view.Saved = true
		}
		h.Publish(EventFileReceived, view)
	}()
}

// Wait blocks until every in-flight save has finished.
func (h *Hub) Wait() {
	h.saving.Wait()
}
