package link

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/serialsync/internal/protocol/session"
)

// Handlers receive link activity. Callbacks run on the read loop or, for
// outbound progress, on the sending goroutine; they must not block. Decisions
// on an IncomingFile may be made later from any goroutine.
type Handlers struct {
	OnConnected    func(endpoint string)
	OnDisconnected func(err error)
	OnError        func(err error)
	OnMessage      func(payload []byte)
	OnProgress     func(p Progress)
	OnFileRequest  func(f *IncomingFile)
	OnFileReceived func(f ReceivedFile)
}

type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// Progress is emitted after every acknowledged (send) or stored (receive)
// chunk, and once more with Done set when a transfer finishes.
type Progress struct {
	Direction    Direction     `json:"direction"`
	SessionID    uint8         `json:"sessionId"`
	Seq          uint16        `json:"seq"`
	Total        int           `json:"total"`
	Percent      float64       `json:"percent"`
	Speed        float64       `json:"speed"`
	Retries      int           `json:"retries"`
	TotalRetries int           `json:"totalRetries"`
	LostBlocks   int           `json:"lostBlocks"`
	Bytes        int           `json:"bytes"`
	ETA          time.Duration `json:"eta"`
	Done         bool          `json:"done"`
}

// TransferReport summarizes a completed outbound transfer.
type TransferReport struct {
	TransferID   string        `json:"transferId"`
	SessionID    uint8         `json:"sessionId"`
	Total        int           `json:"total"`
	Bytes        int           `json:"bytes"`
	TotalRetries int           `json:"totalRetries"`
	LostBlocks   int           `json:"lostBlocks"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Speed is the average payload throughput in bytes per second.
func (r TransferReport) Speed() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Bytes) / r.Elapsed.Seconds()
}

// ReceivedFile is a fully reassembled inbound payload. Bare transfers carry
// no metadata and no destination.
type ReceivedFile struct {
	SessionID   uint8
	Meta        session.FileMeta
	Destination string
	Data        []byte
	Bare        bool
	Elapsed     time.Duration
}

// SaveReceived writes f to its destination, creating parent directories.
func SaveReceived(f ReceivedFile) (string, error) {
	if strings.TrimSpace(f.Destination) == "" {
		return "", fmt.Errorf("link: session %d has no destination", f.SessionID)
	}
	if err := os.MkdirAll(filepath.Dir(f.Destination), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(f.Destination, f.Data, 0o644); err != nil {
		return "", err
	}
	return f.Destination, nil
}

// IncomingFile is a file request waiting for Accept or Reject.
type IncomingFile struct {
	SessionID          uint8
	Meta               session.FileMeta
	DefaultDestination string
	ReceivedAt         time.Time

	link *Link
	conn *conn

	mu          sync.Mutex
	decided     bool
	expired     bool
	accepted    bool
	destination string
}

// Accept creates the receive session and answers with FileAccept. An empty
// destination uses DefaultDestination.
func (f *IncomingFile) Accept(destination string) error {
	return f.link.decide(f, true, destination, "")
}

// Reject answers with FileReject carrying reason.
func (f *IncomingFile) Reject(reason string) error {
	return f.link.decide(f, false, "", reason)
}

func (f *IncomingFile) Decided() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.decided
}

func (f *IncomingFile) Accepted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepted
}

func (f *IncomingFile) Destination() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destination
}

func (l *Link) handlers() Handlers {
	l.hmu.RLock()
	defer l.hmu.RUnlock()
	return l.h
}

// SetHandlers replaces the callbacks.
func (l *Link) SetHandlers(h Handlers) {
	l.hmu.Lock()
	l.h = h
	l.hmu.Unlock()
}

func (l *Link) emitConnected(endpoint string) {
	if fn := l.handlers().OnConnected; fn != nil {
		fn(endpoint)
	}
}

func (l *Link) emitDisconnected(err error) {
	if fn := l.handlers().OnDisconnected; fn != nil {
		fn(err)
	}
}

func (l *Link) emitError(err error) {
	l.logger.Warn().Err(err).Msg("link error")
	if fn := l.handlers().OnError; fn != nil {
		fn(err)
	}
}

func (l *Link) emitMessage(payload []byte) {
	if fn := l.handlers().OnMessage; fn != nil {
		fn(payload)
	}
}

func (l *Link) emitProgress(p Progress) {
	l.mu.Lock()
	l.speed = p.Speed
	l.mu.Unlock()
	if fn := l.handlers().OnProgress; fn != nil {
		fn(p)
	}
}

func (l *Link) emitFileRequest(f *IncomingFile) {
	if fn := l.handlers().OnFileRequest; fn != nil {
		fn(f)
	}
}

func (l *Link) emitFileReceived(f ReceivedFile) {
	if fn := l.handlers().OnFileReceived; fn != nil {
		fn(f)
	}
}
