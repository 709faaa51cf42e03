package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/serialsync/internal/link"
	"github.com/danmuck/serialsync/internal/logging"
)

type connectRequest struct {
	Port string `json:"port"`
}

type sendRequest struct {
	Data      string `json:"data"`
	ChunkSize int    `json:"chunkSize"`
}

type sendFileRequest struct {
	Path           string `json:"path"`
	RequireConfirm bool   `json:"requireConfirm"`
	ChunkSize      int    `json:"chunkSize"`
}

type acceptRequest struct {
	Destination string `json:"destination"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// reportView adds the derived speed to a transfer report.
type reportView struct {
	link.TransferReport
	Speed float64 `json:"speed"`
}

func respond(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func respondMessage(c *gin.Context, msg string) {
	c.JSON(http.StatusOK, gin.H{"success": true, "message": msg})
}

func respondError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}

var (
	errDataRequired = errors.New("data is required")
	errPathRequired = errors.New("path is required")
	errBadSession   = errors.New("invalid session id")
	errNoRequest    = errors.New("no pending request for session")
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, link.ErrTransportNotOpen),
		errors.Is(err, link.ErrSessionCollision),
		errors.Is(err, link.ErrRequestDecided),
		errors.Is(err, link.ErrHandshakeRejected):
		return http.StatusConflict
	case errors.Is(err, link.ErrNoEndpoint),
		errors.Is(err, link.ErrEmptyPayload),
		errors.Is(err, link.ErrPayloadTooLarge),
		errors.Is(err, link.ErrTooManyChunks),
		errors.Is(err, link.ErrMetadataTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, link.ErrRequestExpired):
		return http.StatusGone
	case errors.Is(err, link.ErrHandshakeTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, link.ErrChunkDeliveryFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	respond(c, s.ctrl.Status())
}

func (s *Server) handlePorts(c *gin.Context) {
	ports, err := s.listPorts()
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	if ports == nil {
		ports = []link.PortInfo{}
	}
	respond(c, ports)
}

func (s *Server) handleConnect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if err := s.ctrl.Connect(c.Request.Context(), strings.TrimSpace(req.Port)); err != nil {
		log.Warn().Err(err).Str("port", req.Port).Msg("connect failed")
		respondError(c, statusFor(err), err)
		return
	}
	respond(c, s.ctrl.Status())
}

func (s *Server) handleDisconnect(c *gin.Context) {
	if err := s.ctrl.Disconnect(); err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	respondMessage(c, "disconnected")
}

func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if req.Data == "" {
		respondError(c, http.StatusBadRequest, errDataRequired)
		return
	}
	if err := s.ctrl.SendShort(c.Request.Context(), []byte(req.Data)); err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	respondMessage(c, "sent")
}

func (s *Server) handleSendLarge(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if req.Data == "" {
		respondError(c, http.StatusBadRequest, errDataRequired)
		return
	}
	report, err := s.ctrl.SendChunked(c.Request.Context(), []byte(req.Data), link.SendOptions{ChunkSize: req.ChunkSize})
	if err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	respond(c, reportView{TransferReport: report, Speed: report.Speed()})
}

func (s *Server) handleSendFile(c *gin.Context) {
	var req sendFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		respondError(c, http.StatusBadRequest, errPathRequired)
		return
	}
	report, err := s.ctrl.SendFilePath(c.Request.Context(), req.Path, link.FileOptions{
		RequireConfirm: req.RequireConfirm,
		ChunkSize:      req.ChunkSize,
	})
	if err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	respond(c, reportView{TransferReport: report, Speed: report.Speed()})
}

func (s *Server) handleRequests(c *gin.Context) {
	pending := s.ctrl.PendingRequests()
	views := make([]RequestView, 0, len(pending))
	for _, f := range pending {
		views = append(views, viewRequest(f))
	}
	respond(c, views)
}

func (s *Server) pendingRequest(c *gin.Context) (*link.IncomingFile, bool) {
	sid, err := strconv.ParseUint(c.Param("sid"), 10, 8)
	if err != nil || sid == 0 {
		respondError(c, http.StatusBadRequest, errBadSession)
		return nil, false
	}
	f, found := s.ctrl.PendingRequest(uint8(sid))
	if !found {
		respondError(c, http.StatusNotFound, errNoRequest)
		return nil, false
	}
	return f, true
}

func (s *Server) handleAccept(c *gin.Context) {
	f, found := s.pendingRequest(c)
	if !found {
		return
	}
	var req acceptRequest
	_ = c.ShouldBindJSON(&req)
	if err := f.Accept(strings.TrimSpace(req.Destination)); err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	audit := logging.Audit()
	audit.Info().
		Uint8("session", f.SessionID).
		Str("name", f.Meta.Name).
		Str("destination", f.Destination()).
		Str("client", c.ClientIP()).
		Msg("file request accepted")
	respond(c, viewRequest(f))
}

func (s *Server) handleReject(c *gin.Context) {
	f, found := s.pendingRequest(c)
	if !found {
		return
	}
	var req rejectRequest
	_ = c.ShouldBindJSON(&req)
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "rejected by user"
	}
	if err := f.Reject(reason); err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	audit := logging.Audit()
	audit.Info().
		Uint8("session", f.SessionID).
		Str("name", f.Meta.Name).
		Str("reason", reason).
		Str("client", c.ClientIP()).
		Msg("file request rejected")
	respond(c, viewRequest(f))
}

func (s *Server) handleEvents(c *gin.Context) {
	events, cancel := s.hub.Subscribe()
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("status", s.ctrl.Status())
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(_ io.Writer) bool {
		select {
		case ev, open := <-events:
			if !open {
				return false
			}
			c.SSEvent(ev.Type, ev)
			return true
		case <-ctx.Done():
			return false
		}
	})
}
