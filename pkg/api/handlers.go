package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/quietwire/quietwire/pkg/crypto"
	"github.com/quietwire/quietwire/pkg/engine"
	"github.com/quietwire/quietwire/pkg/session"
)

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error string `json:"error"`
}

// IdentityResponse describes one local identity
type IdentityResponse struct {
	Address string `json:"address"`
}

// SessionResponse is the diagnostic view of one session
type SessionResponse struct {
	Peer        string `json:"peer"`
	State       string `json:"state"`
	Epoch       uint32 `json:"epoch"`
	SendCounter uint64 `json:"sendCounter"`
	ReplayFloor uint64 `json:"replayFloor"`
}

// SendRequest submits one message
type SendRequest struct {
	From    string `json:"from" binding:"required"`
	To      string `json:"to" binding:"required"`
	Content []byte `json:"content" binding:"required"`
}

// SendResponse reports where the message landed in the counter sequence
type SendResponse struct {
	Epoch   uint32 `json:"epoch"`
	Counter uint64 `json:"counter"`
}

// LogEntryResponse is one stored message
type LogEntryResponse struct {
	Peer      string `json:"peer"`
	Epoch     uint32 `json:"epoch"`
	Counter   uint64 `json:"counter"`
	Direction string `json:"direction"`
	Content   []byte `json:"content"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
}

// ArchiveRequest asks for an erasure-coded snapshot of one conversation
type ArchiveRequest struct {
	Peer string `json:"peer" binding:"required"`
	Dir  string `json:"dir" binding:"required"`
}

// ArchiveResponse reports the snapshot size
type ArchiveResponse struct {
	Entries int `json:"entries"`
}

func parseAddr(c *gin.Context, raw string) (crypto.Address, bool) {
	addr, err := crypto.ParseAddress(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid address: " + raw})
		return crypto.Address{}, false
	}
	return addr, true
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListIdentities(c *gin.Context) {
	addrs := s.eng.Identities()
	out := make([]IdentityResponse, len(addrs))
	for i, a := range addrs {
		out[i] = IdentityResponse{Address: a.String()}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateIdentity(c *gin.Context) {
	addr, err := s.eng.CreateIdentity()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, IdentityResponse{Address: addr.String()})
}

func (s *Server) handleListSessions(c *gin.Context) {
	addr, ok := parseAddr(c, c.Param("addr"))
	if !ok {
		return
	}
	infos, err := s.eng.ListSessions(addr)
	if err != nil {
		s.replyEngineError(c, err)
		return
	}
	out := make([]SessionResponse, len(infos))
	for i, info := range infos {
		out[i] = SessionResponse{
			Peer:        info.Peer.String(),
			State:       info.State,
			Epoch:       info.Epoch,
			SendCounter: info.SendCounter,
			ReplayFloor: info.ReplayFloor,
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleOutboxDepth(c *gin.Context) {
	addr, ok := parseAddr(c, c.Param("addr"))
	if !ok {
		return
	}
	depth, err := s.eng.OutboxDepth(addr)
	if err != nil {
		s.replyEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"depth": depth})
}

func (s *Server) handleSend(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	from, ok := parseAddr(c, req.From)
	if !ok {
		return
	}
	to, ok := parseAddr(c, req.To)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.sendTimeout)
	defer cancel()

	epoch, counter, err := s.eng.Send(ctx, from, to, req.Content)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// Handshake still pending; the payload is queued and will
			// flow once the peer answers.
			c.JSON(http.StatusAccepted, gin.H{"queued": true})
			return
		}
		s.replyEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, SendResponse{Epoch: epoch, Counter: counter})
}

func (s *Server) handleListLog(c *gin.Context) {
	addr, ok := parseAddr(c, c.Param("addr"))
	if !ok {
		return
	}
	peer, ok := parseAddr(c, c.Param("peer"))
	if !ok {
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	offset := 0
	if raw := c.Query("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}

	entries, err := s.eng.ListLog(addr, peer, limit, offset)
	if err != nil {
		s.replyEngineError(c, err)
		return
	}
	out := make([]LogEntryResponse, len(entries))
	for i, e := range entries {
		out[i] = LogEntryResponse{
			Peer:      e.Peer.String(),
			Epoch:     e.Epoch,
			Counter:   e.Counter,
			Direction: string(e.Direction),
			Content:   e.Content,
			Status:    string(e.Status),
			CreatedAt: e.CreatedAt,
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleArchive(c *gin.Context) {
	addr, ok := parseAddr(c, c.Param("addr"))
	if !ok {
		return
	}
	var req ArchiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	peer, ok := parseAddr(c, req.Peer)
	if !ok {
		return
	}

	n, err := s.eng.ArchiveConversation(addr, peer, req.Dir)
	if err != nil {
		s.replyEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, ArchiveResponse{Entries: n})
}

// replyEngineError maps engine errors to HTTP statuses
func (s *Server) replyEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrUnknownIdentity):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, engine.ErrExportDenied):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: err.Error()})
	case errors.Is(err, session.ErrSessionTorn), errors.Is(err, session.ErrNoSession):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}

// ServeHTTP lets tests drive the router without a listener
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
