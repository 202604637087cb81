package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/attnlens/internal/attn"
	"github.com/samcharles93/attnlens/internal/store"
)

// SessionLoader loads the session recorded under a key.
type SessionLoader interface {
	Load(ctx context.Context, key string) (*store.Loaded, error)
	Keys() ([]string, error)
}

// Defaults are applied to request fields left unset.
type Defaults struct {
	Fusion          attn.Fusion
	DiscardRatio    float64
	RolloutDiscard  attn.Discard
	FlowDiscard     attn.Discard
	FlowComposition attn.Composition
	WordMerge       attn.MergePolicy
	PromptTrimHead  int
	PromptTrimTail  int
}

// DefaultDefaults mirrors the behaviour of the inspection UI.
func DefaultDefaults() Defaults {
	return Defaults{
		Fusion:          attn.FuseMin,
		DiscardRatio:    0,
		RolloutDiscard:  attn.FirstRowDiscard,
		FlowDiscard:     attn.NoDiscard,
		FlowComposition: attn.MaxOfMax,
		WordMerge:       attn.MergeCorrected,
		PromptTrimHead:  3,
		PromptTrimTail:  5,
	}
}

type Server struct {
	sessions SessionLoader
	defaults Defaults
	clock    func() time.Time
}

func NewServer(sessions SessionLoader, defaults Defaults) *Server {
	return &Server{
		sessions: sessions,
		defaults: defaults,
		clock:    time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/sessions", s.handleListSessions)
	e.GET("/v1/sessions/:key", s.handleGetSession)

	e.POST("/v1/sessions/:key/heads", s.handleHeads)
	e.POST("/v1/sessions/:key/rank", s.handleRank)
	e.POST("/v1/sessions/:key/summary", s.handleSummary)
	e.POST("/v1/sessions/:key/patches", s.handlePatches)
	e.POST("/v1/sessions/:key/rollout", s.handleRollout)
	e.POST("/v1/sessions/:key/flow", s.handleFlow)
	e.POST("/v1/sessions/:key/prompt-words", s.handlePromptWords)

	e.POST("/v1/words", s.handleWords)
}

func (s *Server) result(object string, l *store.Loaded, data any) Result {
	r := Result{
		ID:        newResultID(),
		Object:    object,
		CreatedAt: s.clock().Unix(),
		Data:      data,
	}
	if l != nil {
		r.Session = l.Key
		r.Warnings = l.Warnings
	}
	return r
}

func (s *Server) load(c *echo.Context) (*store.Loaded, error) {
	return s.sessions.Load(c.Request().Context(), c.Param("key"))
}

func (s *Server) handleListSessions(c *echo.Context) error {
	keys, err := s.sessions.Keys()
	if err != nil {
		return writeAttnError(c, err)
	}
	return c.JSON(http.StatusOK, SessionList{Object: "list", Data: keys})
}

func (s *Server) handleGetSession(c *echo.Context) error {
	l, err := s.load(c)
	if err != nil {
		return writeAttnError(c, err)
	}
	return c.JSON(http.StatusOK, NewSessionInfo(l))
}

// NewSessionInfo describes a loaded session.
func NewSessionInfo(l *store.Loaded) SessionInfo {
	sess := l.Session
	return SessionInfo{
		Object:     "session",
		Key:        l.Key,
		Source:     l.Source,
		Steps:      sess.Steps(),
		Layers:     sess.Layers(),
		Heads:      sess.Heads(),
		ImageIndex: sess.ImageIndex(),
		PatchCount: sess.PatchCount(),
		GridSide:   sess.GridSide(),
		PromptLen:  sess.PromptLen(),
		Outputs:    l.Meta.OutputIDsDecoded,
		Prompt:     l.Meta.InputTextTokenized,
		Warnings:   l.Warnings,
	}
}
