package api

import (
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/attnlens/internal/attn"
	"github.com/samcharles93/attnlens/internal/store"
)

// resolveTokens turns a Selection into step indices.
func resolveTokens(c *echo.Context, l *store.Loaded, sel Selection) ([]int, error) {
	if len(sel.Selected) == 0 {
		return sel.Tokens, nil
	}
	if l.Meta.OutputIDsDecoded == nil {
		return nil, newInvalidRequest("selected", "session has no decoded output to select from")
	}
	return attn.ResolveSelection(c.Request().Context(), l.Meta.OutputIDsDecoded, sel.Selected)
}

func (s *Server) handleHeads(c *echo.Context) error {
	req, err := decodeJSON[HeadsRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err)
	}
	l, err := s.load(c)
	if err != nil {
		return writeAttnError(c, err)
	}
	tokens, err := resolveTokens(c, l, req.Selection)
	if err != nil {
		return writeAttnError(c, err)
	}
	hs, err := attn.Aggregate(c.Request().Context(), l.Session, req.Layer, req.Head, tokens)
	if err != nil {
		return writeAttnError(c, err)
	}
	return c.JSON(http.StatusOK, s.result("saliency.heads", l, hs))
}

func (s *Server) handleRank(c *echo.Context) error {
	req, err := decodeJSON[RankRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err)
	}
	l, err := s.load(c)
	if err != nil {
		return writeAttnError(c, err)
	}
	tokens, err := resolveTokens(c, l, req.Selection)
	if err != nil {
		return writeAttnError(c, err)
	}
	ctx := c.Request().Context()
	out := RankResult{Layer: req.Layer}
	if req.Layer == nil {
		out.Scores = attn.LayerScores(ctx, l.Session, tokens)
	} else if out.Heads, err = attn.RankLayer(ctx, l.Session, *req.Layer, tokens); err != nil {
		return writeAttnError(c, err)
	}
	return c.JSON(http.StatusOK, s.result("saliency.rank", l, out))
}

func (s *Server) handleSummary(c *echo.Context) error {
	req, err := decodeJSON[SummaryRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err)
	}
	m, err := attn.ParseModality(req.Modality)
	if err != nil {
		return writeBadRequest(c, newInvalidRequest("modality", err.Error()))
	}
	l, err := s.load(c)
	if err != nil {
		return writeAttnError(c, err)
	}
	qlen := orDefault(req.QuestionLen, l.QuestionLen())
	sum, err := attn.Summarize(c.Request().Context(), l.Session, m, qlen)
	if err != nil {
		return writeAttnError(c, err)
	}
	return c.JSON(http.StatusOK, s.result("saliency.summary", l, sum))
}

func (s *Server) handlePatches(c *echo.Context) error {
	req, err := decodeJSON[PatchesRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err)
	}
	l, err := s.load(c)
	if err != nil {
		return writeAttnError(c, err)
	}
	pa, err := attn.AttendPatches(c.Request().Context(), l.Session, req.Layer, req.Head, req.Patches)
	if err != nil {
		return writeAttnError(c, err)
	}
	return c.JSON(http.StatusOK, s.result("saliency.patches", l, pa))
}

func (s *Server) rolloutOptions(req RolloutRequest, discard attn.Discard) (attn.RolloutOptions, error) {
	opts := attn.RolloutOptions{
		Fusion:       s.defaults.Fusion,
		ClsIndex:     req.ClsIndex,
		DiscardRatio: orDefault(req.DiscardRatio, s.defaults.DiscardRatio),
		Discard:      discard,
		StartLayer:   req.StartLayer,
	}
	var err error
	if req.Fusion != nil {
		if opts.Fusion, err = attn.ParseFusion(*req.Fusion); err != nil {
			return opts, newInvalidRequest("fusion", err.Error())
		}
	}
	if req.Discard != nil {
		if opts.Discard, err = attn.ParseDiscard(*req.Discard); err != nil {
			return opts, newInvalidRequest("discard", err.Error())
		}
	}
	return opts, nil
}

func (s *Server) handleRollout(c *echo.Context) error {
	req, err := decodeJSON[RolloutRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err)
	}
	opts, err := s.rolloutOptions(req, s.defaults.RolloutDiscard)
	if err != nil {
		return writeBadRequest(c, err)
	}
	l, err := s.load(c)
	if err != nil {
		return writeAttnError(c, err)
	}
	res, err := attn.Rollout(c.Request().Context(), l.Session, opts)
	if err != nil {
		return writeAttnError(c, err)
	}
	return c.JSON(http.StatusOK, s.result("saliency.rollout", l, res))
}

func (s *Server) handleFlow(c *echo.Context) error {
	req, err := decodeJSON[FlowRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err)
	}
	ro, err := s.rolloutOptions(req.RolloutRequest, s.defaults.FlowDiscard)
	if err != nil {
		return writeBadRequest(c, err)
	}
	opts := attn.FlowOptions{
		Fusion:       ro.Fusion,
		ClsIndex:     ro.ClsIndex,
		DiscardRatio: ro.DiscardRatio,
		Discard:      ro.Discard,
		StartLayer:   ro.StartLayer,
		Composition:  s.defaults.FlowComposition,
		SourceRow:    req.SourceRow,
	}
	if req.Composition != nil {
		if opts.Composition, err = attn.ParseComposition(*req.Composition); err != nil {
			return writeBadRequest(c, newInvalidRequest("composition", err.Error()))
		}
	}
	l, err := s.load(c)
	if err != nil {
		return writeAttnError(c, err)
	}
	res, err := attn.Flow(c.Request().Context(), l.Session, opts)
	if err != nil {
		return writeAttnError(c, err)
	}
	return c.JSON(http.StatusOK, s.result("saliency.flow", l, res))
}

func (s *Server) mergePolicy(p *string) (attn.MergePolicy, error) {
	if p == nil {
		return s.defaults.WordMerge, nil
	}
	policy, err := attn.ParseMergePolicy(*p)
	if err != nil {
		return 0, newInvalidRequest("policy", err.Error())
	}
	return policy, nil
}

func (s *Server) handlePromptWords(c *echo.Context) error {
	req, err := decodeJSON[PromptWordsRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err)
	}
	policy, err := s.mergePolicy(req.Policy)
	if err != nil {
		return writeBadRequest(c, err)
	}
	l, err := s.load(c)
	if err != nil {
		return writeAttnError(c, err)
	}
	if l.Meta.InputTextTokenized == nil {
		return writeBadRequest(c, newInvalidRequest("key", "session has no tokenized prompt text"))
	}
	pa, err := attn.AttendPrompt(c.Request().Context(), l.Session, l.Meta.InputTextTokenized, attn.PromptOptions{
		Step:     req.Step,
		Layer:    req.Layer,
		TrimHead: orDefault(req.TrimHead, s.defaults.PromptTrimHead),
		TrimTail: orDefault(req.TrimTail, s.defaults.PromptTrimTail),
		TopK:     req.TopK,
		Policy:   policy,
	})
	if err != nil {
		return writeAttnError(c, err)
	}
	return c.JSON(http.StatusOK, s.result("saliency.prompt_words", l, pa))
}

func (s *Server) handleWords(c *echo.Context) error {
	req, err := decodeJSON[WordsRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err)
	}
	policy, err := s.mergePolicy(req.Policy)
	if err != nil {
		return writeBadRequest(c, err)
	}
	sepList := req.Separators
	if sepList == nil {
		sepList = attn.DefaultSeparators
	}
	seps := attn.NewSeparators(sepList)
	tokens, err := attn.NewTokens(req.Tokens, req.Relevancy, seps)
	if err != nil {
		return writeAttnError(c, err)
	}
	words := attn.Merge(tokens, seps, policy)
	if words == nil {
		words = []attn.WordRelevancy{}
	}
	return c.JSON(http.StatusOK, s.result("saliency.words", nil, words))
}
