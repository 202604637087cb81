package api

import (
	"github.com/samcharles93/attnlens/internal/attn"
)

// SessionInfo describes a loaded session.
type SessionInfo struct {
	Object     string   `json:"object"`
	Key        string   `json:"key"`
	Source     string   `json:"source"`
	Steps      int      `json:"steps"`
	Layers     int      `json:"layers"`
	Heads      int      `json:"heads"`
	ImageIndex int      `json:"image_idx"`
	PatchCount int      `json:"patch_count"`
	GridSide   int      `json:"grid_side"`
	PromptLen  int      `json:"prompt_len"`
	Outputs    []string `json:"output_ids_decoded,omitempty"`
	Prompt     []string `json:"input_text_tokenized,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

type SessionList struct {
	Object string   `json:"object"`
	Data   []string `json:"data"`
}

// Result wraps every computed saliency payload.
type Result struct {
	ID        string   `json:"id"`
	Object    string   `json:"object"`
	CreatedAt int64    `json:"created_at"`
	Session   string   `json:"session,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
	Data      any      `json:"data"`
}

// Selection picks generation steps either by index or by highlighted output
// words. Selected wins when both are set.
type Selection struct {
	Tokens   []int    `json:"tokens,omitempty"`
	Selected []string `json:"selected,omitempty"`
}

type HeadsRequest struct {
	Selection
	Layer int `json:"layer"`
	Head  int `json:"head"`
}

type RankRequest struct {
	Selection
	// Layer nil returns the score matrix of every layer.
	Layer *int `json:"layer,omitempty"`
}

type RankResult struct {
	Layer  *int                `json:"layer,omitempty"`
	Heads  []attn.HeadSaliency `json:"heads,omitempty"`
	Scores [][]float64         `json:"scores,omitempty"`
}

type SummaryRequest struct {
	Modality    string `json:"modality"`
	QuestionLen *int   `json:"question_len,omitempty"`
}

type PatchesRequest struct {
	Layer   int          `json:"layer"`
	Head    int          `json:"head"`
	Patches []attn.Patch `json:"patches,omitempty"`
}

type RolloutRequest struct {
	Fusion       *string  `json:"fusion,omitempty"`
	ClsIndex     int      `json:"cls_index"`
	DiscardRatio *float64 `json:"discard_ratio,omitempty"`
	Discard      *string  `json:"discard,omitempty"`
	StartLayer   int      `json:"start_layer"`
}

type FlowRequest struct {
	RolloutRequest
	Composition *string `json:"composition,omitempty"`
	SourceRow   int     `json:"source_row"`
}

type PromptWordsRequest struct {
	Step     int     `json:"step"`
	Layer    int     `json:"layer"`
	TrimHead *int    `json:"trim_head,omitempty"`
	TrimTail *int    `json:"trim_tail,omitempty"`
	TopK     int     `json:"top_k,omitempty"`
	Policy   *string `json:"policy,omitempty"`
}

type WordsRequest struct {
	Tokens     []string  `json:"tokens"`
	Relevancy  []float64 `json:"relevancy"`
	Policy     *string   `json:"policy,omitempty"`
	Separators []string  `json:"separators,omitempty"`
}
