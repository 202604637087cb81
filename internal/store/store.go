// Package store locates and loads the artifacts recorded for one generated
// response and turns them into an attention session.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/attnlens/internal/attn"
	"github.com/samcharles93/attnlens/internal/logger"
)

// ImageSentinel is the prompt id standing in for the whole image.
const ImageSentinel = -200

const (
	suffixAttn     = "_attn"
	suffixInputIDs = "_input_ids"
	suffixMeta     = "_meta.json"

	extTorch       = ".pt"
	extSafetensors = ".safetensors"
)

// Meta is the per-session JSON written next to the tensor dumps.
type Meta struct {
	AttentionKey       string   `json:"attention_key"`
	OutputIDsDecoded   []string `json:"output_ids_decoded"`
	ImageIdx           *int     `json:"image_idx,omitempty"`
	InputTextTokenized []string `json:"input_text_tokenized"`
	RecoveredImage     string   `json:"recovered_image,omitempty"`
}

// Store resolves session keys relative to a data directory. Absolute keys
// are used as-is.
type Store struct {
	root       string
	patchCount int
}

func New(root string, patchCount int) *Store {
	return &Store{root: root, patchCount: patchCount}
}

func (s *Store) Root() string { return s.root }

// prefix returns the path prefix every artifact of key shares.
func (s *Store) prefix(key string) (string, error) {
	if key == "" || slices.Contains(strings.Split(filepath.ToSlash(key), "/"), "..") {
		return "", fmt.Errorf("%w: session key %q", attn.ErrInvalidRange, key)
	}
	if filepath.IsAbs(key) {
		return key, nil
	}
	return filepath.Join(s.root, key), nil
}

// Loaded is a ready-to-query session with its side data.
type Loaded struct {
	Key      string
	Session  *attn.Session
	Meta     Meta
	InputIDs []int64
	// Source is the attention file the session was read from.
	Source   string
	Warnings []string
}

// QuestionLen is the number of prompt tokens after the image sentinel.
func (l *Loaded) QuestionLen() int {
	n := len(l.InputIDs)
	if n == 0 {
		n = len(l.Meta.InputTextTokenized)
	}
	return attn.QuestionLen(n, l.Session.ImageIndex())
}

// Load reads the attention dump of key, preferring safetensors over pickle,
// together with the optional prompt ids and meta file.
func (s *Store) Load(ctx context.Context, key string) (*Loaded, error) {
	log := logger.FromContext(ctx).With("session", key)
	pre, err := s.prefix(key)
	if err != nil {
		return nil, err
	}

	meta, err := readMeta(pre + suffixMeta)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Debug("no meta file", "path", pre+suffixMeta)
	case err != nil:
		return nil, err
	}

	ids, err := s.readInputIDs(pre)
	switch {
	case errors.Is(err, attn.ErrSourceNotFound):
		log.Debug("no input ids")
	case err != nil:
		return nil, err
	}

	imgIdx, err := resolveImageIndex(meta, ids)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", key, err)
	}

	raw, source, err := s.readAttention(pre)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", key, err)
	}
	sess, err := attn.NewSession(raw, attn.Options{ImageIndex: imgIdx, PatchCount: s.patchCount})
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", key, err)
	}

	out := &Loaded{Key: key, Session: sess, Meta: meta, InputIDs: ids, Source: source}
	if meta.OutputIDsDecoded != nil {
		if err := sess.CheckOutputLength(len(meta.OutputIDsDecoded)); err != nil {
			log.Warn("attention and decoded output disagree", "err", err)
			out.Warnings = append(out.Warnings, err.Error())
		}
	}
	log.Info("loaded session", "source", source, "steps", sess.Steps(), "layers", sess.Layers(),
		"heads", sess.Heads(), "image_idx", imgIdx)
	return out, nil
}

func readMeta(path string) (Meta, error) {
	var m Meta
	b, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("%w: %s: %v", attn.ErrInvalidShape, path, err)
	}
	return m, nil
}

// resolveImageIndex prefers the recorded index and falls back to the
// sentinel position in the prompt ids.
func resolveImageIndex(meta Meta, ids []int64) (int, error) {
	if meta.ImageIdx != nil {
		return *meta.ImageIdx, nil
	}
	if ids == nil {
		return 0, fmt.Errorf("%w: no image_idx in meta and no input ids", attn.ErrSourceNotFound)
	}
	return ImageIndex(ids)
}

// ImageIndex returns the position of the first image sentinel.
func ImageIndex(ids []int64) (int, error) {
	i := slices.Index(ids, ImageSentinel)
	if i < 0 {
		return 0, fmt.Errorf("%w: no image token (%d) in %d prompt ids", attn.ErrInvalidRange, ImageSentinel, len(ids))
	}
	return i, nil
}

// Keys lists the sessions in the data directory that have an attention dump.
func (s *Store) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		for _, ext := range []string{extSafetensors, extTorch} {
			key, ok := strings.CutSuffix(name, suffixAttn+ext)
			if !ok || key == "" {
				continue
			}
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				keys = append(keys, key)
			}
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
