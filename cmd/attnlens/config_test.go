package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/attnlens/internal/attn"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	t.Run("missing default file is empty", func(t *testing.T) {
		cfg, err := LoadConfig("")
		if err != nil {
			t.Fatalf("LoadConfig: %v", err)
		}
		if cfg.DataDir != "" || cfg.PatchCount != nil {
			t.Fatalf("expected zero config, got %+v", cfg)
		}
	})

	t.Run("missing explicit file fails", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		if !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("expected ErrNotExist, got %v", err)
		}
	})

	t.Run("fields decode", func(t *testing.T) {
		path := writeConfig(t, `
data_dir: /data/llava
patch_count: 16
fusion: mean
discard_ratio: 0.9
rollout_discard: row-wise
flow_composition: bottleneck
word_merge: legacy
prompt_trim_head: 0
server_address: 0.0.0.0:9000
rate_limit: 2.5
`)
		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig: %v", err)
		}
		if cfg.DataDir != "/data/llava" || cfg.PatchCount == nil || *cfg.PatchCount != 16 {
			t.Fatalf("unexpected config %+v", cfg)
		}
		if cfg.PromptTrimHead == nil || *cfg.PromptTrimHead != 0 || cfg.PromptTrimTail != nil {
			t.Fatalf("trim fields not distinguished from unset: %+v", cfg)
		}
		if cfg.RateLimit == nil || *cfg.RateLimit != 2.5 || cfg.ServerAddress != "0.0.0.0:9000" {
			t.Fatalf("unexpected server config %+v", cfg)
		}

		d, err := cfg.Defaults()
		if err != nil {
			t.Fatalf("Defaults: %v", err)
		}
		if d.Fusion != attn.FuseMean || d.DiscardRatio != 0.9 || d.RolloutDiscard != attn.RowWiseDiscard {
			t.Fatalf("unexpected rollout defaults %+v", d)
		}
		if d.FlowDiscard != attn.NoDiscard || d.FlowComposition != attn.Bottleneck || d.WordMerge != attn.MergeLegacy {
			t.Fatalf("unexpected flow/word defaults %+v", d)
		}
		if d.PromptTrimHead != 0 || d.PromptTrimTail != 5 {
			t.Fatalf("unexpected trim defaults %d/%d", d.PromptTrimHead, d.PromptTrimTail)
		}
	})

	t.Run("malformed yaml fails", func(t *testing.T) {
		if _, err := LoadConfig(writeConfig(t, "patch_count: [1")); err == nil {
			t.Fatal("expected parse error")
		}
	})
}

func TestConfigDefaultsRejectUnknownNames(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"fusion", Config{Fusion: "median"}},
		{"rollout discard", Config{RolloutDiscard: "random"}},
		{"flow discard", Config{FlowDiscard: "random"}},
		{"composition", Config{FlowComposition: "sum"}},
		{"word merge", Config{WordMerge: "greedy"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.cfg.Defaults(); !errors.Is(err, attn.ErrInvalidRange) {
				t.Fatalf("expected ErrInvalidRange, got %v", err)
			}
		})
	}
}

func TestParsePatch(t *testing.T) {
	tests := []struct {
		in      string
		want    attn.Patch
		wantErr bool
	}{
		{in: "1,2", want: attn.Patch{Row: 1, Col: 2}},
		{in: "3:0", want: attn.Patch{Row: 3, Col: 0}},
		{in: " 4 , 5 ", want: attn.Patch{Row: 4, Col: 5}},
		{in: "7", wantErr: true},
		{in: "a,1", wantErr: true},
		{in: "1,b", wantErr: true},
	}
	for _, tc := range tests {
		got, err := parsePatch(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%q: got %+v, %v want %+v", tc.in, got, err, tc.want)
		}
	}
}
