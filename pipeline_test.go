package vqlab

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRenderPipeline(t *testing.T) {
	t.Run("we expand source and sink", func(t *testing.T) {
		got, err := RenderPipeline(
			"filesrc location={{.Source}} ! filesink location={{.Sink}}",
			"./video_src/video_seg_60sec", "720p_2_gop_1.mp4", "./video_src/send_0.yuv",
		)
		if err != nil {
			t.Fatal(err)
		}
		expect := "filesrc location=video_src/video_seg_60sec/720p_2_gop_1.mp4 ! filesink location=./video_src/send_0.yuv"
		if diff := cmp.Diff(expect, got); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("we reject unknown variables", func(t *testing.T) {
		if _, err := RenderPipeline("{{.Bitrate}}", "", "a.mp4", "b.yuv"); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("the default template records what we send", func(t *testing.T) {
		got, err := RenderPipeline(DefaultPipelineTemplate, "src", "a.mp4", "send_0.yuv")
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(got, "filesrc location=src/a.mp4 ! ") {
			t.Fatal("unexpected pipeline", got)
		}
		if !strings.HasSuffix(got, "filesink location=send_0.yuv sync=true") {
			t.Fatal("unexpected pipeline", got)
		}
	})
}

func TestRewritePipelines(t *testing.T) {
	original := strings.Join([]string{
		"old pipeline 0",
		"priority 0",
		"deadline 200",
		"",
		"x",
		"old pipeline 1",
		"priority 1",
	}, "\n") + "\n"

	newConfig := func(t *testing.T) *PipelineConfig {
		filename := filepath.Join(t.TempDir(), "ppl.txt")
		if err := os.WriteFile(filename, []byte(original), 0600); err != nil {
			t.Fatal(err)
		}
		return &PipelineConfig{
			File:     filename,
			Lines:    []int{0, 5},
			Template: "play {{.Source}} into {{.Sink}}",
			VideoDir: "videos",
		}
	}

	t.Run("we only replace the designated lines", func(t *testing.T) {
		config := newConfig(t)
		if err := RewritePipelines(config, "b.mp4", []string{"send_0.yuv", "send_1.yuv"}); err != nil {
			t.Fatal(err)
		}
		data, err := os.ReadFile(config.File)
		if err != nil {
			t.Fatal(err)
		}
		expect := strings.Join([]string{
			"play videos/b.mp4 into send_0.yuv",
			"priority 0",
			"deadline 200",
			"",
			"x",
			"play videos/b.mp4 into send_1.yuv",
			"priority 1",
		}, "\n") + "\n"
		if diff := cmp.Diff(expect, string(data)); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("we fail when the file is too short", func(t *testing.T) {
		config := newConfig(t)
		config.Lines = []int{0, 7}
		err := RewritePipelines(config, "b.mp4", []string{"send_0.yuv", "send_1.yuv"})
		if !errors.Is(err, ErrPipelineTooShort) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("we need a sink for each line", func(t *testing.T) {
		config := newConfig(t)
		if err := RewritePipelines(config, "b.mp4", []string{"send_0.yuv"}); err == nil {
			t.Fatal("expected an error")
		}
	})
}
