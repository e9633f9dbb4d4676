package vqlab

//
// Sender pipelines file
//

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"text/template"
)

// ErrPipelineTooShort indicates that the pipelines file does not contain
// one of the lines we have been asked to rewrite.
var ErrPipelineTooShort = errors.New("vqlab: pipelines file is too short")

// PipelineVars contains the variables available to pipeline templates.
type PipelineVars struct {
	// Source is the path of the video to stream.
	Source string

	// Sink is the path where to record the frames that we send.
	Sink string
}

// RenderPipeline expands a pipeline template for the given video and sink.
func RenderPipeline(tmpl, videoDir, video, sink string) (string, error) {
	t, err := template.New("pipeline").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", err
	}
	vars := &PipelineVars{
		Source: path.Join(videoDir, video),
		Sink:   sink,
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// RewritePipelines rewrites the pipelines file read by the streaming
// server such that line lines[k] streams video into sinks[k]. The other
// lines, which contain the pipelines configuration (priority, deadline,
// etc.), are preserved.
func RewritePipelines(config *PipelineConfig, video string, sinks []string) error {
	if len(sinks) != len(config.Lines) {
		return fmt.Errorf("vqlab: %d pipeline lines but %d sinks", len(config.Lines), len(sinks))
	}
	data, err := os.ReadFile(config.File)
	if err != nil {
		return err
	}
	lines := strings.SplitAfter(string(data), "\n")
	for idx, lineno := range config.Lines {
		if lineno < 0 || lineno >= len(lines) || lines[lineno] == "" {
			return fmt.Errorf("%w: %s: no line %d", ErrPipelineTooShort, config.File, lineno)
		}
		pipeline, err := RenderPipeline(config.Template, config.VideoDir, video, sinks[idx])
		if err != nil {
			return err
		}
		lines[lineno] = pipeline + "\n"
	}
	return os.WriteFile(config.File, []byte(strings.Join(lines, "")), 0644)
}
