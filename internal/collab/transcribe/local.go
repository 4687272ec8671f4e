package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"voicecard/internal/stage"
)

// Local runs ffmpeg and whisper.cpp on the worker host.
type Local struct {
	ffmpegPath  string
	whisperPath string
	modelPath   string
	language    string
	runner      commandRunner
}

var _ stage.Transcriber = (*Local)(nil)

func NewLocal(ffmpegPath, whisperPath, modelPath, language string) *Local {
	return &Local{
		ffmpegPath:  ffmpegPath,
		whisperPath: whisperPath,
		modelPath:   modelPath,
		language:    language,
		runner:      execRunner{},
	}
}

type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := commandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
	}
	return res, err
}

func (l *Local) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, float64, error) {
	dir, err := os.MkdirTemp("", "voicecard-transcribe-*")
	if err != nil {
		return "", 0, stage.Transient(fmt.Errorf("create temp dir: %w", err))
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "input"+extensionFor(mimeType))
	if err := os.WriteFile(input, audio, 0o600); err != nil {
		return "", 0, stage.Transient(fmt.Errorf("write audio: %w", err))
	}

	wav := filepath.Join(dir, "preprocessed-16k-mono.wav")
	if res, err := l.runner.Run(ctx, l.ffmpegPath, ffmpegArgs(input, wav)...); err != nil {
		return "", 0, commandError("ffmpeg audio conversion failed", res, err)
	}

	textBase := filepath.Join(dir, "transcript")
	if res, err := l.runner.Run(ctx, l.whisperPath, whisperArgs(l.modelPath, wav, textBase, l.language)...); err != nil {
		return "", 0, commandError("whisper.cpp transcription failed", res, err)
	}

	content, err := os.ReadFile(textBase + ".txt")
	if err != nil {
		return "", 0, stage.Transient(fmt.Errorf("whisper.cpp completed but transcript is missing: %w", err))
	}
	text := strings.TrimSpace(string(content))
	if text == "" {
		return "", 0, stage.Rejected("no speech recognized", nil)
	}
	return text, defaultConfidence, nil
}

// commandError treats a missing binary or bad input as permanent and a killed process as transient.
func commandError(msg string, res commandResult, err error) error {
	wrapped := fmt.Errorf("%s (exit=%d): %s: %w", msg, res.ExitCode, snippet([]byte(res.Stderr)), err)
	if errors.Is(err, exec.ErrNotFound) || res.ExitCode > 0 {
		return stage.Permanent(wrapped)
	}
	return stage.Transient(wrapped)
}

// ffmpegArgs converts any input to mono 16 kHz PCM WAV.
func ffmpegArgs(input, output string) []string {
	return []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", input,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		output,
	}
}

func whisperArgs(model, audio, textBase, language string) []string {
	args := []string{"-m", model, "-f", audio, "-of", textBase, "-otxt"}
	if lang := strings.TrimSpace(language); lang != "" && !strings.EqualFold(lang, "auto") {
		args = append(args, "-l", lang)
	}
	return args
}
