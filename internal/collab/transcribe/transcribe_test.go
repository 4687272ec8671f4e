package transcribe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicecard/internal/stage"
)

func TestHTTPTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "verbose_json", r.FormValue("response_format"))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "RIFF", string(data))
		assert.Equal(t, "audio.wav", hdr.Filename)
		_, _ = w.Write([]byte(`{"text":"盐适量","segments":[{"avg_logprob":-0.1},{"avg_logprob":-0.3}]}`))
	}))
	defer srv.Close()

	c := NewHTTP(srv.URL, "k", "whisper-1", srv.Client())
	text, conf, err := c.Transcribe(context.Background(), []byte("RIFF"), "audio/wav")
	require.NoError(t, err)
	assert.Equal(t, "盐适量", text)
	assert.InDelta(t, 0.8187, conf, 0.001)
}

func TestHTTPTranscribeClassifiesStatus(t *testing.T) {
	cases := map[int]bool{
		http.StatusBadRequest:           true,
		http.StatusUnsupportedMediaType: true,
		http.StatusTooManyRequests:      false,
		http.StatusBadGateway:           false,
	}
	for code, permanent := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", code)
		}))
		c := NewHTTP(srv.URL, "", "whisper-1", srv.Client())
		_, _, err := c.Transcribe(context.Background(), []byte("x"), "audio/ogg")
		srv.Close()
		require.Error(t, err, "status %d", code)
		assert.Equal(t, permanent, stage.IsPermanent(err), "status %d", code)
	}
}

func TestHTTPTranscribeNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	_, _, err := NewHTTP(url, "", "m", nil).Transcribe(context.Background(), []byte("x"), "audio/wav")
	require.Error(t, err)
	assert.False(t, stage.IsPermanent(err))
}

type fakeRunner struct {
	calls      [][]string
	transcript string
	failOn     string
	failErr    error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (commandResult, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if name == f.failOn {
		return commandResult{Stderr: "boom", ExitCode: 1}, f.failErr
	}
	if name == "whisper" {
		for i, a := range args {
			if a == "-of" {
				if err := os.WriteFile(args[i+1]+".txt", []byte(f.transcript), 0o600); err != nil {
					return commandResult{}, err
				}
			}
		}
	}
	return commandResult{}, nil
}

func TestLocalTranscribe(t *testing.T) {
	runner := &fakeRunner{transcript: " 番茄炒蛋 \n"}
	l := NewLocal("ffmpeg", "whisper", "/models/ggml-base.bin", "zh")
	l.runner = runner

	text, conf, err := l.Transcribe(context.Background(), []byte("audio"), "audio/webm")
	require.NoError(t, err)
	assert.Equal(t, "番茄炒蛋", text)
	assert.Equal(t, defaultConfidence, conf)
	require.Len(t, runner.calls, 2)
	assert.Equal(t, "ffmpeg", runner.calls[0][0])
	assert.Contains(t, runner.calls[1], "-l")
	assert.Contains(t, runner.calls[1], "zh")
}

func TestLocalTranscribeFailures(t *testing.T) {
	l := NewLocal("ffmpeg", "whisper", "m", "auto")
	l.runner = &fakeRunner{failOn: "ffmpeg", failErr: errors.New("exit status 1")}
	_, _, err := l.Transcribe(context.Background(), []byte("audio"), "audio/wav")
	require.Error(t, err)
	assert.True(t, stage.IsPermanent(err), "bad input audio")

	l.runner = &fakeRunner{failOn: "whisper", failErr: exec.ErrNotFound}
	_, _, err = l.Transcribe(context.Background(), []byte("audio"), "audio/wav")
	require.Error(t, err)
	assert.True(t, stage.IsPermanent(err))

	l.runner = &fakeRunner{transcript: "   "}
	_, _, err = l.Transcribe(context.Background(), []byte("audio"), "audio/wav")
	assert.True(t, stage.IsPermanent(err))
}

func TestWhisperArgsAutoLanguage(t *testing.T) {
	assert.NotContains(t, whisperArgs("m", "a.wav", "out", "auto"), "-l")
}
