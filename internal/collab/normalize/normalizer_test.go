package normalize

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"voicecard/internal/stage"
)

type fakeModel struct {
	reply  string
	err    error
	prompt string
}

func (f *fakeModel) GenerateJSON(_ context.Context, prompt string) (string, error) {
	f.prompt = prompt
	return f.reply, f.err
}

func TestNormalizeProducesMarkdown(t *testing.T) {
	m := &fakeModel{reply: "```json\n" + `{"title":"番茄炒蛋","ingredients":[{"name":"盐","amount":"5","unit":"克"}],"steps":["炒"]}` + "\n```"}
	n, err := New(m)
	require.NoError(t, err)

	doc, err := n.Normalize(context.Background(), "盐适量")
	require.NoError(t, err)
	assert.Contains(t, m.prompt, "盐适量")
	assert.Equal(t, "# 番茄炒蛋\n\n## 食材\n- 盐 5克\n\n## 制作步骤\n1. 炒\n", doc)
}

func TestNormalizeRejectsSchemaViolationsAsTransient(t *testing.T) {
	for name, reply := range map[string]string{
		"not json":       "sure! here is your recipe",
		"missing amount": `{"title":"x","ingredients":[{"name":"盐","unit":"克"}],"steps":["a"]}`,
		"no steps":       `{"title":"x","ingredients":[{"name":"盐","amount":"5","unit":"克"}],"steps":[]}`,
	} {
		t.Run(name, func(t *testing.T) {
			n, err := New(&fakeModel{reply: reply})
			require.NoError(t, err)
			_, err = n.Normalize(context.Background(), "text")
			require.Error(t, err)
			assert.False(t, stage.IsPermanent(err))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.True(t, stage.IsPermanent(classify(status.Error(codes.InvalidArgument, "bad prompt"))))
	assert.True(t, stage.IsPermanent(classify(status.Error(codes.PermissionDenied, "key revoked"))))
	assert.False(t, stage.IsPermanent(classify(status.Error(codes.Unavailable, "overloaded"))))
	assert.False(t, stage.IsPermanent(classify(status.Error(codes.ResourceExhausted, "quota"))))
	assert.False(t, stage.IsPermanent(classify(errors.New("dial tcp: timeout"))))
}
