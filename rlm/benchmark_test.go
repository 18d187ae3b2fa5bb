package rlm

import (
	"context"
	"strings"
	"testing"

	"github.com/howlerops/recursive-llm-go/sandbox"
)

// Benchmark parser performance
func BenchmarkClassify(b *testing.B) {
	responses := []string{
		`FINAL("answer")`,
		`FINAL_VAR(result)`,
		"Let me look.\n```js\nconsole.log(context.slice(0, 100))\n```",
		`The context seems to be a log file.`,
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Classify(responses[i%len(responses)])
	}
}

func BenchmarkExtractFinal(b *testing.B) {
	response := `FINAL("This is a test answer with some content")`
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		extractFinal(response)
	}
}

// Benchmark sandbox performance
func BenchmarkInProcessContextAccess(b *testing.B) {
	ctx := context.Background()
	session, err := sandbox.NewInProcess(sandbox.InProcessConfig{}).Create(ctx)
	if err != nil {
		b.Fatal(err)
	}
	defer session.Destroy(ctx)

	err = session.Bind(ctx, map[string]interface{}{
		"context": strings.Repeat("Lorem ipsum dolor sit amet. ", 1000),
	})
	if err != nil {
		b.Fatal(err)
	}

	req := sandbox.Request{Code: `console.log(context.slice(0, 10))`}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = session.Execute(ctx, req)
	}
}

func BenchmarkCompletion(b *testing.B) {
	client := ClientFunc(func(_ context.Context, messages []Message) (string, error) {
		// system, query and the next-action directive only
		if len(messages) == 3 {
			return "```js\nconst hits = re.findall(\"ERROR\", context).length\n```", nil
		}
		return "FINAL_VAR(hits)", nil
	})
	engine := New("m", Config{Client: client})
	contextData := strings.Repeat("INFO ok\nERROR bad\n", 500)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := engine.Completion(context.Background(), "count errors", contextData); err != nil {
			b.Fatal(err)
		}
	}
}
