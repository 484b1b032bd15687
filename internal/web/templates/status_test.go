package templates

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/JonMunkholm/directorio/internal/pipeline"
)

func TestErrorAlert(t *testing.T) {
	var b strings.Builder
	if err := ErrorAlert(`<b>bad</b>`, "Retry.", "SYNC002").Render(context.Background(), &b); err != nil {
		t.Fatal(err)
	}
	got := b.String()

	if strings.Contains(got, "<b>") {
		t.Errorf("message not escaped: %s", got)
	}
	for _, want := range []string{"&lt;b&gt;bad&lt;/b&gt;", "Retry.", "Code: SYNC002"} {
		if !strings.Contains(got, want) {
			t.Errorf("alert missing %q: %s", want, got)
		}
	}
}

func TestStatusPage(t *testing.T) {
	tests := []struct {
		name   string
		params StatusParams
		want   []string
	}{
		{
			name:   "idle",
			params: StatusParams{Limiter: pipeline.LimiterStatus{Available: 1, MaxConcurrent: 1}},
			want:   []string{"Mode: two-pass", "No sync running.", "No finished runs."},
		},
		{
			name: "with runs",
			params: StatusParams{
				Streaming: true,
				Active:    []pipeline.Progress{{RunID: "run-a", Phase: pipeline.PhaseIngested, Processed: 1, Total: 4}},
				Recent: []pipeline.Summary{{
					RunID:    "run-b",
					Phase:    pipeline.PhaseFailed,
					Records:  3,
					Duration: 2 * time.Second,
					Error:    `dial "db"`,
				}},
			},
			want: []string{"Mode: streaming", "run-a", "25%", "run-b", "2s", "dial &#34;db&#34;"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b strings.Builder
			if err := StatusPage(tt.params).Render(context.Background(), &b); err != nil {
				t.Fatal(err)
			}
			for _, want := range tt.want {
				if !strings.Contains(b.String(), want) {
					t.Errorf("page missing %q", want)
				}
			}
		})
	}
}
