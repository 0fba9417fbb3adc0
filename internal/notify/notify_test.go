package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/hochfrequenz/roomote-orchestrator/internal/domain"
)

func slackServer(t *testing.T, reply string, got *[]Message) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/chat.postMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer xoxb-test" {
			t.Errorf("Authorization = %q", auth)
		}
		var msg Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("decode: %v", err)
		}
		if got != nil {
			*got = append(*got, msg)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(reply))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestSlackPoster_PostMessage(t *testing.T) {
	var got []Message
	server := slackServer(t, `{"ok":true,"ts":"1700000000.000100"}`, &got)

	poster := NewSlackPoster(server.URL, "xoxb-test", "C-default", nil)
	ts := poster.PostMessage(context.Background(), Message{Text: "hello"})

	if ts != "1700000000.000100" {
		t.Errorf("ts = %q", ts)
	}
	if len(got) != 1 || got[0].Channel != "C-default" {
		t.Errorf("messages = %+v, want default channel", got)
	}
}

func TestSlackPoster_FailuresReturnEmpty(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"api error", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
		}},
		{"http error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"garbage", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json`))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			poster := NewSlackPoster(server.URL, "xoxb-test", "C1", nil)
			if ts := poster.PostMessage(context.Background(), Message{Text: "x"}); ts != "" {
				t.Errorf("ts = %q, want empty", ts)
			}
		})
	}
}

func TestSlackPoster_UnreachableReturnsEmpty(t *testing.T) {
	poster := NewSlackPoster("http://127.0.0.1:1", "xoxb-test", "C1", nil)
	if ts := poster.PostMessage(context.Background(), Message{Text: "x"}); ts != "" {
		t.Errorf("ts = %q, want empty", ts)
	}
}

func TestSlackPoster_DisabledWithoutToken(t *testing.T) {
	poster := NewSlackPoster("http://unused", "", "C1", nil)
	if ts := poster.PostMessage(context.Background(), Message{Text: "x"}); ts != "" {
		t.Errorf("ts = %q, want empty", ts)
	}
}

func TestEmoji(t *testing.T) {
	tests := []struct {
		typ  NotificationType
		want string
	}{
		{NotifySuccess, ":white_check_mark:"},
		{NotifyWarning, ":warning:"},
		{NotifyError, ":x:"},
		{NotifyCritical, ":rotating_light:"},
		{NotifyInfo, ":information_source:"},
	}

	for _, tt := range tests {
		if got := Emoji(tt.typ); got != tt.want {
			t.Errorf("Emoji(%v) = %s, want %s", tt.typ, got, tt.want)
		}
	}
}

func TestThreadRef(t *testing.T) {
	tests := []struct {
		ref  ThreadRef
		want string
	}{
		{ThreadRef{Channel: "C1", TS: "1.2"}, "C1/1.2"},
		{ThreadRef{TS: "1.2"}, "1.2"},
		{ThreadRef{Channel: "C1"}, ""},
	}
	for _, tt := range tests {
		if got := tt.ref.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
		if tt.want != "" && ParseThreadRef(tt.want) != tt.ref {
			t.Errorf("ParseThreadRef(%q) = %+v", tt.want, ParseThreadRef(tt.want))
		}
	}
}

type recordingPoster struct {
	ts       string
	messages []Message
}

func (r *recordingPoster) PostMessage(_ context.Context, msg Message) string {
	r.messages = append(r.messages, msg)
	return r.ts
}

func TestNotifier_PostTaskStarted(t *testing.T) {
	poster := &recordingPoster{ts: "1700.0001"}
	n := NewNotifier(poster)

	payload := json.RawMessage(`{"repo":"acme/widgets","issue":42,"title":"Bug","body":"desc"}`)
	ref := n.PostTaskStarted(context.Background(), 1, domain.JobIssueFix, payload)

	if ref != "1700.0001" {
		t.Errorf("ref = %q, want posted ts", ref)
	}
	if !strings.Contains(poster.messages[0].Text, "acme/widgets#42") {
		t.Errorf("text = %q", poster.messages[0].Text)
	}
}

func TestNotifier_PostTaskStartedRepliesInChatThread(t *testing.T) {
	poster := &recordingPoster{ts: "1700.0009"}
	n := NewNotifier(poster)

	payload := json.RawMessage(`{"channel":"C42","user":"U1","text":"<@bot> fix the build","ts":"1700.0005","threadTs":"1700.0001"}`)
	ref := n.PostTaskStarted(context.Background(), 2, domain.JobSlackMention, payload)

	if ref != "C42/1700.0001" {
		t.Errorf("ref = %q, want originating thread", ref)
	}
	msg := poster.messages[0]
	if msg.Channel != "C42" || msg.ThreadTS != "1700.0001" {
		t.Errorf("posted to %s/%s", msg.Channel, msg.ThreadTS)
	}
}

func TestNotifier_PostTaskStartedFailure(t *testing.T) {
	n := NewNotifier(&recordingPoster{})
	ref := n.PostTaskStarted(context.Background(), 3, domain.JobGeneralTask, json.RawMessage(`{"description":"x"}`))
	if ref != "" {
		t.Errorf("ref = %q, want empty when post fails", ref)
	}
}

func TestNotifier_ThreadedUpdates(t *testing.T) {
	poster := &recordingPoster{ts: "1"}
	n := NewNotifier(poster)
	ctx := context.Background()

	if ts := n.PostThreadedUpdate(ctx, "", "ignored", NotifyInfo); ts != "" {
		t.Error("update without thread should not post")
	}
	if len(poster.messages) != 0 {
		t.Fatalf("posted %d messages", len(poster.messages))
	}

	n.PostThreadedUpdate(ctx, "C1/1700.1", "Task was aborted", NotifyWarning)
	n.PostTaskCompleted(ctx, "C1/1700.1", true, 3*time.Minute)

	if len(poster.messages) != 2 {
		t.Fatalf("posted %d messages, want 2", len(poster.messages))
	}
	if poster.messages[0].Text != ":warning: Task was aborted" {
		t.Errorf("text = %q", poster.messages[0].Text)
	}
	if poster.messages[1].ThreadTS != "1700.1" || poster.messages[1].Channel != "C1" {
		t.Errorf("completion posted to %+v", poster.messages[1])
	}
	if !strings.HasPrefix(poster.messages[1].Text, ":white_check_mark: Task completed in 3 minutes") {
		t.Errorf("text = %q", poster.messages[1].Text)
	}
}

func TestMultiPoster(t *testing.T) {
	first := &recordingPoster{}
	second := &recordingPoster{ts: "2"}

	multi := NewMultiPoster(first, second)
	ts := multi.PostMessage(context.Background(), Message{Text: "Test"})

	if ts != "2" {
		t.Errorf("ts = %q, want first non-empty", ts)
	}
	if len(first.messages) != 1 || len(second.messages) != 1 {
		t.Error("every poster should receive the message")
	}
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		n     int
		want  string
		runes int
	}{
		{"short", "fix the build", 200, "fix the build", 13},
		{"multibyte at the cut", strings.Repeat("a", 199) + "é" + "tail", 200, strings.Repeat("a", 199) + "é…", 201},
		{"all multibyte", strings.Repeat("日本", 150), 200, strings.Repeat("日本", 100) + "…", 201},
		{"emoji", strings.Repeat("🚀", 5), 3, "🚀🚀🚀…", 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			if !utf8.ValidString(got) {
				t.Fatalf("truncate() = %q is not valid UTF-8", got)
			}
			if got != tt.want {
				t.Errorf("truncate() = %q, want %q", got, tt.want)
			}
			if c := utf8.RuneCountInString(got); c != tt.runes {
				t.Errorf("rune count = %d, want %d", c, tt.runes)
			}
		})
	}
}

func TestTaskSummary_TruncatesMultibyteText(t *testing.T) {
	raw, _ := json.Marshal(domain.GeneralTaskPayload{Description: strings.Repeat("ü", 250)})
	summary, _ := TaskSummary(domain.JobGeneralTask, raw)
	if !utf8.ValidString(summary) {
		t.Fatalf("summary is not valid UTF-8: %q", summary)
	}
	if !strings.HasSuffix(summary, strings.Repeat("ü", 3)+"…") {
		t.Errorf("summary = %q, want a rune-aligned cut", summary)
	}
}
