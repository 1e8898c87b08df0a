package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	incident := Incident{EvaluatedAt: evalAt, Stage: "fetch", Err: errors.New("feed returned 503")}

	if err := notifier.NotifyIncident(context.Background(), incident); err != nil {
		t.Fatalf("Telegram 通知应成功: %v", err)
	}
	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "feed returned 503") {
		t.Fatalf("text 应包含错误信息: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.NotifyIncident(context.Background(), Incident{EvaluatedAt: evalAt}); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestOperatorsAttemptEveryNotifier(t *testing.T) {
	channel := &recordingChannel{}
	ops := Operators{
		NewMailOperator(&recordingChannel{failFor: map[string]bool{"ops@example.com": true}}, "ops@example.com"),
		NewMailOperator(channel, "oncall@example.com"),
	}
	err := ops.NotifyIncident(context.Background(), Incident{EvaluatedAt: evalAt, Stage: "ingest", Err: errors.New("boom")})
	if err == nil {
		t.Fatal("任一通知失败应返回错误")
	}
	if len(channel.sent) != 1 || channel.sent[0] != "oncall@example.com" {
		t.Fatalf("失败后仍应继续通知其他渠道: %v", channel.sent)
	}
}
