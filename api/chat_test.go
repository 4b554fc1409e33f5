package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/GGPrompts/chatbridge/domain"
)

func postChat(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Chat(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return rec
}

func TestChatStreamsFragmentsAndDone(t *testing.T) {
	h := newTestHandler(t)
	rec := postChat(t, h, `{"conversation_id":"c1","content":"what is 2+2?","backend":"mock"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected fragments plus terminator, got %q", rec.Body.String())
	}
	if lines[len(lines)-1] != "[DONE]" {
		t.Fatalf("expected [DONE] terminator, got %q", lines[len(lines)-1])
	}

	var content strings.Builder
	sawDone := false
	for _, line := range lines[:len(lines)-1] {
		var frag domain.Fragment
		if err := json.Unmarshal([]byte(line), &frag); err != nil {
			t.Fatalf("bad fragment %q: %v", line, err)
		}
		content.WriteString(frag.Content)
		if frag.Done {
			sawDone = true
		}
	}
	if content.String() != "2+2 equals 4." {
		t.Errorf("streamed content = %q", content.String())
	}
	if !sawDone {
		t.Error("expected a done fragment before the terminator")
	}
}

func TestChatInvalidBody(t *testing.T) {
	h := newTestHandler(t)
	rec := postChat(t, h, `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestChatMissingContent(t *testing.T) {
	h := newTestHandler(t)
	rec := postChat(t, h, `{"conversation_id":"c1","backend":"mock"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestChatUnknownBackend(t *testing.T) {
	h := newTestHandler(t)
	rec := postChat(t, h, `{"conversation_id":"c1","content":"hi","backend":"nope"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["kind"] != string(domain.ErrKindNotAvailable) {
		t.Errorf("kind = %q", resp["kind"])
	}
}

func TestChatLegacyFlatSettings(t *testing.T) {
	h := newTestHandler(t)
	// Old clients send model at the top level of settings.
	rec := postChat(t, h, `{"conversation_id":"c1","content":"hello","backend":"mock","settings":{"model":"legacy-model","temperature":0.5}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStopChatNothingRunning(t *testing.T) {
	h := newTestHandler(t)
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/chat/stop/c1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("c1")

	if err := h.StopChat(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Stopped bool `json:"stopped"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Stopped {
		t.Error("expected stopped=false with nothing running")
	}
}

func TestRecoverChatNothingInFlight(t *testing.T) {
	h := newTestHandler(t)
	postChat(t, h, `{"conversation_id":"c1","content":"what is 2+2?","backend":"mock"}`)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/chat/recover/c1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("c1")

	if err := h.RecoverChat(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Message *domain.Message `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Message == nil || resp.Message.Content != "2+2 equals 4." {
		t.Fatalf("unexpected recovered message: %+v", resp.Message)
	}
}

func TestGetProcessStatus(t *testing.T) {
	h := newTestHandler(t)
	postChat(t, h, `{"conversation_id":"c1","content":"hello","backend":"mock"}`)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/chat/process/c1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("c1")

	if err := h.GetProcess(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}

	var status domain.ProcessStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !status.HasProcess || status.Running {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestDeleteProcess(t *testing.T) {
	h := newTestHandler(t)
	postChat(t, h, `{"conversation_id":"c1","content":"hello","backend":"mock"}`)

	e := echo.New()
	req := httptest.NewRequest(http.MethodDelete, "/api/chat/process/c1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("c1")

	if err := h.DeleteProcess(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}
