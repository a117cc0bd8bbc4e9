package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/dialogd/internal/config"
	"github.com/fyrsmithlabs/dialogd/internal/conversation"
	"github.com/fyrsmithlabs/dialogd/internal/decision"
	"github.com/fyrsmithlabs/dialogd/internal/llm"
	"github.com/fyrsmithlabs/dialogd/internal/memory"
	"github.com/fyrsmithlabs/dialogd/internal/orchestrator"
	"github.com/fyrsmithlabs/dialogd/internal/prompt"
	"github.com/fyrsmithlabs/dialogd/internal/safety"
	"github.com/fyrsmithlabs/dialogd/internal/stage"
)

// queueClient returns canned responses in order.
type queueClient struct {
	responses []string
}

func (c *queueClient) Generate(ctx context.Context, req llm.Request) (string, error) {
	if len(c.responses) == 0 {
		return "fallback response?", nil
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func (c *queueClient) GenerateStream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	text, err := c.Generate(ctx, req)
	out := make(chan llm.Chunk, 1)
	if err != nil {
		out <- llm.Chunk{Err: err}
	} else {
		out <- llm.Chunk{Text: text}
	}
	close(out)
	return out, nil
}

const stayJSON = `{"decision":"stay","summary":"s","addressing":"formal","reason":"r","handoff":{},"safety_risk":false}`

func newTestServer(t *testing.T, supervisor, therapist *queueClient) *Server {
	t.Helper()

	stages, err := stage.NewGraph([]stage.Definition{
		{ID: "opening", Name: "Opening", Order: 0},
		{ID: "closing", Name: "Closing", Order: 1},
	})
	require.NoError(t, err)

	strat, err := memory.NewStrategy(memory.NewDefaultConfig(), nil)
	require.NoError(t, err)
	checker, err := safety.NewChecker(safety.NewDefaultConfig(), nil)
	require.NoError(t, err)

	orch, err := orchestrator.New(orchestrator.Deps{
		Supervisor: supervisor,
		Therapist:  therapist,
		Stages:     stages,
		Memory:     strat,
		Parser:     decision.NewParser(nil),
		Safety:     checker,
		Prompts: &prompt.StaticProvider{Prompts: map[string]string{
			"supervisor/system.md": "supervisor persona",
			"therapist/system.md":  "therapist persona",
		}},
	})
	require.NoError(t, err)

	cfg := config.ServerConfig{Port: 0, ShutdownTimeout: time.Second}
	return NewServer(cfg, 30*time.Second, orch, stages, nil)
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echoHeaderContentType, "application/json")
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

const echoHeaderContentType = "Content-Type"

func createSession(t *testing.T, s *Server) string {
	t.Helper()
	rec := doRequest(s, http.MethodPost, "/v1/sessions", "")
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	id, _ := resp["session_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "opening", resp["stage_id"])
	return id
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &queueClient{}, &queueClient{})
	rec := doRequest(s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dialogd")
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t, &queueClient{}, &queueClient{})
	rec := doRequest(s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListStages(t *testing.T) {
	s := newTestServer(t, &queueClient{}, &queueClient{})
	rec := doRequest(s, http.MethodGet, "/v1/stages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "opening")
	assert.Contains(t, rec.Body.String(), "closing")
}

func TestMessageRoundTrip(t *testing.T) {
	supervisor := &queueClient{responses: []string{stayJSON}}
	therapist := &queueClient{responses: []string{"What would help most right now?"}}
	s := newTestServer(t, supervisor, therapist)
	id := createSession(t, s)

	rec := doRequest(s, http.MethodPost, "/v1/sessions/"+id+"/messages", `{"text":"I feel stuck"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp turnResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "What would help most right now?", resp.Reply)
	assert.Equal(t, "stay", resp.Decision)
	assert.False(t, resp.Crisis)

	conv := doRequest(s, http.MethodGet, "/v1/sessions/"+id+"/conversation", "")
	require.Equal(t, http.StatusOK, conv.Code)
	assert.Contains(t, conv.Body.String(), "I feel stuck")
	assert.Contains(t, conv.Body.String(), "What would help most right now?")
}

func TestMessage_EmptyText(t *testing.T) {
	s := newTestServer(t, &queueClient{}, &queueClient{})
	id := createSession(t, s)

	rec := doRequest(s, http.MethodPost, "/v1/sessions/"+id+"/messages", `{"text":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessage_UnknownSession(t *testing.T) {
	s := newTestServer(t, &queueClient{}, &queueClient{})
	rec := doRequest(s, http.MethodPost, "/v1/sessions/nope/messages", `{"text":"hi"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMessage_BusyConflict(t *testing.T) {
	s := newTestServer(t, &queueClient{}, &queueClient{})
	id := createSession(t, s)

	sess, ok := s.sessions.get(id)
	require.True(t, ok)
	require.True(t, sess.State.AcceptInput("in flight"))
	_, _, err := sess.State.StartProcessing()
	require.NoError(t, err)

	rec := doRequest(s, http.MethodPost, "/v1/sessions/"+id+"/messages", `{"text":"another"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMessageStream(t *testing.T) {
	supervisor := &queueClient{responses: []string{stayJSON}}
	therapist := &queueClient{responses: []string{"Small steps count too?"}}
	s := newTestServer(t, supervisor, therapist)
	id := createSession(t, s)

	rec := doRequest(s, http.MethodPost, "/v1/sessions/"+id+"/messages/stream", `{"text":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "event: chunk")
	assert.Contains(t, body, "Small steps count too?")
	assert.Contains(t, body, "event: result")
}

func TestReset(t *testing.T) {
	supervisor := &queueClient{responses: []string{stayJSON}}
	therapist := &queueClient{responses: []string{"And what else?"}}
	s := newTestServer(t, supervisor, therapist)
	id := createSession(t, s)

	rec := doRequest(s, http.MethodPost, "/v1/sessions/"+id+"/messages", `{"text":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodPost, "/v1/sessions/"+id+"/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)

	conv := doRequest(s, http.MethodGet, "/v1/sessions/"+id+"/conversation", "")
	assert.NotContains(t, conv.Body.String(), "And what else?")
}

func TestDeleteSession(t *testing.T) {
	s := newTestServer(t, &queueClient{}, &queueClient{})
	id := createSession(t, s)
	require.Equal(t, 1, s.sessions.len())

	rec := doRequest(s, http.MethodDelete, "/v1/sessions/"+id, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, s.sessions.len())

	rec = doRequest(s, http.MethodDelete, "/v1/sessions/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSession(t *testing.T) {
	s := newTestServer(t, &queueClient{}, &queueClient{})
	id := createSession(t, s)

	rec := doRequest(s, http.MethodGet, "/v1/sessions/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), id)
}

func TestRetreat(t *testing.T) {
	advanceJSON := `{"decision":"advance","summary":"s","addressing":"formal","reason":"r","handoff":{},"safety_risk":false}`
	supervisor := &queueClient{responses: []string{advanceJSON}}
	therapist := &queueClient{responses: []string{"Ready to wrap up?"}}
	s := newTestServer(t, supervisor, therapist)
	id := createSession(t, s)

	rec := doRequest(s, http.MethodPost, "/v1/sessions/"+id+"/messages", `{"text":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stage_id":"closing"`)

	rec = doRequest(s, http.MethodPost, "/v1/sessions/"+id+"/stage/retreat", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stage_id":"opening"`)

	// First stage: retreat is a no-op, not an error.
	rec = doRequest(s, http.MethodPost, "/v1/sessions/"+id+"/stage/retreat", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stage_id":"opening"`)
}

func TestMessageStream_ChunksAreValidJSON(t *testing.T) {
	supervisor := &queueClient{responses: []string{stayJSON}}
	therapist := &queueClient{responses: []string{"odd \x01 bytes and \"quotes\"?"}}
	s := newTestServer(t, supervisor, therapist)
	id := createSession(t, s)

	rec := doRequest(s, http.MethodPost, "/v1/sessions/"+id+"/messages/stream", `{"text":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var rebuilt string
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || !strings.HasPrefix(data, `"`) {
			continue
		}
		var chunk string
		require.NoError(t, json.Unmarshal([]byte(data), &chunk), "chunk payload must be JSON: %s", data)
		rebuilt += chunk
	}
	assert.Equal(t, "odd \x01 bytes and \"quotes\"?", rebuilt)
}

func TestTurnError_ConcurrentStartMapsToConflict(t *testing.T) {
	err := turnError(conversation.ErrAlreadyProcessing)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusConflict, httpErr.Code)
}
