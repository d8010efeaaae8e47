package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/storyd/internal/contract"
	"github.com/fyrsmithlabs/storyd/internal/engine"
	"github.com/fyrsmithlabs/storyd/internal/eventbus"
	"github.com/fyrsmithlabs/storyd/internal/logging"
	"github.com/fyrsmithlabs/storyd/internal/story"
)

func newTestServer(t *testing.T, nc *nats.Conn) (*Server, *engine.Engine) {
	t.Helper()
	eng := engine.New(engine.Options{})
	srv, err := NewServer(eng, nc, logging.NewNop(), nil)
	require.NoError(t, err)
	return srv, eng
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echoContentType, "application/json")
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	return rec
}

const echoContentType = "Content-Type"

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestEnqueueAndGetStory(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodPost, "/v1/stories", EnqueueRequest{
		ID:            "story-1",
		ParentFeature: "feature-login",
		Priority:      story.P1,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var st story.Story
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "story-1", st.ID)
	assert.Equal(t, story.StatusPending, st.Status)

	rec = doJSON(t, srv, http.MethodGet, "/v1/stories/story-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/v1/stories/story-missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnqueue_ErrorMapping(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	// Missing ID.
	rec := doJSON(t, srv, http.MethodPost, "/v1/stories", EnqueueRequest{Priority: story.P1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/v1/stories", EnqueueRequest{ID: "story-1", Priority: story.P1})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Duplicate ID.
	rec = doJSON(t, srv, http.MethodPost, "/v1/stories", EnqueueRequest{ID: "story-1", Priority: story.P1})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Dependency cycle.
	rec = doJSON(t, srv, http.MethodPost, "/v1/stories", EnqueueRequest{
		ID: "story-2", Priority: story.P1, Dependencies: []string{"story-3"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doJSON(t, srv, http.MethodPost, "/v1/stories", EnqueueRequest{
		ID: "story-3", Priority: story.P1, Dependencies: []string{"story-2"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestNextAndResults(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	// Empty backlog dispatches nothing.
	rec := doJSON(t, srv, http.MethodPost, "/v1/next", NextRequest{})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/v1/stories", EnqueueRequest{
		ID: "story-1", ParentFeature: "feature-login", Priority: story.P0,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Wrong agent type gets nothing.
	rec = doJSON(t, srv, http.MethodPost, "/v1/next", NextRequest{AgentType: story.AgentDesigner})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/v1/next", NextRequest{AgentType: story.AgentSpecWriter})
	require.Equal(t, http.StatusOK, rec.Code)

	var a engine.Assignment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	assert.Equal(t, "story-1", a.Story.ID)
	assert.Equal(t, story.StageSpecification, a.Contract.TargetStage)

	rec = doJSON(t, srv, http.MethodPost, "/v1/results", ResultRequest{
		StoryID: "story-1",
		Stage:   story.StageSpecification,
		Success: true,
		Payload: contract.Payload{
			"specification":       "user can log in",
			"acceptance_criteria": []string{"valid credentials grant access"},
			"design_principles":   map[string]any{"simplicity": true},
			"target_audience_fit": true,
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var st story.Story
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, story.StageDesign, st.Stage)

	// A report with nothing in flight conflicts.
	rec = doJSON(t, srv, http.MethodPost, "/v1/results", ResultRequest{
		StoryID: "story-1", Stage: story.StageDesign, Success: true,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDecisionsAndEscalations(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodPost, "/v1/stories", EnqueueRequest{
		ID: "story-1", ParentFeature: "feature-login", Priority: story.P1,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/v1/escalations/story-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Fail past the default cap to force an escalation.
	for i := 0; i < 2; i++ {
		rec = doJSON(t, srv, http.MethodPost, "/v1/next", NextRequest{})
		require.Equal(t, http.StatusOK, rec.Code)
		rec = doJSON(t, srv, http.MethodPost, "/v1/results", ResultRequest{
			StoryID: "story-1", Stage: story.StageSpecification, Success: false, Reason: "spec unworkable",
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/v1/escalations/story-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "consecutive_failures")

	// Unknown decisions are refused.
	rec = doJSON(t, srv, http.MethodPost, "/v1/decisions", DecisionRequest{
		StoryID: "story-1", Decision: "defer",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/v1/decisions", DecisionRequest{
		StoryID:     "story-1",
		Decision:    engine.DecisionResume,
		TargetStage: story.StageSpecification,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var st story.Story
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, story.StatusPending, st.Status)
}

func TestQueueStatus(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	doJSON(t, srv, http.MethodPost, "/v1/stories", EnqueueRequest{ID: "story-a", Priority: story.P0})
	doJSON(t, srv, http.MethodPost, "/v1/stories", EnqueueRequest{ID: "story-b", Priority: story.P2})

	rec := doJSON(t, srv, http.MethodGet, "/v1/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var qs engine.QueueStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &qs))
	assert.Equal(t, 2, qs.Total)
	assert.Equal(t, 2, qs.ByStatus[story.StatusPending])
	assert.Equal(t, 1, qs.ByPriority["P0"])
}

func TestStoryStream_WithoutNATS(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	doJSON(t, srv, http.MethodPost, "/v1/stories", EnqueueRequest{ID: "story-1", Priority: story.P1})

	rec := doJSON(t, srv, http.MethodGet, "/v1/stories/story-1/stream", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestStoryStream_StreamsUntilTerminal(t *testing.T) {
	ns := startTestNATSServer(t)
	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	srv, eng := newTestServer(t, nc)
	eventbus.NewBridge(nc, nil).Attach(eng.Bus())

	doJSON(t, srv, http.MethodPost, "/v1/stories", EnqueueRequest{ID: "story-1", Priority: story.P1})

	ts := httptest.NewServer(srv.Echo())
	defer ts.Close()

	// Reject the story once the stream is subscribed so a terminal
	// event closes the response.
	go func() {
		time.Sleep(200 * time.Millisecond)
		ctx := context.Background()
		for i := 0; i < 2; i++ {
			if _, ok := eng.SelectNext(ctx); !ok {
				return
			}
			_ = eng.ReportStageResult(ctx, "story-1", story.StageSpecification, false, nil, "spec unworkable")
		}
		_ = eng.SubmitDecision(ctx, "story-1", engine.DecisionReject, "")
	}()

	resp, err := http.Get(ts.URL + "/v1/stories/story-1/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "event: stage_failed")
	assert.Contains(t, text, "event: rejected")
	assert.False(t, strings.Contains(text, "event: heartbeat"))
}
