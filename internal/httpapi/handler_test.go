package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pkt.systems/pcfd/api"
	"pkt.systems/pcfd/internal/agentmap"
	"pkt.systems/pcfd/internal/checkpoint"
	"pkt.systems/pcfd/internal/clock"
	"pkt.systems/pcfd/internal/history"
	"pkt.systems/pcfd/internal/lifecycle"
	"pkt.systems/pcfd/internal/pcq"
	"pkt.systems/pcfd/internal/queue"
	"pkt.systems/pcfd/internal/storage/memory"
	"pkt.systems/pcfd/internal/throttle"
	"pkt.systems/pcfd/internal/uuidv7"
)

var testStart = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

const testToken = "agent-secret"

type testEnv struct {
	t       *testing.T
	clk     *clock.Manual
	engine  *checkpoint.Engine
	pub     *lifecycle.Recorder
	mux     *http.ServeMux
	agentID pcq.AgentID
	groupID pcq.AssetGroupID
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	clk := clock.NewManual(testStart)
	backend := memory.New()
	router, err := queue.NewRouter(backend, "unit", queue.Config{}, clk, nil)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	hist, err := history.New(backend, clk, nil)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	group := agentmap.AssetGroupInfo{
		AssetGroupID: uuidv7.New(),
		AgentID:      uuidv7.New(),
	}
	pub := &lifecycle.Recorder{}
	engine, err := checkpoint.New(checkpoint.Config{}, checkpoint.Deps{
		Router:    router,
		History:   hist,
		Publisher: pub,
		AgentMap:  agentmap.New([]agentmap.AssetGroupInfo{group}),
		Clock:     clk,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	cfg := Config{
		Engine: engine,
		Authorizer: &StaticTokenAuthorizer{
			Tokens: map[string]Principal{
				testToken: {AgentID: group.AgentID, Name: "test-agent"},
			},
		},
		Clock: clk,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	return &testEnv{
		t:       t,
		clk:     clk,
		engine:  engine,
		pub:     pub,
		mux:     mux,
		agentID: group.AgentID,
		groupID: group.AssetGroupID,
	}
}

func (e *testEnv) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			e.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) ingest(cmdType pcq.CommandType) *pcq.Command {
	e.t.Helper()
	cmd := &pcq.Command{
		ID:           uuidv7.New(),
		AgentID:      e.agentID,
		AssetGroupID: e.groupID,
		Subject:      pcq.Subject{Type: pcq.SubjectTypeMSA, Identity: "subject-1"},
		Type:         cmdType,
		CreatedAt:    e.clk.Now(),
	}
	if err := e.engine.Ingest(context.Background(), cmd); err != nil {
		e.t.Fatalf("ingest: %v", err)
	}
	return cmd
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func wantErrorCode(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	resp := decodeBody[api.ErrorResponse](t, rec)
	if resp.ErrorCode != code {
		t.Fatalf("errorCode %q, want %q", resp.ErrorCode, code)
	}
}

func TestHandlerRejectsUnauthenticated(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/getcommands", nil)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	wantErrorCode(t, rec, http.StatusUnauthorized, "AuthenticationFailed")
}

func TestHandlerHealthSkipsAuth(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}
}

func TestHandlerThrottleBeforeWork(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(cfg *Config) {
		cfg.Gate = throttle.New(throttle.Rules{"getcommands": 0})
	})
	rec := env.do(http.MethodGet, "/getcommands", nil, nil)
	wantErrorCode(t, rec, http.StatusTooManyRequests, "TooManyRequests")
	if got := rec.Header().Get("Retry-After"); got != "5" {
		t.Fatalf("Retry-After %q, want 5", got)
	}
	// The throttle keys on operation: other endpoints stay open.
	rec = env.do(http.MethodGet, "/commandstatus?commandId="+uuidv7.NewString(), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("commandstatus throttled too: %d", rec.Code)
	}
}

func TestGetCommandsGroupsByType(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.ingest(pcq.CommandTypeDelete)
	env.ingest(pcq.CommandTypeExport)
	env.ingest(pcq.CommandTypeAgeOut)

	rec := env.do(http.MethodGet, "/getcommands", nil, map[string]string{
		headerLeaseDuration: "600",
		headerClientVersion: "1.8.0",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("getcommands status %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[api.GetCommandsResponse](t, rec)
	if len(resp.DeleteCommands) != 1 || len(resp.ExportCommands) != 1 || len(resp.AgeOutCommands) != 1 {
		t.Fatalf("grouping off: %+v", resp)
	}
	got := resp.DeleteCommands[0]
	if got.LeaseReceipt == "" {
		t.Fatal("popped command missing lease receipt")
	}
	if want := testStart.Add(600 * time.Second); !got.NextVisibleTime.Equal(want) {
		t.Fatalf("requested lease not honored: %v, want %v", got.NextVisibleTime, want)
	}
}

func TestGetCommandsInvalidLeaseHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(http.MethodGet, "/getcommands", nil, map[string]string{
		headerLeaseDuration: "soon",
	})
	wantErrorCode(t, rec, http.StatusBadRequest, "InvalidLeaseExtension")
}

func TestCheckpointRoundTrip(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	cmd := env.ingest(pcq.CommandTypeDelete)

	rec := env.do(http.MethodGet, "/getcommands", nil, nil)
	popped := decodeBody[api.GetCommandsResponse](t, rec)
	if len(popped.DeleteCommands) != 1 {
		t.Fatalf("expected one popped command, got %+v", popped)
	}
	token := popped.DeleteCommands[0].LeaseReceipt

	// Extend, then complete through the successor receipt.
	rec = env.do(http.MethodPost, "/checkpoint", api.CheckpointRequest{
		LeaseReceipt:          token,
		Status:                "Pending",
		LeaseExtensionSeconds: 3600,
		AgentState:            "cursor=17",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pending checkpoint status %d: %s", rec.Code, rec.Body.String())
	}
	next := decodeBody[api.CheckpointResponse](t, rec)
	if next.LeaseReceipt == "" || next.LeaseReceipt == token {
		t.Fatalf("expected a fresh successor receipt, got %q", next.LeaseReceipt)
	}

	rec = env.do(http.MethodPost, "/checkpoint", api.CheckpointRequest{
		LeaseReceipt: next.LeaseReceipt,
		Status:       "Complete",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete checkpoint status %d: %s", rec.Code, rec.Body.String())
	}
	done := decodeBody[api.CheckpointResponse](t, rec)
	if done.LeaseReceipt != "" {
		t.Fatalf("terminal checkpoint returned a receipt: %q", done.LeaseReceipt)
	}

	// The status read path now shows the completion.
	rec = env.do(http.MethodGet, "/commandstatus?commandId="+cmd.ID.String(), nil, nil)
	status := decodeBody[api.CommandStatusResponse](t, rec)
	if len(status.AssetGroups) != 1 || status.AssetGroups[0].CompletedAt == nil {
		t.Fatalf("completion missing from status: %+v", status)
	}
}

func TestCheckpointErrorEnvelope(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(http.MethodPost, "/checkpoint", api.CheckpointRequest{
		LeaseReceipt: "garbage",
		Status:       "Complete",
	}, nil)
	wantErrorCode(t, rec, http.StatusBadRequest, "MalformedLeaseReceipt")
}

func TestCheckpointRejectsBadJSON(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/checkpoint", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	wantErrorCode(t, rec, http.StatusBadRequest, "InvalidRequestBody")
}

func TestCheckpointMethodNotAllowed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(http.MethodGet, "/checkpoint", nil, nil)
	wantErrorCode(t, rec, http.StatusMethodNotAllowed, "MethodNotAllowed")
}

func TestBatchCheckpointOversize(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	payload := api.BatchCheckpointRequest{}
	for i := 0; i < checkpoint.DefaultMaxBatchSize+1; i++ {
		payload.Checkpoints = append(payload.Checkpoints, api.CheckpointRequest{
			LeaseReceipt: fmt.Sprintf("item-%d", i),
			Status:       "Complete",
		})
	}
	rec := env.do(http.MethodPost, "/checkpoint/batch", payload, nil)
	wantErrorCode(t, rec, http.StatusRequestEntityTooLarge, "BatchSizeExceedsMaxAllowed")
}

func TestBatchCheckpointItemIsolation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	cmd := env.ingest(pcq.CommandTypeDelete)
	rec := env.do(http.MethodGet, "/getcommands", nil, nil)
	popped := decodeBody[api.GetCommandsResponse](t, rec)
	token := popped.DeleteCommands[0].LeaseReceipt

	rec = env.do(http.MethodPost, "/checkpoint/batch", api.BatchCheckpointRequest{
		Checkpoints: []api.CheckpointRequest{
			{LeaseReceipt: token, Status: "Complete"},
			{LeaseReceipt: "garbage", Status: "Complete"},
		},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("batch status %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[api.BatchCheckpointResponse](t, rec)
	if len(resp.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(resp.Results))
	}
	if resp.Results[0].Error != nil {
		t.Fatalf("valid item failed: %+v", resp.Results[0].Error)
	}
	if resp.Results[0].CommandID != cmd.ID.String() {
		t.Fatalf("command id not echoed: %q", resp.Results[0].CommandID)
	}
	if resp.Results[1].Error == nil || resp.Results[1].Error.ErrorCode != "MalformedLeaseReceipt" {
		t.Fatalf("malformed item: %+v", resp.Results[1].Error)
	}
}

func TestQueryCommandReadOnly(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.ingest(pcq.CommandTypeExport)
	rec := env.do(http.MethodGet, "/getcommands", nil, nil)
	popped := decodeBody[api.GetCommandsResponse](t, rec)
	token := popped.ExportCommands[0].LeaseReceipt

	for i := 0; i < 2; i++ {
		rec = env.do(http.MethodPost, "/command", api.QueryCommandRequest{LeaseReceipt: token}, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("query %d status %d: %s", i, rec.Code, rec.Body.String())
		}
		resp := decodeBody[api.QueryCommandResponse](t, rec)
		if resp.Command == nil || resp.Command.LeaseReceipt != token {
			t.Fatalf("query must echo the same receipt: %+v", resp.Command)
		}
	}
}

func TestCommandStatusUnknownIsEmpty(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(http.MethodGet, "/commandstatus?commandId="+uuidv7.NewString(), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unknown command id must read as empty success, got %d", rec.Code)
	}
	resp := decodeBody[api.CommandStatusResponse](t, rec)
	if resp.CommandID != "" || len(resp.AssetGroups) != 0 {
		t.Fatalf("expected empty status, got %+v", resp)
	}

	rec = env.do(http.MethodGet, "/commandstatus?commandId=not-a-uuid", nil, nil)
	wantErrorCode(t, rec, http.StatusBadRequest, "InvalidCommandId")
}

func TestReadyzReportsBackendProbe(t *testing.T) {
	t.Parallel()

	probeErr := errors.New("backend unreachable")
	env := newTestEnv(t, func(cfg *Config) {
		cfg.ReadyCheck = func(context.Context) error { return probeErr }
	})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	wantErrorCode(t, rec, http.StatusServiceUnavailable, "NotReady")
}

func TestCorrelationHeaderEcho(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(http.MethodGet, "/getcommands", nil, map[string]string{
		headerCorrelationID: "trace-42",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("getcommands status %d", rec.Code)
	}
	if got := rec.Header().Get(headerCorrelationID); got != "trace-42" {
		t.Fatalf("correlation id not echoed: %q", got)
	}
}
