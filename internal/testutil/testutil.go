// Package testutil provides common test utilities and helpers for PromptDesk tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/BTreeMap/PromptDesk/internal/api"
	"github.com/BTreeMap/PromptDesk/internal/evolution"
	"github.com/BTreeMap/PromptDesk/internal/flow"
	"github.com/BTreeMap/PromptDesk/internal/models"
	"github.com/BTreeMap/PromptDesk/internal/responder"
	"github.com/BTreeMap/PromptDesk/internal/store"
)

// TB is the subset of testing.TB used by the assertion helpers.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// DefaultReply is what FakeResponders answers with.
const DefaultReply = "Olá! Como posso ajudar?"

// SentText is one message accepted by FakeDispatcher.
type SentText struct {
	Instance string
	Phone    string
	Text     string
}

// FakeDispatcher records sends instead of performing them.
type FakeDispatcher struct {
	mu   sync.Mutex
	sent []SentText
	Fail bool
}

func (d *FakeDispatcher) SendText(ctx context.Context, instance models.ChannelInstance, phone, text string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, SentText{Instance: instance.InstanceName, Phone: phone, Text: text})
	return !d.Fail
}

// Sent returns a copy of every recorded send.
func (d *FakeDispatcher) Sent() []SentText {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]SentText(nil), d.sent...)
}

// FakeResponders is a ResponderSource whose Responder always answers Answer.
type FakeResponders struct {
	mu     sync.Mutex
	Answer string
	calls  int
}

func (f *FakeResponders) ForAPIKey(apiKey string) (responder.Responder, error) {
	return f, nil
}

func (f *FakeResponders) Reply(ctx context.Context, req responder.Request) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.Answer == "" {
		return DefaultReply
	}
	return f.Answer
}

// Calls returns how many replies were generated.
func (f *FakeResponders) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// FakeChecker reports a fixed connection state.
type FakeChecker struct {
	State string
	Err   error
}

func (c FakeChecker) ConnectionState(ctx context.Context, target evolution.Target) (string, error) {
	return c.State, c.Err
}

// TestServer bundles an API server with its in-memory collaborators.
type TestServer struct {
	Store        *store.InMemoryStore
	Dispatcher   *FakeDispatcher
	Responders   *FakeResponders
	Orchestrator *flow.Orchestrator
	Server       *api.Server
	Handler      http.Handler
}

// NewTestServer creates an API server backed by an in-memory store, a
// recording dispatcher and a canned responder. The pre-send delay is off.
func NewTestServer(t testing.TB, opts ...flow.Option) *TestServer {
	t.Helper()
	st := store.NewInMemoryStore()
	ts := &TestServer{
		Store:      st,
		Dispatcher: &FakeDispatcher{},
		Responders: &FakeResponders{},
	}
	opts = append([]flow.Option{flow.WithPreSendDelay(0)}, opts...)
	ts.Orchestrator = flow.NewOrchestrator(flow.Deps{
		Conversations: st,
		Settings:      st,
		Prompts:       st,
		Channels:      st,
		Dedup:         st,
		Dispatcher:    ts.Dispatcher,
		Responders:    ts.Responders,
	}, opts...)
	ts.Server = api.NewServer(ts.Orchestrator, st, FakeChecker{State: "open"})
	ts.Handler = ts.Server.Handler()
	t.Cleanup(func() {
		ts.Orchestrator.Close()
		st.Close()
	})
	return ts
}

// Do serves req and returns the recorded response.
func (ts *TestServer) Do(req *http.Request) *httptest.ResponseRecorder {
	return NewRecorder(ts.Handler, req)
}

// NewRecorder serves req with h and returns the recorded response.
func NewRecorder(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// SeedTestData stores an API key, a notification phone and a default Evolution instance.
func SeedTestData(t TB, st store.Store) {
	t.Helper()
	ctx := context.Background()
	settings := models.Settings{OpenAIAPIKey: "sk-test-1234", NotificationPhone: "5511900000000"}
	if err := st.SaveSettings(ctx, settings); err != nil {
		t.Fatalf("failed to save test settings: %v", err)
	}
	inst := &models.ChannelInstance{
		Name:         "Principal",
		Driver:       models.DriverEvolution,
		APIURL:       "http://evolution.local",
		APIKey:       "evo-key",
		InstanceName: "loja",
		IsDefault:    true,
	}
	if err := st.SaveInstance(ctx, inst); err != nil {
		t.Fatalf("failed to save test instance: %v", err)
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Errorf("response missing or invalid 'status' field")
	}

	return response
}

// DecodeResult decodes the "result" field of an APIResponse body into target.
func DecodeResult(t TB, rr *httptest.ResponseRecorder, target interface{}) models.APIResponse {
	t.Helper()
	var envelope struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to decode JSON response: %v (body %s)", err, rr.Body.String())
	}
	if target != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, target); err != nil {
			t.Fatalf("failed to decode result: %v", err)
		}
	}
	return models.APIResponse{Status: envelope.Status, Message: envelope.Message}
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// CreateJSONRequest creates an HTTP request from a raw JSON string.
func CreateJSONRequest(t TB, method, url, jsonBody string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewBufferString(jsonBody))
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// AssertConversationCount validates the number of conversations with status.
func AssertConversationCount(t TB, st store.ConversationStore, status models.ConversationStatus, expected int, desc string) {
	t.Helper()
	convs, err := st.List(context.Background(), status)
	if err != nil {
		t.Fatalf("%s: failed to list conversations: %v", desc, err)
	}
	if len(convs) != expected {
		t.Errorf("%s: expected %d conversations, got %d", desc, expected, len(convs))
	}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
