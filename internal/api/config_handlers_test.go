package api_test

import (
	"net/http"
	"strings"
	"testing"

	"github.com/BTreeMap/PromptDesk/internal/models"
	"github.com/BTreeMap/PromptDesk/internal/testutil"
)

func TestSettingsEndpoints(t *testing.T) {
	ts := testutil.NewTestServer(t)

	rr := ts.Do(testutil.CreateJSONRequest(t, http.MethodPut, "/settings",
		`{"openai_api_key":"sk-secret-9876","transfer_keywords":["gerente"," "],"notification_phone":"5511900000000"}`))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "update")
	var settings models.Settings
	testutil.DecodeResult(t, rr, &settings)
	if settings.OpenAIAPIKey != "****9876" {
		t.Errorf("expected masked key, got %q", settings.OpenAIAPIKey)
	}
	if len(settings.TransferKeywords) != 1 || settings.TransferKeywords[0] != "gerente" {
		t.Errorf("unexpected keywords %v", settings.TransferKeywords)
	}
	if strings.Contains(rr.Body.String(), "sk-secret") {
		t.Error("API key leaked in response")
	}

	rr = ts.Do(testutil.CreateJSONRequest(t, http.MethodPut, "/settings", `{"transfer_keywords":[]}`))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "disable keywords")
	stored, err := ts.Store.GetSettings(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if stored.TransferKeywords == nil || len(stored.TransferKeywords) != 0 {
		t.Errorf("expected an empty non-nil keyword list, got %#v", stored.TransferKeywords)
	}
	if stored.OpenAIAPIKey != "sk-secret-9876" {
		t.Error("partial update must keep the API key")
	}

	rr = ts.Do(testutil.CreateJSONRequest(t, http.MethodPut, "/settings", `{"reset_transfer_keywords":true}`))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "reset keywords")
	stored, _ = ts.Store.GetSettings(t.Context())
	if stored.TransferKeywords != nil {
		t.Errorf("expected default keywords, got %#v", stored.TransferKeywords)
	}

	ts.Do(testutil.CreateJSONRequest(t, http.MethodPut, "/settings", `{"transfer_keywords":["dono"]}`))
	rr = ts.Do(testutil.CreateJSONRequest(t, http.MethodPut, "/settings", `{"transfer_keywords":null}`))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "null keywords")
	stored, _ = ts.Store.GetSettings(t.Context())
	if stored.TransferKeywords != nil {
		t.Errorf("null must restore default keywords, got %#v", stored.TransferKeywords)
	}

	rr = ts.Do(testutil.CreateHTTPRequest(t, http.MethodGet, "/settings", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get")
	testutil.AssertJSONResponse(t, rr, string(models.APIStatusOK))
}

func TestPromptEndpoints(t *testing.T) {
	ts := testutil.NewTestServer(t)

	rr := ts.Do(testutil.CreateHTTPRequest(t, http.MethodGet, "/prompts/active", nil))
	var active models.BotPrompt
	testutil.DecodeResult(t, rr, &active)
	if active.SystemPrompt != models.DefaultSystemPrompt {
		t.Errorf("expected default prompt, got %q", active.SystemPrompt)
	}

	rr = ts.Do(testutil.CreateHTTPRequest(t, http.MethodPost, "/prompts",
		models.BotPrompt{Name: "Loja", SystemPrompt: "Você atende [Nome do Cliente].", IsActive: true}))
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create first")
	var first models.BotPrompt
	testutil.DecodeResult(t, rr, &first)

	rr = ts.Do(testutil.CreateHTTPRequest(t, http.MethodPost, "/prompts",
		models.BotPrompt{Name: "Oficina", SystemPrompt: "Você atende a oficina."}))
	var second models.BotPrompt
	testutil.DecodeResult(t, rr, &second)

	rr = ts.Do(testutil.CreateJSONRequest(t, http.MethodPut, "/prompts/"+second.ID, `{"is_active":true}`))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "activate second")

	rr = ts.Do(testutil.CreateHTTPRequest(t, http.MethodGet, "/prompts", nil))
	var prompts []models.BotPrompt
	testutil.DecodeResult(t, rr, &prompts)
	activeCount := 0
	for _, p := range prompts {
		if p.IsActive {
			activeCount++
			if p.ID != second.ID {
				t.Errorf("wrong prompt active: %s", p.Name)
			}
		}
	}
	if activeCount != 1 {
		t.Errorf("expected exactly one active prompt, got %d", activeCount)
	}

	rr = ts.Do(testutil.CreateHTTPRequest(t, http.MethodPost, "/prompts", models.BotPrompt{Name: "vazio"}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "empty system prompt")

	rr = ts.Do(testutil.CreateHTTPRequest(t, http.MethodDelete, "/prompts/"+first.ID, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "delete")
	rr = ts.Do(testutil.CreateHTTPRequest(t, http.MethodDelete, "/prompts/"+first.ID, nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "delete again")
}

func TestInstanceEndpoints(t *testing.T) {
	ts := testutil.NewTestServer(t)

	rr := ts.Do(testutil.CreateHTTPRequest(t, http.MethodPost, "/instances", models.ChannelInstance{
		Name: "A", APIURL: "http://evo-a", APIKey: "key-a", InstanceName: "a", IsDefault: true,
	}))
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create A")
	var a models.ChannelInstance
	testutil.DecodeResult(t, rr, &a)
	if a.Driver != models.DriverEvolution || a.APIKey != "****" {
		t.Errorf("expected evolution default and masked key, got %+v", a)
	}

	rr = ts.Do(testutil.CreateHTTPRequest(t, http.MethodPost, "/instances", models.ChannelInstance{
		Name: "B", Driver: models.DriverTwilio, AccountID: "AC1", APIKey: "tok", InstanceName: "+15550001111",
	}))
	var b models.ChannelInstance
	testutil.DecodeResult(t, rr, &b)

	rr = ts.Do(testutil.CreateHTTPRequest(t, http.MethodPost, "/instances/"+b.ID+"/default", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "set default")
	def, err := ts.Store.DefaultInstance(t.Context())
	if err != nil || def.ID != b.ID {
		t.Fatalf("expected B as default, got %+v (%v)", def, err)
	}

	rr = ts.Do(testutil.CreateHTTPRequest(t, http.MethodGet, "/instances/"+b.ID+"/status", nil))
	var status map[string]string
	testutil.DecodeResult(t, rr, &status)
	if status["state"] != "unknown" {
		t.Errorf("non-evolution drivers report unknown, got %v", status)
	}

	rr = ts.Do(testutil.CreateHTTPRequest(t, http.MethodPost, "/instances", models.ChannelInstance{Name: "C", Driver: "telegram", InstanceName: "c"}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid driver")

	rr = ts.Do(testutil.CreateHTTPRequest(t, http.MethodPost, "/instances/missing/default", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "missing instance")

	rr = ts.Do(testutil.CreateHTTPRequest(t, http.MethodGet, "/instances", nil))
	if strings.Contains(rr.Body.String(), "key-a") {
		t.Error("instance API key leaked in list")
	}
}
