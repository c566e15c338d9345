package mcpsse_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	mcpsse "github.com/monsoonlabs/go-mcp-sse"
	"github.com/monsoonlabs/go-mcp-sse/servers/weather"
)

// setupWeatherSession wires a full stack: the weather server behind an
// SSEServer on one side, a ClientSession over an SSEClient on the other,
// talking through a real HTTP server.
func setupWeatherSession(t *testing.T, initialize bool) *mcpsse.ClientSession {
	t.Helper()

	mux := http.NewServeMux()
	testServer := httptest.NewServer(mux)

	server := mcpsse.NewSSEServer(testServer.URL + "/message")
	mux.Handle("/sse", server.HandleSSE())
	mux.Handle("/message", server.HandleMessage())

	handler := weather.NewServer()
	go func() {
		for conn := range server.Connections() {
			in, out := conn.Queues()
			sess := mcpsse.NewSession(in, out, mcpsse.WithHandler(handler))
			sess.Start()
		}
	}()

	sseClient := mcpsse.NewSSEClient(testServer.URL+"/sse", testServer.Client())
	cs := mcpsse.NewClientSession(sseClient,
		mcpsse.WithClientInfo(mcpsse.Info{
			Name:    "weather-test-client",
			Version: "1.0",
		}),
		mcpsse.WithClientReadTimeout(5*time.Second))

	t.Cleanup(func() {
		cs.Close()
		server.Close()
		testServer.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cs.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if initialize {
		if err := cs.Initialize(ctx); err != nil {
			t.Fatalf("failed to initialize: %v", err)
		}
	}

	return cs
}

func TestClientSessionInitialize(t *testing.T) {
	cs := setupWeatherSession(t, true)

	info := cs.ServerInfo()
	if info.Name != "test_app" {
		t.Errorf("got server name %q, want %q", info.Name, "test_app")
	}

	caps := cs.ServerCapabilities()
	if caps.Tools == nil {
		t.Error("server advertised no tools capability")
	}
	if caps.Prompts == nil {
		t.Error("server advertised no prompts capability")
	}
	if caps.Resources == nil {
		t.Error("server advertised no resources capability")
	}
}

func TestClientSessionNotInitialized(t *testing.T) {
	cs := setupWeatherSession(t, false)

	_, err := cs.ListTools(context.Background(), mcpsse.ListToolsParams{})
	if !errors.Is(err, mcpsse.ErrNotInitialized) {
		t.Fatalf("got error %v, want ErrNotInitialized", err)
	}

	// Ping works without the handshake.
	if err := cs.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestClientSessionWeatherFlow(t *testing.T) {
	cs := setupWeatherSession(t, true)
	ctx := context.Background()

	tools, err := cs.ListTools(ctx, mcpsse.ListToolsParams{})
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools.Tools) != 1 || tools.Tools[0].Name != "get_weather" {
		t.Fatalf("got tools %+v, want [get_weather]", tools.Tools)
	}

	args, err := json.Marshal(map[string]string{"location": "Mumbai"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := cs.CallTool(ctx, mcpsse.CallToolParams{
		Name:      "get_weather",
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if len(res.Content) != 1 {
		t.Fatalf("got %d content items, want 1", len(res.Content))
	}
	if !strings.HasPrefix(res.Content[0].Text, "Heavy rain") {
		t.Errorf("got weather %q, want heavy rain in Mumbai", res.Content[0].Text)
	}

	unknownArgs, _ := json.Marshal(map[string]string{"location": "Pluto"})
	res, err = cs.CallTool(ctx, mcpsse.CallToolParams{
		Name:      "get_weather",
		Arguments: unknownArgs,
	})
	if err != nil {
		t.Fatalf("call tool with unknown location: %v", err)
	}
	if !strings.Contains(res.Content[0].Text, "Unable to get weather summary") {
		t.Errorf("got %q, want fallback summary", res.Content[0].Text)
	}

	prompts, err := cs.ListPrompts(ctx, mcpsse.ListPromptsParams{})
	if err != nil {
		t.Fatalf("list prompts: %v", err)
	}
	if len(prompts.Prompts) != 1 || prompts.Prompts[0].Name != "weather_data" {
		t.Fatalf("got prompts %+v, want [weather_data]", prompts.Prompts)
	}

	prompt, err := cs.GetPrompt(ctx, mcpsse.GetPromptParams{Name: "weather_data"})
	if err != nil {
		t.Fatalf("get prompt: %v", err)
	}
	if len(prompt.Messages) != 1 {
		t.Fatalf("got %d prompt messages, want 1", len(prompt.Messages))
	}
	if !strings.Contains(prompt.Messages[0].Content.Text, "Hyderabad, Chennai, Mumbai") {
		t.Errorf("prompt text does not list cities: %q", prompt.Messages[0].Content.Text)
	}

	resources, err := cs.ListResources(ctx, mcpsse.ListResourcesParams{})
	if err != nil {
		t.Fatalf("list resources: %v", err)
	}
	if len(resources.Resources) != 0 {
		t.Errorf("got %d static resources, want 0", len(resources.Resources))
	}

	templates, err := cs.ListResourceTemplates(ctx, mcpsse.ListResourceTemplatesParams{})
	if err != nil {
		t.Fatalf("list resource templates: %v", err)
	}
	if len(templates.Templates) != 1 {
		t.Fatalf("got %d templates, want 1", len(templates.Templates))
	}
	if templates.Templates[0].URITemplate != "resource://user_data/{user_id}" {
		t.Errorf("got template %q, want resource://user_data/{user_id}",
			templates.Templates[0].URITemplate)
	}

	if err := cs.Ping(ctx); err != nil {
		t.Errorf("ping: %v", err)
	}
}

func TestClientSessionReadResource(t *testing.T) {
	cs := setupWeatherSession(t, true)
	ctx := context.Background()

	tests := []struct {
		userID       string
		wantFullname string
		wantLocation string
	}{
		{userID: "1", wantFullname: "Ramesh", wantLocation: "Hyderabad"},
		{userID: "3", wantFullname: "Suresh", wantLocation: "Chennai"},
	}

	for _, tt := range tests {
		uri := "resource://user_data/" + tt.userID
		res, err := cs.ReadResource(ctx, mcpsse.ReadResourceParams{URI: uri})
		if err != nil {
			t.Fatalf("read %s: %v", uri, err)
		}
		if len(res.Contents) != 1 {
			t.Fatalf("got %d contents, want 1", len(res.Contents))
		}

		var user struct {
			UserID   int    `json:"user_id"`
			Fullname string `json:"fullname"`
			Location string `json:"location"`
		}
		if err := json.Unmarshal([]byte(res.Contents[0].Text), &user); err != nil {
			t.Fatalf("unmarshal user: %v", err)
		}
		if user.Fullname != tt.wantFullname {
			t.Errorf("user %s: got fullname %q, want %q", tt.userID, user.Fullname, tt.wantFullname)
		}
		if user.Location != tt.wantLocation {
			t.Errorf("user %s: got location %q, want %q", tt.userID, user.Location, tt.wantLocation)
		}
	}

	_, err := cs.ReadResource(ctx, mcpsse.ReadResourceParams{URI: "resource://unknown/1"})
	var rpcErr *mcpsse.JSONRPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("got error %v, want *JSONRPCError", err)
	}
	if rpcErr.Code != mcpsse.CodeInvalidParams {
		t.Errorf("got code %d, want %d", rpcErr.Code, mcpsse.CodeInvalidParams)
	}
}

func TestClientSessionInvalidToolArguments(t *testing.T) {
	cs := setupWeatherSession(t, true)

	_, err := cs.CallTool(context.Background(), mcpsse.CallToolParams{
		Name:      "get_weather",
		Arguments: json.RawMessage(`{}`),
	})
	var rpcErr *mcpsse.JSONRPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("got error %v, want *JSONRPCError", err)
	}
	if rpcErr.Code != mcpsse.CodeInvalidParams {
		t.Errorf("got code %d, want %d", rpcErr.Code, mcpsse.CodeInvalidParams)
	}
	if !strings.Contains(rpcErr.Message, "validation failed") {
		t.Errorf("got message %q, want validation failure", rpcErr.Message)
	}
}
