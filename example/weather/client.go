package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	mcpsse "github.com/monsoonlabs/go-mcp-sse"
)

type client struct {
	cs     *mcpsse.ClientSession
	ctx    context.Context
	cancel context.CancelFunc

	done chan struct{}
}

func newClient(baseURL string, cfg config, logger *slog.Logger) *client {
	ctx, cancel := context.WithCancel(context.Background())

	sse := mcpsse.NewSSEClient(fmt.Sprintf("%s/sse", baseURL), http.DefaultClient,
		mcpsse.WithSSEClientConnectTimeout(cfg.ConnectTimeout),
		mcpsse.WithSSEClientLogger(logger))

	return &client{
		cs: mcpsse.NewClientSession(sse,
			mcpsse.WithClientInfo(mcpsse.Info{
				Name:    "weather-client",
				Version: "1.0",
			}),
			mcpsse.WithClientReadTimeout(cfg.ReadTimeout),
			mcpsse.WithClientLogger(logger)),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (c *client) run() {
	defer close(c.done)
	go c.listenInterruptSignal()

	fmt.Println("Connecting to server...")
	if err := c.cs.Connect(c.ctx); err != nil {
		fmt.Printf("failed to connect to server: %v\n", err)
		return
	}
	defer c.cs.Close()

	if err := c.cs.Initialize(c.ctx); err != nil {
		fmt.Printf("failed to initialize session: %v\n", err)
		return
	}
	info := c.cs.ServerInfo()
	fmt.Printf("Connected to %s %s\n", info.Name, info.Version)

	if err := c.demo(); err != nil {
		fmt.Printf("demo failed: %v\n", err)
	}
}

func (c *client) demo() error {
	tools, err := c.cs.ListTools(c.ctx, mcpsse.ListToolsParams{})
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	for _, tool := range tools.Tools {
		fmt.Printf("Tool: %s - %s\n", tool.Name, tool.Description)
	}

	args, err := json.Marshal(map[string]string{"location": "Mumbai"})
	if err != nil {
		return err
	}
	weather, err := c.cs.CallTool(c.ctx, mcpsse.CallToolParams{
		Name:      "get_weather",
		Arguments: args,
	})
	if err != nil {
		return fmt.Errorf("call get_weather: %w", err)
	}
	for _, content := range weather.Content {
		fmt.Printf("Weather in Mumbai: %s\n", content.Text)
	}

	prompts, err := c.cs.ListPrompts(c.ctx, mcpsse.ListPromptsParams{})
	if err != nil {
		return fmt.Errorf("list prompts: %w", err)
	}
	for _, prompt := range prompts.Prompts {
		fmt.Printf("Prompt: %s\n", prompt.Name)
	}

	prompt, err := c.cs.GetPrompt(c.ctx, mcpsse.GetPromptParams{Name: "weather_data"})
	if err != nil {
		return fmt.Errorf("get prompt: %w", err)
	}
	for _, msg := range prompt.Messages {
		fmt.Printf("Prompt message (%s):\n%s\n", msg.Role, msg.Content.Text)
	}

	templates, err := c.cs.ListResourceTemplates(c.ctx, mcpsse.ListResourceTemplatesParams{})
	if err != nil {
		return fmt.Errorf("list resource templates: %w", err)
	}
	for _, tmpl := range templates.Templates {
		fmt.Printf("Resource template: %s (%s)\n", tmpl.Name, tmpl.URITemplate)
	}

	for _, userID := range []int{1, 3} {
		uri := fmt.Sprintf("resource://user_data/%d", userID)
		res, err := c.cs.ReadResource(c.ctx, mcpsse.ReadResourceParams{URI: uri})
		if err != nil {
			return fmt.Errorf("read %s: %w", uri, err)
		}
		for _, contents := range res.Contents {
			fmt.Printf("User %d: %s\n", userID, contents.Text)
		}
	}

	if err := c.cs.Ping(c.ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	fmt.Println("Server is responsive")

	return nil
}

func (c *client) listenInterruptSignal() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	<-sigChan
	c.cancel()
}
