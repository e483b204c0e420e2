// Command example demonstrates embedding the guard agent in a host
// application: it starts the agent, emits a handful of events and metrics,
// and prints the aggregated stats before shutting down.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	guardagent "github.com/fastapi-guard/guard-agent"
	"github.com/fastapi-guard/guard-agent/core"
)

func main() {
	cfg, err := core.NewConfig(
		core.WithAPIKey(envOr("GUARD_API_KEY", "demo-api-key")),
		core.WithProjectID(envOr("GUARD_PROJECT_ID", "demo-project")),
		core.WithEndpoint(envOr("GUARD_ENDPOINT", "http://localhost:8000")),
		core.WithBufferSize(50),
		core.WithFlushInterval(5*time.Second),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	agent, err := guardagent.Agent(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := agent.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		os.Exit(1)
	}

	agent.Subscribe(func(rules *core.DynamicRules) {
		fmt.Printf("rules updated to version %s (emergency=%v)\n", rules.Version, rules.EmergencyMode)
	})

	for i := 0; i < 10; i++ {
		event := core.SecurityEvent{
			EventType:   core.EventIPBanned,
			IPAddress:   fmt.Sprintf("203.0.113.%d", i+1),
			ActionTaken: "banned",
			Reason:      "rate limit exceeded",
			Endpoint:    "/api/login",
			Method:      "POST",
			Metadata: map[string]interface{}{
				"headers": map[string]string{
					"authorization": "Bearer secret-token",
					"user-agent":    "curl/8.0",
				},
			},
		}
		if err := agent.SendEvent(ctx, event); err != nil {
			fmt.Fprintf(os.Stderr, "send event: %v\n", err)
		}

		metric := core.SecurityMetric{
			MetricType: core.MetricRequestCount,
			Value:      1,
			Endpoint:   "/api/login",
		}
		if err := agent.SendMetric(ctx, metric); err != nil {
			fmt.Fprintf(os.Stderr, "send metric: %v\n", err)
		}
	}

	select {
	case <-ctx.Done():
	case <-time.After(12 * time.Second):
	}

	stats := agent.GetStats(context.Background())
	if out, err := json.MarshalIndent(stats, "", "  "); err == nil {
		fmt.Println(string(out))
	}

	if err := agent.Stop(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "stop: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
