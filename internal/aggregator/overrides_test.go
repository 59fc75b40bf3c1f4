package aggregator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeOverridesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "overrides.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write overrides file: %v", err)
	}
	return path
}

func TestLoadOverridesMissingFileIsNil(t *testing.T) {
	set, err := LoadOverrides(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if set != nil {
		t.Fatal("expected a nil OverrideSet for a missing file")
	}
}

func TestOverridesDisablesToolAcrossServers(t *testing.T) {
	path := writeOverridesFile(t, `{"master": {"tools": {"dangerous_tool": {"enabled": false}}}}`)
	set, err := LoadOverrides(path)
	if err != nil {
		t.Fatalf("LoadOverrides: %v", err)
	}

	fake := &fakeHandler{listResp: ListToolsResponse{Tools: []AggregatedTool{
		{Name: "weather__dangerous_tool", ServerName: "weather", OriginalName: "dangerous_tool"},
		{Name: "weather__safe_tool", ServerName: "weather", OriginalName: "safe_tool"},
	}}}
	h := Overrides(set)(fake)
	resp, err := h.ListTools(context.Background(), ListToolsRequest{})
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(resp.Tools) != 1 || resp.Tools[0].OriginalName != "safe_tool" {
		t.Fatalf("expected only safe_tool to survive, got %+v", resp.Tools)
	}
}

func TestOverridesServerFragmentOverridesMaster(t *testing.T) {
	path := writeOverridesFile(t, `{
		"master": {"enabled": false},
		"servers": {"weather": {"enabled": true}}
	}`)
	set, err := LoadOverrides(path)
	if err != nil {
		t.Fatalf("LoadOverrides: %v", err)
	}
	if !set.enabledFor("weather", "any_tool") {
		t.Fatal("expected the server-scoped enable to win over the disabled master")
	}
	if set.enabledFor("other", "any_tool") {
		t.Fatal("expected servers without their own fragment to inherit the disabled master")
	}
}

func TestOverridesRewritesDescriptionAndAnnotations(t *testing.T) {
	path := writeOverridesFile(t, `{
		"servers": {"weather": {"tools": {"get_forecast": {
			"description": "custom description",
			"annotations": {"readOnlyHint": true}
		}}}}
	}`)
	set, err := LoadOverrides(path)
	if err != nil {
		t.Fatalf("LoadOverrides: %v", err)
	}
	fake := &fakeHandler{listResp: ListToolsResponse{Tools: []AggregatedTool{
		{Name: "weather__get_forecast", ServerName: "weather", OriginalName: "get_forecast", Description: "original", Annotations: map[string]any{"readOnlyHint": false}},
	}}}
	h := Overrides(set)(fake)
	resp, err := h.ListTools(context.Background(), ListToolsRequest{})
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if resp.Tools[0].Description != "custom description" {
		t.Fatalf("expected description override applied, got %q", resp.Tools[0].Description)
	}
	if v, _ := resp.Tools[0].Annotations["readOnlyHint"].(bool); !v {
		t.Fatal("expected readOnlyHint override applied")
	}
}

func TestOverridesRejectsDisabledCall(t *testing.T) {
	path := writeOverridesFile(t, `{"servers": {"weather": {"tools": {"dangerous_tool": {"enabled": false}}}}}`)
	set, err := LoadOverrides(path)
	if err != nil {
		t.Fatalf("LoadOverrides: %v", err)
	}
	fake := &fakeHandler{}
	h := Overrides(set)(fake)
	resp, err := h.CallTool(context.Background(), CallToolRequest{Name: "weather__dangerous_tool"})
	if err != nil {
		t.Fatalf("expected a structured error, not a Go error: %v", err)
	}
	if !resp.IsError {
		t.Fatal("expected the disabled tool call to be rejected")
	}
	if fake.calls != 0 {
		t.Fatal("expected the disabled call to never reach the next handler")
	}
}
