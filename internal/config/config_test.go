package config

import (
	"os"
	"testing"

	optional "github.com/TBXark/optional-go"
)

func TestDefaultResetTimeoutOnProgressIsSetTrue(t *testing.T) {
	cfg := Default()
	if got := cfg.Timeouts.ResetTimeoutOnProgress.OrElse(false); !got {
		t.Fatalf("expected ResetTimeoutOnProgress to default to a set true, got fallback-or-value %v", got)
	}
}

func TestLogEnabledAndIncludeInactiveServersDefaultUnset(t *testing.T) {
	cfg := Default()
	if got := cfg.LogEnabled.OrElse(true); !got {
		t.Fatal("expected LogEnabled unset to fall through to the caller's fallback")
	}
	if got := cfg.IncludeInactiveServers.OrElse(true); !got {
		t.Fatal("expected IncludeInactiveServers unset to fall through to the caller's fallback")
	}
}

func TestEnvOptionalEnabledLeavesUnrecognizedValueUntouched(t *testing.T) {
	t.Setenv("METAMCP_TEST_FLAG", "maybe")
	got := envOptionalEnabled("METAMCP_TEST_FLAG", optional.Field[bool]{})
	if got.OrElse(true) != true || got.OrElse(false) != false {
		t.Fatalf("expected an unrecognized value to leave the fallback untouched, got %+v", got)
	}
}

func TestEnvOptionalEnabledParsesRecognizedValues(t *testing.T) {
	t.Setenv("METAMCP_TEST_FLAG", "true")
	got := envOptionalEnabled("METAMCP_TEST_FLAG", optional.Field[bool]{})
	if !got.OrElse(false) {
		t.Fatalf("expected true regardless of fallback, got %+v", got)
	}

	t.Setenv("METAMCP_TEST_FLAG", "off")
	got = envOptionalEnabled("METAMCP_TEST_FLAG", optional.Field[bool]{})
	if got.OrElse(true) {
		t.Fatalf("expected false regardless of fallback, got %+v", got)
	}
}

func TestApplyEnvOverridesLogEnabledAndIncludeInactiveServers(t *testing.T) {
	os.Unsetenv("METAMCP_LOG_ENABLED")
	os.Unsetenv("METAMCP_INCLUDE_INACTIVE_SERVERS")
	t.Setenv("METAMCP_LOG_ENABLED", "false")
	t.Setenv("METAMCP_INCLUDE_INACTIVE_SERVERS", "true")

	cfg := applyEnv(Default())
	if cfg.LogEnabled.OrElse(true) {
		t.Fatalf("expected LogEnabled=false from env, got %+v", cfg.LogEnabled)
	}
	if !cfg.IncludeInactiveServers.OrElse(false) {
		t.Fatalf("expected IncludeInactiveServers=true from env, got %+v", cfg.IncludeInactiveServers)
	}
}
