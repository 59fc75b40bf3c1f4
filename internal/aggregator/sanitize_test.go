package aggregator

import "testing"

func TestSanitizeReplacesNonWordChars(t *testing.T) {
	cases := map[string]string{
		"my-server":      "my_server",
		"my.server 2.0":  "my_server_2_0",
		"already_ok_123": "already_ok_123",
		"":                "",
	}
	for in, want := range cases {
		if got := Sanitize(in); got != want {
			t.Errorf("Sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSplitPrefixedNameFirstSeparator(t *testing.T) {
	prefix, original, ok := SplitPrefixedName("weather_server__get__forecast")
	if !ok {
		t.Fatal("expected a match")
	}
	if prefix != "weather_server" || original != "get__forecast" {
		t.Fatalf("got prefix=%q original=%q", prefix, original)
	}
}

func TestSplitPrefixedNameNoSeparator(t *testing.T) {
	_, _, ok := SplitPrefixedName("no_separator_here")
	if ok {
		t.Fatal("expected no match without a __ separator")
	}
}

func TestPrefixedNameRoundTrip(t *testing.T) {
	name := PrefixedName("weather-server", "get_forecast")
	prefix, original, ok := SplitPrefixedName(name)
	if !ok || prefix != "weather_server" || original != "get_forecast" {
		t.Fatalf("round trip failed: prefix=%q original=%q ok=%v", prefix, original, ok)
	}
}
