package nats

import "testing"

func TestParseConfigDefaultsSourceFromStream(t *testing.T) {
	cfg, err := parseConfig([]byte(`{"url":"nats://x","stream":"orders","consumer":"flowgate","filter_subject":"orders.>"}`))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Source != "nats:orders" {
		t.Fatalf("expected derived source, got %q", cfg.Source)
	}
}

func TestParseConfigRequiresAllCoreFields(t *testing.T) {
	cases := []string{
		`{}`,
		`{"url":"nats://x"}`,
		`{"url":"nats://x","stream":"s"}`,
		`{"url":"nats://x","stream":"s","consumer":"c"}`,
	}
	for _, raw := range cases {
		if _, err := parseConfig([]byte(raw)); err == nil {
			t.Errorf("parseConfig(%s): expected an error", raw)
		}
	}
}

func TestParseConfigHonorsExplicitSource(t *testing.T) {
	cfg, err := parseConfig([]byte(`{"url":"nats://x","stream":"s","consumer":"c","filter_subject":"s.>","source":"custom"}`))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Source != "custom" {
		t.Fatalf("expected explicit source to be preserved, got %q", cfg.Source)
	}
}
