package kafka

import "testing"

func TestParseConfigDefaultsAutoOffsetResetToLatest(t *testing.T) {
	cfg, err := parseConfig([]byte(`{"brokers":["b1:9092"],"topic":"orders","group":"flowgate"}`))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.AutoOffsetReset != "latest" {
		t.Fatalf("expected default latest, got %q", cfg.AutoOffsetReset)
	}
	if cfg.Source != "kafka:orders" {
		t.Fatalf("expected derived source, got %q", cfg.Source)
	}
}

func TestParseConfigAcceptsEarliest(t *testing.T) {
	cfg, err := parseConfig([]byte(`{"brokers":["b1:9092"],"topic":"orders","group":"g","auto_offset_reset":"earliest"}`))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.AutoOffsetReset != "earliest" {
		t.Fatalf("expected earliest, got %q", cfg.AutoOffsetReset)
	}
}

func TestParseConfigRejectsUnknownAutoOffsetReset(t *testing.T) {
	_, err := parseConfig([]byte(`{"brokers":["b1:9092"],"topic":"t","group":"g","auto_offset_reset":"sideways"}`))
	if err == nil {
		t.Fatal("expected an error for an unrecognized auto_offset_reset")
	}
}

func TestParseConfigRequiresBrokersTopicAndGroup(t *testing.T) {
	cases := []string{
		`{}`,
		`{"brokers":["b1:9092"]}`,
		`{"brokers":["b1:9092"],"topic":"t"}`,
	}
	for _, raw := range cases {
		if _, err := parseConfig([]byte(raw)); err == nil {
			t.Errorf("parseConfig(%s): expected an error", raw)
		}
	}
}
