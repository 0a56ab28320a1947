package kafka

import "testing"

func TestParseConfigRequiresBrokersAndTopic(t *testing.T) {
	cases := []string{
		`{}`,
		`{"brokers":["b1:9092"]}`,
	}
	for _, raw := range cases {
		if _, err := parseConfig([]byte(raw)); err == nil {
			t.Errorf("parseConfig(%s): expected an error", raw)
		}
	}
}

func TestParseConfigAcceptsOptionalKeyField(t *testing.T) {
	cfg, err := parseConfig([]byte(`{"brokers":["b1:9092"],"topic":"orders","key_field":"id"}`))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.KeyField != "id" {
		t.Fatalf("expected key_field to round-trip, got %q", cfg.KeyField)
	}
}
