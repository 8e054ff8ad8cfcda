package config

import "testing"

func TestSubstituteEnvVarsUsesEnvValue(t *testing.T) {
	t.Setenv("ROBOROCK_TEST_VAR", "from-env")
	got := SubstituteEnvVars("user: ${ROBOROCK_TEST_VAR}")
	if got != "user: from-env" {
		t.Errorf("got %q", got)
	}
}

func TestSubstituteEnvVarsFallsBackToDefault(t *testing.T) {
	got := SubstituteEnvVars("base_url: ${ROBOROCK_UNSET_VAR:-https://api.roborock.com}")
	if got != "base_url: https://api.roborock.com" {
		t.Errorf("got %q", got)
	}
}

func TestSubstituteEnvVarsLeavesUnresolvableReference(t *testing.T) {
	got := SubstituteEnvVars("token: ${ROBOROCK_UNSET_VAR_NO_DEFAULT}")
	if got != "token: ${ROBOROCK_UNSET_VAR_NO_DEFAULT}" {
		t.Errorf("got %q", got)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	if cfg.MQTT.QoS != 1 {
		t.Errorf("expected default QoS 1, got %d", cfg.MQTT.QoS)
	}
	if cfg.Cache.Type != "memory" {
		t.Errorf("expected default cache type memory, got %q", cfg.Cache.Type)
	}
	if cfg.Cache.Codec != "gob" {
		t.Errorf("expected default cache codec gob, got %q", cfg.Cache.Codec)
	}
}
