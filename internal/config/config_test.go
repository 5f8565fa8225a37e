package config

import "testing"

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.DBHost != "localhost" || cfg.DBPort != 5432 {
		t.Errorf("DB defaults = %s:%d, want localhost:5432", cfg.DBHost, cfg.DBPort)
	}
	if cfg.SchedulerBatchSize != 50 {
		t.Errorf("SchedulerBatchSize = %d, want 50", cfg.SchedulerBatchSize)
	}
	if cfg.SNSRegion != cfg.AWSRegion {
		t.Errorf("SNSRegion = %s, want AWS region fallback %s", cfg.SNSRegion, cfg.AWSRegion)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DB_NAME", "beacon_test")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "25")
	t.Setenv("WEBHOOK_SECRET", "whsec_abc")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.DBName != "beacon_test" {
		t.Errorf("DBName = %s, want beacon_test", cfg.DBName)
	}
	if cfg.RateLimitPerMinute != 25 {
		t.Errorf("RateLimitPerMinute = %d, want 25", cfg.RateLimitPerMinute)
	}
	if cfg.WebhookSecret != "whsec_abc" {
		t.Errorf("WebhookSecret = %s, want whsec_abc", cfg.WebhookSecret)
	}
}

func TestLoad_InvalidNumberRejected(t *testing.T) {
	t.Setenv("PORT", "not-a-port")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric PORT")
	}
}
