package config

import (
	"os"
	"testing"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AUTH_JWKS_URL", "https://issuer.example.com/.well-known/jwks.json")
	t.Setenv("AUTH_ISSUER", "https://issuer.example.com")
	t.Setenv("AUTH_AUDIENCE", "test-client")
}

func TestLoad(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.AuthJWKSURL != "https://issuer.example.com/.well-known/jwks.json" {
		t.Errorf("unexpected AuthJWKSURL: %s", cfg.AuthJWKSURL)
	}
	if cfg.AuthIssuer != "https://issuer.example.com" {
		t.Errorf("unexpected AuthIssuer: %s", cfg.AuthIssuer)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	os.Unsetenv("AUTH_JWKS_URL")
	os.Unsetenv("AUTH_ISSUER")
	os.Unsetenv("AUTH_AUDIENCE")

	_, err := Load()
	if err == nil {
		t.Error("Expected error when required auth settings are missing")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default Port '8080', got '%s'", cfg.Port)
	}
	if cfg.TranscribeProvider != "aws" {
		t.Errorf("Expected default TranscribeProvider 'aws', got '%s'", cfg.TranscribeProvider)
	}
	if cfg.TranscribeLanguage != "ja-JP" {
		t.Errorf("Expected default TranscribeLanguage 'ja-JP', got '%s'", cfg.TranscribeLanguage)
	}
	if cfg.TranscribeSampleRate != 16000 {
		t.Errorf("Expected default TranscribeSampleRate 16000, got %d", cfg.TranscribeSampleRate)
	}
	if cfg.TranscribeEncoding != "pcm" {
		t.Errorf("Expected default TranscribeEncoding 'pcm', got '%s'", cfg.TranscribeEncoding)
	}
	if cfg.AuthKeyTTL != 600 {
		t.Errorf("Expected default AuthKeyTTL 600, got %d", cfg.AuthKeyTTL)
	}
	if cfg.AuthKeyMaxNum != 16 {
		t.Errorf("Expected default AuthKeyMaxNum 16, got %d", cfg.AuthKeyMaxNum)
	}
	if cfg.DirectoryTTL != 7200 {
		t.Errorf("Expected default DirectoryTTL 7200, got %d", cfg.DirectoryTTL)
	}
	if cfg.QueuePollInterval != 20 {
		t.Errorf("Expected default QueuePollInterval 20, got %d", cfg.QueuePollInterval)
	}
}

func TestLoad_DeepgramRequiresKey(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TRANSCRIBE_PROVIDER", "deepgram")
	os.Unsetenv("DEEPGRAM_API_KEY")

	_, err := Load()
	if err == nil {
		t.Error("Expected error when deepgram provider is selected without an API key")
	}

	t.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.DeepgramAPIKey != "test-deepgram-key" {
		t.Errorf("unexpected DeepgramAPIKey: %s", cfg.DeepgramAPIKey)
	}
}

func TestLoad_UnknownProvider(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TRANSCRIBE_PROVIDER", "whisper")

	_, err := Load()
	if err == nil {
		t.Error("Expected error for unknown TRANSCRIBE_PROVIDER")
	}
}

func TestLoad_InvalidSampleRate(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TRANSCRIBE_SAMPLE_RATE", "0")

	_, err := Load()
	if err == nil {
		t.Error("Expected error for zero sample rate")
	}
}

func TestDurationHelpers(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.KeyTTL().Seconds() != 600 {
		t.Errorf("Expected KeyTTL 600s, got %v", cfg.KeyTTL())
	}
	if cfg.RecordTTL().Seconds() != 7200 {
		t.Errorf("Expected RecordTTL 7200s, got %v", cfg.RecordTTL())
	}
	if cfg.PollInterval().Milliseconds() != 20 {
		t.Errorf("Expected PollInterval 20ms, got %v", cfg.PollInterval())
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_KEY", "test-value")

	value := GetEnv("TEST_KEY", "default")
	if value != "test-value" {
		t.Errorf("Expected 'test-value', got '%s'", value)
	}

	value = GetEnv("NON_EXISTENT_KEY", "default")
	if value != "default" {
		t.Errorf("Expected 'default', got '%s'", value)
	}
}
