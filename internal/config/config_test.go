package config

import "testing"

func TestDefaultConfigValidates(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestValidateRejectsEmptyNetworkID(t *testing.T) {
	cfg := Default()
	cfg.NetworkID = ""
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for empty network_id")
	}
}

func TestValidateRejectsBadBindAddr(t *testing.T) {
	cfg := Default()
	cfg.BindAddr = "not-an-addr"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for malformed bind_addr")
	}
}

func TestValidateRejectsOutOfRangeRoundDuration(t *testing.T) {
	cfg := Default()
	cfg.RoundDurationMS = 5
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for round_duration_ms below floor")
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for unrecognized log_level")
	}
}

func TestNormalizePeersDedupsAndSplits(t *testing.T) {
	out := NormalizePeers("a:1, b:2", "b:2", " c:3 ")
	if len(out) != 3 {
		t.Fatalf("expected 3 unique peers, got %v", out)
	}
}

func TestQuorumMatchesTwoThirdsPlusOne(t *testing.T) {
	if q := Quorum(21); q != 15 {
		t.Fatalf("expected quorum 15 for committee of 21, got %d", q)
	}
	if q := Quorum(3); q != 3 {
		t.Fatalf("expected quorum 3 for committee of 3, got %d", q)
	}
	if q := Quorum(0); q != 0 {
		t.Fatalf("expected quorum 0 for empty committee, got %d", q)
	}
}

func TestRoundDurationConversion(t *testing.T) {
	cfg := Default()
	cfg.RoundDurationMS = 250
	if cfg.RoundDuration().Milliseconds() != 250 {
		t.Fatalf("expected 250ms round duration")
	}
}
