package orchestra

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.TurnTimeout != 60*time.Second {
		t.Errorf("TurnTimeout = %v, want 60s", cfg.TurnTimeout)
	}
	if cfg.NodeTimeout != 15*time.Second {
		t.Errorf("NodeTimeout = %v, want 15s", cfg.NodeTimeout)
	}
	if cfg.Grace != 2*time.Second {
		t.Errorf("Grace = %v, want 2s", cfg.Grace)
	}
	if cfg.HistoryDepth != 32 {
		t.Errorf("HistoryDepth = %d, want 32", cfg.HistoryDepth)
	}
	if cfg.BroadcastBuffer != 256 {
		t.Errorf("BroadcastBuffer = %d, want 256", cfg.BroadcastBuffer)
	}
	if cfg.BroadcastHistory != 100 {
		t.Errorf("BroadcastHistory = %d, want 100", cfg.BroadcastHistory)
	}
	if cfg.SessionTTL != 30*time.Minute {
		t.Errorf("SessionTTL = %v, want 30m", cfg.SessionTTL)
	}
	if cfg.ConfidenceFloor != 0.30 {
		t.Errorf("ConfidenceFloor = %v, want 0.30", cfg.ConfidenceFloor)
	}
	if cfg.DefaultPrivilege != PrivilegeStandard {
		t.Errorf("DefaultPrivilege = %q, want standard", cfg.DefaultPrivilege)
	}
}

func TestOptionValidation(t *testing.T) {
	bad := []struct {
		name string
		opt  Option
	}{
		{"zero turn timeout", WithTurnTimeout(0)},
		{"negative node timeout", WithNodeTimeout(-time.Second)},
		{"negative grace", WithGrace(-time.Millisecond)},
		{"zero history depth", WithHistoryDepth(0)},
		{"tiny broadcast buffer", WithBroadcastBuffer(1)},
		{"negative broadcast history", WithBroadcastHistory(-1)},
		{"zero ttl", WithSessionTTL(0)},
		{"confidence above one", WithConfidenceFloor(1.5)},
		{"unknown privilege", WithDefaultPrivilege(Privilege("bogus"))},
		{"nil clock", WithClock(nil)},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			if err := tt.opt(&cfg); err == nil {
				t.Error("invalid option accepted")
			}
		})
	}

	t.Run("valid options apply", func(t *testing.T) {
		cfg := defaultConfig()
		for _, opt := range []Option{
			WithTurnTimeout(time.Minute),
			WithGrace(0),
			WithConfidenceFloor(0),
			WithDefaultPrivilege(PrivilegeElevated),
		} {
			if err := opt(&cfg); err != nil {
				t.Fatalf("option failed: %v", err)
			}
		}
		if cfg.Grace != 0 || cfg.DefaultPrivilege != PrivilegeElevated {
			t.Errorf("options not applied: %+v", cfg)
		}
	})
}
