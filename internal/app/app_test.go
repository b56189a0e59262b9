package app

import (
	"testing"
	"time"

	"channelcast/internal/config"
)

func TestMapDispatchConfig(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{name: "absent uses default", raw: "", want: 5 * time.Minute},
		{name: "explicit zero is unbounded", raw: "0s", want: 0},
		{name: "explicit value", raw: "30m", want: 30 * time.Minute},
		{name: "garbage rejected", raw: "soon", wantErr: true},
		{name: "negative rejected", raw: "-1m", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &config.Config{}
			cfg.Dispatch.SendTimeout = tc.raw
			got, err := mapDispatchConfig(cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("mapDispatchConfig(%q): expected error", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("mapDispatchConfig(%q): %v", tc.raw, err)
			}
			if got != tc.want {
				t.Fatalf("mapDispatchConfig(%q) = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestMapSchedulerConfigClaimGrace(t *testing.T) {
	cfg := &config.Config{}
	got, err := mapSchedulerConfig(cfg)
	if err != nil {
		t.Fatalf("mapSchedulerConfig: %v", err)
	}
	if got.ClaimGrace != 10*time.Minute {
		t.Fatalf("default claim grace = %v, want 10m", got.ClaimGrace)
	}

	cfg.Scheduler.ClaimGrace = "0s"
	got, err = mapSchedulerConfig(cfg)
	if err != nil {
		t.Fatalf("mapSchedulerConfig: %v", err)
	}
	if got.ClaimGrace != 0 {
		t.Fatalf("claim grace = %v, want 0 (re-claim disabled)", got.ClaimGrace)
	}
}
