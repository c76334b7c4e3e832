package pipeline

import (
	"testing"
	"time"
)

func TestSchedulerOptionValidation(t *testing.T) {
	tests := []struct {
		name    string
		opt     Option
		wantErr bool
	}{
		{"parallelism ok", WithMaxParallelism(8), false},
		{"parallelism zero", WithMaxParallelism(0), true},
		{"parallelism negative", WithMaxParallelism(-1), true},
		{"staleness ok", WithStaleness(time.Minute), false},
		{"staleness zero", WithStaleness(0), true},
		{"nil monitor", WithMonitor(nil), true},
		{"nil breakers", WithBreakers(nil), true},
		{"nil emitter", WithEmitter(nil), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newSchedulerConfig(tt.opt)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchedulerConfigDefaults(t *testing.T) {
	cfg, err := newSchedulerConfig()
	if err != nil {
		t.Fatalf("newSchedulerConfig: %v", err)
	}
	if cfg.maxParallelism != defaultMaxParallelism {
		t.Errorf("maxParallelism = %d", cfg.maxParallelism)
	}
	if cfg.monitor == nil || cfg.breakers == nil || cfg.emitter == nil {
		t.Error("default collaborators not populated")
	}
	if cfg.staleness <= 0 {
		t.Errorf("staleness = %v", cfg.staleness)
	}
}
