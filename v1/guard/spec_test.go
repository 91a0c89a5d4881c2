package guard

import (
	"testing"
	"time"

	"github.com/couponlock/go-dlock/v1/acquire"
)

func TestSpecDefaults(t *testing.T) {
	s := Spec{Key: "k"}.withDefaults(acquire.Config{})
	if s.WaitTime != DefaultWaitTime || s.LeaseTime != DefaultLeaseTime || s.RetryInterval != DefaultRetryInterval {
		t.Fatalf("unexpected defaults %+v", s)
	}
	custom := Spec{Key: "k", WaitTime: time.Second, LeaseTime: time.Minute, RetryInterval: time.Millisecond}.withDefaults(acquire.DefaultConfig())
	if custom.WaitTime != time.Second || custom.LeaseTime != time.Minute || custom.RetryInterval != time.Millisecond {
		t.Fatalf("explicit values overridden %+v", custom)
	}
}

func TestSpecDefaultsFromEngine(t *testing.T) {
	base := acquire.Config{
		WaitTime:         time.Second,
		MaxAttempts:      3,
		RetryInterval:    7 * time.Millisecond,
		MaxRetryInterval: 70 * time.Millisecond,
		Backoff:          acquire.Fixed(time.Millisecond),
	}
	s := Spec{Key: "k"}.withDefaults(base)
	if s.WaitTime != time.Second || s.MaxAttempts != 3 || s.RetryInterval != 7*time.Millisecond ||
		s.MaxRetryInterval != 70*time.Millisecond || s.Backoff != acquire.Fixed(time.Millisecond) {
		t.Fatalf("engine configuration not inherited %+v", s)
	}
	if s.LeaseTime != DefaultLeaseTime {
		t.Fatalf("unexpected lease time %v", s.LeaseTime)
	}

	forever := Spec{Key: "k"}.withDefaults(acquire.Config{WaitTime: -1})
	if forever.WaitTime != WaitForever {
		t.Fatalf("negative engine WaitTime mapped to %v", forever.WaitTime)
	}

	own := Spec{Key: "k", WaitTime: NoWait, MaxAttempts: 1}.withDefaults(base)
	if own.WaitTime != NoWait || own.MaxAttempts != 1 {
		t.Fatalf("explicit values overridden %+v", own)
	}
}

func TestSpecConfig(t *testing.T) {
	base := acquire.Config{Jitter: 0.3}
	cases := map[time.Duration]time.Duration{
		NoWait:          0,
		WaitForever:     -1,
		2 * time.Second: 2 * time.Second,
	}
	for wait, want := range cases {
		cfg := Spec{Key: "k", WaitTime: wait, MaxAttempts: 4}.config(base)
		if cfg.WaitTime != want {
			t.Fatalf("WaitTime %v mapped to %v, want %v", wait, cfg.WaitTime, want)
		}
		if cfg.Jitter != 0.3 || cfg.MaxAttempts != 4 {
			t.Fatalf("unexpected config %+v", cfg)
		}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("mapped config invalid: %v", err)
		}
	}
}
