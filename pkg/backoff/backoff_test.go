package backoff

import (
	"testing"
	"time"
)

func TestCalculate_ExplicitHintPrecedence(t *testing.T) {
	c := New(DefaultConfig())

	tests := []struct {
		name     string
		ctx      Context
		wantKind Kind
		wantSecs int
	}{
		{
			name: "server requested hint used directly",
			ctx: Context{
				Attempt: 5,
				Hint:    &Hint{Type: HintServerRequested, DelaySeconds: 7},
				Headers: map[string]string{"Retry-After": "999"},
			},
			wantKind: KindHandlerRequested,
			wantSecs: 7,
		},
		{
			name: "custom hint used directly",
			ctx:  Context{Attempt: 1, Hint: &Hint{Type: HintCustom, DelaySeconds: 42}},
			wantKind: KindHandlerRequested,
			wantSecs: 42,
		},
		{
			name:     "service unavailable hint is multiplied",
			ctx:      Context{Attempt: 1, Hint: &Hint{Type: HintServiceUnavailable, DelaySeconds: 10}},
			wantKind: KindServiceUnavailable,
			wantSecs: 40,
		},
		{
			name: "rate limit hint delay used when header is unparseable",
			ctx: Context{
				Attempt: 1,
				Hint:    &Hint{Type: HintRateLimit, DelaySeconds: 5},
				Headers: map[string]string{"X-RateLimit-Reset": ""},
			},
			wantKind: KindHeaderHonored,
			wantSecs: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Calculate(tt.ctx)
			if res.Kind != tt.wantKind {
				t.Fatalf("Kind = %v, want %v", res.Kind, tt.wantKind)
			}
			if res.DelaySeconds != tt.wantSecs {
				t.Fatalf("DelaySeconds = %d, want %d", res.DelaySeconds, tt.wantSecs)
			}
		})
	}
}

func TestCalculate_HeaderHonoredWithoutHint(t *testing.T) {
	c := New(DefaultConfig())

	res := c.Calculate(Context{
		Attempt: 3,
		Headers: map[string]string{"retry-after": "15"},
	})

	if res.Kind != KindHeaderHonored {
		t.Fatalf("Kind = %v, want %v", res.Kind, KindHeaderHonored)
	}
	if res.DelaySeconds != 15 {
		t.Fatalf("DelaySeconds = %d, want 15", res.DelaySeconds)
	}
}

func TestCalculate_XRateLimitResetHeader(t *testing.T) {
	c := New(DefaultConfig())
	c.now = func() time.Time { return time.Unix(1000, 0) }

	res := c.Calculate(Context{
		Attempt: 1,
		Headers: map[string]string{"X-RateLimit-Reset": "1030"},
	})

	if res.Kind != KindHeaderHonored {
		t.Fatalf("Kind = %v, want %v", res.Kind, KindHeaderHonored)
	}
	if res.DelaySeconds != 30 {
		t.Fatalf("DelaySeconds = %d, want 30", res.DelaySeconds)
	}
	if !res.NextRetryAt.Equal(time.Unix(1030, 0)) {
		t.Fatalf("NextRetryAt = %v, want %v", res.NextRetryAt, time.Unix(1030, 0))
	}
}

func TestCalculate_ExponentialJitterIsCapped(t *testing.T) {
	c := New(Config{BaseSeconds: 1, CapSeconds: 10, ServiceUnavailableMultiplier: 4})

	for attempt := 0; attempt < 20; attempt++ {
		res := c.Calculate(Context{Attempt: attempt})
		if res.Kind != KindExponentialJitter {
			t.Fatalf("Kind = %v, want %v", res.Kind, KindExponentialJitter)
		}
		if res.DelaySeconds < 0 || res.DelaySeconds > 10 {
			t.Fatalf("DelaySeconds = %d, want within [0, 10]", res.DelaySeconds)
		}
	}
}

func TestCalculate_NextRetryAtIsRelativeToNow(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(DefaultConfig())
	c.now = func() time.Time { return fixed }

	res := c.Calculate(Context{Attempt: 1, Hint: &Hint{Type: HintCustom, DelaySeconds: 60}})

	if !res.NextRetryAt.Equal(fixed.Add(60 * time.Second)) {
		t.Fatalf("NextRetryAt = %v, want %v", res.NextRetryAt, fixed.Add(60*time.Second))
	}
}
