package health

import "testing"

func TestReusableDistinguishesCommandFromNetworkFailures(t *testing.T) {
	cases := []struct {
		h    Health
		want bool
	}{
		{OK, true},
		{ErrCommand, true},
		{ErrNetwork, false},
		{ErrLocal, false},
		{ErrNoSpace, false},
	}
	for _, c := range cases {
		if got := c.h.Reusable(); got != c.want {
			t.Errorf("%s.Reusable() = %v, want %v", c.h, got, c.want)
		}
	}
}

func TestHealthStringNamesEveryConstant(t *testing.T) {
	cases := map[Health]string{
		OK:         "OK",
		ErrCommand: "ErrCommand",
		ErrNetwork: "ErrNetwork",
		ErrLocal:   "ErrLocal",
		ErrNoSpace: "ErrNoSpace",
		Health(99): "ErrUnknown",
	}
	for h, want := range cases {
		if got := h.String(); got != want {
			t.Errorf("Health(%d).String() = %q, want %q", h, got, want)
		}
	}
}

type recordingListener struct {
	calls []struct {
		pct    int
		status string
	}
}

func (r *recordingListener) OnProgress(pct int, status string) {
	r.calls = append(r.calls, struct {
		pct    int
		status string
	}{pct, status})
}

func TestProgressInitStepsResetsAndNotifiesZero(t *testing.T) {
	var p Progress
	l := &recordingListener{}
	p.AddListener(l)

	p.InitSteps(4)
	if got := p.PercentOf100(); got != 0 {
		t.Fatalf("expected 0%%, got %d", got)
	}
	if len(l.calls) != 1 || l.calls[0].pct != 0 {
		t.Fatalf("expected one notification at 0%%, got %+v", l.calls)
	}
}

func TestProgressIncrementStepAdvancesPercent(t *testing.T) {
	var p Progress
	p.InitSteps(4)
	p.IncrementStep(1)
	if got := p.PercentOf100(); got != 25 {
		t.Fatalf("expected 25%%, got %d", got)
	}
	p.IncrementStep(3)
	if got := p.PercentOf100(); got != 100 {
		t.Fatalf("expected 100%%, got %d", got)
	}
}

func TestProgressSetStepOvershootClampsAt100(t *testing.T) {
	var p Progress
	p.InitSteps(4)
	p.SetStep(9)
	if got := p.PercentOf100(); got != 100 {
		t.Fatalf("expected clamped 100%%, got %d", got)
	}
}

func TestProgressPercentOf100IsZeroWithoutInit(t *testing.T) {
	var p Progress
	if got := p.PercentOf100(); got != 0 {
		t.Fatalf("expected 0%% before InitSteps, got %d", got)
	}
}

func TestProgressSetStatusNotifiesWithoutMovingStep(t *testing.T) {
	var p Progress
	l := &recordingListener{}
	p.InitSteps(2)
	p.IncrementStep(1)
	p.AddListener(l)

	p.SetStatus("decoding")
	if got := p.PercentOf100(); got != 50 {
		t.Fatalf("expected percent unchanged at 50%%, got %d", got)
	}
	if len(l.calls) != 1 || l.calls[0].status != "decoding" || l.calls[0].pct != 50 {
		t.Fatalf("unexpected notification: %+v", l.calls)
	}
}
