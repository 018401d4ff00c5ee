package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	Init("1.0.0", "nats")
	if got := testutil.ToFloat64(serverInfo.WithLabelValues("1.0.0", "nats")); got != 1 {
		t.Errorf("server_info = %v, want 1", got)
	}
}

func TestObserveCrank(t *testing.T) {
	okBefore := testutil.ToFloat64(CranksTotal.WithLabelValues("ok"))
	execBefore := testutil.ToFloat64(InstructionsExecuted)
	feesBefore := testutil.ToFloat64(FeesPaid)

	ObserveCrank("ok", time.Now(), 3, 30)
	ObserveCrank("trigger_not_due", time.Now(), 0, 0)

	if got := testutil.ToFloat64(CranksTotal.WithLabelValues("ok")) - okBefore; got != 1 {
		t.Errorf("ok cranks delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(InstructionsExecuted) - execBefore; got != 3 {
		t.Errorf("instructions delta = %v, want 3", got)
	}
	if got := testutil.ToFloat64(FeesPaid) - feesBefore; got != 30 {
		t.Errorf("fees delta = %v, want 30", got)
	}
}
