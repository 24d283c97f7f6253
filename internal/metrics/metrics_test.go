package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordHTTPRequest(t *testing.T) {
	HTTPRequestsTotal.Reset()
	HTTPRequestDuration.Reset()

	RecordHTTPRequest("POST", "/api/auth/consume", "200", 0.012)

	counter := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("POST", "/api/auth/consume", "200"))
	if counter != 1.0 {
		t.Errorf("Expected counter to be 1.0, got %f", counter)
	}
}

func TestRecordConsume(t *testing.T) {
	consumedBefore := testutil.ToFloat64(QuotaConsumedTotal)
	exhaustedBefore := testutil.ToFloat64(QuotaExhaustedTotal)

	RecordConsume(true)
	RecordConsume(true)
	RecordConsume(false)

	consumed := testutil.ToFloat64(QuotaConsumedTotal) - consumedBefore
	if consumed != 2.0 {
		t.Errorf("Expected consumed counter to grow by 2.0, got %f", consumed)
	}

	exhausted := testutil.ToFloat64(QuotaExhaustedTotal) - exhaustedBefore
	if exhausted != 1.0 {
		t.Errorf("Expected exhausted counter to grow by 1.0, got %f", exhausted)
	}
}

func TestRecordRefund(t *testing.T) {
	before := testutil.ToFloat64(QuotaRefundedTotal)

	RecordRefund()

	if got := testutil.ToFloat64(QuotaRefundedTotal) - before; got != 1.0 {
		t.Errorf("Expected refund counter to grow by 1.0, got %f", got)
	}
}

func TestRecordAuthFailure(t *testing.T) {
	AuthFailuresTotal.Reset()

	RecordAuthFailure("token_invalid")
	RecordAuthFailure("token_invalid")
	RecordAuthFailure("admin_secret")

	tokenInvalid := testutil.ToFloat64(AuthFailuresTotal.WithLabelValues("token_invalid"))
	if tokenInvalid != 2.0 {
		t.Errorf("Expected token_invalid counter to be 2.0, got %f", tokenInvalid)
	}

	adminSecret := testutil.ToFloat64(AuthFailuresTotal.WithLabelValues("admin_secret"))
	if adminSecret != 1.0 {
		t.Errorf("Expected admin_secret counter to be 1.0, got %f", adminSecret)
	}
}
