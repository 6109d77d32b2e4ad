package models

import "testing"

func TestVideoStatusValues(t *testing.T) {
	statuses := []VideoStatus{
		VideoStatusQueued,
		VideoStatusProcessing,
		VideoStatusPreviewReady,
		VideoStatusFinalizing,
		VideoStatusCompleted,
		VideoStatusFailed,
	}

	for _, status := range statuses {
		if status == "" {
			t.Errorf("empty status found")
		}
	}
}

func TestVideoStatusTerminal(t *testing.T) {
	terminal := []VideoStatus{VideoStatusCompleted, VideoStatusFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}

	live := []VideoStatus{
		VideoStatusQueued,
		VideoStatusProcessing,
		VideoStatusPreviewReady,
		VideoStatusFinalizing,
	}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestLedgerReasonValues(t *testing.T) {
	reasons := []LedgerReason{
		ReasonVideoCharge,
		ReasonVideoRefund,
		ReasonSlideRegen,
		ReasonSlideAnimate,
		ReasonSlideAnimateRefund,
		ReasonSignupGrant,
		ReasonPlanGrant,
	}

	for _, reason := range reasons {
		if reason == "" {
			t.Errorf("empty ledger reason found")
		}
	}
}
