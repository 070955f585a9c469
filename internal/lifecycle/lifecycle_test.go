package lifecycle

import (
	"testing"

	"github.com/mmeshcher/dealdesk-system/internal/model"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from model.DealStatus
		to   model.DealStatus
		want bool
	}{
		{"queued to assigned", model.DealStatusQueued, model.DealStatusAssigned, true},
		{"assigned to approved", model.DealStatusAssigned, model.DealStatusMaestroApproved, true},
		{"approved to in progress", model.DealStatusMaestroApproved, model.DealStatusInProgress, true},
		{"approved to paid", model.DealStatusMaestroApproved, model.DealStatusPaid, true},
		{"paid to in progress", model.DealStatusPaid, model.DealStatusInProgress, true},
		{"paid to refunded", model.DealStatusPaid, model.DealStatusRefunded, true},
		{"in progress to delivered", model.DealStatusInProgress, model.DealStatusDelivered, true},
		{"in progress to refunded", model.DealStatusInProgress, model.DealStatusRefunded, true},
		{"delivered to closed", model.DealStatusDelivered, model.DealStatusClosed, true},
		{"delivered to refunded", model.DealStatusDelivered, model.DealStatusRefunded, true},

		{"queued to delivered skips stages", model.DealStatusQueued, model.DealStatusDelivered, false},
		{"queued to paid skips stages", model.DealStatusQueued, model.DealStatusPaid, false},
		{"assigned to assigned", model.DealStatusAssigned, model.DealStatusAssigned, false},
		{"delivered back to in progress", model.DealStatusDelivered, model.DealStatusInProgress, false},
		{"closed is terminal", model.DealStatusClosed, model.DealStatusRefunded, false},
		{"refunded is terminal", model.DealStatusRefunded, model.DealStatusQueued, false},
		{"unknown status", model.DealStatus("SHIPPED"), model.DealStatusClosed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestIsValidStatus(t *testing.T) {
	for _, s := range []model.DealStatus{
		model.DealStatusQueued,
		model.DealStatusAssigned,
		model.DealStatusMaestroApproved,
		model.DealStatusPaid,
		model.DealStatusInProgress,
		model.DealStatusDelivered,
		model.DealStatusClosed,
		model.DealStatusRefunded,
	} {
		if !IsValidStatus(s) {
			t.Errorf("IsValidStatus(%s) = false, want true", s)
		}
	}

	if IsValidStatus(model.DealStatus("SHIPPED")) {
		t.Errorf("IsValidStatus(SHIPPED) = true, want false")
	}
}

func TestPaymentManaged(t *testing.T) {
	if !PaymentManaged(model.DealStatusPaid) || !PaymentManaged(model.DealStatusRefunded) {
		t.Errorf("PAID and REFUNDED must be payment-managed")
	}
	if PaymentManaged(model.DealStatusDelivered) {
		t.Errorf("DELIVERED must not be payment-managed")
	}
}

func TestRefundable(t *testing.T) {
	refundable := []model.DealStatus{model.DealStatusPaid, model.DealStatusInProgress, model.DealStatusDelivered}
	for _, s := range refundable {
		if !Refundable(s) {
			t.Errorf("Refundable(%s) = false, want true", s)
		}
	}

	notRefundable := []model.DealStatus{model.DealStatusQueued, model.DealStatusAssigned, model.DealStatusMaestroApproved, model.DealStatusClosed, model.DealStatusRefunded}
	for _, s := range notRefundable {
		if Refundable(s) {
			t.Errorf("Refundable(%s) = true, want false", s)
		}
	}
}

func TestCheckoutable(t *testing.T) {
	checkoutable := []model.DealStatus{model.DealStatusMaestroApproved, model.DealStatusInProgress, model.DealStatusDelivered}
	for _, s := range checkoutable {
		if !Checkoutable(s) {
			t.Errorf("Checkoutable(%s) = false, want true", s)
		}
	}

	notCheckoutable := []model.DealStatus{model.DealStatusQueued, model.DealStatusAssigned, model.DealStatusPaid, model.DealStatusClosed, model.DealStatusRefunded}
	for _, s := range notCheckoutable {
		if Checkoutable(s) {
			t.Errorf("Checkoutable(%s) = true, want false", s)
		}
	}
}
