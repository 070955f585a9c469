// Package lifecycle содержит статическую машину состояний сделки.
package lifecycle

import "github.com/mmeshcher/dealdesk-system/internal/model"

// transitions - закрытая таблица допустимых переходов. PAID и REFUNDED
// присутствуют как исходящие узлы, но попасть в них можно только через
// подтверждение оплаты вебхуком и через возврат средств соответственно.
var transitions = map[model.DealStatus][]model.DealStatus{
	model.DealStatusQueued:          {model.DealStatusAssigned},
	model.DealStatusAssigned:        {model.DealStatusMaestroApproved},
	model.DealStatusMaestroApproved: {model.DealStatusInProgress, model.DealStatusPaid},
	model.DealStatusPaid:            {model.DealStatusInProgress, model.DealStatusRefunded},
	model.DealStatusInProgress:      {model.DealStatusDelivered, model.DealStatusRefunded},
	model.DealStatusDelivered:       {model.DealStatusClosed, model.DealStatusRefunded},
	model.DealStatusClosed:          {},
	model.DealStatusRefunded:        {},
}

// IsValidStatus сообщает, входит ли значение в закрытый перечень статусов.
func IsValidStatus(s model.DealStatus) bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition сообщает, допустим ли переход из одного статуса в другой.
func CanTransition(from, to model.DealStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PaymentManaged сообщает, что статус достижим только через платёжный контур
// и запрещён для прямого административного перевода.
func PaymentManaged(s model.DealStatus) bool {
	return s == model.DealStatusPaid || s == model.DealStatusRefunded
}

// Refundable сообщает, можно ли инициировать возврат из данного статуса.
func Refundable(s model.DealStatus) bool {
	switch s {
	case model.DealStatusPaid, model.DealStatusInProgress, model.DealStatusDelivered:
		return true
	default:
		return false
	}
}

// Checkoutable сообщает, можно ли создавать платёжную сессию из данного
// статуса: сделка одобрена, но ещё не оплачена.
func Checkoutable(s model.DealStatus) bool {
	switch s {
	case model.DealStatusMaestroApproved, model.DealStatusInProgress, model.DealStatusDelivered:
		return true
	default:
		return false
	}
}
