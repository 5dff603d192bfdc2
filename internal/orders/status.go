package orders

type Status string

const (
	StatusCreated        Status = "CREATED"
	StatusReserving      Status = "RESERVING"
	StatusReserved       Status = "RESERVED"
	StatusPaymentPending Status = "PAYMENT_PENDING"
	StatusConfirmed      Status = "CONFIRMED"
	StatusFailed         Status = "FAILED"
	StatusCompensating   Status = "COMPENSATING"
	StatusCancelled      Status = "CANCELLED"
	StatusRefunding      Status = "REFUNDING"
	StatusRefunded       Status = "REFUNDED"
)

var validNext = map[Status]map[Status]bool{
	StatusCreated:        {StatusReserving: true, StatusCompensating: true},
	StatusReserving:      {StatusReserved: true, StatusFailed: true, StatusCompensating: true},
	StatusReserved:       {StatusPaymentPending: true, StatusCompensating: true},
	StatusPaymentPending: {StatusConfirmed: true, StatusCompensating: true},
	StatusCompensating:   {StatusCancelled: true},
	StatusConfirmed:      {StatusRefunding: true},
	StatusRefunding:      {StatusRefunded: true},
	StatusFailed:         {},
	StatusCancelled:      {},
	StatusRefunded:       {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// IsTerminal reports whether no further transition will ever happen.
// CONFIRMED is externally final but can still move to REFUNDING, so it is
// not terminal here.
func IsTerminal(s Status) bool {
	return s == StatusFailed || s == StatusCancelled || s == StatusRefunded
}

// IsCancellable reports whether Cancel may still compensate the order.
// Once CONFIRMED, cancellation must go through the refund path.
func IsCancellable(s Status) bool {
	switch s {
	case StatusCreated, StatusReserving, StatusReserved, StatusPaymentPending:
		return true
	}
	return false
}
