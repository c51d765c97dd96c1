package domain

// DeliveryOutcome classifies the result of one device push.
type DeliveryOutcome string

const (
	DeliveryDelivered    DeliveryOutcome = "delivered"
	DeliveryUnregistered DeliveryOutcome = "unregistered"
	DeliveryIgnored      DeliveryOutcome = "ignored"
	DeliveryFailed       DeliveryOutcome = "failed"
	DeliverySkipped      DeliveryOutcome = "skipped"
)

type DeviceDelivery struct {
	DeviceLibraryID string          `json:"device_library_id"`
	Outcome         DeliveryOutcome `json:"outcome"`
	Status          int             `json:"status,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	Attempts        int             `json:"attempts"`
	Error           string          `json:"error,omitempty"`
}

// DeliveryReport lists the result for every device of one fan-out.
type DeliveryReport struct {
	Pass       PassKey          `json:"pass"`
	Deliveries []DeviceDelivery `json:"deliveries"`
}

func (r *DeliveryReport) Count(outcome DeliveryOutcome) int {
	n := 0
	for _, d := range r.Deliveries {
		if d.Outcome == outcome {
			n++
		}
	}
	return n
}
