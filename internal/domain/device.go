package domain

import "time"

// Device is a wallet installation that receives pass update notifications.
type Device struct {
	LibraryID string    `json:"device_library_id"`
	PushToken string    `json:"push_token"`
	UpdatedAt time.Time `json:"updated_at"`
}

type RegisterDeviceRequest struct {
	PushToken string `json:"pushToken" validate:"required,max=512,printascii"`
}

// RegistrationPath holds the identifiers carried in the pass web service routes.
type RegistrationPath struct {
	DeviceLibraryID string `validate:"required,max=256,printascii,excludesall=/"`
	PassTypeID      string `validate:"required,max=256,printascii,excludesall=/"`
	SerialNumber    string `validate:"required,max=256,printascii,excludesall=/"`
}

type DeviceLogRequest struct {
	Logs []string `json:"logs" validate:"required,max=100,dive,max=4096"`
}
