package domain

import (
	"slices"
	"time"
)

// PassContentType is the media type of a signed pass archive.
const PassContentType = "application/vnd.apple.pkpass"

// PassKey identifies one pass instance.
type PassKey struct {
	PassTypeID   string `json:"pass_type_id"`
	SerialNumber string `json:"serial_number"`
}

func (k PassKey) String() string {
	return k.PassTypeID + "/" + k.SerialNumber
}

// PassPath holds the identifiers of the pass download route.
type PassPath struct {
	PassTypeID   string `validate:"required,max=256,printascii,excludesall=/"`
	SerialNumber string `validate:"required,max=256,printascii,excludesall=/"`
}

// PassRegistration tracks which devices hold a pass and when it last changed.
type PassRegistration struct {
	PassTypeID          string    `json:"pass_type_id"`
	SerialNumber        string    `json:"serial_number"`
	AuthenticationToken string    `json:"authentication_token"`
	LastUpdated         time.Time `json:"last_updated"`
	DeviceLibraryIDs    []string  `json:"device_library_ids"`
}

func (p *PassRegistration) Key() PassKey {
	return PassKey{PassTypeID: p.PassTypeID, SerialNumber: p.SerialNumber}
}

func (p *PassRegistration) HasDevice(deviceLibraryID string) bool {
	return slices.Contains(p.DeviceLibraryIDs, deviceLibraryID)
}

// SignedPass is a rendered pass archive together with its content headers.
type SignedPass struct {
	Data        []byte
	ContentType string
	FileName    string
}

type SerialNumbersResponse struct {
	SerialNumbers []string `json:"serialNumbers"`
	LastUpdated   string   `json:"lastUpdated"`
}
