package domain

import "time"

// StudentCard is the credential record a pass mirrors. The ESCN doubles as the
// pass serial number.
type StudentCard struct {
	ESCN             string            `json:"escn" validate:"required,max=256,printascii,excludesall=/"`
	FullName         string            `json:"full_name" validate:"required,max=256"`
	ESI              string            `json:"esi" validate:"required,max=256"`
	IssuerHEIName    string            `json:"issuer_hei_name" validate:"required,max=256"`
	IssuedAt         string            `json:"issued_at" validate:"required,datetime=2006-01-02"`
	ExpiresAt        string            `json:"expires_at" validate:"required,datetime=2006-01-02"`
	DateOfBirth      *string           `json:"date_of_birth,omitempty" validate:"omitempty,datetime=2006-01-02"`
	AdditionalFields map[string]string `json:"additional_fields,omitempty"`
	HeroImage        []byte            `json:"hero_image,omitempty"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

type UpsertCardResponse struct {
	SerialNumber  string    `json:"serial_number"`
	Registrations int       `json:"registrations"`
	Queued        int       `json:"queued"`
	UpdatedAt     time.Time `json:"updated_at"`
}
