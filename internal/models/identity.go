package models

import "time"

// Plan is the subscription tier of an identity.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

// Identity is the resolved user plus the signed license record.
type Identity struct {
	UserID           string `json:"userId"`
	Plan             Plan   `json:"plan"`
	OfflineExpiry    int64  `json:"offlineExpiry"` // epoch ms
	LicenseSignature string `json:"licenseSignature"`
	RiskScore        int    `json:"riskScore"`
	Token            string `json:"-"`
}

// ExpiryTime returns the OfflineExpiry as time.Time.
func (i *Identity) ExpiryTime() time.Time {
	return time.UnixMilli(i.OfflineExpiry)
}

// IsPro reports whether the identity holds the paid plan.
func (i *Identity) IsPro() bool {
	return i.Plan == PlanPro
}
