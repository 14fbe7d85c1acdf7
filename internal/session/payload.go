package session

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	runitErrors "github.com/harunnryd/runit/internal/errors"
)

// Hardware describes the machine offered to renters.
type Hardware struct {
	GPU    string  `json:"gpu"`
	VRAMGB float64 `json:"vram_gb"`
	RAMGB  float64 `json:"ram_gb"`
}

// Pricing is the advertised hourly rate.
type Pricing struct {
	HourlyUSD float64 `json:"hourlyUsd"`
}

// Snapshot is everything the control plane needs to list this provider.
// It is captured once, after the tunnel is up, and never changes.
type Snapshot struct {
	ProviderID   string
	PublicURL    string
	AccessSecret string
	Hardware     Hardware
	Pricing      Pricing
}

type registrationPayload struct {
	ProviderID string   `json:"providerId"`
	PublicURL  string   `json:"publicUrl"`
	Token      string   `json:"token"`
	Hardware   Hardware `json:"hardware"`
	Pricing    Pricing  `json:"pricing"`
}

// BuildPayload encodes a snapshot into the registration body. Identical
// snapshots always produce identical bytes.
func BuildPayload(s Snapshot) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(registrationPayload{
		ProviderID: s.ProviderID,
		PublicURL:  s.PublicURL,
		Token:      s.AccessSecret,
		Hardware:   s.Hardware,
		Pricing:    s.Pricing,
	})
	if err != nil {
		return nil, runitErrors.Internal(fmt.Sprintf("encode registration payload: %v", err))
	}
	return data, nil
}

func (s Snapshot) Validate() error {
	if strings.TrimSpace(s.ProviderID) == "" {
		return runitErrors.InvalidInput("provider id is empty")
	}
	if strings.TrimSpace(s.AccessSecret) == "" {
		return runitErrors.InvalidInput("access secret is empty")
	}
	u, err := url.Parse(s.PublicURL)
	if err != nil || u.Host == "" {
		return runitErrors.InvalidInput(fmt.Sprintf("public url %q is not a valid url", s.PublicURL))
	}
	if u.Scheme != "https" {
		return runitErrors.InvalidInput(fmt.Sprintf("public url %q must use https", s.PublicURL))
	}
	return nil
}
