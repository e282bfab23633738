// Package ddns defines the pluggable dynamic-DNS publisher capability. New
// providers are added as new implementations of Publisher without touching
// any caller.
package ddns

import (
	"context"
	"fmt"
)

// Publisher upserts the DNS records that point players at the tunnel's
// current public address: an A record and a Minecraft SRV record.
type Publisher interface {
	// UpdateSRV upserts the A record and the _minecraft._tcp SRV record
	// for the configured name, pointing at host:port.
	UpdateSRV(ctx context.Context, host string, port uint16) error
}

// ProviderError reports a non-2xx response, or any other failure, from a
// DDNS provider's API.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("ddns: %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Record is the conceptual view of a DNS record this tunnel manages,
// independent of any provider's wire format.
type Record struct {
	Name  string
	Type  string
	Value string
}

// SRVRecord is the conceptual view of the Minecraft SRV record this tunnel
// publishes: priority 10, weight 0, TTL 60, proxied false, fixed by spec.
type SRVRecord struct {
	Name     string // "_minecraft._tcp.<a-name>"
	Service  string // "_minecraft"
	Proto    string // "_tcp"
	Priority uint16 // 10
	Weight   uint16 // 0
	Port     uint16
	Target   string // the A record's name
	TTL      int    // 60
}
