// Package cloudflare implements internal/ddns.Publisher against the
// Cloudflare v4 API via the cloudflare-go SDK.
package cloudflare

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	cloudflare "github.com/cloudflare/cloudflare-go"
	"golang.org/x/time/rate"

	"github.com/natpunch/mc-tunnel/internal/config"
	"github.com/natpunch/mc-tunnel/internal/ddns"
)

// Provider publishes A and SRV records through the Cloudflare API.
type Provider struct {
	api       *cloudflare.API
	domain    string
	subDomain string

	zoneMu sync.Mutex
	zoneID string // looked up lazily, cached once found

	recordMu    sync.RWMutex
	recordCache map[string]string // "name:type" -> record id

	limiter *rate.Limiter
}

// New creates a Cloudflare-backed publisher from the configured API token
// and domain.
func New(cfg *config.Config) (*Provider, error) {
	api, err := cloudflare.NewWithAPIToken(cfg.DDNS.Token)
	if err != nil {
		return nil, fmt.Errorf("cloudflare: failed to create client: %w", err)
	}

	return &Provider{
		api:         api,
		domain:      cfg.DDNS.Domain,
		subDomain:   cfg.DDNS.SubDomain,
		recordCache: make(map[string]string),
		// Cloudflare's documented rate limit is generous, but a fast STUN
		// re-measurement cadence (heartbeat can be as low as a few
		// seconds) should never be allowed to hammer the API.
		limiter: rate.NewLimiter(rate.Limit(4), 4),
	}, nil
}

var _ ddns.Publisher = (*Provider)(nil)

// aName returns the DNS label the A record is published under: sub_domain
// unless it is empty or "@", in which case it is the bare domain.
func (p *Provider) aName() string {
	sub := strings.TrimSpace(p.subDomain)
	if sub == "" || sub == "@" {
		return p.domain
	}
	return sub + "." + p.domain
}

// UpdateSRV upserts the A record and the _minecraft._tcp SRV record, in
// that order, for the given host:port. A failed A-record upsert aborts
// before the SRV upsert is attempted; a failed SRV upsert after a
// successful A upsert is reported, and the caller is expected to retry on
// its next tick since the A record already reflects the new address.
func (p *Provider) UpdateSRV(ctx context.Context, host string, port uint16) error {
	if err := p.ensureZoneID(ctx); err != nil {
		return &ddns.ProviderError{Provider: "cloudflare", Op: "zone lookup", Err: err}
	}

	name := p.aName()

	if err := p.upsertRecord(ctx, name, "A", host); err != nil {
		return &ddns.ProviderError{Provider: "cloudflare", Op: "upsert A", Err: err}
	}

	srvName := "_minecraft._tcp." + name
	data := map[string]interface{}{
		"service":  "_minecraft",
		"proto":    "_tcp",
		"name":     srvDataName(p.subDomain),
		"priority": 10,
		"weight":   0,
		"port":     int(port),
		"target":   name,
	}
	if err := p.upsertSRV(ctx, srvName, data); err != nil {
		return &ddns.ProviderError{Provider: "cloudflare", Op: "upsert SRV", Err: err}
	}

	slog.Info("Published DDNS record", "name", name, "host", host, "srv", srvName, "port", port)
	return nil
}

// srvDataName is the "name" field inside a Cloudflare SRV record's data
// block, which Cloudflare expects to be the bare subdomain label ("@" for
// the zone apex), distinct from the record's own fully-qualified name.
func srvDataName(subDomain string) string {
	sub := strings.TrimSpace(subDomain)
	if sub == "" {
		return "@"
	}
	return sub
}

func (p *Provider) ensureZoneID(ctx context.Context) error {
	p.zoneMu.Lock()
	defer p.zoneMu.Unlock()

	if p.zoneID != "" {
		return nil
	}

	id, err := withRetry(ctx, p.limiter, "ZoneIDByName", func() (string, error) {
		return p.api.ZoneIDByName(p.domain)
	})
	if err != nil {
		return fmt.Errorf("failed to look up zone id for %q: %w", p.domain, err)
	}
	if id == "" {
		return fmt.Errorf("zone %q not found", p.domain)
	}

	p.zoneID = id
	return nil
}

func (p *Provider) cachedRecordID(name, recordType string) (string, bool) {
	p.recordMu.RLock()
	defer p.recordMu.RUnlock()
	id, ok := p.recordCache[name+":"+recordType]
	return id, ok
}

func (p *Provider) setCachedRecordID(name, recordType, id string) {
	p.recordMu.Lock()
	defer p.recordMu.Unlock()
	p.recordCache[name+":"+recordType] = id
}

func (p *Provider) clearCachedRecordID(name, recordType string) {
	p.recordMu.Lock()
	defer p.recordMu.Unlock()
	delete(p.recordCache, name+":"+recordType)
}

// lookupRecordID re-fetches the record id from the API, tolerating
// out-of-band deletion of previously cached records.
func (p *Provider) lookupRecordID(ctx context.Context, name, recordType string) (string, error) {
	rc := cloudflare.ZoneIdentifier(p.zoneID)
	records, _, err := withRetry(ctx, p.limiter, "ListDNSRecords", func() ([]cloudflare.DNSRecord, error) {
		recs, info, err := p.api.ListDNSRecords(ctx, rc, cloudflare.ListDNSRecordsParams{
			Name: name,
			Type: recordType,
		})
		return recs, combineListErr(info, err)
	})
	if err != nil {
		return "", fmt.Errorf("failed to list %s records for %q: %w", recordType, name, err)
	}
	if len(records) == 0 {
		return "", nil
	}
	return records[0].ID, nil
}

func combineListErr(_ cloudflare.ResultInfo, err error) error { return err }

func (p *Provider) upsertRecord(ctx context.Context, name, recordType, content string) error {
	id, cached := p.cachedRecordID(name, recordType)
	if !cached {
		var err error
		id, err = p.lookupRecordID(ctx, name, recordType)
		if err != nil {
			return err
		}
	}

	rc := cloudflare.ZoneIdentifier(p.zoneID)

	if id != "" {
		_, err := withRetry(ctx, p.limiter, "UpdateDNSRecord", func() (struct{}, error) {
			_, err := p.api.UpdateDNSRecord(ctx, rc, cloudflare.UpdateDNSRecordParams{
				ID:      id,
				Type:    recordType,
				Name:    name,
				Content: content,
				TTL:     60,
				Proxied: cloudflare.BoolPtr(false),
			})
			return struct{}{}, err
		})
		if err != nil {
			// The cached id might be stale if the record was deleted
			// out-of-band; forget it and let the next tick re-look-up.
			p.clearCachedRecordID(name, recordType)
			return fmt.Errorf("failed to update %s record %q: %w", recordType, name, err)
		}
		p.setCachedRecordID(name, recordType, id)
		return nil
	}

	record, err := withRetry(ctx, p.limiter, "CreateDNSRecord", func() (cloudflare.DNSRecord, error) {
		return p.api.CreateDNSRecord(ctx, rc, cloudflare.CreateDNSRecordParams{
			Type:    recordType,
			Name:    name,
			Content: content,
			TTL:     60,
			Proxied: cloudflare.BoolPtr(false),
		})
	})
	if err != nil {
		return fmt.Errorf("failed to create %s record %q: %w", recordType, name, err)
	}
	p.setCachedRecordID(name, recordType, record.ID)
	return nil
}

func (p *Provider) upsertSRV(ctx context.Context, name string, data map[string]interface{}) error {
	id, cached := p.cachedRecordID(name, "SRV")
	if !cached {
		var err error
		id, err = p.lookupRecordID(ctx, name, "SRV")
		if err != nil {
			return err
		}
	}

	rc := cloudflare.ZoneIdentifier(p.zoneID)

	if id != "" {
		_, err := withRetry(ctx, p.limiter, "UpdateDNSRecord(SRV)", func() (struct{}, error) {
			_, err := p.api.UpdateDNSRecord(ctx, rc, cloudflare.UpdateDNSRecordParams{
				ID:      id,
				Type:    "SRV",
				Name:    name,
				Data:    data,
				TTL:     60,
				Proxied: cloudflare.BoolPtr(false),
			})
			return struct{}{}, err
		})
		if err != nil {
			p.clearCachedRecordID(name, "SRV")
			return fmt.Errorf("failed to update SRV record %q: %w", name, err)
		}
		p.setCachedRecordID(name, "SRV", id)
		return nil
	}

	record, err := withRetry(ctx, p.limiter, "CreateDNSRecord(SRV)", func() (cloudflare.DNSRecord, error) {
		return p.api.CreateDNSRecord(ctx, rc, cloudflare.CreateDNSRecordParams{
			Type:    "SRV",
			Name:    name,
			Data:    data,
			TTL:     60,
			Proxied: cloudflare.BoolPtr(false),
		})
	})
	if err != nil {
		return fmt.Errorf("failed to create SRV record %q: %w", name, err)
	}
	p.setCachedRecordID(name, "SRV", record.ID)
	return nil
}
