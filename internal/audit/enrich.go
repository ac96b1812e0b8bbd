package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nexdesk/trustplane/internal/broker"
	"github.com/nexdesk/trustplane/internal/models"
	"github.com/nexdesk/trustplane/internal/vault"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// GeoInfo is the result of one IP geolocation lookup.
type GeoInfo struct {
	Country string
	City    string
	ISP     string
	Lat     *float64
	Lon     *float64
}

// LookupFunc resolves geolocation data for an IP address.
type LookupFunc func(ctx context.Context, ip string) (*GeoInfo, error)

// Enricher fills audit records' geo columns after the fact. Enrichment is
// idempotent per record and best-effort: failures are logged, the record
// stays unenriched, and nothing propagates to the caller.
type Enricher struct {
	db     *gorm.DB
	vault  *vault.Vault
	broker *broker.Broker
	lookup LookupFunc
}

// NewEnricher constructs an Enricher with the given lookup.
func NewEnricher(db *gorm.DB, v *vault.Vault, b *broker.Broker, lookup LookupFunc) *Enricher {
	return &Enricher{db: db, vault: v, broker: b, lookup: lookup}
}

// EnrichAsync enriches a record in the background.
func (e *Enricher) EnrichAsync(id uint64) {
	if e == nil {
		return
	}
	go func() {
		if errEnrich := e.Enrich(context.Background(), id); errEnrich != nil {
			log.WithError(errEnrich).WithField("audit_id", id).Debug("audit: enrichment skipped")
		}
	}()
}

// enrichTimeout bounds one enrichment pass, lookup included.
const enrichTimeout = 5 * time.Second

// Enrich resolves geo data for one record. Records already enriched or
// without a stored IP are skipped without error.
func (e *Enricher) Enrich(ctx context.Context, id uint64) error {
	if e == nil || e.db == nil || e.lookup == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, enrichTimeout)
	defer cancel()

	var row models.AuditLog
	if errFind := e.db.WithContext(ctx).First(&row, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("audit: load for enrichment: %w", errFind)
	}
	if row.EnrichedAt != nil || len(row.IPCipher) == 0 {
		return nil
	}

	ip, errDecrypt := e.vault.Decrypt(row.IPCipher)
	if errDecrypt != nil {
		return fmt.Errorf("audit: decrypt ip for enrichment: %w", errDecrypt)
	}
	if isPrivateAddress(ip) {
		return nil
	}

	info, errLookup := e.lookup(ctx, ip)
	if errLookup != nil {
		return fmt.Errorf("audit: geo lookup: %w", errLookup)
	}
	if info == nil {
		return nil
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"geo_country": info.Country,
		"geo_city":    info.City,
		"geo_isp":     info.ISP,
		"geo_lat":     info.Lat,
		"geo_lon":     info.Lon,
		"enriched_at": now,
	}
	// The enriched_at guard keeps concurrent enrichment passes from double
	// writing the same record.
	result := e.db.WithContext(ctx).Model(&models.AuditLog{}).
		Where("id = ? AND enriched_at IS NULL", row.ID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("audit: store enrichment: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil
	}

	if e.broker != nil {
		row.GeoCountry = info.Country
		row.GeoCity = info.City
		row.GeoISP = info.ISP
		row.EnrichedAt = &now
		e.broker.Publish(broker.Event{
			Kind:    broker.KindEnriched,
			Payload: redactedPayload(&row),
		})
	}
	return nil
}

// isPrivateAddress reports whether an IP has no public geolocation.
func isPrivateAddress(ip string) bool {
	if ip == "" || ip == "::1" {
		return true
	}
	for _, prefix := range []string{"127.", "10.", "192.168.", "169.254.", "fe80:", "fc", "fd"} {
		if strings.HasPrefix(ip, prefix) {
			return true
		}
	}
	if strings.HasPrefix(ip, "172.") {
		parts := strings.SplitN(ip, ".", 3)
		if len(parts) >= 2 {
			switch parts[1] {
			case "16", "17", "18", "19", "20", "21", "22", "23",
				"24", "25", "26", "27", "28", "29", "30", "31":
				return true
			}
		}
	}
	return false
}

// geoResponse is the wire shape of the HTTP geolocation endpoint.
type geoResponse struct {
	Status  string  `json:"status"`
	Message string  `json:"message"`
	Country string  `json:"country"`
	City    string  `json:"city"`
	ISP     string  `json:"isp"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// NewHTTPLookup returns a LookupFunc backed by an ip-api compatible HTTP
// endpoint, e.g. "http://ip-api.com/json".
func NewHTTPLookup(endpoint string) LookupFunc {
	client := &http.Client{Timeout: enrichTimeout}
	return func(ctx context.Context, ip string) (*GeoInfo, error) {
		target := strings.TrimRight(endpoint, "/") + "/" + url.PathEscape(ip)
		req, errReq := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if errReq != nil {
			return nil, fmt.Errorf("build request: %w", errReq)
		}
		resp, errDo := client.Do(req)
		if errDo != nil {
			return nil, fmt.Errorf("call geo endpoint: %w", errDo)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("geo endpoint status %d", resp.StatusCode)
		}
		var payload geoResponse
		if errDecode := json.NewDecoder(resp.Body).Decode(&payload); errDecode != nil {
			return nil, fmt.Errorf("decode geo response: %w", errDecode)
		}
		if payload.Status != "" && payload.Status != "success" {
			return nil, fmt.Errorf("geo lookup failed: %s", payload.Message)
		}
		info := &GeoInfo{Country: payload.Country, City: payload.City, ISP: payload.ISP}
		if payload.Lat != 0 || payload.Lon != 0 {
			lat, lon := payload.Lat, payload.Lon
			info.Lat = &lat
			info.Lon = &lon
		}
		return info, nil
	}
}
