package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// ErrUnsupportedFormat indicates an export format other than json or csv.
var ErrUnsupportedFormat = errors.New("audit: unsupported export format")

// Export is a rendered export payload ready to be sent to the client.
type Export struct {
	Data        []byte
	Filename    string
	ContentType string
}

// ExportRecord renders a single audit record as JSON or CSV bytes. Decrypted
// controls whether PII columns are decrypted or replaced with the Redacted
// marker; callers enforce the permission, re-auth, and quota gates.
func (s *Store) ExportRecord(ctx context.Context, id uint64, format string, decrypted bool) (*Export, error) {
	row, errLoad := s.load(ctx, id)
	if errLoad != nil {
		return nil, errLoad
	}
	record := s.render(row, decrypted)

	var (
		data        []byte
		contentType string
		errEncode   error
	)
	switch format {
	case FormatJSON:
		data, errEncode = json.MarshalIndent(record, "", "  ")
		contentType = "application/json"
	case FormatCSV:
		data, errEncode = encodeCSV(&record)
		contentType = "text/csv"
	default:
		return nil, ErrUnsupportedFormat
	}
	if errEncode != nil {
		return nil, fmt.Errorf("audit: encode export: %w", errEncode)
	}

	filename := fmt.Sprintf("audit-%d-%s.%s", record.ID, time.Now().UTC().Format("20060102T150405Z"), format)
	return &Export{Data: data, Filename: filename, ContentType: contentType}, nil
}

// encodeCSV writes a header row plus one value row for the record.
func encodeCSV(record *Record) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{
		"id", "user_id", "username", "action", "module",
		"resource_type", "resource_id", "details", "status",
		"user_agent", "ip", "mac",
		"geo_country", "geo_city", "geo_isp",
		"session_id", "created_at",
	}
	userID := ""
	if record.UserID != nil {
		userID = strconv.FormatUint(*record.UserID, 10)
	}
	values := []string{
		strconv.FormatUint(record.ID, 10), userID, record.Username, record.Action, record.Module,
		record.ResourceType, record.ResourceID, record.Details, record.Status,
		record.UserAgent, record.IP, record.MAC,
		record.GeoCountry, record.GeoCity, record.GeoISP,
		record.SessionID, record.CreatedAt.UTC().Format(time.RFC3339),
	}

	if errWrite := w.Write(header); errWrite != nil {
		return nil, errWrite
	}
	if errWrite := w.Write(values); errWrite != nil {
		return nil, errWrite
	}
	w.Flush()
	if errFlush := w.Error(); errFlush != nil {
		return nil, errFlush
	}
	return buf.Bytes(), nil
}
