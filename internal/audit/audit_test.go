package audit

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nexdesk/trustplane/internal/broker"
	dbutil "github.com/nexdesk/trustplane/internal/db"
	"github.com/nexdesk/trustplane/internal/models"
	"github.com/nexdesk/trustplane/internal/vault"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := dbutil.Open("file:" + filepath.Join(t.TempDir(), "audit-test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := dbutil.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	v, err := vault.New(map[byte][]byte{1: key}, 1, []byte("audit-test-hash-key-0123"))
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

func TestRecorder_SyncWriteEncryptsPII(t *testing.T) {
	conn := newTestDB(t)
	v := newTestVault(t)
	recorder := NewRecorder(conn, v, nil, 8)

	userID := uint64(7)
	row, err := recorder.RecordSync(context.Background(), Event{
		UserID:    &userID,
		Username:  "alice",
		Action:    "login.success",
		Module:    "authn",
		UserAgent: "Mozilla/5.0 Test",
		IP:        "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("record sync: %v", err)
	}
	if len(row.IPCipher) == 0 || row.IPHash == "" {
		t.Fatalf("expected ip cipher and hash to be set together")
	}
	if len(row.UserAgentCipher) == 0 || row.UserAgentHash == "" {
		t.Fatalf("expected user agent cipher and hash to be set together")
	}
	if len(row.MACCipher) != 0 || row.MACHash != "" {
		t.Fatalf("mac was not provided, expected both columns empty")
	}
	if string(row.IPCipher) == "203.0.113.9" {
		t.Fatalf("ip stored as plaintext")
	}
	if row.Status != "ok" {
		t.Fatalf("expected default status ok, got %q", row.Status)
	}

	plaintext, errDecrypt := v.Decrypt(row.IPCipher)
	if errDecrypt != nil {
		t.Fatalf("decrypt ip: %v", errDecrypt)
	}
	if plaintext != "203.0.113.9" {
		t.Fatalf("decrypted ip = %q", plaintext)
	}
}

func TestRecorder_AsyncWriteAndPublishAfterCommit(t *testing.T) {
	conn := newTestDB(t)
	v := newTestVault(t)
	b := broker.New()
	sub := b.Subscribe()
	defer sub.Cancel()

	recorder := NewRecorder(conn, v, b, 8)
	recorder.Start()

	recorder.Record(Event{Username: "bob", Action: "task.delete", Module: "tasks", IP: "198.51.100.4"})
	recorder.Stop()

	select {
	case event := <-sub.C:
		if event.Kind != broker.KindCreated {
			t.Fatalf("event kind = %q", event.Kind)
		}
		if _, hasIP := event.Payload["ip"]; hasIP {
			t.Fatalf("broadcast payload must not carry PII")
		}
		if event.Payload["action"] != "task.delete" {
			t.Fatalf("payload action = %v", event.Payload["action"])
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no broadcast received")
	}

	var count int64
	if errCount := conn.Model(&models.AuditLog{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 1 {
		t.Fatalf("expected 1 persisted record, got %d", count)
	}

	// Records after Stop fall back to the synchronous path.
	recorder.Record(Event{Username: "bob", Action: "task.update", Module: "tasks"})
	if errCount := conn.Model(&models.AuditLog{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 2 {
		t.Fatalf("expected synchronous fallback write, got %d records", count)
	}
}

func TestStore_QueryFiltersAndPagination(t *testing.T) {
	conn := newTestDB(t)
	v := newTestVault(t)
	recorder := NewRecorder(conn, v, nil, 8)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := recorder.RecordSync(ctx, Event{
			Username: "alice", Action: "Task.Create", Module: "tasks", IP: "203.0.113.9",
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if _, err := recorder.RecordSync(ctx, Event{
		Username: "bob", Action: "login.failed", Module: "authn", IP: "198.51.100.4",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	store := NewStore(conn, v)

	// Case-insensitive action filter.
	records, pages, err := store.Query(ctx, Filters{Action: "task.create"}, 1, 2, false)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("page size 2, got %d records", len(records))
	}
	if pages != 3 {
		t.Fatalf("expected 3 pages for 5 matches, got %d", pages)
	}

	// IP filter matches through the deterministic hash, normalization included.
	records, _, err = store.Query(ctx, Filters{IP: "  198.51.100.4  "}, 1, 20, false)
	if err != nil {
		t.Fatalf("query by ip: %v", err)
	}
	if len(records) != 1 || records[0].Username != "bob" {
		t.Fatalf("ip filter matched %d records", len(records))
	}

	// No filter, newest first.
	records, _, err = store.Query(ctx, Filters{}, 1, 20, false)
	if err != nil {
		t.Fatalf("query all: %v", err)
	}
	if len(records) != 6 {
		t.Fatalf("expected 6 records, got %d", len(records))
	}
	if records[0].Action != "login.failed" {
		t.Fatalf("expected newest record first, got %q", records[0].Action)
	}
}

func TestStore_RenderRedactionAndDecryptFailure(t *testing.T) {
	conn := newTestDB(t)
	v := newTestVault(t)
	recorder := NewRecorder(conn, v, nil, 8)
	ctx := context.Background()

	row, err := recorder.RecordSync(ctx, Event{
		Username: "alice", Action: "export", Module: "audit", IP: "203.0.113.9", UserAgent: "UA",
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	store := NewStore(conn, v)

	redacted, errGet := store.Get(ctx, row.ID, false)
	if errGet != nil {
		t.Fatalf("get redacted: %v", errGet)
	}
	if redacted.IP != Redacted || redacted.UserAgent != Redacted {
		t.Fatalf("expected redacted PII, got ip=%q ua=%q", redacted.IP, redacted.UserAgent)
	}

	plain, errGet := store.Get(ctx, row.ID, true)
	if errGet != nil {
		t.Fatalf("get decrypted: %v", errGet)
	}
	if plain.IP != "203.0.113.9" || plain.UserAgent != "UA" {
		t.Fatalf("expected decrypted PII, got ip=%q ua=%q", plain.IP, plain.UserAgent)
	}

	// Corrupt one cipher column; that field renders unavailable, the rest of
	// the record still reads.
	if errUpdate := conn.Model(&models.AuditLog{}).Where("id = ?", row.ID).
		Update("ip_cipher", []byte{0xde, 0xad}).Error; errUpdate != nil {
		t.Fatalf("corrupt cipher: %v", errUpdate)
	}
	damaged, errGet := store.Get(ctx, row.ID, true)
	if errGet != nil {
		t.Fatalf("get damaged: %v", errGet)
	}
	if damaged.IP != Unavailable {
		t.Fatalf("expected unavailable marker, got %q", damaged.IP)
	}
	if damaged.UserAgent != "UA" {
		t.Fatalf("intact field should still decrypt, got %q", damaged.UserAgent)
	}

	if _, errMissing := store.Get(ctx, 9999, true); errMissing != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", errMissing)
	}
}

func TestStore_ExportRecord(t *testing.T) {
	conn := newTestDB(t)
	v := newTestVault(t)
	recorder := NewRecorder(conn, v, nil, 8)
	ctx := context.Background()

	row, err := recorder.RecordSync(ctx, Event{
		Username: "alice", Action: "export", Module: "audit", IP: "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	store := NewStore(conn, v)

	asJSON, errExport := store.ExportRecord(ctx, row.ID, FormatJSON, true)
	if errExport != nil {
		t.Fatalf("export json: %v", errExport)
	}
	if asJSON.ContentType != "application/json" {
		t.Fatalf("content type = %q", asJSON.ContentType)
	}
	if !strings.HasPrefix(asJSON.Filename, "audit-") || !strings.HasSuffix(asJSON.Filename, ".json") {
		t.Fatalf("filename = %q", asJSON.Filename)
	}
	if !strings.Contains(string(asJSON.Data), "203.0.113.9") {
		t.Fatalf("decrypted export missing plaintext ip")
	}

	asCSV, errExport := store.ExportRecord(ctx, row.ID, FormatCSV, false)
	if errExport != nil {
		t.Fatalf("export csv: %v", errExport)
	}
	if asCSV.ContentType != "text/csv" {
		t.Fatalf("content type = %q", asCSV.ContentType)
	}
	if strings.Contains(string(asCSV.Data), "203.0.113.9") {
		t.Fatalf("redacted export leaked plaintext ip")
	}
	if !strings.Contains(string(asCSV.Data), Redacted) {
		t.Fatalf("redacted export missing marker")
	}

	if _, errFormat := store.ExportRecord(ctx, row.ID, "xml", true); errFormat != ErrUnsupportedFormat {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", errFormat)
	}
}

func TestEnricher_IdempotentAndBestEffort(t *testing.T) {
	conn := newTestDB(t)
	v := newTestVault(t)
	recorder := NewRecorder(conn, v, nil, 8)
	ctx := context.Background()

	row, err := recorder.RecordSync(ctx, Event{
		Username: "alice", Action: "login.success", Module: "authn", IP: "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	calls := 0
	lookup := func(ctx context.Context, ip string) (*GeoInfo, error) {
		calls++
		if ip != "203.0.113.9" {
			t.Fatalf("lookup got ip %q", ip)
		}
		return &GeoInfo{Country: "Germany", City: "Berlin", ISP: "ExampleNet"}, nil
	}

	b := broker.New()
	sub := b.Subscribe()
	defer sub.Cancel()
	enricher := NewEnricher(conn, v, b, lookup)

	if errEnrich := enricher.Enrich(ctx, row.ID); errEnrich != nil {
		t.Fatalf("enrich: %v", errEnrich)
	}
	if calls != 1 {
		t.Fatalf("lookup calls = %d", calls)
	}

	var stored models.AuditLog
	if errFind := conn.First(&stored, row.ID).Error; errFind != nil {
		t.Fatalf("reload: %v", errFind)
	}
	if stored.GeoCountry != "Germany" || stored.GeoCity != "Berlin" || stored.EnrichedAt == nil {
		t.Fatalf("geo fields not stored: %+v", stored)
	}

	select {
	case event := <-sub.C:
		if event.Kind != broker.KindEnriched {
			t.Fatalf("event kind = %q", event.Kind)
		}
	default:
		t.Fatalf("expected enriched broadcast")
	}

	// Second pass is a no-op.
	if errEnrich := enricher.Enrich(ctx, row.ID); errEnrich != nil {
		t.Fatalf("second enrich: %v", errEnrich)
	}
	if calls != 1 {
		t.Fatalf("enrichment not idempotent, lookup calls = %d", calls)
	}

	// Private addresses are skipped without a lookup.
	localRow, errLocal := recorder.RecordSync(ctx, Event{
		Username: "alice", Action: "login.success", Module: "authn", IP: "192.168.1.20",
	})
	if errLocal != nil {
		t.Fatalf("seed local: %v", errLocal)
	}
	if errEnrich := enricher.Enrich(ctx, localRow.ID); errEnrich != nil {
		t.Fatalf("enrich local: %v", errEnrich)
	}
	if calls != 1 {
		t.Fatalf("private address should not reach lookup")
	}

	// Missing records are not an error.
	if errEnrich := enricher.Enrich(ctx, 424242); errEnrich != nil {
		t.Fatalf("enrich missing: %v", errEnrich)
	}
}
