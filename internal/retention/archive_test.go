package retention

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func sampleRecords() []Record {
	return []Record{
		{"id": "a-1", "name": "edge-01", "reading": 21.5, "active": true, "note": nil},
		{"id": "a-2", "name": "edge-02", "reading": 3.0, "active": false, "note": "quoted, with comma"},
		{"id": "a-3", "name": "edge-03", "reading": -0.25, "active": true, "note": "line\nbreak"},
	}
}

func TestArchiveJSONRoundTrip(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatJSONGz} {
		t.Run(string(format), func(t *testing.T) {
			dir := t.TempDir()
			records := sampleRecords()

			path, err := writeArchive(dir, "telemetry_events", format, records, time.Now())
			if err != nil {
				t.Fatalf("writeArchive: %v", err)
			}
			if !strings.HasSuffix(path, "."+string(format)) {
				t.Fatalf("archive name %s does not carry format %s", filepath.Base(path), format)
			}

			got, err := readArchive(path)
			if err != nil {
				t.Fatalf("readArchive: %v", err)
			}
			if !reflect.DeepEqual(got, records) {
				t.Fatalf("round trip mismatch:\n got %v\nwant %v", got, records)
			}
		})
	}
}

func TestArchiveCSVRoundTripStringifies(t *testing.T) {
	dir := t.TempDir()
	records := []Record{
		{"id": "r-1", "count": 4.0, "ok": true, "gap": nil, "note": "plain"},
	}

	path, err := writeArchive(dir, "audit_logs", FormatCSVGz, records, time.Now())
	if err != nil {
		t.Fatalf("writeArchive: %v", err)
	}
	got, err := readArchive(path)
	if err != nil {
		t.Fatalf("readArchive: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	want := Record{"id": "r-1", "count": "4", "ok": "true", "gap": nil, "note": "plain"}
	if !reflect.DeepEqual(got[0], want) {
		t.Fatalf("csv round trip:\n got %v\nwant %v", got[0], want)
	}
}

func TestArchiveCSVEmbedsNestedValues(t *testing.T) {
	dir := t.TempDir()
	records := []Record{
		{"id": "r-1", "details": map[string]any{"zone": "eu-1"}, "tags": []any{"a", "b"}},
	}

	path, err := writeArchive(dir, "audit_logs", FormatCSV, records, time.Now())
	if err != nil {
		t.Fatalf("writeArchive: %v", err)
	}
	got, err := readArchive(path)
	if err != nil {
		t.Fatalf("readArchive: %v", err)
	}
	if got[0]["details"] != `{"zone":"eu-1"}` {
		t.Fatalf("nested map cell = %q", got[0]["details"])
	}
	if got[0]["tags"] != `["a","b"]` {
		t.Fatalf("nested slice cell = %q", got[0]["tags"])
	}
}

func TestWriteArchiveRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	if _, err := writeArchive(dir, "alerts", FormatJSON, sampleRecords(), now); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := writeArchive(dir, "alerts", FormatJSON, sampleRecords(), now); err == nil {
		t.Fatal("second write to the same name succeeded, expected refusal")
	}
}

func TestReadArchiveUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leftover.txt")
	if err := os.WriteFile(path, []byte("not an archive"), 0600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := readArchive(path); err == nil || !strings.Contains(err.Error(), "unrecognized archive format") {
		t.Fatalf("expected format error, got %v", err)
	}
}

func TestReadArchiveCorruptGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json.gz")
	if err := os.WriteFile(path, []byte("definitely not gzip"), 0600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := readArchive(path); err == nil {
		t.Fatal("expected gzip error")
	}
}
