package retention

import (
	"bufio"
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Record is one archived row: the entity's JSON object form. Values carry
// encoding/json's types (string, float64, bool, nil, nested maps/slices).
type Record = map[string]any

// encryptedSuffix marks archives sealed by the crypto manager.
const encryptedSuffix = ".enc"

// maxArchiveLine bounds a single JSON-lines record on read.
const maxArchiveLine = 16 * 1024 * 1024

// archiveName builds the timestamped filename for a sweep's output.
func archiveName(dataType string, format Format, now time.Time) string {
	return fmt.Sprintf("%s_%s.%s", dataType, now.UTC().Format("20060102_150405"), format.Extension())
}

// writeArchive writes records to dir under the timestamped name, then reads
// the file back and checks the record count before reporting success. A
// verify failure leaves no file behind.
func writeArchive(dir, dataType string, format Format, records []Record, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create archive directory: %w", err)
	}
	path := filepath.Join(dir, archiveName(dataType, format, now))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	if err := encodeArchive(f, format, records); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close archive: %w", err)
	}

	verified, err := readArchive(path)
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("verify archive: %w", err)
	}
	if len(verified) != len(records) {
		os.Remove(path)
		return "", fmt.Errorf("verify archive: wrote %d records, read back %d", len(records), len(verified))
	}
	return path, nil
}

func encodeArchive(w io.Writer, format Format, records []Record) error {
	if format.compressed() {
		gz := gzip.NewWriter(w)
		if err := encodePlain(gz, format, records); err != nil {
			gz.Close()
			return err
		}
		if err := gz.Close(); err != nil {
			return fmt.Errorf("flush gzip: %w", err)
		}
		return nil
	}
	return encodePlain(w, format, records)
}

func encodePlain(w io.Writer, format Format, records []Record) error {
	switch format {
	case FormatJSON, FormatJSONGz:
		return encodeJSONLines(w, records)
	case FormatCSV, FormatCSVGz:
		return encodeCSV(w, records)
	default:
		return fmt.Errorf("unsupported archive format %q", format)
	}
}

// readArchive decodes an archive file; the format comes from the filename.
func readArchive(path string) ([]Record, error) {
	return readArchiveAs(path, path)
}

// readArchiveAs reads the file at path but picks the codec from formatName.
// Restore uses it to decode a decrypted staging file under the archive's
// original name.
func readArchiveAs(path, formatName string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	name := formatName
	if strings.HasSuffix(name, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open gzip archive: %w", err)
		}
		defer gz.Close()
		r = gz
		name = strings.TrimSuffix(name, ".gz")
	}
	switch {
	case strings.HasSuffix(name, ".json"):
		return decodeJSONLines(r)
	case strings.HasSuffix(name, ".csv"):
		return decodeCSV(r)
	default:
		return nil, fmt.Errorf("unrecognized archive format in %s", filepath.Base(formatName))
	}
}

// encodeJSONLines writes one JSON object per line.
func encodeJSONLines(w io.Writer, records []Record) error {
	enc := json.NewEncoder(w)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode record %d: %w", i, err)
		}
	}
	return nil
}

func decodeJSONLines(r io.Reader) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxArchiveLine)
	var out []Record
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("decode record %d: %w", len(out), err)
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	return out, nil
}

// encodeCSV flattens records onto a sorted union header. Nested values are
// embedded as compact JSON; nil becomes the empty cell.
func encodeCSV(w io.Writer, records []Record) error {
	columns := csvColumns(records)
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	row := make([]string, len(columns))
	for i, rec := range records {
		for j, col := range columns {
			cell, err := csvCell(rec[col])
			if err != nil {
				return fmt.Errorf("record %d column %s: %w", i, col, err)
			}
			row[j] = cell
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv record %d: %w", i, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("csv write error: %w", err)
	}
	return nil
}

func csvColumns(records []Record) []string {
	set := make(map[string]bool)
	for _, rec := range records {
		for k := range rec {
			set[k] = true
		}
	}
	columns := make([]string, 0, len(set))
	for k := range set {
		columns = append(columns, k)
	}
	sort.Strings(columns)
	return columns
}

func csvCell(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
}

// decodeCSV reverses encodeCSV. Cell types are not recoverable from CSV, so
// every non-empty cell comes back as a string and empty cells as nil.
func decodeCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	var out []Record
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv record %d: %w", len(out), err)
		}
		rec := make(Record, len(header))
		for i, col := range header {
			if i >= len(row) || row[i] == "" {
				rec[col] = nil
				continue
			}
			rec[col] = row[i]
		}
		out = append(out, rec)
	}
	return out, nil
}
