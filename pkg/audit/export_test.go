package audit

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvents() []*Event {
	actorID := int64(1)
	return []*Event{
		{
			ID:         2,
			Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			EventType:  EventTypeAuthLogin,
			Outcome:    OutcomeSuccess,
			ActorID:    &actorID,
			ActorEmail: "admin@example.org",
			ActorRole:  "ADMIN",
			Method:     "POST",
			Path:       "/api/v1/auth/login",
			StatusCode: 200,
			Metadata:   map[string]interface{}{"provider": "local"},
		},
		{
			ID:           1,
			Timestamp:    time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
			EventType:    EventTypeAuthLoginFailed,
			Outcome:      OutcomeFailure,
			Method:       "POST",
			Path:         "/api/v1/auth/login",
			StatusCode:   401,
			ErrorMessage: "invalid credentials",
		},
	}
}

func TestExportJSON(t *testing.T) {
	data, err := Export(sampleEvents(), ExportFormatJSON)
	require.NoError(t, err)

	var decoded []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "auth.login", decoded[0]["event_type"])
}

func TestExportNDJSON(t *testing.T) {
	data, err := Export(sampleEvents(), ExportFormatNDJSON)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var decoded map[string]interface{}
		assert.NoError(t, json.Unmarshal([]byte(line), &decoded))
	}
}

func TestExportCSV(t *testing.T) {
	data, err := Export(sampleEvents(), ExportFormatCSV)
	require.NoError(t, err)

	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3) // header + 2 rows

	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, "2", records[1][0])
	assert.Equal(t, "auth.login", records[1][2])
	assert.Contains(t, records[1][17], `"provider":"local"`)
	assert.Equal(t, "", records[2][5]) // no actor
}

func TestExportUnsupportedFormat(t *testing.T) {
	_, err := Export(sampleEvents(), ExportFormat("xml"))
	assert.Error(t, err)
}

func TestFilesystemArchivePut(t *testing.T) {
	dir := t.TempDir()
	archive, err := NewFilesystemArchive(dir)
	require.NoError(t, err)

	key := ArchiveKey(ExportFormatNDJSON, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, archive.Put(t.Context(), key, []byte("{}\n"), "application/x-ndjson"))

	written, err := os.ReadFile(filepath.Join(dir, key))
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(written))
}

func TestArchiveKeyLayout(t *testing.T) {
	key := ArchiveKey(ExportFormatCSV, time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC))
	assert.Equal(t, "audit/2026/03/audit-20260301T123000Z.csv", key)
}
