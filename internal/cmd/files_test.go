package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/racklens/pkg/backend"
	"github.com/3leaps/racklens/pkg/output"
)

const fileListBody = `[
	{"name": "rack1.csv", "size": 2097152, "modified": "2026-03-01T10:00:00Z", "path": "site-a/rack1.csv"},
	{"name": "rack2.csv", "size_mb": 3.5, "path": "site-a/rack2.csv"},
	{"filename": "notes.txt", "path": "site-b/notes.txt"}
]`

func TestFilterFiles(t *testing.T) {
	files := []backend.File{
		{Name: "rack1.csv", Path: "site-a/rack1.csv"},
		{Name: "rack2.csv", Path: "site-a/rack2.csv"},
		{Name: "notes.txt", Path: "site-b/notes.txt"},
		{Name: "rack3.csv"},
	}

	tests := []struct {
		name     string
		patterns []string
		want     []string
		wantErr  bool
	}{
		{"no patterns keeps all", nil, []string{"rack1.csv", "rack2.csv", "notes.txt", "rack3.csv"}, false},
		{"blank patterns ignored", []string{"  "}, []string{"rack1.csv", "rack2.csv", "notes.txt", "rack3.csv"}, false},
		{"name glob", []string{"*.csv"}, []string{"rack1.csv", "rack2.csv", "rack3.csv"}, false},
		{"path glob", []string{"site-a/**"}, []string{"rack1.csv", "rack2.csv"}, false},
		{"any of several", []string{"rack3.*", "**/notes.txt"}, []string{"notes.txt", "rack3.csv"}, false},
		{"no match", []string{"*.parquet"}, []string{}, false},
		{"invalid pattern", []string{"rack[1.csv"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := filterFiles(files, tt.patterns)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			names := make([]string, 0, len(got))
			for _, f := range got {
				names = append(names, f.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestPrintFileTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printFileTable(&buf, []backend.File{
		{Name: "rack1.csv", Size: 2 * 1024 * 1024, Modified: "2026-03-01"},
		{Name: "rack2.csv", SizeMB: 3.5},
	}))

	out := buf.String()
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "rack1.csv")
	assert.Contains(t, out, "2.00")
	assert.Contains(t, out, "3.50")
	assert.Contains(t, out, "2026-03-01")

	buf.Reset()
	require.NoError(t, printFileTable(&buf, nil))
	assert.Equal(t, "No files found\n", buf.String())
}

func TestFilesCommand_JSON(t *testing.T) {
	fb := newFakeBackend(t)
	fb.json(http.MethodGet, "/files", fileListBody)

	out, err := executeCommand(t, "--backend", fb.URL, "files", "--json", "--match", "*.csv")
	require.NoError(t, err)

	recs := records(t, out)
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, output.TypeFile, r.Type)
		assert.Equal(t, fb.URL, r.Backend)
	}

	var first output.FileRecord
	require.NoError(t, json.Unmarshal(recs[0].Data, &first))
	assert.Equal(t, "rack1.csv", first.Name)
	assert.Equal(t, int64(2097152), first.Size)
	assert.Equal(t, "site-a/rack1.csv", first.Path)
}

func TestFilesCommand_Table(t *testing.T) {
	fb := newFakeBackend(t)
	fb.json(http.MethodGet, "/files", fileListBody)

	out, err := executeCommand(t, "--backend", fb.URL, "files")
	require.NoError(t, err)
	assert.Contains(t, out, "notes.txt")
	assert.Contains(t, out, "rack2.csv")
}

func TestFilesCommand_BackendDown(t *testing.T) {
	fb := newFakeBackend(t)
	fb.handle(http.MethodGet, "/files", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := executeCommand(t, "--backend", fb.URL, "files")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, exitCodeOf(err))
}
