package source

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"fundpricer/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRows_SkipsBadRows(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	month := model.Month{Year: 2021, Month: time.March}

	rows := [][]string{
		{"03", "1,30", "", "", "1.000,00", "", "10"},
		{"01", "1,10", "", "", "1.000,00", "", "10"},
		{"02", "oops"},
		{"04", ""},
		{"03", "1,31", "", "", "1.000,00", "", "11"},
	}
	got, malformed := ParseRows(month, rows, logger)

	assert.Equal(t, 1, malformed)
	require.Len(t, got, 2)
	assert.Equal(t, time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC), got[0].Timestamp)
	assert.Equal(t, time.Date(2021, 3, 3, 0, 0, 0, 0, time.UTC), got[1].Timestamp)
	assert.Equal(t, "1.31", got[1].Value.String())
	assert.Equal(t, int64(11), got[1].OwnerCount)

	assert.Contains(t, buf.String(), "skipping malformed row")
	assert.Contains(t, buf.String(), `"level":"WARN"`)
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("skipping malformed row")))
}

func TestParseRows_Empty(t *testing.T) {
	got, malformed := ParseRows(model.Month{Year: 2021, Month: time.March}, nil, nil)
	assert.Empty(t, got)
	assert.Zero(t, malformed)
}
