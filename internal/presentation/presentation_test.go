package presentation

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simreg/regq/internal/queue"
	"github.com/simreg/regq/internal/registrations/domain"
)

func failedRecord() *domain.Record {
	msg := "carrier timeout"
	return domain.ReconstituteRecord(4, "0612345678", "1234", "Amina Benali", "AB1",
		domain.StatusFailed, &msg, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		domain.NewStepSet(true, false, false), 2, 5)
}

func TestFromDomainRecord(t *testing.T) {
	dto := FromDomainRecord(failedRecord())
	assert.Equal(t, int64(4), dto.ID)
	assert.Equal(t, "FAILED", dto.Status)
	require.NotNil(t, dto.ErrorMessage)
	assert.Equal(t, "carrier timeout", *dto.ErrorMessage)
	assert.True(t, dto.UssdExecuted)
	assert.False(t, dto.NameFilled)
	assert.False(t, dto.Completed)
	assert.Equal(t, MaskedPuk, dto.PukLastFour)

	pending := FromDomainRecord(domain.NewRecord("0612345678", "1234", "n", "c"))
	assert.Nil(t, pending.ErrorMessage)

	data, err := json.Marshal(pending)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "error_message")
	assert.Contains(t, string(data), `"puk_last_four":"****"`)
	assert.NotContains(t, string(data), `"1234"`)
}

func TestFromStats(t *testing.T) {
	dto := FromStats(queue.Stats{Total: 5, ByStatus: map[domain.Status]int{
		domain.StatusPending:           1,
		domain.StatusCompleted:         2,
		domain.StatusAlreadyRegistered: 1,
		domain.StatusCancelled:         1,
	}})
	assert.Equal(t, 1, dto.Remaining)
	assert.Equal(t, 3, dto.Passed)
	assert.Equal(t, 1, dto.Skipped)
	assert.Equal(t, 2, dto.ByStatus["COMPLETED"])
}

func TestFormatter_Records(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(&buf)
	require.NoError(t, f.FormatRecords([]RecordDTO{FromDomainRecord(failedRecord())}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "PHONE")
	assert.Contains(t, lines[1], "0612345678")
	assert.Contains(t, lines[1], "U--")
	assert.Contains(t, lines[1], "carrier timeout")

	buf.Reset()
	require.NoError(t, f.FormatRecords(nil))
	assert.Contains(t, buf.String(), "no records")
}

func TestFormatter_RecordAndStats(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(&buf)
	require.NoError(t, f.FormatRecord(FromDomainRecord(failedRecord())))
	assert.Contains(t, buf.String(), "carrier timeout")
	assert.Contains(t, buf.String(), "2026-03-01 10:00:00")

	buf.Reset()
	require.NoError(t, f.FormatStats(StatsDTO{Total: 3, Failed: 1, ByStatus: map[string]int{"FAILED": 1}}))
	assert.Contains(t, buf.String(), "ALREADY_REGISTERED")
}

func TestFormatter_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewFormatter(&buf).FormatJSON(map[string]int{"total": 1}))
	assert.Equal(t, "{\n  \"total\": 1\n}\n", buf.String())
}
