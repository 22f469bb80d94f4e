package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicsync/clinicsync/internal/record"
)

func sampleTables() map[string][]record.Record {
	p1 := record.New("p1")
	p1.Set("name", record.String("A"))
	p1.Set(record.FieldLastModified, record.Number(100))

	v1 := record.New("v1")
	v1.Set("reason", record.String("checkup"))

	return map[string][]record.Record{
		"patients": {p1},
		"visits":   {v1},
	}
}

func TestSnapshot_ChecksumValidates(t *testing.T) {
	s, err := New("clinic-1", "device-a", sampleTables(), time.Now())
	require.NoError(t, err)
	require.NotEmpty(t, s.Checksum)

	assert.True(t, s.ValidateIntegrity())
	assert.Equal(t, 2, s.RecordCount())
}

func TestSnapshot_TamperedContentFailsValidation(t *testing.T) {
	s, err := New("clinic-1", "device-a", sampleTables(), time.Now())
	require.NoError(t, err)

	s.Tables["patients"][0].Set("name", record.String("B"))
	assert.False(t, s.ValidateIntegrity())
}

func TestSnapshot_TamperedChecksumFailsValidation(t *testing.T) {
	s, err := New("clinic-1", "device-a", sampleTables(), time.Now())
	require.NoError(t, err)

	// Flip one character of the hex digest.
	sum := []byte(s.Checksum)
	if sum[0] == 'a' {
		sum[0] = 'b'
	} else {
		sum[0] = 'a'
	}
	s.Checksum = string(sum)
	assert.False(t, s.ValidateIntegrity())
}

func TestBlobName_FilesystemSafe(t *testing.T) {
	ts := time.Date(2025, 3, 4, 15, 30, 45, 0, time.UTC)
	name := BlobName("clinic-1", ts)

	assert.Equal(t, "clinic-1_2025-03-04T15-30-45Z.enc", name)
	assert.NotContains(t, name, ":")
}

func TestCompressors_RoundTrip(t *testing.T) {
	payload := []byte(`{"tables":{"patients":[{"id":"p1","name":"A"}]}}`)

	for _, c := range []Compressor{NopCompressor{}, XZCompressor{}} {
		t.Run(c.Name(), func(t *testing.T) {
			compressed, err := c.Compress(payload)
			require.NoError(t, err)

			back, err := c.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, payload, back)
		})
	}
}

func TestForName(t *testing.T) {
	assert.Equal(t, "xz", ForName("xz").Name())
	assert.Equal(t, "none", ForName("none").Name())
	assert.Equal(t, "none", ForName("unknown").Name())
}
