package cli

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfirmDestructive(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"exact match confirms", "clinic-1\n", true},
		{"whitespace is trimmed", "  clinic-1  \n", true},
		{"wrong input aborts", "clinic-2\n", false},
		{"empty line aborts", "\n", false},
		{"partial line at EOF still counts", "clinic-1", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			reader := bufio.NewReader(strings.NewReader(tc.input))

			got, err := ConfirmDestructive(reader, &out, "Type the tenant id to confirm:", "clinic-1")
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Contains(t, out.String(), "Type the tenant id to confirm:")
		})
	}
}

func TestGetPassword(t *testing.T) {
	orig := readPassword
	readPassword = func(int) ([]byte, error) { return []byte("s3cret"), nil }
	t.Cleanup(func() { readPassword = orig })

	var out bytes.Buffer
	pw, err := GetPassword(&out, "Enter S3 secret access key: ")
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), pw)
	assert.Contains(t, out.String(), "Enter S3 secret access key:")
}
