package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type healthTable [][]string

func (healthTable) Headers() []string  { return []string{"Address", "Healthy"} }
func (h healthTable) Rows() [][]string { return h }

func TestPrintTable(t *testing.T) {
	table := healthTable{
		{"1-1", "true"},
		{"2-1", "false"},
	}

	var buf bytes.Buffer
	err := PrintTable(&buf, table)
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, "ADDRESS")
	assert.Contains(t, output, "HEALTHY")
	assert.Contains(t, output, "1-1")
	assert.Contains(t, output, "2-1")
	assert.Contains(t, output, "false")
}
