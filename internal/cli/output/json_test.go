package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memberStatus struct {
	Address string `json:"address"`
	Misses  int    `json:"misses"`
}

func TestPrintJSON(t *testing.T) {
	data := memberStatus{Address: "1-1", Misses: 2}

	var buf bytes.Buffer
	err := PrintJSON(&buf, data)
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, `"address": "1-1"`)
	assert.Contains(t, output, `"misses": 2`)
}

func TestPrintJSONArray(t *testing.T) {
	data := []memberStatus{
		{Address: "2-1"},
		{Address: "2-2"},
	}

	var buf bytes.Buffer
	err := PrintJSON(&buf, data)
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, `"address": "2-1"`)
	assert.Contains(t, output, `"address": "2-2"`)
}
