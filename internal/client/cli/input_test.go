package cli

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rdr(s string) *bufio.Reader { return bufio.NewReader(strings.NewReader(s)) }

func TestGetSimpleText(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"line", "  Anna  \n", "Anna", false},
		{"partial at EOF", "Bob", "Bob", false},
		{"empty EOF", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			got, err := GetSimpleText(rdr(tt.input), "Name", &out)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, "Name\n> ", out.String())
		})
	}
}

func TestGetSaleLines(t *testing.T) {
	var out bytes.Buffer
	lines, err := GetSaleLines(rdr("p-1 2 2.75\nbogus\np-2 0 1\np-3 1 10\n\nignored 1 1\n"), &out)
	require.NoError(t, err)

	require.Len(t, lines, 2)
	assert.Equal(t, "p-1", lines[0].ProductID)
	assert.Equal(t, int64(2), lines[0].Quantity)
	assert.True(t, decimal.RequireFromString("2.75").Equal(lines[0].UnitPrice))
	assert.Equal(t, "p-3", lines[1].ProductID)

	assert.Contains(t, out.String(), "want 3 fields")
	assert.Contains(t, out.String(), `bad quantity "0"`)
}

func TestGetSaleLines_EOF(t *testing.T) {
	var out bytes.Buffer
	lines, err := GetSaleLines(rdr("p-1 1 3"), &out)
	require.NoError(t, err)
	require.Len(t, lines, 1)
}
