package output

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockjoin/internal/semijoin"
)

func TestNewFormatterDefaultsToText(t *testing.T) {
	f, err := NewFormatter("")
	require.NoError(t, err)
	assert.IsType(t, textFormatter{}, f)
}

func TestNewFormatterRejectsUnknown(t *testing.T) {
	_, err := NewFormatter("xml")
	assert.Error(t, err)
}

func TestTextFormatterFormatsRun(t *testing.T) {
	f, err := NewFormatter("text")
	require.NoError(t, err)

	out, err := f.FormatRun(&RunResult{
		ScenarioName: "orders_by_customer",
		AccessMethod: "bnlh",
		RowsEmitted:  3,
		Stages: []StageStat{
			{Name: "customers", BufferRecords: 2, BufferBytes: 64},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "orders_by_customer")
	assert.Contains(t, out, "bnlh")
	assert.Contains(t, out, "rows emitted:")
	assert.Contains(t, out, "stage customers:")
}

func TestJSONFormatterFormatsRun(t *testing.T) {
	f, err := NewFormatter("json")
	require.NoError(t, err)

	out, err := f.FormatRun(&RunResult{ScenarioName: "s", AccessMethod: "bka", RowsEmitted: 1})
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, `"scenarioName": "s"`))
	assert.True(t, strings.Contains(out, `"accessMethod": "bka"`))
}

func TestTextFormatterFormatsPlan(t *testing.T) {
	f, err := NewFormatter("text")
	require.NoError(t, err)

	out, err := f.FormatPlan([]semijoin.FinalizedRange{
		{Strategy: semijoin.FirstMatch, Start: 0, End: 2},
		{Strategy: semijoin.DupsWeedout, Start: 2, End: 4},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "[0, 2): FIRST_MATCH")
	assert.Contains(t, out, "[2, 4): DUPS_WEEDOUT")
}

func TestTextFormatterFormatsEmptyPlan(t *testing.T) {
	f, err := NewFormatter("text")
	require.NoError(t, err)

	out, err := f.FormatPlan(nil)
	require.NoError(t, err)
	assert.Contains(t, out, "no semi-join strategy chosen")
}
