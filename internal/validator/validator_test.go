package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validStrategy = `
def strategy():
    bars = get_bar_data(timeframe="1d", min_bars=5, filters={"tickers": ["AAPL", "MSFT"]})
    return [{"ticker": "AAPL", "score": 0.9}]
`

func TestValidateAcceptsCompliantStrategy(t *testing.T) {
	vr, err := Validate(validStrategy)
	require.NoError(t, err)
	require.Len(t, vr.Metadata.Calls, 1)
	assert.Equal(t, "1d", vr.Metadata.Calls[0].Timeframe)
	assert.Equal(t, 5, vr.Metadata.Calls[0].MinBars)
	assert.ElementsMatch(t, []string{"AAPL", "MSFT"}, vr.Metadata.AlertUniverseFull)
	assert.Contains(t, vr.Stripped, "get_bar_data(timeframe")
}

func TestValidateRejectsEmptySource(t *testing.T) {
	_, err := Validate("   \n\t")
	var ce *ComplianceError
	assert.ErrorAs(t, err, &ce)
}

func TestValidateRejectsMissingStrategyFunction(t *testing.T) {
	_, err := Validate("def not_strategy():\n    return []\n")
	var ce *ComplianceError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Detail, "strategy")
}

func TestValidateRejectsStrategyWithParams(t *testing.T) {
	_, err := Validate("def strategy(x):\n    return []\n")
	var ce *ComplianceError
	assert.ErrorAs(t, err, &ce)
}

func TestValidateRejectsForbiddenImport(t *testing.T) {
	code := "import os\n\ndef strategy():\n    return []\n"
	_, err := Validate(code)
	var se *SecurityError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Detail, "os")
}

func TestValidateAllowsWhitelistedImport(t *testing.T) {
	code := "import pandas\n\ndef strategy():\n    return []\n"
	vr, err := Validate(code)
	require.NoError(t, err)
	assert.NotContains(t, vr.Stripped, "import pandas")
}

func TestValidateRejectsForbiddenBuiltinCall(t *testing.T) {
	code := "def strategy():\n    eval(\"1\")\n    return []\n"
	_, err := Validate(code)
	var se *SecurityError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Detail, "eval")
}

func TestValidateRejectsForbiddenAttribute(t *testing.T) {
	code := "def strategy():\n    x = (1).__class__\n    return []\n"
	_, err := Validate(code)
	var se *SecurityError
	assert.ErrorAs(t, err, &se)
}

func TestValidateRejectsLegacyStrategyName(t *testing.T) {
	code := "def run_strategy():\n    return []\n"
	_, err := Validate(code)
	var ce *ComplianceError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Detail, "legacy")
}

func TestValidateRejectsDuplicateStrategyFunction(t *testing.T) {
	code := `
def strategy():
    return []

def strategy():
    return []
`
	_, err := Validate(code)
	var ce *ComplianceError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Detail, "exactly one")
}

func TestValidateAlertUniverseNilWhenAnyCallOmitsTickers(t *testing.T) {
	code := `
def strategy():
    a = get_bar_data(timeframe="1d", filters={"tickers": ["AAPL"]})
    b = get_bar_data(timeframe="1h")
    return []
`
	vr, err := Validate(code)
	require.NoError(t, err)
	assert.Nil(t, vr.Metadata.AlertUniverseFull)
}

func TestValidateMaxTimeframeTracksLargestWindow(t *testing.T) {
	code := `
def strategy():
    a = get_bar_data(timeframe="1d", min_bars=5, filters={"tickers": ["AAPL"]})
    b = get_bar_data(timeframe="1h", min_bars=3, filters={"tickers": ["AAPL"]})
    return []
`
	vr, err := Validate(code)
	require.NoError(t, err)
	assert.Equal(t, "1d", vr.Metadata.MaxTimeframe)
	assert.Equal(t, 5, vr.Metadata.MaxTimeframeMinBars)
}
