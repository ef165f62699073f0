package sandbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
)

func TestSplitTitleTicker(t *testing.T) {
	cases := []struct {
		in, title, ticker string
	}{
		{"[AAPL] price vs volume", "price vs volume", "AAPL"},
		{"equity curve", "equity curve", ""},
		{"[aapl] lowercase not a ticker", "[aapl] lowercase not a ticker", ""},
		{"[] empty brackets", "[] empty brackets", ""},
	}
	for _, c := range cases {
		title, ticker := splitTitleTicker(c.in)
		assert.Equal(t, c.title, title, c.in)
		assert.Equal(t, c.ticker, ticker, c.in)
	}
}

func TestToFromStarlarkRoundTrip(t *testing.T) {
	values := []interface{}{nil, true, "hello", 42, 3.5}
	for _, v := range values {
		sv, err := toStarlark(v)
		require.NoError(t, err)
		back, err := fromStarlark(sv)
		require.NoError(t, err)
		assert.EqualValues(t, v, back)
	}
}

func TestFromStarlarkNaNAndInfBecomeNull(t *testing.T) {
	nan, err := fromStarlark(starlark.Float(nanValue()))
	require.NoError(t, err)
	assert.Nil(t, nan)

	inf, err := fromStarlark(starlark.Float(infValue()))
	require.NoError(t, err)
	assert.Nil(t, inf)
}

func nanValue() float64 {
	var zero float64
	return zero / zero
}

func infValue() float64 {
	var one, zero float64 = 1, 0
	return one / zero
}

func TestFromStarlarkDictAndList(t *testing.T) {
	d := starlark.NewDict(1)
	_ = d.SetKey(starlark.String("ticker"), starlark.String("AAPL"))
	list := starlark.NewList([]starlark.Value{starlark.MakeInt(1), starlark.MakeInt(2)})
	_ = d.SetKey(starlark.String("values"), list)

	out, err := fromStarlark(d)
	require.NoError(t, err)
	m, ok := out.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "AAPL", m["ticker"])
	assert.Equal(t, []interface{}{int64(1), int64(2)}, m["values"])
}

func TestExtractInstancesFiltersAndCaps(t *testing.T) {
	valid1 := starlark.NewDict(1)
	_ = valid1.SetKey(starlark.String("ticker"), starlark.String("AAPL"))
	valid2 := starlark.NewDict(1)
	_ = valid2.SetKey(starlark.String("ticker"), starlark.String("MSFT"))
	noTicker := starlark.NewDict(1)
	_ = noTicker.SetKey(starlark.String("score"), starlark.MakeInt(1))

	ret := starlark.NewList([]starlark.Value{valid1, starlark.None, noTicker, valid2})

	instances, limitReached := extractInstances(ret, 10)
	require.Len(t, instances, 2)
	assert.False(t, limitReached)
	assert.Equal(t, "AAPL", instances[0]["ticker"])
	assert.NotZero(t, instances[0]["timestamp"])
}

func TestExtractInstancesSetsLimitReached(t *testing.T) {
	var values []starlark.Value
	for i := 0; i < 5; i++ {
		d := starlark.NewDict(1)
		_ = d.SetKey(starlark.String("ticker"), starlark.String("AAPL"))
		values = append(values, d)
	}
	ret := starlark.NewList(values)

	instances, limitReached := extractInstances(ret, 3)
	assert.Len(t, instances, 3)
	assert.True(t, limitReached)
}

func TestExtractInstancesPreservesExplicitTimestamp(t *testing.T) {
	d := starlark.NewDict(2)
	_ = d.SetKey(starlark.String("ticker"), starlark.String("AAPL"))
	_ = d.SetKey(starlark.String("timestamp"), starlark.MakeInt64(1700000000))
	ret := starlark.NewList([]starlark.Value{d})

	instances, _ := extractInstances(ret, 10)
	require.Len(t, instances, 1)
	assert.EqualValues(t, 1700000000, instances[0]["timestamp"])
}

func TestCodeContextExtractsSurroundingLines(t *testing.T) {
	source := "line1\nline2\nline3\nline4\nline5"
	ctx := codeContext(source, 3, 1)
	assert.Contains(t, ctx, "line2")
	assert.Contains(t, ctx, "line3")
	assert.Contains(t, ctx, "line4")
	assert.NotContains(t, ctx, "line1")
	assert.NotContains(t, ctx, "line5")
}

func TestClassifyErrorTypeFromSyntaxError(t *testing.T) {
	_, err := starlark.ExecFile(&starlark.Thread{}, "<t>", "def strategy(\n  return []", nil)
	require.Error(t, err)
	info := classifyError(err, "def strategy(\n  return []")
	assert.NotEmpty(t, info.ErrorType)
	assert.NotEmpty(t, info.ErrorMessage)
}

func TestDateOrNil(t *testing.T) {
	fallback := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	got := dateOrNil(starlark.String(""), &fallback)
	require.NotNil(t, got)
	assert.True(t, got.Equal(fallback))

	got = dateOrNil(starlark.String("2024-06-15"), &fallback)
	require.NotNil(t, got)
	assert.Equal(t, 2024, got.Year())
	assert.Equal(t, time.June, got.Month())
	assert.Equal(t, 15, got.Day())
}
