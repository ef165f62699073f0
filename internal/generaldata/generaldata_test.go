package generaldata

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterColumnsDefaultsWhenEmpty(t *testing.T) {
	cols := filterColumns(nil)
	assert.Equal(t, defaultColumns, cols)
}

func TestFilterColumnsDropsUnknown(t *testing.T) {
	cols := filterColumns([]string{"ticker", "not_a_column", "sector"})
	assert.Equal(t, []string{"ticker", "sector"}, cols)
}

func TestAppendRangeClauseBindsMinAndMax(t *testing.T) {
	var args []interface{}
	bind := func(v interface{}) string {
		args = append(args, v)
		return "$placeholder"
	}
	min := 1000.0
	max := 2000.0
	where := appendRangeClause(nil, bind, "market_cap", NumericRange{Min: &min, Max: &max})
	assert.Len(t, where, 2)
	assert.Equal(t, []interface{}{1000.0, 2000.0}, args)
}
