package baraccessor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestColumnMajorTransposesRows(t *testing.T) {
	table := Table{
		Columns: []string{"ticker", "close"},
		Rows: [][]interface{}{
			{"AAPL", 150.0},
			{"MSFT", 300.0},
		},
	}
	cm := table.ColumnMajor()
	assert.Equal(t, []interface{}{"AAPL", "MSFT"}, cm["ticker"])
	assert.Equal(t, []interface{}{150.0, 300.0}, cm["close"])
}

func TestColumnMajorEmptyTable(t *testing.T) {
	table := Table{Columns: []string{"ticker"}}
	cm := table.ColumnMajor()
	assert.Equal(t, []interface{}{}, cm["ticker"])
}

func TestSplitBatchesPutsRemainderInLastBatch(t *testing.T) {
	tickers := []string{"A", "B", "C", "D", "E"}
	batches := splitBatches(tickers, 2)
	assert.Equal(t, [][]string{{"A", "B"}, {"C", "D"}, {"E"}}, batches)
}

func TestSplitBatchesSingleBatchWhenUnderSize(t *testing.T) {
	tickers := []string{"A", "B"}
	batches := splitBatches(tickers, 10)
	assert.Equal(t, [][]string{{"A", "B"}}, batches)
}

func TestSplitBatchesEmptyInputYieldsOneEmptyBatch(t *testing.T) {
	batches := splitBatches(nil, 5)
	assert.Equal(t, [][]string{{}}, batches)
}
