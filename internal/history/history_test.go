package history

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibkrbot/internal/core"
)

func d(s string) decimal.Decimal {
	dec, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return dec
}

func fill(execID string, conID int64, side core.Side, price, qty string, at int64) core.Fill {
	return core.Fill{
		ExecID: execID,
		ConID:  conID,
		Side:   side,
		Price:  d(price),
		Qty:    d(qty),
		Time:   time.Unix(at, 0).UTC(),
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.jsonl")
	records := []Record{
		{ExecID: "e-1", Price: d("123.45"), Side: core.Buy, Timestamp: 1700000000, ConID: 7, Size: d("0.003")},
		{ExecID: "e-2", Price: d("130.10"), Side: core.Sell, Timestamp: 1700000100, ConID: 7, Size: d("0.001")},
	}
	require.NoError(t, Save(path, records))

	got, err := Load(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Price.Equal(d("123.45")), "price must survive the file unchanged, got %s", got[0].Price)
	assert.True(t, got[1].Size.Equal(d("0.001")))
	assert.Equal(t, "e-2", got[1].ExecID)
}

func TestLoadMissingFile(t *testing.T) {
	got, err := Load(filepath.Join(t.TempDir(), "absent.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResolveBrokerEmptyKeepsLocal(t *testing.T) {
	local := []Record{{ExecID: "e-1", Price: d("100"), ConID: 7, Timestamp: 10}}

	got, err := Resolve(local, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, local, got)
}

func TestResolveMatchingLatestAdoptsBroker(t *testing.T) {
	local := []Record{
		{ExecID: "e-1", Price: d("100"), ConID: 7, Timestamp: 10},
		{ExecID: "e-2", Price: d("110"), ConID: 7, Timestamp: 20},
	}
	fills := []core.Fill{
		fill("e-1", 7, core.Buy, "100", "1", 10),
		fill("e-2", 7, core.Sell, "110", "1", 20),
		fill("e-0", 7, core.Buy, "90", "1", 5),
	}

	got, err := Resolve(local, fills, nil)
	require.NoError(t, err)
	require.Len(t, got, 3, "broker list replaces local wholesale")
	assert.Equal(t, "e-0", got[0].ExecID, "broker records come back oldest first")
	assert.Equal(t, "e-2", got[2].ExecID)
}

func TestResolveEmptyLocalAdoptsBroker(t *testing.T) {
	got, err := Resolve(nil, []core.Fill{fill("e-1", 7, core.Buy, "100", "1", 10)}, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e-1", got[0].ExecID)
}

type choiceResolver struct {
	choice Choice
	asked  bool
}

func (r *choiceResolver) Resolve(local, broker Candidate) (Choice, error) {
	r.asked = true
	return r.choice, nil
}

func TestResolveMismatchRequiresChoice(t *testing.T) {
	local := []Record{{ExecID: "e-local", Price: d("100"), ConID: 7, Timestamp: 10}}
	fills := []core.Fill{fill("e-broker", 7, core.Buy, "105", "1", 15)}

	_, err := Resolve(local, fills, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrHistoryConflict))

	keep := &choiceResolver{choice: ChoiceKeepLocal}
	got, err := Resolve(local, fills, keep)
	require.NoError(t, err)
	assert.True(t, keep.asked)
	assert.Equal(t, local, got)

	adopt := &choiceResolver{choice: ChoiceAdoptBroker}
	got, err = Resolve(local, fills, adopt)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e-broker", got[0].ExecID)

	undecided := &choiceResolver{choice: ChoiceNone}
	_, err = Resolve(local, fills, undecided)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrHistoryConflict))
}

func TestPromptResolver(t *testing.T) {
	local := Candidate{ExecID: "e-l", Price: d("100"), Time: time.Unix(10, 0).UTC()}
	broker := Candidate{ExecID: "e-b", Price: d("105"), Time: time.Unix(15, 0).UTC()}

	var out strings.Builder
	r := &PromptResolver{In: strings.NewReader("b\n"), Out: &out}
	choice, err := r.Resolve(local, broker)
	require.NoError(t, err)
	assert.Equal(t, ChoiceAdoptBroker, choice)
	assert.Contains(t, out.String(), "e-l")
	assert.Contains(t, out.String(), "e-b")

	r = &PromptResolver{In: strings.NewReader("local\n"), Out: &out}
	choice, err = r.Resolve(local, broker)
	require.NoError(t, err)
	assert.Equal(t, ChoiceKeepLocal, choice)

	r = &PromptResolver{In: strings.NewReader("whatever\n"), Out: &out}
	_, err = r.Resolve(local, broker)
	require.Error(t, err)
}

func TestTradesAppendFillsDeduplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.jsonl")
	trades, err := Open(path)
	require.NoError(t, err)

	added, err := trades.AppendFills([]core.Fill{
		fill("e-1", 7, core.Buy, "100", "1", 10),
		fill("e-2", 7, core.Buy, "95", "1", 20),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	added, err = trades.AppendFills([]core.Fill{
		fill("e-2", 7, core.Buy, "95", "1", 20),
		fill("e-3", 7, core.Sell, "105", "1", 30),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, added, "already-recorded exec ids are skipped")

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Len(t, reopened.Records(), 3, "appends survive a restart")
}

func TestTradesLastTraded(t *testing.T) {
	trades, err := Open(filepath.Join(t.TempDir(), "trades.jsonl"))
	require.NoError(t, err)

	_, ok := trades.LastTraded(7)
	assert.False(t, ok)

	_, err = trades.AppendFills([]core.Fill{
		fill("e-1", 7, core.Buy, "100", "1", 10),
		fill("e-2", 9, core.Buy, "500", "1", 40),
		fill("e-3", 7, core.Sell, "110", "1", 30),
	})
	require.NoError(t, err)

	price, ok := trades.LastTraded(7)
	require.True(t, ok)
	assert.True(t, price.Equal(d("110")), "latest record for the contract wins, got %s", price)
}
