package grid

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"ibkrbot/internal/core"
)

var hundred = decimal.NewFromInt(100)

// Params describe a value-weighted price grid. The grid walks from MinPrice to
// MaxPrice in StepSize increments, dropping candidates closer than
// MinPercentStep percent to the previously accepted price. The notional value
// deployed per level starts at StartValue and accumulates AddValuePerLevel at
// each accepted level, so position size per level is value/price floored to
// PositionStep and never below MinPositionPerLevel.
type Params struct {
	MinPrice            decimal.Decimal
	MaxPrice            decimal.Decimal
	StepSize            decimal.Decimal
	MinPercentStep      decimal.Decimal
	StartValue          decimal.Decimal
	AddValuePerLevel    decimal.Decimal
	PositionStep        decimal.Decimal
	MinPositionPerLevel decimal.Decimal
}

func (p Params) validate() error {
	if p.StepSize.Cmp(decimal.Zero) <= 0 {
		return errors.New("step_size must be > 0")
	}
	if p.MinPrice.Cmp(decimal.Zero) <= 0 {
		return errors.New("min_price must be > 0")
	}
	if p.MinPrice.Cmp(p.MaxPrice) >= 0 {
		return errors.New("min_price must be below max_price")
	}
	if p.MinPercentStep.Cmp(decimal.Zero) < 0 {
		return errors.New("min_percent_step must be >= 0")
	}
	if p.StartValue.Cmp(decimal.Zero) <= 0 {
		return errors.New("start_value must be > 0")
	}
	if p.PositionStep.Cmp(decimal.Zero) <= 0 {
		return errors.New("position_step must be > 0")
	}
	if p.MinPositionPerLevel.Cmp(decimal.Zero) <= 0 {
		return errors.New("min_position_per_level must be > 0")
	}
	return nil
}

// Grid is the ordered price->size mapping built once per run. Prices are
// strictly increasing and the level set is immutable after Build.
type Grid struct {
	levels       []core.GridLevel
	positionStep decimal.Decimal
}

func Build(p Params) (*Grid, error) {
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("grid config: %w", err)
	}
	levels := make([]core.GridLevel, 0)
	value := p.StartValue
	var last decimal.Decimal
	for price := p.MinPrice; price.Cmp(p.MaxPrice) <= 0; price = price.Add(p.StepSize) {
		if len(levels) > 0 {
			// Skip candidates closer than MinPercentStep percent to the last
			// accepted price; the grid may end up with fewer levels than
			// (max-min)/step when the percentage rule dominates.
			floor := last.Mul(decimal.NewFromInt(1).Add(p.MinPercentStep.Div(hundred)))
			if price.Cmp(floor) < 0 {
				continue
			}
			value = value.Add(p.AddValuePerLevel)
		}
		size := core.RoundDown(value.Div(price), p.PositionStep)
		if size.Cmp(p.MinPositionPerLevel) < 0 {
			size = p.MinPositionPerLevel
		}
		levels = append(levels, core.GridLevel{Price: price, Size: size})
		last = price
	}
	if len(levels) == 0 {
		return nil, errors.New("grid config: no levels in price range")
	}
	return &Grid{levels: levels, positionStep: p.PositionStep}, nil
}

// Levels returns the grid rungs in ascending price order. Callers must not
// mutate the returned slice.
func (g *Grid) Levels() []core.GridLevel {
	return g.levels
}

func (g *Grid) Len() int {
	return len(g.levels)
}

// LocateLevel returns the index of the lowest level whose price is at or above
// reference. A reference above the whole grid clamps to the highest level.
func (g *Grid) LocateLevel(reference decimal.Decimal) int {
	idx := sort.Search(len(g.levels), func(i int) bool {
		return g.levels[i].Price.Cmp(reference) >= 0
	})
	if idx >= len(g.levels) {
		return len(g.levels) - 1
	}
	return idx
}

// TargetPosition returns the net inventory a fully executed grid strategy
// would hold at the given price: the sum of sizes of every level strictly
// below it. This is the step-function target curve the reconciler converges
// broker state toward.
func (g *Grid) TargetPosition(price decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for i := len(g.levels) - 1; i >= 0; i-- {
		if g.levels[i].Price.Cmp(price) >= 0 {
			continue
		}
		total = total.Add(g.levels[i].Size)
	}
	return total
}

// BuyAndSellLevels derives the desired resting-order set around the last
// traded price. Buys are the activeLevels grid prices immediately below the
// nearest level, sells the activeLevels prices immediately above. A sell at
// level N is sized from level N-1, since it liquidates the lot bought there.
// Any difference between the target position at lastTraded and the actual
// position is pro-rated across the side that corrects it. With ensureNoShort
// set the cumulative sell size is capped at currentPosition.
//
// Buys come back in descending price order (closest to lastTraded first),
// sells in ascending order.
func (g *Grid) BuyAndSellLevels(lastTraded decimal.Decimal, activeLevels int, currentPosition decimal.Decimal, ensureNoShort bool) (buys, sells []core.GridLevel) {
	if activeLevels < 1 {
		return nil, nil
	}
	nearest := g.LocateLevel(lastTraded)
	target := g.TargetPosition(lastTraded)

	buyIdx := make([]int, 0, activeLevels)
	for i := nearest - 1; i >= 0 && len(buyIdx) < activeLevels; i-- {
		buyIdx = append(buyIdx, i)
	}
	sellIdx := make([]int, 0, activeLevels)
	for i := nearest + 1; i < len(g.levels) && len(sellIdx) < activeLevels; i++ {
		sellIdx = append(sellIdx, i)
	}

	buys = make([]core.GridLevel, 0, len(buyIdx))
	if len(buyIdx) > 0 {
		deficit := target.Sub(currentPosition)
		if deficit.Cmp(decimal.Zero) < 0 {
			deficit = decimal.Zero
		}
		corr := core.RoundDown(deficit.Div(decimal.NewFromInt(int64(len(buyIdx)))), g.positionStep)
		for _, i := range buyIdx {
			buys = append(buys, core.GridLevel{
				Price: g.levels[i].Price,
				Size:  g.levels[i].Size.Add(corr),
			})
		}
	}

	sells = make([]core.GridLevel, 0, len(sellIdx))
	if len(sellIdx) > 0 {
		excess := currentPosition.Sub(target)
		if excess.Cmp(decimal.Zero) < 0 {
			excess = decimal.Zero
		}
		corr := core.RoundDown(excess.Div(decimal.NewFromInt(int64(len(sellIdx)))), g.positionStep)
		for _, i := range sellIdx {
			sells = append(sells, core.GridLevel{
				Price: g.levels[i].Price,
				Size:  g.levels[i-1].Size.Add(corr),
			})
		}
		if ensureNoShort {
			sells = capTotalSize(sells, currentPosition)
		}
	}
	return buys, sells
}

// capTotalSize truncates levels closest-first so their cumulative size never
// exceeds limit. Levels reduced to zero are dropped.
func capTotalSize(levels []core.GridLevel, limit decimal.Decimal) []core.GridLevel {
	capped := make([]core.GridLevel, 0, len(levels))
	remaining := limit
	for _, lvl := range levels {
		if remaining.Cmp(decimal.Zero) <= 0 {
			break
		}
		size := lvl.Size
		if size.Cmp(remaining) > 0 {
			size = remaining
		}
		remaining = remaining.Sub(size)
		capped = append(capped, core.GridLevel{Price: lvl.Price, Size: size})
	}
	return capped
}
