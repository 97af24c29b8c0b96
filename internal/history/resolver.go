package history

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Choice is a resolver's decision for a history conflict.
type Choice int

const (
	ChoiceNone Choice = iota
	ChoiceKeepLocal
	ChoiceAdoptBroker
)

// Candidate summarizes one side of a conflict for display to an operator.
type Candidate struct {
	ExecID string
	Price  decimal.Decimal
	Time   time.Time
}

// ConflictResolver picks a side when local history and the broker disagree on
// the most recent execution.
type ConflictResolver interface {
	Resolve(local, broker Candidate) (Choice, error)
}

// BrokerWins always adopts the broker's list. Suitable for unattended runs
// where the broker is trusted unconditionally.
type BrokerWins struct{}

func (BrokerWins) Resolve(local, broker Candidate) (Choice, error) {
	return ChoiceAdoptBroker, nil
}

// PromptResolver asks the operator on an interactive terminal.
type PromptResolver struct {
	In  io.Reader
	Out io.Writer
}

func (p *PromptResolver) Resolve(local, broker Candidate) (Choice, error) {
	fmt.Fprintf(p.Out, "trade history conflict:\n")
	fmt.Fprintf(p.Out, "  local:  exec_id=%s price=%s time=%s\n", local.ExecID, local.Price.String(), local.Time.Format(time.RFC3339))
	fmt.Fprintf(p.Out, "  broker: exec_id=%s price=%s time=%s\n", broker.ExecID, broker.Price.String(), broker.Time.Format(time.RFC3339))
	fmt.Fprintf(p.Out, "keep [l]ocal or adopt [b]roker? ")

	reader := bufio.NewReader(p.In)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return ChoiceNone, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "l", "local":
		return ChoiceKeepLocal, nil
	case "b", "broker":
		return ChoiceAdoptBroker, nil
	default:
		return ChoiceNone, fmt.Errorf("unrecognized answer %q", strings.TrimSpace(line))
	}
}
