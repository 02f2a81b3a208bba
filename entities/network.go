package entities

import (
	"fmt"
	"strings"
)

// Network identifies one of the two chains running the staking contract. The numeric value is the
// tie-break order used when ranking stakes of equal amount.
type Network uint8

const (
	Ethereum Network = iota
	PulseChain
)

// Networks lists all supported networks in ascending order.
var Networks = []Network{Ethereum, PulseChain}

func (n Network) String() string {
	switch n {
	case Ethereum:
		return "ethereum"
	case PulseChain:
		return "pulsechain"
	default:
		return fmt.Sprintf("network(%d)", uint8(n))
	}
}

func (n Network) Valid() bool {
	return n == Ethereum || n == PulseChain
}

func ParseNetwork(s string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ethereum", "eth":
		return Ethereum, nil
	case "pulsechain", "pls":
		return PulseChain, nil
	default:
		return 0, fmt.Errorf("unknown network [%s]", s)
	}
}

func (n Network) MarshalText() ([]byte, error) {
	if !n.Valid() {
		return nil, fmt.Errorf("invalid network [%d]", uint8(n))
	}
	return []byte(n.String()), nil
}

func (n *Network) UnmarshalText(text []byte) error {
	parsed, err := ParseNetwork(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}
