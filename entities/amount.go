package entities

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Amount is a non-negative arbitrary precision integer. Token amounts exceed 64 bits, so they travel as
// decimal strings and are only ever compared or summed as big integers.
type Amount struct {
	value *big.Int
}

func ParseAmount(s string) (Amount, error) {
	if !isDigits(s) {
		return Amount{}, fmt.Errorf("invalid amount [%s]", s)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("invalid amount [%s]", s)
	}
	return Amount{value: v}, nil
}

// MustParseAmount panics on invalid input. Intended for constants and tests.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) bigInt() *big.Int {
	if a.value == nil {
		return new(big.Int)
	}
	return a.value
}

// Cmp compares numerically and returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int {
	return a.bigInt().Cmp(b.bigInt())
}

func (a Amount) Equal(b Amount) bool {
	return a.Cmp(b) == 0
}

func (a Amount) Add(b Amount) Amount {
	return Amount{value: new(big.Int).Add(a.bigInt(), b.bigInt())}
}

func (a Amount) IsZero() bool {
	return a.bigInt().Sign() == 0
}

func (a Amount) String() string {
	return a.bigInt().String()
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("amount must be a decimal string: %w", err)
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
