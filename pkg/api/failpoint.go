package api

import "fmt"

type FailPointKind uint8

const (
	FpOff FailPointKind = iota
	FpAlwaysOn
	FpTimes
	FpRandom
)

// FailPointMode is how often an enabled failpoint triggers.
type FailPointMode struct {
	Kind        FailPointKind
	Times       int     // only for FpTimes
	Probability float64 // only for FpRandom, in [0, 1]
}

func Off() FailPointMode {
	return FailPointMode{Kind: FpOff}
}

func AlwaysOn() FailPointMode {
	return FailPointMode{Kind: FpAlwaysOn}
}

func Times(n int) FailPointMode {
	return FailPointMode{Kind: FpTimes, Times: n}
}

func Random(p float64) FailPointMode {
	return FailPointMode{Kind: FpRandom, Probability: p}
}

// Validate returns an error if the mode can't be sent to a server.
func (m FailPointMode) Validate() error {
	switch m.Kind {
	case FpOff, FpAlwaysOn:
		return nil
	case FpTimes:
		if m.Times < 1 {
			return fmt.Errorf("failpoint times must be positive, got %d", m.Times)
		}
		return nil
	case FpRandom:
		if m.Probability < 0 || m.Probability > 1 {
			return fmt.Errorf("failpoint probability must be in [0, 1], got %v", m.Probability)
		}
		return nil
	}

	return fmt.Errorf("unknown failpoint kind: %d", m.Kind)
}

func (m FailPointMode) String() string {
	switch m.Kind {
	case FpOff:
		return "off"
	case FpAlwaysOn:
		return "alwaysOn"
	case FpTimes:
		return fmt.Sprintf("times(%d)", m.Times)
	case FpRandom:
		return fmt.Sprintf("random(%v)", m.Probability)
	}

	return fmt.Sprintf("FailPointMode(%d)", m.Kind)
}
