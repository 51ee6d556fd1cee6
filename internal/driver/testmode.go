// Copyright 2024 The Lumino Node Authors

package driver

// TestMode decodes the TEST_MODE environment string: characters 0-5 gate
// phases COMMIT..DISPUTE (non-'0' enables the phase's action), character 6
// is an ASCII digit giving the number of epochs to run before the driver
// exits ('0' or absent means unbounded).
type TestMode struct {
	active bool
	gate   [6]bool
	epochs int // 0 == unbounded
}

// ParseTestMode interprets raw per the seven-character scheme. An empty
// string means test mode is off: every phase gate is open and the run is
// unbounded.
func ParseTestMode(raw string) TestMode {
	if raw == "" {
		return TestMode{active: false, gate: [6]bool{true, true, true, true, true, true}}
	}

	tm := TestMode{active: true}
	for i := 0; i < 6; i++ {
		if i < len(raw) {
			tm.gate[i] = raw[i] != '0'
		}
	}
	if len(raw) >= 7 {
		d := raw[6]
		if d >= '0' && d <= '9' {
			tm.epochs = int(d - '0')
		}
	}
	return tm
}

// Active reports whether TEST_MODE was set at all; it governs the error
// re-raise vs. log-and-continue policy in §7.
func (tm TestMode) Active() bool { return tm.active }

// Gate reports whether phase index p (COMMIT=0..DISPUTE=5) is enabled.
func (tm TestMode) Gate(p int) bool {
	if p < 0 || p > 5 {
		return true
	}
	return tm.gate[p]
}

// Bounded reports whether a non-zero epoch count was configured, and what
// it is.
func (tm TestMode) Bounded() (int, bool) {
	return tm.epochs, tm.epochs > 0
}
