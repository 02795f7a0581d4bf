package consensus

import (
	"encoding/binary"

	"lukechampine.com/blake3"
)

// ScheduleConfig parameterizes leader selection (§4.3).
type ScheduleConfig struct {
	NumNodes          int
	Seed              string
	ConfusionStart    uint64
	ConfusionDuration uint64
}

// InConfusion reports whether epoch e falls inside the configured
// confusion window [c_start, c_start+c_duration).
func (c ScheduleConfig) InConfusion(e uint64) bool {
	if c.ConfusionDuration == 0 {
		return false
	}
	return e >= c.ConfusionStart && e < c.ConfusionStart+c.ConfusionDuration
}

// IsResolutionStep reports whether e is the epoch immediately
// following the confusion window, at which buffered proposals are
// rebroadcast (§4.3).
func (c ScheduleConfig) IsResolutionStep(e uint64) bool {
	return c.ConfusionDuration > 0 && e == c.ConfusionStart+c.ConfusionDuration
}

// Leader returns the index (0..NumNodes-1) of the participant
// authorized to propose at epoch e.
//
// Outside confusion: leader(e) = H(seed || e) mod N, a deterministic
// PRF seeded by a network-wide string. Inside confusion:
// leader(e) = e mod N, a deterministic round-robin deliberately
// aligned to exercise fork handling. Grounded in
// internal/consensus/pos.go's round-robin NextProposer for the
// modular-rotation half of this formula.
//
// The spec's optional "backup leader" liveness enhancement — node
// (leader+1) mod N proposing when no proposal is heard within an
// epoch — is intentionally NOT implemented (SPEC_FULL.md §9): it
// appears in only one source variant and is not required for safety;
// liveness here comes from subsequent non-confused epochs instead.
func (c ScheduleConfig) Leader(e uint64) int {
	if c.InConfusion(e) {
		return int(e % uint64(c.NumNodes))
	}
	return int(seededIndex(c.Seed, e) % uint64(c.NumNodes))
}

func seededIndex(seed string, epoch uint64) uint64 {
	buf := make([]byte, len(seed)+8)
	copy(buf, seed)
	binary.BigEndian.PutUint64(buf[len(seed):], epoch)
	sum := blake3.Sum256(buf)
	return binary.BigEndian.Uint64(sum[:8])
}
