package network

import "time"

// NetworkSettings configures a CAN Network at Open, spec §6.7.
type NetworkSettings struct {
	// ReadThreadPriority is the OS scheduling priority CML gives its read
	// thread (_examples/original_source/lib/CML/c/CanOpen.cpp sets this via
	// pthread). Go's scheduler has no portable equivalent outside cgo, so
	// this field is accepted for configuration parity and logged, not
	// applied; see DESIGN.md.
	ReadThreadPriority int
	// TimingReference marks this network as the SYNC/Time producer: every
	// 10th received SYNC triggers a high-resolution timestamp PDO on
	// TimeID, spec §4.3.
	TimingReference bool
	// SyncID is the COB-ID carrying the SYNC frame (default 0x80).
	SyncID uint32
	// TimeID is the COB-ID carrying the high-resolution timestamp PDO.
	TimeID uint32
}

// DefaultNetworkSettings matches CiA-301's reserved SYNC/Time COB-IDs.
func DefaultNetworkSettings() NetworkSettings {
	return NetworkSettings{SyncID: 0x80, TimeID: 0x100}
}

// EcatSettings configures an EtherCAT Network at Open, spec §6.7.
type EcatSettings struct {
	// CycleThreadPriority is the OS scheduling priority of the cycle
	// goroutine (see ReadThreadPriority); accepted and logged, not applied.
	CycleThreadPriority int
	// CyclePeriod is how often the cyclic frame (RPDO/TPDO image plus
	// broadcast DC-time read) is sent, spec §4.4 ("typ. <= 10ms").
	CyclePeriod time.Duration
}

// DefaultEcatSettings matches CML's typical EtherCAT deployment cadence.
func DefaultEcatSettings() EcatSettings {
	return EcatSettings{CyclePeriod: 2 * time.Millisecond}
}
