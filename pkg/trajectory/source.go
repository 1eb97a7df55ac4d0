package trajectory

import "errors"

// Segment is one point a Source hands the streamer: an absolute position,
// a velocity (ignored when the source doesn't use velocity info), and the
// time in milliseconds to the following segment. A TimeMs of 0 marks the
// final segment of the move.
type Segment struct {
	Pos    int32
	Vel    int32
	TimeMs uint8
}

// ErrNoneAvailable is returned by Source.Next when no segment is ready yet
// (the generator is still computing ahead, not that the move is finished);
// the streamer treats this as benign and simply stops priming/refilling
// for this round, per spec §4.7's Prime step ("treat 'none available' as
// benign").
var ErrNoneAvailable = errors.New("trajectory: no segment currently available")

// Source is the host-side trajectory generator a Streamer pulls segments
// from, the external collaborator spec §4.7 calls "trj" (grounded in
// AmpPVT.cpp's Trajectory interface: StartNew/UseVelocityInfo/
// MaximumBufferPointsToUse/NextSegment/Finish).
type Source interface {
	// StartNew resets the generator to begin producing a new move.
	StartNew() error
	// UseVelocityInfo reports whether this move encodes PVT (true) or PT
	// (false) segments.
	UseVelocityInfo() bool
	// MaximumBufferPointsToUse caps how many points the streamer should
	// ever keep queued on the drive at once, independent of the drive's
	// own free-slot count.
	MaximumBufferPointsToUse() int
	// Next returns the next segment to send, or ErrNoneAvailable if the
	// generator has nothing ready yet.
	Next() (Segment, error)
	// Finish is called once the terminal (TimeMs == 0) segment has been
	// sent, or the move is aborted.
	Finish()
}
