// Package protocol implements the tackle sensor's line protocol: parsing of
// inbound frames into typed events and encoding of outbound commands.
//
// Inbound frames have the form <tag>:<payload>, where payload is a
// comma-separated list of fields:
//
//	v:<string>                      firmware version
//	a:<x>,<y>,<z>                   instantaneous acceleration
//	r:<xmin>,<xmax>,<ymin>,<ymax>   acceleration range window
//	h:<0|1>                         home/away
//	e:<0|1>                         eligibility
//	t:<0|1>                         tackled
package protocol

// Tags identifying inbound frames.
const (
	TagVersion     = "v"
	TagTelemetry   = "a"
	TagRange       = "r"
	TagHome        = "h"
	TagEligibility = "e"
	TagTackled     = "t"
)

// Event is a parsed inbound frame. The set of implementations is closed.
type Event interface {
	// Tag returns the protocol tag the event was parsed from, or "" for
	// RawLine and ParseError.
	Tag() string
	isEvent()
}

// Telemetry is an instantaneous acceleration sample.
type Telemetry struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// AccelRange is the min/max acceleration window reported by the device.
type AccelRange struct {
	XMin float64 `json:"xmin"`
	XMax float64 `json:"xmax"`
	YMin float64 `json:"ymin"`
	YMax float64 `json:"ymax"`
}

// HomeAway reports whether the sensor is configured for the home team.
type HomeAway struct {
	Home bool `json:"home"`
}

// Eligibility reports whether the wearer is an eligible receiver.
type Eligibility struct {
	Eligible bool `json:"eligible"`
}

// TackledStatus reports whether the sensor registered a tackle.
type TackledStatus struct {
	Tackled bool `json:"tackled"`
}

// Version carries the firmware version string verbatim.
type Version struct {
	Version string `json:"version"`
}

// RawLine is a frame without a payload separator, such as an echo or a
// free-form status line. It is not an error.
type RawLine struct {
	Text string `json:"text"`
}

// ParseError is a malformed frame. It is local to the frame and never
// affects connection state.
type ParseError struct {
	Raw    string `json:"raw"`
	Reason string `json:"reason"`
}

func (Telemetry) Tag() string     { return TagTelemetry }
func (AccelRange) Tag() string    { return TagRange }
func (HomeAway) Tag() string      { return TagHome }
func (Eligibility) Tag() string   { return TagEligibility }
func (TackledStatus) Tag() string { return TagTackled }
func (Version) Tag() string       { return TagVersion }
func (RawLine) Tag() string       { return "" }
func (ParseError) Tag() string    { return "" }

func (Telemetry) isEvent()     {}
func (AccelRange) isEvent()    {}
func (HomeAway) isEvent()      {}
func (Eligibility) isEvent()   {}
func (TackledStatus) isEvent() {}
func (Version) isEvent()       {}
func (RawLine) isEvent()       {}
func (ParseError) isEvent()    {}

// Error implements error so a ParseError can be logged with zap.Error.
func (p ParseError) Error() string {
	return "protocol: " + p.Reason + ": " + p.Raw
}

// Kind returns a stable lowercase name for an event, used as the "type"
// field when events are serialized for the dashboard.
func Kind(e Event) string {
	switch e.(type) {
	case Telemetry:
		return "telemetry"
	case AccelRange:
		return "range"
	case HomeAway:
		return "home"
	case Eligibility:
		return "eligibility"
	case TackledStatus:
		return "tackled"
	case Version:
		return "version"
	case RawLine:
		return "raw"
	case ParseError:
		return "parse_error"
	default:
		return "unknown"
	}
}
