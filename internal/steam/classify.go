package steam

import "strings"

// SecondFactorKind distinguishes the two Steam Guard delivery channels.
type SecondFactorKind string

const (
	SecondFactorEmail  SecondFactorKind = "email"
	SecondFactorMobile SecondFactorKind = "mobile"
)

// OutcomeKind classifies one invocation of the steam tool.
type OutcomeKind int

const (
	OutcomeContentWritten OutcomeKind = iota
	OutcomeNeedsSecondFactor
	OutcomeSessionExpired
	OutcomeAccessDenied
	OutcomeNotFound
	OutcomeTransientFailure
	OutcomeTimeout
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeContentWritten:
		return "ContentWritten"
	case OutcomeNeedsSecondFactor:
		return "NeedsSecondFactor"
	case OutcomeSessionExpired:
		return "SessionExpired"
	case OutcomeAccessDenied:
		return "AccessDenied"
	case OutcomeNotFound:
		return "NotFound"
	case OutcomeTransientFailure:
		return "TransientFailure"
	case OutcomeTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Outcome is the classified result of one fetch: exit status, output markers
// and filesystem inspection combined.
type Outcome struct {
	Kind         OutcomeKind
	ContentPath  string
	SecondFactor SecondFactorKind
	Detail       string
}

// outputFlags accumulates what the marker table observed in the tool output.
// The tool interleaves stdout and stderr and its phrasing is the only
// protocol we have, so every known marker lives in this one table.
type outputFlags struct {
	secondFactor   SecondFactorKind
	sessionExpired bool
	accessDenied   bool
	notFound       bool
	transient      bool
	loginOK        bool
	downloadTicks  int
	lastError      string
}

type marker struct {
	substr string
	apply  func(f *outputFlags, line string)
}

var markerTable = []marker{
	{"Steam Guard code", func(f *outputFlags, _ string) { f.secondFactor = SecondFactorEmail }},
	{"Two-factor code", func(f *outputFlags, _ string) { f.secondFactor = SecondFactorMobile }},
	{"Invalid Password", func(f *outputFlags, _ string) { f.sessionExpired = true }},
	{"Login Failure", func(f *outputFlags, _ string) { f.sessionExpired = true }},
	{"No subscription", func(f *outputFlags, _ string) { f.accessDenied = true }},
	{"Access Denied", func(f *outputFlags, _ string) { f.accessDenied = true }},
	{"Item not found", func(f *outputFlags, _ string) { f.notFound = true }},
	{"ERROR!", func(f *outputFlags, line string) { f.transient = true; f.lastError = line }},
	{"failed (Failure)", func(f *outputFlags, line string) { f.transient = true; f.lastError = line }},
	{"Logged in OK", func(f *outputFlags, _ string) { f.loginOK = true }},
	{"Waiting for client config...OK", func(f *outputFlags, _ string) { f.loginOK = true }},
	{"Loading Steam API...OK", func(f *outputFlags, _ string) { f.loginOK = true }},
}

// observe applies the marker table to one output line and reports whether the
// line looks like download activity (used for the progress heuristic).
func (f *outputFlags) observe(line string) (downloadTick bool) {
	for _, m := range markerTable {
		if strings.Contains(line, m.substr) {
			m.apply(f, line)
		}
	}
	if strings.Contains(strings.ToLower(line), "downloading") {
		f.downloadTicks++
		return true
	}
	return false
}

// resolve combines output flags, run errors and filesystem verification into
// an Outcome. Precedence: second-factor prompt > session expired >
// access/availability > transient > success. A success without content on
// disk is a transient failure no matter what the tool printed.
func resolve(f *outputFlags, timedOut bool, runErr error, contentPath string, contentOK bool) Outcome {
	switch {
	case f.secondFactor != "":
		return Outcome{Kind: OutcomeNeedsSecondFactor, SecondFactor: f.secondFactor}
	case f.sessionExpired:
		return Outcome{Kind: OutcomeSessionExpired}
	case f.notFound:
		return Outcome{Kind: OutcomeNotFound}
	case f.accessDenied:
		return Outcome{Kind: OutcomeAccessDenied}
	case timedOut:
		return Outcome{Kind: OutcomeTimeout}
	case f.transient:
		return Outcome{Kind: OutcomeTransientFailure, Detail: f.lastError}
	}
	if runErr != nil {
		return Outcome{Kind: OutcomeTransientFailure, Detail: runErr.Error()}
	}
	if !contentOK {
		return Outcome{Kind: OutcomeTransientFailure, Detail: "expected content path absent or empty"}
	}
	return Outcome{Kind: OutcomeContentWritten, ContentPath: contentPath}
}
