package schedule

import (
	"fmt"
	"strconv"
	"strings"
)

// Status is the workflow label shown on the dashboard. It is stored as an
// integer state code on treatment_plans.state.
type Status string

const (
	StatusWaiting   Status = "Waiting"
	StatusTreatment Status = "Treatment"
	StatusPlanning  Status = "Planning"
	StatusMRI       Status = "MRI"
	StatusOther     Status = "Other"
)

// statusCodes is the only place labels and state codes are paired. Waiting
// has no code: it is stored as NULL.
var statusCodes = []struct {
	status Status
	code   *int32
}{
	{StatusWaiting, nil},
	{StatusTreatment, code(2)},
	{StatusPlanning, code(5)},
	{StatusMRI, code(3)},
	{StatusOther, code(0)},
}

func code(v int32) *int32 { return &v }

// Statuses lists every accepted label in display order.
func Statuses() []Status {
	out := make([]Status, len(statusCodes))
	for i, sc := range statusCodes {
		out[i] = sc.status
	}
	return out
}

// ParseStatus matches one of the five labels exactly. Case and surrounding
// whitespace are significant.
func ParseStatus(label string) (Status, error) {
	for _, sc := range statusCodes {
		if string(sc.status) == label {
			return sc.status, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, label)
}

// StatusFromState maps a stored state code to its label. NULL is Waiting and
// any code outside the table is Other.
func StatusFromState(state *int32) Status {
	if state == nil {
		return StatusWaiting
	}
	for _, sc := range statusCodes {
		if sc.code != nil && *sc.code == *state {
			return sc.status
		}
	}
	return StatusOther
}

// StateCode is the value written to treatment_plans.state; nil means NULL.
func (s Status) StateCode() *int32 {
	for _, sc := range statusCodes {
		if sc.status == s {
			if sc.code == nil {
				return nil
			}
			v := *sc.code
			return &v
		}
	}
	return code(0)
}

func formatState(state *int32) string {
	if state == nil {
		return "NULL"
	}
	return strconv.Itoa(int(*state))
}

// Sex is the decoded patient sex.
type Sex string

const (
	SexMale   Sex = "M"
	SexFemale Sex = "F"
)

// decodeSex accepts the encodings seen across TPS versions: a boolean
// (true is male), a single character or a word, or an ISO 5218 digit.
func decodeSex(raw *string) Field[Sex] {
	if raw == nil {
		return Null[Sex]()
	}
	switch strings.ToLower(strings.TrimSpace(*raw)) {
	case "true", "m", "male", "1":
		return Value(SexMale)
	case "false", "f", "female", "2":
		return Value(SexFemale)
	default:
		return Null[Sex]()
	}
}

// Fixation is the immobilization method of a treatment plan.
type Fixation string

const (
	FixationFrame   Fixation = "Frame"
	FixationMask    Fixation = "Mask"
	FixationUnknown Fixation = "Unknown"
)

// decodeFixation prefers the plan's own fixation code and falls back to the
// presence of frame rows for the examination.
func decodeFixation(raw *string, frames *int64) Fixation {
	if raw != nil {
		switch strings.ToLower(strings.TrimSpace(*raw)) {
		case "1", "frame":
			return FixationFrame
		case "2", "mask":
			return FixationMask
		default:
			return FixationUnknown
		}
	}
	if frames != nil && *frames > 0 {
		return FixationFrame
	}
	return FixationUnknown
}
