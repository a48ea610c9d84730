package schedule

import (
	"strconv"
	"strings"
	"time"

	"github.com/tpsview/tpsview/internal/platform/db"
)

// Row is one examination as read from the TPS tables, before capability
// rules are applied. Pointer fields are nullable columns; columns missing
// from the schema are selected as typed NULLs and arrive here as nil.
type Row struct {
	MRN            string
	FirstName      *string
	LastName       *string
	DateOfBirth    *time.Time
	Age            *string
	Sex            *string
	Diagnosis      *string
	ExamDate       time.Time
	State          *int32
	PlanName       *string
	FixationCode   *string
	PrescribedDose *float64
	StartTime      *time.Time
	EndTime        *time.Time
	FrameCount     *int64
	TargetCount    *int64
	ShotCount      *int64
	GammaIndex     *float64
}

// Record is one dashboard row.
type Record struct {
	PatientName    string           `json:"patient_name"`
	MRN            string           `json:"mrn"`
	DateOfBirth    Field[Date]      `json:"date_of_birth"`
	Age            Field[string]    `json:"age"`
	Sex            Field[Sex]       `json:"sex"`
	Diagnosis      Field[string]    `json:"diagnosis"`
	ExamDate       Date             `json:"exam_date"`
	Status         Status           `json:"status"`
	PlanName       Field[string]    `json:"plan_name"`
	Fixation       Field[Fixation]  `json:"fixation"`
	PrescribedDose Field[float64]   `json:"prescribed_dose"`
	TargetCount    Field[int64]     `json:"target_count"`
	ShotCount      Field[int64]     `json:"shot_count"`
	GammaIndex     Field[float64]   `json:"gamma_index"`
	StartTime      Field[time.Time] `json:"start_time"`
	EndTime        Field[time.Time] `json:"end_time"`

	firstName string
	lastName  string
}

// Schedule is the result of one aggregation.
type Schedule struct {
	// Date is the day that was asked for, after defaulting and fallback.
	Date Date
	// DateFallback is set when the requested date could not be parsed and
	// today was used instead.
	DateFallback bool
	// Widened is set when the day had no examinations and the most recent
	// ones across all dates were returned instead.
	Widened bool
	Records []*Record
}

// StatusUpdateRequest is the body of POST /patients/status.
type StatusUpdateRequest struct {
	MRN    string `json:"mrn"`
	Status string `json:"status"`
}

// UpdateResult is the outcome of a status update. Code is the HTTP status
// the handler responds with.
type UpdateResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    int    `json:"-"`
}

// PlanStateChange is what the store reports after writing a plan state.
type PlanStateChange struct {
	PlanUID       string
	ExamDate      *time.Time
	PreviousState *int32
}

// StatusChange describes a committed status update, for notifications.
type StatusChange struct {
	MRN      string
	PlanUID  string
	ExamDate Field[Date]
	From     Status
	To       Status
	At       time.Time
}

func newRecord(row *Row, caps db.Capabilities) *Record {
	r := &Record{
		MRN:       row.MRN,
		ExamDate:  NewDate(row.ExamDate),
		Status:    StatusFromState(row.State),
		Diagnosis: Column(caps.ExamDiagnosis, row.Diagnosis),
		PlanName:  Column(caps.PlanName, row.PlanName),
		StartTime: Column(caps.PlanStartTime, row.StartTime),
		EndTime:   Column(caps.PlanEndTime, row.EndTime),

		PrescribedDose: Column(caps.PlanDose, row.PrescribedDose),
		TargetCount:    Column(caps.Targets, row.TargetCount),
		ShotCount:      Column(caps.Shots, row.ShotCount),
		GammaIndex:     Column(caps.HasGamma(), row.GammaIndex),
	}
	if row.FirstName != nil {
		r.firstName = strings.TrimSpace(*row.FirstName)
	}
	if row.LastName != nil {
		r.lastName = strings.TrimSpace(*row.LastName)
	}
	r.PatientName = formatName(r.lastName, r.firstName)

	if caps.PatientDateOfBirth {
		r.DateOfBirth = Null[Date]()
		if row.DateOfBirth != nil {
			r.DateOfBirth = Value(NewDate(*row.DateOfBirth))
		}
	}

	switch {
	case caps.PatientAge:
		r.Age = FromPtr(row.Age)
	case caps.PatientDateOfBirth:
		// Older schemas have no age column; derive it at the exam date.
		r.Age = Null[string]()
		if row.DateOfBirth != nil {
			r.Age = Value(strconv.Itoa(ageAt(*row.DateOfBirth, row.ExamDate)))
		}
	}

	if caps.PatientSex {
		r.Sex = decodeSex(row.Sex)
	}
	if caps.HasFixation() {
		r.Fixation = Value(decodeFixation(row.FixationCode, row.FrameCount))
	}
	return r
}

// formatName renders "Last, First", or whichever part is present.
func formatName(last, first string) string {
	switch {
	case last != "" && first != "":
		return last + ", " + first
	case last != "":
		return last
	default:
		return first
	}
}

func ageAt(dob, on time.Time) int {
	age := on.Year() - dob.Year()
	if on.Month() < dob.Month() || (on.Month() == dob.Month() && on.Day() < dob.Day()) {
		age--
	}
	if age < 0 {
		return 0
	}
	return age
}
