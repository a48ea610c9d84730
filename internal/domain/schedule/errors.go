package schedule

import "errors"

var (
	ErrInvalidDate   = errors.New("invalid date, expected YYYY-MM-DD")
	ErrInvalidStatus = errors.New("invalid status")
	ErrEmptyMRN      = errors.New("mrn is required")
	ErrPlanNotFound  = errors.New("no treatment plan found")
)
