package attendance

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"asistoya/internal/store"
)

// Attendance statuses. Only StatusPresent is produced today.
const (
	StatusPresent = "present"
	StatusAbsent  = "absent"
	StatusTardy   = "tardy"
)

// Capture methods.
const (
	MethodFaceRecognition = "face_recognition"
	MethodManual          = "manual"
)

// Student statuses.
const (
	StudentActive   = "active"
	StudentInactive = "inactive"
)

// AttendanceRecord is one detection of a student, keyed by RecordID.
type AttendanceRecord struct {
	RecordID        string    `json:"record_id" validate:"required"`
	StudentID       string    `json:"student_id" validate:"required"`
	StudentName     string    `json:"student_name"`
	Timestamp       time.Time `json:"timestamp" validate:"required"`
	Date            string    `json:"date" validate:"required"`
	Time            string    `json:"time" validate:"required"`
	Status          string    `json:"status" validate:"oneof=present absent tardy"`
	Method          string    `json:"method" validate:"oneof=face_recognition manual"`
	Classroom       string    `json:"classroom"`
	Grade           string    `json:"grade"`
	Confidence      float64   `json:"confidence" validate:"gte=0,lte=1"`
	DetectionMethod string    `json:"detection_method"`
}

// attendanceFields are the document fields a query may filter on.
var attendanceFields = map[string]struct{}{
	"record_id": {}, "student_id": {}, "student_name": {}, "timestamp": {}, "date": {}, "time": {},
	"status": {}, "method": {}, "classroom": {}, "grade": {}, "confidence": {}, "detection_method": {},
}

// ParseFilters builds attendance filters from query-string values, taking the
// first value of each key. Numeric fields are parsed so they compare equal
// to stored numbers; everything else stays a string.
func ParseFilters(query map[string][]string) (store.Filters, error) {
	filters := store.Filters{}
	for field, values := range query {
		if len(values) == 0 {
			continue
		}
		raw := values[0]
		if field != "confidence" {
			filters[field] = raw
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s must be a number", ErrInvalidInput, field)
		}
		filters[field] = v
	}
	return filters, nil
}

// StudentProfile is a registered student. Re-registration overwrites it.
type StudentProfile struct {
	StudentID             string    `json:"student_id" validate:"required"`
	Name                  string    `json:"name"`
	Email                 string    `json:"email" validate:"omitempty,email"`
	Phone                 string    `json:"phone"`
	Grade                 string    `json:"grade"`
	Classroom             string    `json:"classroom"`
	Status                string    `json:"status" validate:"oneof=active inactive"`
	CreatedAt             time.Time `json:"created_at"`
	FaceEncodingAvailable bool      `json:"face_encoding_available"`
	RegistrationMethod    string    `json:"registration_method"`
}

// Detection carries what the recognizer knows about a capture.
type Detection struct {
	Confidence float64 `json:"confidence"`
	// Method names the detector, e.g. "face_recognition_opencv".
	Method string `json:"method"`
	// Timestamp defaults to the current time when zero.
	Timestamp time.Time `json:"timestamp"`
	// Manual marks records entered by an operator.
	Manual bool `json:"manual"`
}

// RecordID derives the identity of an attendance record.
func RecordID(studentID string, ts time.Time) string {
	return studentID + "_" + strconv.FormatInt(ts.UnixMicro(), 10)
}

// Fields is an open set of student attributes as sent by collaborators.
type Fields map[string]any

var aliases = map[string]string{
	"id":           "student_id",
	"student_id":   "student_id",
	"name":         "name",
	"nombre":       "name",
	"student_name": "name",
	"curso":        "grade",
	"grade":        "grade",
	"aula":         "classroom",
	"classroom":    "classroom",
	"telefono":     "phone",
	"phone":        "phone",
}

// Normalize maps Spanish and legacy keys onto their English names. When a
// canonical key and an alias are both present the canonical value wins.
// Keys outside the alias table pass through unchanged.
func Normalize(in Fields) Fields {
	out := make(Fields, len(in))
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		canonical, ok := aliases[k]
		if !ok || canonical == k {
			out[k] = in[k]
		}
	}
	for _, k := range keys {
		canonical, ok := aliases[k]
		if !ok || canonical == k {
			continue
		}
		if _, taken := out[canonical]; !taken {
			out[canonical] = in[k]
		}
	}
	return out
}

// String returns the field as trimmed text.
func (f Fields) String(key string) string {
	switch v := f[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// Bool returns the field as a boolean; text values "true" and "1" count.
func (f Fields) Bool(key string) bool {
	switch v := f[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		return b
	case float64:
		return v != 0
	default:
		return false
	}
}
