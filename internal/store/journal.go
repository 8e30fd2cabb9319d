package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

var errCorruptJournal = errors.New("corrupt journal")

const (
	attendanceJournal = "attendance"
	studentsJournal   = "students"
)

// AppendAttendance adds doc to the aggregate {root}/attendance array. An
// existing entry with the same record_id is replaced in place.
func (l *Local) AppendAttendance(recordID string, doc Document) error {
	l.journalMu.Lock()
	defer l.journalMu.Unlock()

	path := filepath.Join(l.root, attendanceJournal)
	var records []Document
	if err := l.readJournal(path, &records); errors.Is(err, errCorruptJournal) {
		records = nil
	} else if err != nil {
		return err
	}

	replaced := false
	for i, existing := range records {
		if id, _ := existing["record_id"].(string); id == recordID {
			records[i] = doc
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, doc)
	}
	return l.writeJournal(path, records)
}

// Attendance returns the aggregate journal as written.
func (l *Local) Attendance() ([]Document, error) {
	l.journalMu.Lock()
	defer l.journalMu.Unlock()

	var records []Document
	if err := l.readJournal(filepath.Join(l.root, attendanceJournal), &records); errors.Is(err, errCorruptJournal) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return records, nil
}

// PutStudentAggregate sets {root}/students[id] = doc.
func (l *Local) PutStudentAggregate(id string, doc Document) error {
	l.journalMu.Lock()
	defer l.journalMu.Unlock()

	path := filepath.Join(l.root, studentsJournal)
	students := map[string]Document{}
	if err := l.readJournal(path, &students); errors.Is(err, errCorruptJournal) {
		students = nil
	} else if err != nil {
		return err
	}
	if students == nil {
		students = map[string]Document{}
	}
	students[id] = doc
	return l.writeJournal(path, students)
}

func (l *Local) readJournal(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		// Per-document files stay authoritative; set the damaged aggregate aside and start over.
		aside := fmt.Sprintf("%s.corrupt-%d", path, os.Getpid())
		l.logger.Error().Err(err).Str("path", path).Str("moved_to", aside).Msg("corrupt aggregate journal")
		if rerr := os.Rename(path, aside); rerr != nil {
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, rerr)
		}
		return errCorruptJournal
	}
	return nil
}

func (l *Local) writeJournal(path string, v any) error {
	data, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("encode journal: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}
