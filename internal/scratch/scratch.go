// Package scratch manages the worker-host-local files for one job: the
// downloaded input and the result/log files the annotation tool writes
// beside it. Scratch names encode the owning user, the job and the original
// file name so the identifiers can be recovered from the path alone.
package scratch

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	userJobSep = ":"
	jobFileSep = "~"
)

// Build returns the scratch path for a job's input inside dir, shaped
// "<user_id>:<job_id>~<file_name>". Identifiers containing the delimiter
// characters (or path separators) are rejected so Parse stays unambiguous.
func Build(dir, userID, jobID, fileName string) (string, error) {
	if err := checkComponent("user id", userID); err != nil {
		return "", err
	}
	if err := checkComponent("job id", jobID); err != nil {
		return "", err
	}
	if err := checkComponent("file name", fileName); err != nil {
		return "", err
	}
	return filepath.Join(dir, userID+userJobSep+jobID+jobFileSep+fileName), nil
}

// Parse recovers the identifiers encoded by Build from a scratch path.
func Parse(path string) (userID, jobID, fileName string, err error) {
	base := filepath.Base(path)
	user, rest, ok := strings.Cut(base, userJobSep)
	if !ok || user == "" {
		return "", "", "", fmt.Errorf("scratch path %q: missing user id", path)
	}
	job, name, ok := strings.Cut(rest, jobFileSep)
	if !ok || job == "" || name == "" {
		return "", "", "", fmt.Errorf("scratch path %q: missing job id or file name", path)
	}
	return user, job, name, nil
}

// ResultFileName derives the result artifact name from an input name:
// "<stem>.<ext>" becomes "<stem>.annot.<ext>". A name without an extension
// gets ".annot" appended.
func ResultFileName(inputName string) string {
	idx := strings.LastIndex(inputName, ".")
	if idx <= 0 {
		return inputName + ".annot"
	}
	return inputName[:idx] + ".annot" + inputName[idx:]
}

// LogFileName derives the log artifact name from an input name.
func LogFileName(inputName string) string {
	return inputName + ".count.log"
}

func checkComponent(what, v string) error {
	if v == "" {
		return fmt.Errorf("%s is empty", what)
	}
	if strings.ContainsAny(v, userJobSep+jobFileSep+`/\`) {
		return fmt.Errorf("%s %q contains a reserved character", what, v)
	}
	return nil
}
