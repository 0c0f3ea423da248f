package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/h3org/h3sync/internal/models"
	"gopkg.in/yaml.v3"
)

// recordFile is the YAML shape of a record on the command line:
//
//	table: bases
//	scope: ROOT
//	body:
//	  identifier: NORTH
//	  parent: BASE-2
//
// Several records may share a file as separate YAML documents.
type recordFile struct {
	Table  string    `yaml:"table"`
	Code   string    `yaml:"code,omitempty"`
	Serial int64     `yaml:"serial,omitempty"`
	Scope  string    `yaml:"scope,omitempty"`
	Period string    `yaml:"period,omitempty"`
	Body   yaml.Node `yaml:"body"`
}

// readRecords reads records from a file, or stdin when path is "-".
func readRecords(path string) ([]*models.Record, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return parseRecords(r)
}

func parseRecords(r io.Reader) ([]*models.Record, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var records []*models.Record
	for i := 1; ; i++ {
		var f recordFile
		err := dec.Decode(&f)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		rec, err := f.record()
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, errors.New("no records found")
	}
	return records, nil
}

func (f *recordFile) record() (*models.Record, error) {
	if f.Table == "" {
		return nil, errors.New("table is required")
	}
	kind, err := models.ParseKind(f.Table)
	if err != nil {
		return nil, err
	}
	if f.Body.Kind == 0 {
		return nil, errors.New("body is required")
	}
	body, err := kind.NewBody()
	if err != nil {
		return nil, err
	}
	if err := f.Body.Decode(body); err != nil {
		return nil, fmt.Errorf("decode %s body: %w", kind, err)
	}
	return &models.Record{
		Kind:   kind,
		Code:   strings.TrimSpace(f.Code),
		Serial: f.Serial,
		Scope:  f.Scope,
		Period: f.Period,
		Body:   body,
	}, nil
}

// formatRecord renders rec in the same shape readRecords accepts.
func formatRecord(rec *models.Record) ([]byte, error) {
	f := recordFile{
		Table:  string(rec.Kind),
		Code:   rec.Code,
		Serial: rec.Serial,
		Scope:  rec.Scope,
		Period: rec.Period,
	}
	if err := f.Body.Encode(rec.Body); err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&f); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// summary is a one-line description for listings.
func summary(rec *models.Record) string {
	switch b := rec.Body.(type) {
	case *models.Base:
		if b.FullName != "" {
			return fmt.Sprintf("%s (%s) under %s", b.Identifier, b.FullName, b.Parent)
		}
		return fmt.Sprintf("%s under %s", b.Identifier, b.Parent)
	case *models.User:
		name := strings.TrimSpace(b.FirstName + " " + b.LastName)
		if name != "" {
			return fmt.Sprintf("%s (%s)", b.Login, name)
		}
		return b.Login
	case *models.Job:
		return b.Title
	case *models.JobContract:
		return fmt.Sprintf("%s as %s at %s from %s%s", b.User, b.Job, b.WorkBase, b.StartDate.Format("2006-01-02"), until(b.EndDate.IsZero(), b.EndDate.Format("2006-01-02")))
	case *models.Action:
		return b.Title
	case *models.ContractAction:
		return fmt.Sprintf("%s grants %s", b.Contract, b.Action)
	case *models.Delegation:
		return fmt.Sprintf("%s from %s to %s", b.Action, b.DelegatedFrom, b.DelegatedTo)
	}
	return ""
}

func until(open bool, end string) string {
	if open {
		return ""
	}
	return " until " + end
}
