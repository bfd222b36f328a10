// Package importer turns registration spreadsheets into PENDING records.
//
// Two layouts are accepted, with or without a header row:
//
//	phone;puk;fullname;cne
//	phone;puk;cne;firstname;lastname
//
// Rows that fail validation are reported as skipped rather than rejected
// with the whole file.
package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/simreg/regq/internal/registrations/domain"
)

// minColumns is the narrowest accepted row.
const minColumns = 4

// SkippedRecord is a row that parsed but failed validation.
type SkippedRecord struct {
	Line        int
	PhoneNumber string
	PukLastFour string
	FullName    string
	Cne         string
	Reason      string
}

// Result is the outcome of parsing one file.
type Result struct {
	Records []*domain.Record
	Errors  []string
	Skipped []SkippedRecord
}

// ParseFile picks the parser from the file extension. Anything that is not
// .xlsx is read as delimited text.
func ParseFile(path string) (*Result, error) {
	f, err := openFile(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return ParseExcel(f)
	}
	return ParseCSV(f)
}

// ParseCSV reads delimited text. The delimiter is ';' when the content
// contains one, otherwise ','.
func ParseCSV(r io.Reader) (*Result, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading csv: %w", err)
	}
	content = trimBOM(content)

	reader := csv.NewReader(strings.NewReader(string(content)))
	reader.Comma = ','
	if strings.ContainsRune(string(content), ';') {
		reader.Comma = ';'
	}
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	var rows []row
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv: %w", err)
		}
		if isBlank(fields) {
			continue
		}
		line, _ := reader.FieldPos(0)
		rows = append(rows, row{line: line, fields: fields})
	}
	return build(rows), nil
}

// ParseExcel reads the first sheet of an .xlsx workbook.
func ParseExcel(r io.Reader) (*Result, error) {
	book, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening workbook: %w", err)
	}
	defer func() { _ = book.Close() }()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return &Result{Errors: []string{"workbook has no sheets"}}, nil
	}
	cells, err := book.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("reading sheet %s: %w", sheets[0], err)
	}

	rows := make([]row, 0, len(cells))
	for i, fields := range cells {
		if isBlank(fields) {
			continue
		}
		if len(fields) > 0 {
			fields[0] = restoreLeadingZero(strings.TrimSpace(fields[0]))
		}
		rows = append(rows, row{line: i + 1, fields: fields})
	}
	return build(rows), nil
}

type row struct {
	line   int
	fields []string
}

func build(rows []row) *Result {
	res := &Result{}
	if len(rows) == 0 {
		res.Errors = append(res.Errors, "file is empty")
		return res
	}
	if isHeader(rows[0].fields) {
		rows = rows[1:]
	}

	for _, r := range rows {
		fields := make([]string, len(r.fields))
		for i, f := range r.fields {
			fields[i] = strings.TrimSpace(f)
		}
		if len(fields) < minColumns {
			res.Errors = append(res.Errors,
				fmt.Sprintf("line %d: expected at least %d columns, found %d", r.line, minColumns, len(fields)))
			continue
		}

		phone, puk := fields[0], fields[1]
		name, cne := fields[2], fields[3]
		if len(fields) >= 5 {
			cne = fields[2]
			name = strings.TrimSpace(fields[3] + " " + fields[4])
		}

		if err := domain.ValidateInput(phone, puk, name, cne); err != nil {
			reason := err.Error()
			var inputErr *domain.InputError
			if errors.As(err, &inputErr) {
				reason = strings.Join(inputErr.Reasons, ", ")
			}
			res.Skipped = append(res.Skipped, SkippedRecord{
				Line: r.line, PhoneNumber: phone, PukLastFour: puk, FullName: name, Cne: cne, Reason: reason,
			})
			continue
		}
		res.Records = append(res.Records, domain.NewRecord(phone, puk, name, cne))
	}
	return res
}

// isHeader reports whether the first cell names the phone column rather
// than holding a number.
func isHeader(fields []string) bool {
	if len(fields) == 0 {
		return false
	}
	first := strings.TrimSpace(fields[0])
	return strings.Contains(strings.ToUpper(first), "PHONE") && !strings.HasPrefix(first, "06")
}

// restoreLeadingZero undoes spreadsheets storing 0612345678 as the number
// 612345678.
func restoreLeadingZero(phone string) string {
	if len(phone) == 9 && (phone[0] == '6' || phone[0] == '7') && isDigits(phone) {
		return "0" + phone
	}
	return phone
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func isBlank(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func trimBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

// WriteSkippedCSV writes skipped rows with their reasons, one per line,
// using ';' like the import files.
func WriteSkippedCSV(w io.Writer, skipped []SkippedRecord) error {
	out := csv.NewWriter(w)
	out.Comma = ';'
	if err := out.Write([]string{"LINE", "PHONE_NUMBER", "PUK", "FULL_NAME", "CNE", "REASON"}); err != nil {
		return fmt.Errorf("writing skipped header: %w", err)
	}
	for _, s := range skipped {
		if err := out.Write([]string{
			fmt.Sprint(s.Line), s.PhoneNumber, s.PukLastFour, s.FullName, s.Cne, s.Reason,
		}); err != nil {
			return fmt.Errorf("writing skipped line %d: %w", s.Line, err)
		}
	}
	out.Flush()
	return out.Error()
}
