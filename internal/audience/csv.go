package audience

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"SendHive/internal/models"
)

// ParseContactCSV parses uploaded contacts from a CSV with a header
// row. An "Email" column (case-insensitive) is required; a "Name"
// column, when present, becomes the display name. Malformed rows and
// rows with an empty email are skipped. maxRows caps how many data rows
// are read (excluding the header).
func ParseContactCSV(r io.Reader, maxRows int) ([]models.Recipient, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	// variable-width rows are skipped below instead of failing the file
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, errors.New("csv header row is empty")
	}

	emailIdx, nameIdx := -1, -1
	for i, h := range headers {
		h = strings.TrimSpace(h)
		if strings.EqualFold(h, "email") {
			emailIdx = i
		}
		if strings.EqualFold(h, "name") {
			nameIdx = i
		}
	}
	if emailIdx == -1 {
		return nil, errors.New("csv must contain an Email column")
	}

	if maxRows <= 0 {
		maxRows = 1000
	}

	recipients := make([]models.Recipient, 0)
	for len(recipients) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) != len(headers) {
			// skip malformed row
			continue
		}

		email := strings.TrimSpace(record[emailIdx])
		if email == "" {
			continue
		}

		rec := models.Recipient{Email: email}
		if nameIdx >= 0 {
			rec.DisplayName = strings.TrimSpace(record[nameIdx])
		}
		recipients = append(recipients, rec)
	}

	if len(recipients) == 0 {
		return nil, errors.New("csv must contain at least one data row")
	}

	return Deduplicate(recipients), nil
}
