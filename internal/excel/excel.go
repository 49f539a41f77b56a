package excel

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"kit-tracker/internal/models"
)

const (
	// FixtureSheet is the sheet read by ReadAccounts when none is given.
	FixtureSheet = "Accounts"
	// ExportSheet is the sheet written by WriteSession.
	ExportSheet = "Kits"
)

// Fixture workbook columns, zero based.
const (
	colID = iota
	colName
	colStreet
	colCity
	colState
	colPostalCode
	colCountry
	colLatitude
	colLongitude
	fixtureColumns
)

func parseCoord(val string) (float64, error) {
	// Accept comma decimal separators from localized spreadsheets.
	val = strings.TrimSpace(strings.ReplaceAll(val, ",", "."))
	if val == "" {
		return 0, fmt.Errorf("empty")
	}
	return strconv.ParseFloat(val, 64)
}

func OpenFile(filename string) (*excelize.File, error) {
	return excelize.OpenFile(filename)
}

// ReadAccounts loads fixture accounts from a workbook sheet. The first row is
// a header. Rows without an id or with unparseable coordinates are skipped.
func ReadAccounts(f *excelize.File, sheetName string) ([]models.Account, error) {
	if sheetName == "" {
		sheetName = FixtureSheet
	}
	rows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, err
	}

	var accounts []models.Account
	for i, row := range rows {
		if i == 0 {
			continue
		}
		if len(row) < fixtureColumns {
			continue
		}
		id := strings.TrimSpace(row[colID])
		if id == "" {
			continue
		}

		lat, err1 := parseCoord(row[colLatitude])
		lon, err2 := parseCoord(row[colLongitude])
		if err1 != nil || err2 != nil {
			continue
		}

		accounts = append(accounts, models.Account{
			ID:                id,
			Name:              strings.TrimSpace(row[colName]),
			BillingStreet:     strings.TrimSpace(row[colStreet]),
			BillingCity:       strings.TrimSpace(row[colCity]),
			BillingState:      strings.TrimSpace(row[colState]),
			BillingPostalCode: strings.TrimSpace(row[colPostalCode]),
			BillingCountry:    strings.TrimSpace(row[colCountry]),
			Latitude:          models.Float(lat),
			Longitude:         models.Float(lon),
		})
	}
	return accounts, nil
}

// ReadAccountsFile opens path and reads the fixture sheet.
func ReadAccountsFile(path, sheetName string) ([]models.Account, error) {
	f, err := OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadAccounts(f, sheetName)
}

// WriteAccounts writes accounts in the layout ReadAccounts expects.
func WriteAccounts(w io.Writer, accounts []models.Account) error {
	headers := []interface{}{
		"Account Id", "Account Name", "Billing Street", "Billing City",
		"Billing State", "Billing Postal Code", "Billing Country", "Latitude", "Longitude",
	}
	rows := make([][]interface{}, 0, len(accounts))
	for _, a := range accounts {
		row := []interface{}{
			a.ID, a.Name, a.BillingStreet, a.BillingCity,
			a.BillingState, a.BillingPostalCode, a.BillingCountry, "", "",
		}
		if a.HasCoordinates() {
			row[colLatitude] = *a.Latitude
			row[colLongitude] = *a.Longitude
		}
		rows = append(rows, row)
	}
	return writeSheet(w, FixtureSheet, headers, rows)
}

// WriteSession exports a session as a single-sheet workbook, one row per kit
// in scan order.
func WriteSession(w io.Writer, session models.Session) error {
	headers := []interface{}{
		"#", "Kit Id", "Code", "Scanned At", "Latitude", "Longitude", "Accuracy (m)",
		"Account Id", "Account Name", "Billing City", "Distance (km)", "Status",
	}

	rows := make([][]interface{}, 0, len(session.Kits))
	for i, k := range session.Kits {
		row := []interface{}{
			i + 1, k.ID, k.Code, k.ScannedAt.UTC().Format(time.RFC3339),
			k.Location.Latitude, k.Location.Longitude, "",
			"", "", "", "", "Pending",
		}
		if k.Location.Accuracy != nil {
			row[6] = *k.Location.Accuracy
		}
		if acc := k.SelectedAccount; acc != nil {
			row[7] = acc.ID
			row[8] = acc.Name
			row[9] = acc.BillingCity
			if acc.DistanceKm != nil {
				row[10] = *acc.DistanceKm
			}
			row[11] = "Complete"
		}
		rows = append(rows, row)
	}
	return writeSheet(w, ExportSheet, headers, rows)
}

func writeSheet(w io.Writer, sheetName string, headers []interface{}, rows [][]interface{}) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return err
	}

	sw, err := f.NewStreamWriter(sheetName)
	if err != nil {
		return err
	}
	if err := sw.SetRow("A1", headers); err != nil {
		return err
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := sw.SetRow(cell, row); err != nil {
			return err
		}
	}
	if err := sw.Flush(); err != nil {
		return err
	}

	f.SetActiveSheet(index)
	if sheetName != "Sheet1" {
		f.DeleteSheet("Sheet1")
	}

	_, err = f.WriteTo(w)
	return err
}
