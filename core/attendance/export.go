package attendance

import (
	"io"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"
)

const (
	exportSheet = "Sheet1"
	// XLSXContentType is the MIME type of exported workbooks.
	XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var exportHeader = []string{"#", "Name", "Reg. Code", "Year", "Phone", "Ministry", "Signed At (UTC)", "Session"}

// ExportXLSX writes records as an xlsx workbook, one row per record, in the given order.
func ExportXLSX(w io.Writer, records []Record) error {
	f := excelize.NewFile()

	setRow := func(row int, values ...interface{}) error {
		for i, v := range values {
			cell, err := excelize.CoordinatesToCellName(i+1, row)
			if err != nil {
				return err
			}
			if err = f.SetCellValue(exportSheet, cell, v); err != nil {
				return err
			}
		}
		return nil
	}

	header := make([]interface{}, len(exportHeader))
	for i, h := range exportHeader {
		header[i] = h
	}
	if err := setRow(1, header...); err != nil {
		return errors.Wrap(err, "writing header")
	}

	for i, rec := range records {
		err := setRow(i+2,
			i+1, rec.Name, rec.RegCode, rec.Year, rec.Phone, rec.Ministry,
			rec.SignedAt.UTC().Format("2006-01-02 15:04:05"), rec.SessionID,
		)
		if err != nil {
			return errors.Wrapf(err, "writing record %s", rec.ID)
		}
	}

	if err := f.SetColWidth(exportSheet, "B", "B", 32); err != nil {
		return errors.Wrap(err, "sizing columns")
	}
	if err := f.SetColWidth(exportSheet, "C", "G", 18); err != nil {
		return errors.Wrap(err, "sizing columns")
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return errors.Wrap(err, "encoding workbook")
	}
	_, err = buf.WriteTo(w)
	return errors.Wrap(err, "writing workbook")
}
