// Package export renders a race history as tables: one row per block or one
// row per bit, as CSV or as an Excel workbook.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/banshee-data/mindrace/internal/bitblock"
	"github.com/banshee-data/mindrace/internal/race"
)

const (
	SheetBlocks  = "Blocks"
	SheetEntropy = "Entropy"
)

// Header returns the lane column headings.
func Header() []string {
	return []string{bitblock.LaneA.Label(), bitblock.LaneB.Label()}
}

// BlockRows returns one row per committed tick, each cell a block rendered
// as a string of bit characters.
func BlockRows(h race.History) [][]string {
	n := max(len(h.Blocks[bitblock.LaneA]), len(h.Blocks[bitblock.LaneB]))
	rows := make([][]string, n)
	for i := range rows {
		row := make([]string, 2)
		for _, lane := range bitblock.Lanes {
			if i < len(h.Blocks[lane]) {
				row[lane] = h.Blocks[lane][i].String()
			}
		}
		rows[i] = row
	}
	return rows
}

// WriteBlocksCSV writes the block table with a "Lane A","Lane B" header.
func WriteBlocksCSV(w io.Writer, h race.History) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header()); err != nil {
		return err
	}
	if err := cw.WriteAll(BlockRows(h)); err != nil {
		return fmt.Errorf("write blocks csv: %w", err)
	}
	return nil
}

// WriteBitsCSV writes one row per bit position with the value each lane drew
// there.
func WriteBitsCSV(w io.Writer, h race.History) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header()); err != nil {
		return err
	}
	a, b := h.Bits[bitblock.LaneA], h.Bits[bitblock.LaneB]
	n := max(len(a), len(b))
	row := make([]string, 2)
	for i := 0; i < n; i++ {
		row[0], row[1] = bitAt(a, i), bitAt(b, i)
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write bits csv row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func bitAt(bits []uint8, i int) string {
	if i >= len(bits) {
		return ""
	}
	return strconv.Itoa(int(bits[i]))
}

// WriteBlocksXLSX writes a workbook with the block table on one sheet and
// the per-block entropy scores on a second.
func WriteBlocksXLSX(w io.Writer, h race.History) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetBlocks); err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}

	if err := writeSheet(f, SheetBlocks, Header(), bold, func(yield func([]any) error) error {
		for _, r := range BlockRows(h) {
			if err := yield([]any{r[0], r[1]}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if _, err := f.NewSheet(SheetEntropy); err != nil {
		return err
	}
	header := []string{"Tick", "Entropy " + bitblock.LaneA.String(), "Entropy " + bitblock.LaneB.String()}
	ea, eb := h.Entropies[bitblock.LaneA], h.Entropies[bitblock.LaneB]
	if err := writeSheet(f, SheetEntropy, header, bold, func(yield func([]any) error) error {
		for i := 0; i < min(len(ea), len(eb)); i++ {
			if err := yield([]any{i + 1, ea[i], eb[i]}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if err := f.SetColWidth(SheetBlocks, "A", "B", 24); err != nil {
		return err
	}
	f.SetActiveSheet(0)
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeSheet(f *excelize.File, sheet string, header []string, headerStyle int, rows func(yield func([]any) error) error) error {
	cells := make([]any, len(header))
	for i, h := range header {
		cells[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &cells); err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
		return err
	}

	row := 2
	return rows(func(values []any) error {
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return err
		}
		row++
		return f.SetSheetRow(sheet, cell, &values)
	})
}
