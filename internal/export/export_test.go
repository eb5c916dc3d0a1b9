package export

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/xuri/excelize/v2"

	"github.com/banshee-data/mindrace/internal/bitblock"
	"github.com/banshee-data/mindrace/internal/race"
)

func history(t *testing.T, pairs ...[2]string) race.History {
	t.Helper()
	var h race.History
	for i, p := range pairs {
		for _, lane := range bitblock.Lanes {
			b, err := bitblock.Parse(lane, uint64(i+1), p[lane])
			if err != nil {
				t.Fatalf("Parse(%q): %v", p[lane], err)
			}
			h.Blocks[lane] = append(h.Blocks[lane], b)
			h.Bits[lane] = append(h.Bits[lane], b.Bits()...)
			h.Entropies[lane] = append(h.Entropies[lane], 0.5)
		}
	}
	h.Tick = uint64(len(pairs))
	return h
}

func TestWriteBlocksCSV(t *testing.T) {
	h := history(t, [2]string{"0011", "1111"}, [2]string{"0101", "0000"})
	var buf bytes.Buffer
	if err := WriteBlocksCSV(&buf, h); err != nil {
		t.Fatalf("WriteBlocksCSV: %v", err)
	}
	want := "Lane A,Lane B\n0011,1111\n0101,0000\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("csv mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteBlocksCSV_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteBlocksCSV(&buf, race.History{}); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "Lane A,Lane B\n" {
		t.Errorf("got %q, want header only", buf.String())
	}
}

func TestWriteBitsCSV(t *testing.T) {
	h := history(t, [2]string{"01", "11"}, [2]string{"10", "00"})
	var buf bytes.Buffer
	if err := WriteBitsCSV(&buf, h); err != nil {
		t.Fatalf("WriteBitsCSV: %v", err)
	}
	want := "Lane A,Lane B\n0,1\n1,1\n1,0\n0,0\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("csv mismatch (-want +got):\n%s", diff)
	}
}

func TestBlockRows_UnevenLanes(t *testing.T) {
	h := history(t, [2]string{"01", "10"})
	extra, err := bitblock.Parse(bitblock.LaneA, 2, "11")
	if err != nil {
		t.Fatal(err)
	}
	h.Blocks[bitblock.LaneA] = append(h.Blocks[bitblock.LaneA], extra)

	got := BlockRows(h)
	want := [][]string{{"01", "10"}, {"11", ""}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteBlocksXLSX(t *testing.T) {
	h := history(t, [2]string{"0011", "1111"}, [2]string{"0101", "0000"})
	var buf bytes.Buffer
	if err := WriteBlocksXLSX(&buf, h); err != nil {
		t.Fatalf("WriteBlocksXLSX: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()

	if diff := cmp.Diff([]string{SheetBlocks, SheetEntropy}, f.GetSheetList()); diff != "" {
		t.Errorf("sheets mismatch (-want +got):\n%s", diff)
	}
	rows, err := f.GetRows(SheetBlocks)
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{{"Lane A", "Lane B"}, {"0011", "1111"}, {"0101", "0000"}}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("blocks sheet mismatch (-want +got):\n%s", diff)
	}

	rows, err = f.GetRows(SheetEntropy)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 || rows[0][0] != "Tick" || rows[2][0] != "2" {
		t.Errorf("unexpected entropy sheet: %v", rows)
	}
}
