// blobcheck восстанавливает раскладку масок по PNG листа автотайлов и
// сверяет её с таблицей, по которой сервис выбирает спрайты.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"image"
	_ "image/png"
	"log"
	"os"

	"github.com/annel0/tileblend/internal/terrain/blob"
	"github.com/annel0/tileblend/internal/terrain/sheetcheck"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

func main() {
	var (
		asJSON  = flag.Bool("json", false, "Print the report as JSON")
		mapping = flag.Bool("mapping", false, "Print the reconstructed [mask, col, row] table")
	)
	flag.Parse()

	sheets := flag.Args()
	if len(sheets) == 0 {
		fmt.Println("Usage: blobcheck [-json] [-mapping] sheet.png [sheet2.png ...]")
		os.Exit(2)
	}

	failed := false
	for _, path := range sheets {
		ok, err := checkSheet(path, *asJSON, *mapping)
		if err != nil {
			log.Printf("❌ %s: %v", path, err)
			failed = true
			continue
		}
		if !ok {
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func checkSheet(path string, asJSON, mapping bool) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return false, fmt.Errorf("decode: %w", err)
	}

	rep, err := sheetcheck.Analyze(img)
	if err != nil {
		return false, err
	}
	mismatches := rep.Compare(blob.Entries())
	ok := rep.OK() && len(mismatches) == 0

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return ok, enc.Encode(map[string]interface{}{
			"sheet":      path,
			"report":     rep,
			"mismatches": mismatches,
			"ok":         ok,
		})
	}

	fmt.Printf("\n%s\n", path)
	fmt.Printf("Unused cells: %v\n", rep.Unused)
	fmt.Printf("Edge threshold: %.1f, corner threshold: %.1f\n", rep.EdgeThreshold, rep.CornerThreshold)
	printGrid(rep)

	fmt.Println("\nValidation:")
	fmt.Printf("  Unique masks: %d (expected 47)\n", len(rep.Layout())-dupExtra(rep))
	if len(rep.Missing) > 0 {
		fmt.Printf("  Missing: %v\n", rep.Missing)
	}
	if len(rep.Unexpected) > 0 {
		fmt.Printf("  Unexpected: %v\n", rep.Unexpected)
	}
	if len(rep.Duplicated) > 0 {
		fmt.Printf("  Duplicated: %v\n", rep.Duplicated)
	}
	for _, m := range mismatches {
		fmt.Printf("  Mask %3d: table says (%d,%d), sheet has it at (%d,%d)\n",
			m.Mask, m.Expected.Col, m.Expected.Row, m.Actual.Col, m.Actual.Row)
	}
	if ok {
		fmt.Println("  ✅ Sheet matches the blob table")
	}

	if mapping && rep.OK() {
		fmt.Println("\nMapping [mask, col, row]:")
		for _, e := range rep.Layout() {
			fmt.Printf("  [%3d, %2d, %d],\n", e.Mask, e.Col, e.Row)
		}
	}
	return ok, nil
}

func printGrid(rep *sheetcheck.Report) {
	fmt.Printf("\n%7s", "")
	for c := 0; c < blob.SheetCols; c++ {
		fmt.Printf(" col%2d", c)
	}
	fmt.Println()
	for r := 0; r < blob.SheetRows; r++ {
		fmt.Printf("row %d: ", r)
		for c := 0; c < blob.SheetCols; c++ {
			cell := rep.Cells[r*blob.SheetCols+c]
			if cell.Empty {
				fmt.Print("   -- ")
			} else {
				fmt.Printf("  %3d ", cell.Mask)
			}
		}
		fmt.Println()
	}
}

// dupExtra лишние ячейки сверх первой для каждой повторённой маски.
func dupExtra(rep *sheetcheck.Report) int {
	n := 0
	for _, c := range rep.Duplicated {
		n += c - 1
	}
	return n
}
