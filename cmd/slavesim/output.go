package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	modbus "github.com/edgeo-scada/modbus-slavesim"
)

// Color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func color(c, s string) string {
	if noColor {
		return s
	}
	return c + s + colorReset
}

func outputSuccess(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(color(colorGreen, "OK") + " " + msg)
}

func outputError(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, color(colorRed, "ERROR")+" "+msg)
}

func outputWarning(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, color(colorYellow, "WARN")+" "+msg)
}

func outputInfo(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(color(colorCyan, "INFO") + " " + msg)
}

// CellResult is the JSON form of one cell.
type CellResult struct {
	Address int    `json:"address"`
	Label   string `json:"label"`
	Raw     uint16 `json:"raw"`
	Signed  int16  `json:"signed,omitempty"`
	Hex     string `json:"hex,omitempty"`
}

// outputCells prints cells of a bank starting at start in the current
// output format. Registers are shown signed when signed is true.
func outputCells(b modbus.Bank, start int, values []uint16, signed bool) error {
	switch outputFmt {
	case "json":
		return outputCellsJSON(b, start, values)
	case "csv":
		return outputCellsCSV(start, values)
	case "raw":
		for _, v := range values {
			fmt.Println(v)
		}
		return nil
	case "hex":
		for i, v := range values {
			if i > 0 {
				fmt.Print(" ")
			}
			fmt.Printf("%04X", v)
		}
		fmt.Println()
		return nil
	default:
		return outputCellsTable(b, start, values, signed)
	}
}

func outputCellsTable(b modbus.Bank, start int, values []uint16, signed bool) error {
	fmt.Printf("\n%s (Address %d-%d, Count: %d)\n",
		color(colorBold, b.String()),
		start,
		start+len(values)-1,
		len(values))
	fmt.Println(strings.Repeat("-", 50))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	if b.IsDiscrete() {
		fmt.Fprintln(w, "ADDRESS\tLABEL\tVALUE\tSTATUS")
		fmt.Fprintln(w, "-------\t-----\t-----\t------")
		for i, v := range values {
			label, _ := modbus.CellLabel(b, start+i)
			status := color(colorRed, "OFF")
			if v != 0 {
				status = color(colorGreen, "ON")
			}
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", start+i, label, v, status)
		}
	} else {
		fmt.Fprintln(w, "ADDRESS\tLABEL\tDECIMAL\tHEX\tBINARY")
		fmt.Fprintln(w, "-------\t-----\t-------\t---\t------")
		for i, v := range values {
			label, _ := modbus.CellLabel(b, start+i)
			dec := strconv.Itoa(int(v))
			if signed {
				dec = strconv.Itoa(int(int16(v)))
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t0x%04X\t%016b\n", start+i, label, dec, v, v)
		}
	}
	w.Flush()
	fmt.Println()
	return nil
}

func outputCellsJSON(b modbus.Bank, start int, values []uint16) error {
	results := make([]CellResult, len(values))
	for i, v := range values {
		label, _ := modbus.CellLabel(b, start+i)
		results[i] = CellResult{Address: start + i, Label: label, Raw: v}
		if !b.IsDiscrete() {
			results[i].Signed = int16(v)
			results[i].Hex = fmt.Sprintf("0x%04X", v)
		}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func outputCellsCSV(start int, values []uint16) error {
	w := csv.NewWriter(os.Stdout)
	w.Write([]string{"address", "value"})
	for i, v := range values {
		w.Write([]string{strconv.Itoa(start + i), strconv.Itoa(int(v))})
	}
	w.Flush()
	return w.Error()
}

// outputPage prints rows of the grid view: one line per row, labelled with
// its address span.
func outputPage(sim *modbus.Simulator, b modbus.Bank, firstRow, count int, signed bool) error {
	width := modbus.PageWidth(b)
	values, err := sim.Store().Snapshot(b)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', tabwriter.AlignRight)
	header := []string{"ROW"}
	for col := 1; col <= width; col++ {
		header = append(header, strconv.Itoa(col))
	}
	fmt.Fprintln(w, strings.Join(header, "\t")+"\t")

	for row := firstRow; row < firstRow+count; row++ {
		label, err := sim.RowLabel(b, row)
		if err != nil {
			break
		}
		cells := []string{label}
		for col := 1; col <= width; col++ {
			linear, err := sim.ToLinear(b, row, col)
			if err != nil || linear >= len(values) {
				cells = append(cells, "")
				continue
			}
			v := values[linear]
			if signed && !b.IsDiscrete() {
				cells = append(cells, strconv.Itoa(int(int16(v))))
			} else {
				cells = append(cells, strconv.Itoa(int(v)))
			}
		}
		fmt.Fprintln(w, strings.Join(cells, "\t")+"\t")
	}
	sim.Paging().MarkMaterialized(b)
	return w.Flush()
}
