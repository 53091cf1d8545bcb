package main

import (
	"fmt"
	"io"
	"os"
	"slices"

	modbus "github.com/edgeo-scada/modbus-slavesim"
	"gopkg.in/yaml.v3"
)

// seedFile is the YAML layout shared by --seed and the export command. Keys
// are zero-based indexes; only non-zero cells are exported.
type seedFile struct {
	Coils            map[int]int `yaml:"coils,omitempty"`
	DiscreteInputs   map[int]int `yaml:"discrete_inputs,omitempty"`
	InputRegisters   map[int]int `yaml:"input_registers,omitempty"`
	HoldingRegisters map[int]int `yaml:"holding_registers,omitempty"`
}

func (f *seedFile) cells(b modbus.Bank) *map[int]int {
	switch b {
	case modbus.CoilDiscretes:
		return &f.Coils
	case modbus.InputDiscretes:
		return &f.DiscreteInputs
	case modbus.InputRegisters:
		return &f.InputRegisters
	default:
		return &f.HoldingRegisters
	}
}

func loadSeedFile(store *modbus.Store, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read seed file: %w", err)
	}
	return applySeed(store, data)
}

// applySeed writes every cell of a seed document into store, bank by bank in
// ascending index order.
func applySeed(store *modbus.Store, data []byte) (int, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("invalid seed file: %w", err)
	}

	n := 0
	for _, b := range modbus.Banks {
		cells := *f.cells(b)
		keys := make([]int, 0, len(cells))
		for k := range cells {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			if err := store.Set(b, k, cells[k]); err != nil {
				return n, fmt.Errorf("seed %s[%d]: %w", b, k, err)
			}
			n++
		}
	}
	return n, nil
}

// exportSeed writes the non-zero cells of the given banks as a seed document.
func exportSeed(store *modbus.Store, w io.Writer, banks ...modbus.Bank) error {
	if len(banks) == 0 {
		banks = modbus.Banks[:]
	}

	var f seedFile
	for _, b := range banks {
		values, err := store.Snapshot(b)
		if err != nil {
			return err
		}
		cells := make(map[int]int)
		for i, v := range values {
			if v != 0 {
				cells[i] = int(v)
			}
		}
		if len(cells) > 0 {
			*f.cells(b) = cells
		}
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&f); err != nil {
		return err
	}
	return enc.Close()
}
