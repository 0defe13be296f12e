package optimizer

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
)

// WriteTrialsCSV writes the optimizer history to path, best score first.
// Columns are rank, score, then one column per space dimension.
func WriteTrialsCSV(path string, space []Parameter, history []Observation) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer file.Close()

	sorted := make([]Observation, len(history))
	copy(sorted, history)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	writer := csv.NewWriter(file)
	header := append([]string{"rank", "score"}, names(space)...)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for i, obs := range sorted {
		row := []string{strconv.Itoa(i + 1), strconv.FormatFloat(obs.Score, 'f', 4, 64)}
		for _, p := range space {
			v := obs.Params[p.Name]
			if p.Integer {
				row = append(row, strconv.Itoa(int(math.Round(v))))
			} else {
				row = append(row, strconv.FormatFloat(v, 'f', 4, 64))
			}
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	writer.Flush()
	return writer.Error()
}

func names(space []Parameter) []string {
	out := make([]string, len(space))
	for i, p := range space {
		out[i] = p.Name
	}
	return out
}

// FormatParams renders a set as a stable, name-sorted string for log lines.
func FormatParams(params ParameterSet) string {
	keys := make([]string, 0, len(params))
	for name := range params {
		keys = append(keys, name)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, name := range keys {
		parts[i] = fmt.Sprintf("%s=%v", name, params[name])
	}
	return strings.Join(parts, " ")
}
