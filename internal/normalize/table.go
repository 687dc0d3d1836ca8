package normalize

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/kacper-wojtaszczyk/obsync/internal/dataset"
	"github.com/kacper-wojtaszczyk/obsync/internal/model"
)

// TimeUnits is the CF units string of time coordinates built from date columns.
const TimeUnits = "days since 1970-01-01"

var epoch = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

var dateColumns = []string{"year", "month", "day", "hour"}

func isTableFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".tsv", ".asc", ".dat", ".txt":
		return true
	}
	return false
}

// readTable loads a delimited text file. Each column becomes a 1-D variable
// along "time" when the table has date columns or a time column, otherwise
// along "row".
func readTable(path string, spec *model.TableSpec) (*dataset.Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var layout model.TableSpec
	if spec != nil {
		layout = *spec
	}
	if layout.Delimiter == "" {
		layout.Delimiter = defaultDelimiter(path)
	}

	r := bufio.NewReader(f)
	for i := 0; i < layout.SkipRows; i++ {
		if _, err := r.ReadString('\n'); err != nil {
			return nil, fmt.Errorf("skip header row %d: %w", i+1, err)
		}
	}

	rows, err := readRows(r, layout)
	if err != nil {
		return nil, err
	}

	columns := slices.Clone(layout.Columns)
	if len(columns) == 0 {
		if len(rows) == 0 {
			return nil, fmt.Errorf("no header row")
		}
		columns = slices.Clone(rows[0])
		rows = rows[1:]
	}
	for i := range columns {
		columns[i] = strings.TrimSpace(columns[i])
	}

	values := make([][]float64, len(columns))
	for i := range values {
		values[i] = make([]float64, 0, len(rows))
	}
	for n, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("row %d has %d fields, want %d", n+1, len(row), len(columns))
		}
		for i, field := range row {
			v, err := parseValue(field)
			if err != nil {
				return nil, fmt.Errorf("row %d column %s: %w", n+1, columns[i], err)
			}
			values[i] = append(values[i], v)
		}
	}
	return tableDataset(columns, values)
}

func defaultDelimiter(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return ","
	case ".tsv":
		return "\t"
	default:
		return "whitespace"
	}
}

func readRows(r io.Reader, layout model.TableSpec) ([][]string, error) {
	if layout.Delimiter == "whitespace" {
		var rows [][]string
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || (layout.Comment != "" && strings.HasPrefix(line, layout.Comment)) {
				continue
			}
			rows = append(rows, strings.Fields(line))
		}
		return rows, scanner.Err()
	}

	delim := layout.Delimiter
	if delim == "tab" {
		delim = "\t"
	}
	if len([]rune(delim)) != 1 {
		return nil, fmt.Errorf("delimiter %q must be a single character or \"whitespace\"", layout.Delimiter)
	}
	cr := csv.NewReader(r)
	cr.Comma = []rune(delim)[0]
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1
	if c := []rune(layout.Comment); len(c) == 1 {
		cr.Comment = c[0]
	}

	var rows [][]string
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if layout.Comment != "" && strings.HasPrefix(strings.TrimSpace(rec[0]), layout.Comment) {
			continue
		}
		rows = append(rows, rec)
	}
}

func parseValue(field string) (float64, error) {
	field = strings.TrimSpace(field)
	switch strings.ToLower(field) {
	case "", "nan", "na", "n/a":
		return math.NaN(), nil
	}
	return strconv.ParseFloat(field, 64)
}

func tableDataset(columns []string, values [][]float64) (*dataset.Dataset, error) {
	n := 0
	if len(values) > 0 {
		n = len(values[0])
	}

	dim := "row"
	var coord *dataset.Variable
	switch {
	case slices.Contains(columns, "year"):
		times, err := foldDates(columns, values, n)
		if err != nil {
			return nil, err
		}
		dim = "time"
		coord, _ = dataset.NewVariable("time", []string{dim}, []int{n}, times)
		coord.Attrs["units"] = TimeUnits
		coord.Attrs["calendar"] = "standard"
	case slices.Contains(columns, "time"):
		dim = "time"
	default:
		index := make([]float64, n)
		for i := range index {
			index[i] = float64(i)
		}
		coord, _ = dataset.NewVariable(dim, []string{dim}, []int{n}, index)
	}

	ds := dataset.New()
	if coord != nil {
		if err := ds.AddVariable(coord); err != nil {
			return nil, err
		}
	}
	for i, name := range columns {
		if coord != nil && coord.Name == "time" && slices.Contains(dateColumns, name) {
			continue
		}
		v, err := dataset.NewVariable(name, []string{dim}, []int{n}, values[i])
		if err != nil {
			return nil, err
		}
		if err := ds.AddVariable(v); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

// foldDates turns year/month/day/hour columns into days since the epoch.
// Missing month and day default to 1, a missing hour to 0.
func foldDates(columns []string, values [][]float64, n int) ([]float64, error) {
	col := func(name string) []float64 {
		if i := slices.Index(columns, name); i >= 0 {
			return values[i]
		}
		return nil
	}
	years, months, days, hours := col("year"), col("month"), col("day"), col("hour")

	out := make([]float64, n)
	for i := range out {
		if math.IsNaN(years[i]) {
			return nil, fmt.Errorf("row %d: missing year", i+1)
		}
		month, day, hour := 1.0, 1.0, 0.0
		if months != nil {
			month = months[i]
		}
		if days != nil {
			day = days[i]
		}
		if hours != nil {
			hour = hours[i]
		}
		if math.IsNaN(month) || math.IsNaN(day) || math.IsNaN(hour) {
			return nil, fmt.Errorf("row %d: incomplete date", i+1)
		}
		t := time.Date(int(years[i]), time.Month(int(month)), int(day), 0, 0, 0, 0, time.UTC).
			Add(time.Duration(hour * float64(time.Hour)))
		out[i] = t.Sub(epoch).Hours() / 24
	}
	return out, nil
}
