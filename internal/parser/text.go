package parser

import (
	"bufio"
	"bytes"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"bench-history/internal/baseline"
	"bench-history/internal/model"
)

// test parse::small ... bench:       2,133 ns/iter (+/- 17)
var cargoLine = regexp.MustCompile(`(?m)^test\s+(\S+)\s+\.\.\.\s+bench:\s+([0-9,.]+)\s+(\S+)\s+\(\+/-\s*([0-9,.]+)\)`)

func parseCargo(data []byte) (*Result, error) {
	res := &Result{Tool: string(FormatCargo)}
	for _, m := range cargoLine.FindAllSubmatch(data, -1) {
		value, err := parseNumber(string(m[2]))
		if err != nil {
			return nil, fmt.Errorf("bench %s: %w", m[1], err)
		}
		spread, err := parseNumber(string(m[4]))
		if err != nil {
			return nil, fmt.Errorf("bench %s: %w", m[1], err)
		}
		res.Metrics = append(res.Metrics, model.MetricRecord{
			Name:   string(m[1]),
			Value:  value,
			Spread: spread,
			Unit:   string(m[3]),
		})
	}
	return res, nil
}

func parseNumber(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
}

// goSample accumulates repeated measurements (-count=N) of one bench/unit pair
type goSample struct {
	name       string
	unit       string
	values     []float64
	iterations []int64
}

// parseGo reads `go test -bench` output. The primary measurement of each
// benchmark (the first unit on its line, normally ns/op) is stored under the
// benchmark name; further units such as B/op become "<name> - <unit>".
// Repeated runs of the same benchmark are folded into their median, with the
// median absolute deviation as spread.
func parseGo(data []byte) (*Result, error) {
	var (
		order   []string
		samples = map[string]*goSample{}
		pkg     string
	)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if rest, ok := strings.CutPrefix(line, "pkg:"); ok {
			pkg = strings.TrimSpace(rest)
			continue
		}
		if !strings.HasPrefix(line, "Benchmark") {
			continue
		}

		fields := strings.Fields(line)
		// name iterations value unit [value unit]...
		if len(fields) < 4 || len(fields)%2 != 0 {
			continue
		}
		iterations, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}

		name := normalizeGoName(fields[0])
		for i := 2; i+1 < len(fields); i += 2 {
			value, err := strconv.ParseFloat(fields[i], 64)
			if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
				continue
			}
			unit := fields[i+1]
			metric := name
			if i > 2 {
				metric = name + " - " + unit
			}

			key := metric + "\x00" + unit
			s, ok := samples[key]
			if !ok {
				s = &goSample{name: metric, unit: unit}
				samples[key] = s
				order = append(order, key)
			}
			s.values = append(s.values, value)
			s.iterations = append(s.iterations, iterations)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	res := &Result{Tool: string(FormatGo)}
	for _, key := range order {
		s := samples[key]
		center := baseline.Median(s.values)
		deviations := make([]float64, len(s.values))
		for i, v := range s.values {
			deviations[i] = math.Abs(v - center)
		}

		extra := fmt.Sprintf("%d times", s.iterations[len(s.iterations)-1])
		if len(s.values) > 1 {
			extra = fmt.Sprintf("%d samples", len(s.values))
		}
		if pkg != "" {
			extra = pkg + ", " + extra
		}

		res.Metrics = append(res.Metrics, model.MetricRecord{
			Name:   s.name,
			Value:  center,
			Spread: baseline.Median(deviations),
			Unit:   s.unit,
			Extra:  extra,
		})
	}
	return res, nil
}

// normalizeGoName strips the -GOMAXPROCS suffix ("BenchmarkFoo-8")
func normalizeGoName(name string) string {
	dash := strings.LastIndex(name, "-")
	if dash <= 0 || dash == len(name)-1 {
		return name
	}
	for _, c := range name[dash+1:] {
		if c < '0' || c > '9' {
			return name
		}
	}
	return name[:dash]
}
