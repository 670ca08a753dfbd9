package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type benchmarkBaseline struct {
	NSOp     float64 `json:"ns_op"`
	AllocsOp float64 `json:"allocs_op"`
}

type baselineFile struct {
	Benchmarks map[string]benchmarkBaseline `json:"benchmarks"`
}

type benchmarkResult struct {
	NSOp     float64
	AllocsOp float64
}

type gateOptions struct {
	baselinePath  string
	packagePath   string
	benchtime     string
	maxRegression float64
}

func parseBenchOutput(output string) map[string]benchmarkResult {
	results := map[string]benchmarkResult{}
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "Benchmark") {
			continue
		}
		// BenchmarkName-8  N  ns/op  B/op  allocs/op
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		name := fields[0]
		if dash := strings.LastIndex(name, "-"); dash > 0 {
			name = name[:dash]
		}

		var result benchmarkResult
		hasNSOp, hasAllocsOp := false, false
		for i := 0; i < len(fields)-1; i++ {
			parsed, err := strconv.ParseFloat(fields[i], 64)
			if err != nil {
				continue
			}
			switch fields[i+1] {
			case "ns/op":
				result.NSOp, hasNSOp = parsed, true
			case "allocs/op":
				result.AllocsOp, hasAllocsOp = parsed, true
			}
		}
		if hasNSOp && hasAllocsOp && result.NSOp > 0 {
			results[name] = result
		}
	}
	return results
}

func readBaseline(path string) (baselineFile, error) {
	baseline := baselineFile{}
	data, err := os.ReadFile(path) // #nosec G304 -- path is explicitly provided by local CI/operator input
	if err != nil {
		return baseline, pkgerrors.Wrap(err, "perf baseline read failed")
	}
	if err := json.Unmarshal(data, &baseline); err != nil {
		return baseline, pkgerrors.Wrap(err, "perf baseline parse failed")
	}
	if len(baseline.Benchmarks) == 0 {
		return baseline, pkgerrors.New("perf baseline is empty")
	}
	return baseline, nil
}

func benchPattern(baseline baselineFile) string {
	names := make([]string, 0, len(baseline.Benchmarks))
	for name := range baseline.Benchmarks {
		names = append(names, regexp.QuoteMeta(name))
	}
	sort.Strings(names)
	return "^(" + strings.Join(names, "|") + ")$"
}

// compare returns one failure per benchmark that is missing or slower or
// allocates more than maxRegression percent over its baseline.
func compare(baseline baselineFile, results map[string]benchmarkResult, maxRegression float64) []string {
	failures := []string{}
	for name, expected := range baseline.Benchmarks {
		actual, ok := results[name]
		if !ok {
			failures = append(failures, fmt.Sprintf("missing benchmark result: %s", name))
			continue
		}

		maxNS := expected.NSOp * (1.0 + (maxRegression / 100.0))
		if actual.NSOp > maxNS {
			failures = append(failures, fmt.Sprintf("%s ns/op regression: baseline %.2f, actual %.2f, max %.2f", name, expected.NSOp, actual.NSOp, maxNS))
		}

		maxAllocs := expected.AllocsOp * (1.0 + (maxRegression / 100.0))
		if actual.AllocsOp > maxAllocs {
			failures = append(failures, fmt.Sprintf("%s allocs/op regression: baseline %.2f, actual %.2f, max %.2f", name, expected.AllocsOp, actual.AllocsOp, maxAllocs))
		}
	}
	sort.Strings(failures)
	return failures
}

func run(out io.Writer, options gateOptions) error {
	baseline, err := readBaseline(options.baselinePath)
	if err != nil {
		return err
	}

	command := exec.Command("go", "test", options.packagePath, "-run", "^$", "-bench", benchPattern(baseline), "-benchmem", "-count=1", "-benchtime="+options.benchtime) // #nosec G204 -- arguments are passed without shell expansion
	outputBytes, err := command.CombinedOutput()
	output := string(outputBytes)
	if err != nil {
		return pkgerrors.Wrapf(err, "benchmark command failed\n%s", output)
	}

	failures := compare(baseline, parseBenchOutput(output), options.maxRegression)
	fmt.Fprint(out, output)
	if len(failures) == 0 {
		fmt.Fprintln(out, "perf gate: PASS")
		return nil
	}
	fmt.Fprintln(out, "perf gate: FAIL")
	for _, failure := range failures {
		fmt.Fprintf(out, "- %s\n", failure)
	}
	return fmt.Errorf("%d benchmark regressions", len(failures))
}

func newRootCmd(out io.Writer) *cobra.Command {
	options := gateOptions{}
	cmd := &cobra.Command{
		Use:           "perfgate",
		Short:         "Fail when live package benchmarks regress against the baseline",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(out, options)
		},
	}
	cmd.Flags().StringVar(&options.baselinePath, "baseline", "tools/perfgate/baseline.json", "path to benchmark baseline JSON")
	cmd.Flags().StringVar(&options.packagePath, "package", "./live", "package path for benchmarks")
	cmd.Flags().StringVar(&options.benchtime, "benchtime", "1s", "go test benchmark duration")
	cmd.Flags().Float64Var(&options.maxRegression, "max-regression", 10.0, "max allowed regression percentage")
	return cmd
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "perf gate failed: %v\n", err)
		os.Exit(2)
	}
}
