package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/tools/cover"
)

type coverage struct {
	covered int
	total   int
}

// pureFiles hold no goroutines or sockets and are held to the pure threshold.
var pureFiles = []string{
	"live/envelope.go",
	"live/errors.go",
	"live/reconnect_strategy.go",
	"live/keepalive.go",
	"live/config.go",
	"live/credentials.go",
	"live/dispatcher.go",
	"live/state.go",
	"live/internal/testutil/fakes.go",
}

var ioFiles = []string{
	"live/client.go",
	"live/connection.go",
	"live/transport.go",
	"live/metrics.go",
	"live/options.go",
}

type gateOptions struct {
	profile          string
	overallThreshold float64
	pureThreshold    float64
	ioThreshold      float64
}

func summarize(profiles []*cover.Profile) map[string]coverage {
	result := map[string]coverage{}
	for _, profile := range profiles {
		entry := result[profile.FileName]
		for _, block := range profile.Blocks {
			entry.total += block.NumStmt
			if block.Count > 0 {
				entry.covered += block.NumStmt
			}
		}
		result[profile.FileName] = entry
	}
	return result
}

func findCoverage(files map[string]coverage, suffix string) (coverage, bool) {
	for fileName, cov := range files {
		if strings.HasSuffix(fileName, suffix) {
			return cov, true
		}
	}
	return coverage{}, false
}

func pct(c coverage) float64 {
	if c.total == 0 {
		return 0
	}
	return (float64(c.covered) * 100.0) / float64(c.total)
}

// evaluate returns the aggregate coverage and every threshold violation.
func evaluate(files map[string]coverage, options gateOptions) (coverage, []string) {
	total := coverage{}
	for _, fileCov := range files {
		total.covered += fileCov.covered
		total.total += fileCov.total
	}

	failures := make([]string, 0)
	if overall := pct(total); overall+1e-9 < options.overallThreshold {
		failures = append(failures, fmt.Sprintf("aggregate coverage %.1f%% is below %.1f%%", overall, options.overallThreshold))
	}

	check := func(kind string, fileNames []string, threshold float64) {
		for _, fileName := range fileNames {
			fileCov, ok := findCoverage(files, fileName)
			if !ok {
				failures = append(failures, fmt.Sprintf("%s file %s is missing from coverage profile", kind, fileName))
				continue
			}
			if filePct := pct(fileCov); filePct+1e-9 < threshold {
				failures = append(failures, fmt.Sprintf("%s file %s is %.1f%% (required %.1f%%)", kind, fileName, filePct, threshold))
			}
		}
	}
	check("pure", pureFiles, options.pureThreshold)
	check("io", ioFiles, options.ioThreshold)

	sort.Strings(failures)
	return total, failures
}

func report(out io.Writer, total coverage, failures []string) bool {
	fmt.Fprintf(out, "aggregate: %.1f%% (%d/%d)\n", pct(total), total.covered, total.total)
	if len(failures) == 0 {
		fmt.Fprintln(out, "coverage gate: PASS")
		return true
	}
	fmt.Fprintln(out, "coverage gate: FAIL")
	for _, failure := range failures {
		fmt.Fprintf(out, "- %s\n", failure)
	}
	return false
}

func newRootCmd(out io.Writer) *cobra.Command {
	options := gateOptions{}
	cmd := &cobra.Command{
		Use:           "coveragegate",
		Short:         "Fail when the live package coverage drops below its thresholds",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, err := cover.ParseProfiles(options.profile)
			if err != nil {
				return pkgerrors.Wrap(err, "read coverage profile failed")
			}
			total, failures := evaluate(summarize(profiles), options)
			if !report(out, total, failures) {
				return fmt.Errorf("%d coverage violations", len(failures))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&options.profile, "profile", "coverage.out", "path to go coverage profile")
	cmd.Flags().Float64Var(&options.overallThreshold, "overall", 85.0, "minimum aggregate coverage percentage")
	cmd.Flags().Float64Var(&options.pureThreshold, "pure", 90.0, "minimum pure file coverage percentage")
	cmd.Flags().Float64Var(&options.ioThreshold, "io", 75.0, "minimum io file coverage percentage")
	return cmd
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "coverage gate failed: %v\n", err)
		os.Exit(2)
	}
}
