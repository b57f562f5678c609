// Command srtclean removes runaway repetition from SubRip subtitle files:
// runs of three or more consecutive identical lines (a common whisper
// artifact on silence or music) are collapsed to a single entry.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/srtforge/srtforge/internal/srt"
)

func main() {
	os.Exit(run())
}

func run() int {
	output := flag.String("o", "", "output file or directory (default: clean in place)")
	threshold := flag.Int("t", srt.DefaultRepeatThreshold, "minimum run length treated as repetition")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(),
			"usage: srtclean [-o output] [-t threshold] <file.srt | directory>\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return 2
	}
	input := flag.Arg(0)

	info, err := os.Stat(input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "srtclean: %v\n", err)
		return 1
	}

	if info.IsDir() {
		reports, err := srt.CleanDir(input, *output, *threshold)
		if err != nil {
			fmt.Fprintf(os.Stderr, "srtclean: %v\n", err)
			return 1
		}
		printReports(reports)
		return 0
	}

	report, err := srt.CleanFile(input, *output, *threshold)
	if err != nil {
		fmt.Fprintf(os.Stderr, "srtclean: %v\n", err)
		return 1
	}
	printReports(map[string]srt.CleanReport{input: report})
	return 0
}

func printReports(reports map[string]srt.CleanReport) {
	paths := make([]string, 0, len(reports))
	for path := range reports {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var files, removed int
	for _, path := range paths {
		r := reports[path]
		files++
		removed += r.Removed
		if r.Removed == 0 {
			fmt.Printf("%s: clean (%d entries)\n", path, r.Total)
			continue
		}
		fmt.Printf("%s: removed %d of %d entries (%d repeated run(s))\n",
			path, r.Removed, r.Total, len(r.Runs))
	}
	fmt.Printf("%d file(s) checked, %d entries removed\n", files, removed)
}
