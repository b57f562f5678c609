// Command srtforge is the batch client: it scans a directory for videos
// without subtitles, extracts their audio, submits encrypted bundles to a
// srtforged server, and saves the finished .srt files next to the videos.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/srtforge/srtforge/internal/client"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "srtforge: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		serverURL      string
		scanDir        string
		outputDir      string
		model          string
		password       string
		single         string
		keepFiles      bool
		ffmpegBinary   string
		queuedPoll     time.Duration
		processingPoll time.Duration
	)

	cmd := &cobra.Command{
		Use:   "srtforge",
		Short: "Batch-transcribe videos into SubRip subtitles",
		Long: `srtforge finds videos without subtitles, extracts their audio with ffmpeg,
and submits them to a srtforged server for whisper transcription. Finished
.srt files are saved next to the videos (or into --output-dir).

The bundle password can also be set via the SRTFORGE_PASSWORD environment
variable or a .env file in the working directory.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load()
			if password == "" {
				password = os.Getenv("SRTFORGE_PASSWORD")
			}
			if password == "" {
				return errors.New("a bundle password is required (--password or SRTFORGE_PASSWORD)")
			}
			if single == "" && scanDir == "" {
				return errors.New("either --scan-dir or --single is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

			runner := client.NewRunner(client.Options{
				ServerURL:              serverURL,
				ScanDir:                scanDir,
				OutputDir:              outputDir,
				Model:                  model,
				Password:               password,
				Single:                 single,
				KeepFiles:              keepFiles,
				FFmpegBinary:           ffmpegBinary,
				QueuedPollInterval:     queuedPoll,
				ProcessingPollInterval: processingPoll,
			})

			sum, err := runner.Run(ctx)
			if err != nil {
				return err
			}
			printSummary(sum)
			if !sum.Ok() {
				return fmt.Errorf("%d of %d files failed", sum.Failed, sum.Total)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&serverURL, "server", "http://localhost:6007", "base URL of the srtforged server")
	flags.StringVar(&scanDir, "scan-dir", "", "directory to scan recursively for videos")
	flags.StringVar(&outputDir, "output-dir", "", "directory for finished subtitles (default: next to each video)")
	flags.StringVar(&model, "model", "large-v3-turbo", "whisper model to request")
	flags.StringVar(&password, "password", "", "password used to encrypt the audio bundles")
	flags.StringVar(&single, "single", "", "process exactly this one video file")
	flags.BoolVar(&keepFiles, "keep-files", false, "keep the intermediate audio files")
	flags.StringVar(&ffmpegBinary, "ffmpeg", "ffmpeg", "ffmpeg executable name or path")
	flags.DurationVar(&queuedPoll, "pending-poll-interval", 15*time.Second, "poll interval while a task is queued")
	flags.DurationVar(&processingPoll, "processing-poll-interval", 5*time.Second, "poll interval while a task is processing")

	return cmd
}

func printSummary(sum client.Summary) {
	if sum.Total == 0 {
		fmt.Println("nothing to do: no videos without subtitles found")
		return
	}
	fmt.Printf("processed %d file(s): %d succeeded, %d failed\n", sum.Total, sum.Succeeded, sum.Failed)
	for _, res := range sum.Results {
		if res.Err != nil {
			fmt.Printf("  FAIL %s: %v\n", filepath.Base(res.Video), res.Err)
		} else {
			fmt.Printf("  OK   %s -> %s\n", filepath.Base(res.Video), res.Subtitle)
		}
	}
}
