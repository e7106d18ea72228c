// Command pixlctl uploads videos to a pixl-server and inspects their
// transcoding progress.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/aym-n/pixl/internal/client"
)

const usage = `usage: pixlctl [-server URL] <command> [flags]

commands:
  upload [-title T] [-description D] [-resume ID] [-retries N] [-dispatch] <file>
  status <assetId>
  dispatch <assetId>
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pixlctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	server := fs.String("server", envOr("PIXL_SERVER", "http://localhost:8080"), "pixl-server base URL")
	timeout := fs.Duration("timeout", 2*time.Minute, "per-request timeout")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	c, err := client.New(*server, *timeout)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	command, rest := fs.Arg(0), fs.Args()[1:]
	switch command {
	case "upload":
		err = uploadCommand(ctx, c, rest, stdout, stderr)
	case "status":
		err = statusCommand(ctx, c, rest, stdout)
	case "dispatch":
		err = dispatchCommand(ctx, c, rest, stdout)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", command)
		fs.Usage()
		return 2
	}
	if err != nil {
		var usageErr usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintln(stderr, usageErr)
			return 2
		}
		fmt.Fprintf(stderr, "%s: %v\n", command, err)
		return 1
	}
	return 0
}

type usageError string

func (e usageError) Error() string { return string(e) }

func uploadCommand(ctx context.Context, c *client.Client, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	fs.SetOutput(stderr)
	title := fs.String("title", "", "asset title (defaults to the file name)")
	description := fs.String("description", "", "asset description")
	resume := fs.String("resume", "", "upload id to resume")
	retries := fs.Int("retries", 3, "retries per chunk on transient failures")
	dispatch := fs.Bool("dispatch", false, "queue transcoding after the upload completes")
	quiet := fs.Bool("quiet", false, "hide the progress bar")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	if fs.NArg() != 1 {
		return usageError("upload expects exactly one file")
	}

	path := fs.Arg(0)
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return usageError(fmt.Sprintf("%s is a directory", path))
	}

	opts := client.UploadOptions{
		Filename:    filepath.Base(path),
		Title:       *title,
		Description: *description,
		ResumeID:    strings.TrimSpace(*resume),
		Retries:     *retries,
		RetryDelay:  time.Second,
	}
	var bar *progressbar.ProgressBar
	if !*quiet {
		bar = progressbar.NewOptions64(info.Size(),
			progressbar.OptionSetWriter(stderr),
			progressbar.OptionSetDescription(opts.Filename),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowBytes(true),
			progressbar.OptionShowCount(),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(stderr) }),
		)
		opts.OnChunk = func(n int) { _ = bar.Add(n) }
	}

	result, err := c.Upload(ctx, file, info.Size(), opts)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		if result.UploadID != "" {
			fmt.Fprintf(stderr, "resume with: pixlctl upload -resume %s %s\n", result.UploadID, path)
		}
		return err
	}

	asset := result.Complete.Asset
	fmt.Fprintf(stdout, "upload %s complete: asset %s (%s), %d chunks sent, %d skipped\n",
		result.UploadID, asset.ID, asset.Status, result.Sent, result.Skipped)
	if len(result.Complete.Jobs) > 0 {
		fmt.Fprintf(stdout, "queued %d transcode jobs\n", len(result.Complete.Jobs))
		return nil
	}
	if *dispatch {
		return printDispatch(ctx, c, asset.ID, stdout)
	}
	return nil
}

func statusCommand(ctx context.Context, c *client.Client, args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return usageError("status expects an asset id")
	}
	progress, err := c.AssetProgress(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "asset %s: %s", args[0], progress.Status)
	if progress.Percent != nil {
		fmt.Fprintf(stdout, " (%d%%)", *progress.Percent)
	}
	fmt.Fprintf(stdout, ", %d/%d renditions complete\n", progress.CompletedCount, progress.TotalCount)
	for _, rendition := range progress.Renditions {
		line := fmt.Sprintf("  %-6s %s", rendition.Rendition, rendition.Status)
		if rendition.WorkerID != "" {
			line += " on " + rendition.WorkerID
		}
		fmt.Fprintln(stdout, line)
	}
	return nil
}

func dispatchCommand(ctx context.Context, c *client.Client, args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return usageError("dispatch expects an asset id")
	}
	return printDispatch(ctx, c, args[0], stdout)
}

func printDispatch(ctx context.Context, c *client.Client, assetID string, stdout io.Writer) error {
	jobs, err := c.Dispatch(ctx, assetID)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "queued %d transcode jobs for asset %s\n", len(jobs), assetID)
	for _, job := range jobs {
		fmt.Fprintf(stdout, "  %-6s %s\n", job.Rendition, job.ID)
	}
	return nil
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
