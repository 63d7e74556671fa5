package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

var (
	flagRangeStart int64
	flagRangeEnd   int64
)

var getCmd = &cobra.Command{
	Use:   "get <bucket> <file-id> <dest>",
	Short: "Stream a bucket file to local disk",
	Args:  cobra.ExactArgs(3),
	RunE:  runGet,
}

func init() {
	flags := getCmd.Flags()
	flags.Int64Var(&flagRangeStart, "start", 0, "first byte to fetch, inclusive (requires --end)")
	flags.Int64Var(&flagRangeEnd, "end", 0, "end of the byte range, exclusive; the range starts at --start (default 0)")
}

// byteCounter tracks bytes written so far for the progress bar, without
// needing a known total length up front (the engine's sliding-window
// stream doesn't know the file's full size until it drains).
type byteCounter struct {
	n int64
}

func (c *byteCounter) Write(p []byte) (int, error) {
	atomic.AddInt64(&c.n, int64(len(p)))
	return len(p), nil
}

func (c *byteCounter) current() int64 {
	return atomic.LoadInt64(&c.n)
}

func runGet(cmd *cobra.Command, args []string) error {
	bucketArg, fileID, dest := args[0], args[1], args[2]
	ranged := flagRangeEnd > flagRangeStart

	e, err := buildEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	bucketID := e.ResolveBucketID(bucketArg, bucketArg)
	ctx := context.Background()

	var stream io.ReadCloser
	if ranged {
		stream, err = e.CreateFileSliceStream(ctx, bucketID, fileID, flagRangeStart, flagRangeEnd)
	} else {
		stream, err = e.CreateFileStream(ctx, bucketID, fileID)
	}
	if err != nil {
		return fmt.Errorf("unable to open download stream: %w", err)
	}
	defer stream.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("unable to create %s: %w", dest, err)
	}
	defer out.Close()

	p := mpb.New(mpb.WithWidth(64))
	counter := &byteCounter{}
	bar := p.AddSpinner(0, mpb.SpinnerOnLeft,
		mpb.PrependDecorators(decor.Name(fileID)),
		mpb.AppendDecorators(decor.Any(func(st decor.Statistics) string {
			return fmt.Sprintf("%.1f KiB", float64(counter.current())/1024)
		})),
	)

	copyDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.MultiWriter(out, counter), stream)
		copyDone <- err
	}()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	var copyErr error
loop:
	for {
		select {
		case copyErr = <-copyDone:
			break loop
		case <-ticker.C:
			bar.Increment()
		}
	}
	bar.SetTotal(counter.current(), true)
	p.Wait()

	if copyErr != nil {
		return fmt.Errorf("download failed: %w", copyErr)
	}
	fmt.Printf("wrote %s (%d bytes)\n", dest, counter.current())
	return nil
}
