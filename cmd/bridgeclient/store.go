package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"

	"github.com/storjlib/bridgeclient/upload"
)

var storeCmd = &cobra.Command{
	Use:   "store <bucket> <file>",
	Short: "Upload a local file into a bucket",
	Args:  cobra.ExactArgs(2),
	RunE:  runStore,
}

func runStore(cmd *cobra.Command, args []string) error {
	bucketArg, filePath := args[0], args[1]

	e, err := buildEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	bucketID := e.ResolveBucketID(bucketArg, bucketArg)

	done := make(chan struct{})
	var result *upload.FinalizeResult
	var storeErr error

	state, err := e.StoreFileInBucket(context.Background(), bucketID, filePath, func(res *upload.FinalizeResult, err error) {
		result, storeErr = res, err
		close(done)
	})
	if err != nil {
		return fmt.Errorf("unable to start upload: %w", err)
	}

	p := mpb.New(mpb.WithWidth(64))
	_, total := state.Progress()
	bar := p.AddBar(int64(total),
		mpb.PrependDecorators(decor.Name(filePath)),
		mpb.AppendDecorators(decor.CountersNoUnit("%d / %d shards")),
	)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-done:
			completed, _ := state.Progress()
			bar.SetCurrent(int64(completed))
			break loop
		case <-ticker.C:
			completed, _ := state.Progress()
			bar.SetCurrent(int64(completed))
		}
	}
	p.Wait()

	if storeErr != nil {
		return fmt.Errorf("upload failed: %w", storeErr)
	}
	fmt.Printf("stored %s as file %s (frame %s)\n", filePath, result.File.ID, result.FrameID)
	return nil
}
