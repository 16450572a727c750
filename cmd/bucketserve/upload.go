package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/bucketserve/internal/log"
	"github.com/keithlinneman/bucketserve/internal/uploader"
)

func newUploadCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "upload <dir>",
		Short: "publish a local directory to the bucket (diff-aware)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if conf.Bucket == "" {
				return fmt.Errorf("--bucket is required")
			}

			L, err := newLogger("upload")
			if err != nil {
				return err
			}
			defer L.Sync()
			ctx := log.WithContext(cmd.Context(), L)

			bucket, _, err := newBucketClient(ctx, L)
			if err != nil {
				return err
			}

			u := uploader.New(&uploader.Options{
				Logger: L,
				Client: bucket,
				DryRun: dryRun,
			})
			res, err := u.Sync(ctx, args[0])
			if err != nil {
				return err
			}

			verb := "published"
			if dryRun {
				verb = "would publish"
			}
			fmt.Printf("%s: %d uploaded, %d deleted, %d unchanged\n",
				verb, len(res.Uploaded), len(res.Deleted), res.Unchanged)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report the diff without writing to the bucket")
	return cmd
}
