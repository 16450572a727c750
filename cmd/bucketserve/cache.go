package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/bucketserve/internal/policy"
)

func newCacheCmd() *cobra.Command {
	var remove bool

	cmd := &cobra.Command{
		Use:   "cache <prefix> [directive]",
		Short: "set the Cache-Control directive for a path prefix on a running server",
		Long: `Applies a cache-control rule to a running server through its admin API.
Longest matching prefix wins; paths with no matching rule get the server's
default directive.

Example:
  bucketserve cache '/static/*' 'public, max-age=31536000, immutable'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := adminClient()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if remove {
				rules, err := client.RemoveCache(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("removed cache rule for %s\n", policy.NormalizePrefix(args[0]))
				printRules(rules)
				return nil
			}

			if len(args) < 2 {
				return fmt.Errorf("directive required (cache <prefix> <directive>)")
			}

			rules, err := client.SetCache(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("cache rule set for %s\n", policy.NormalizePrefix(args[0]))
			printRules(rules)
			return nil
		},
	}

	cmd.Flags().BoolVar(&remove, "remove", false, "remove the rule for the prefix instead of setting it")
	return cmd
}
