package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/bucketserve/internal/policy"
	"github.com/keithlinneman/bucketserve/internal/policyhttp"
)

func newProtectCmd() *cobra.Command {
	var (
		password string
		remove   bool
	)

	cmd := &cobra.Command{
		Use:   "protect <prefix> [username]",
		Short: "require basic-auth credentials for a path prefix on a running server",
		Long: `Applies a protection rule to a running server through its admin API.
The change is live for the next request; no restart or resync happens.

The password comes from --password or BUCKETSERVE_PASSWORD; it is hashed
server-side and never stored in plaintext.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := adminClient()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if remove {
				rules, err := client.RemoveProtect(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("removed protection for %s\n", policy.NormalizePrefix(args[0]))
				printRules(rules)
				return nil
			}

			if len(args) < 2 {
				return fmt.Errorf("username required (protect <prefix> <username>)")
			}
			if password == "" {
				password = os.Getenv("BUCKETSERVE_PASSWORD")
			}
			if password == "" {
				return fmt.Errorf("password required (--password or BUCKETSERVE_PASSWORD)")
			}

			rules, err := client.SetProtect(ctx, args[0], args[1], password)
			if err != nil {
				return err
			}
			fmt.Printf("protected %s (user %s)\n", policy.NormalizePrefix(args[0]), args[1])
			printRules(rules)
			return nil
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "password for the rule (or BUCKETSERVE_PASSWORD)")
	cmd.Flags().BoolVar(&remove, "remove", false, "remove the rule for the prefix instead of setting it")
	return cmd
}

// adminClient builds the policy API client from the shared flags.
func adminClient() (*policyhttp.Client, error) {
	if conf.AdminToken == "" {
		return nil, fmt.Errorf("--admin-token is required (the server hides the admin API without it)")
	}
	return policyhttp.NewClient(conf.ServerURL, conf.AdminToken), nil
}

func printRules(rules policy.RuleSet) {
	fmt.Printf("server now has %d protect rule(s), %d cache rule(s)\n",
		len(rules.Protect), len(rules.Cache))
	for _, r := range rules.Protect {
		fmt.Printf("  protect %-30s user=%s\n", r.Prefix, r.Username)
	}
	for _, r := range rules.Cache {
		fmt.Printf("  cache   %-30s %s\n", r.Prefix, r.Value)
	}
}
