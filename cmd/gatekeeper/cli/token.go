package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"

	"github.com/pdfflex/gatekeeper/internal/identity"
	"github.com/pdfflex/gatekeeper/internal/model"
)

func newTokenCmd() *cobra.Command {
	var (
		user string
		plan string
		ttl  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a session token for testing the key management routes",
		Long: `Sign an HS256 session token with the configured auth.jwt_secret. Production
session tokens are issued by the web application; this is for local testing.`,
		Example: `  gatekeeper token --user usr_123
  gatekeeper token --user usr_123 --plan premium --ttl 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd.OutOrStdout(), user, plan, ttl)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Subject user id (required)")
	cmd.Flags().StringVar(&plan, "plan", "", "Plan claim: free or premium")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	cmd.MarkFlagRequired("user")

	return cmd
}

func runToken(out io.Writer, user, plan string, ttl time.Duration) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	tier := model.Tier(strings.ToLower(plan))
	if tier != "" && !tier.Valid() {
		return errors.Errorf("unknown plan %q; use 'free' or 'premium'", plan)
	}

	resolver, err := identity.NewJWTResolver(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	if err != nil {
		return errors.Wrap(err, "auth.jwt_secret")
	}
	token, err := resolver.Issue(user, tier, ttl)
	if err != nil {
		return errors.Wrap(err, "sign token")
	}

	fmt.Fprintln(out, token)
	return nil
}
