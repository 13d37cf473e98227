package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pdfflex/gatekeeper/internal/identity"
	"github.com/pdfflex/gatekeeper/internal/model"
	"github.com/pdfflex/gatekeeper/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Issue, list, revoke and verify user API keys directly against the credential store.",
	}

	cmd.AddCommand(newKeyIssueCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())
	cmd.AddCommand(newKeyVerifyCmd())
	cmd.AddCommand(newKeyUsageCmd())

	return cmd
}

// ---------- key issue ----------

type issueOptions struct {
	user         string
	name         string
	description  string
	tier         string
	dailyLimit   int64
	monthlyLimit int64
	expiresIn    time.Duration
}

func newKeyIssueCmd() *cobra.Command {
	var opts issueOptions

	cmd := &cobra.Command{
		Use:     "issue",
		Aliases: []string{"create"},
		Short:   "Issue a new API key for a user",
		Long:    "Generate a new API key owned by a user. The raw key is shown once and cannot be retrieved again.",
		Example: `  gatekeeper key issue --user usr_123 --name "CI pipeline"
  gatekeeper key issue --user usr_123 --name batch --tier premium --daily-limit 5000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyIssue(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.user, "user", "", "Owner user id (required)")
	cmd.Flags().StringVar(&opts.name, "name", "", "Human-readable key name (required)")
	cmd.Flags().StringVar(&opts.description, "description", "", "Optional description")
	cmd.Flags().StringVar(&opts.tier, "tier", "free", "Key tier: free or premium")
	cmd.Flags().Int64Var(&opts.dailyLimit, "daily-limit", 0, "Request ceiling (0 means unlimited)")
	cmd.Flags().Int64Var(&opts.monthlyLimit, "monthly-limit", 0, "Per-month request ceiling (0 means unlimited)")
	cmd.Flags().DurationVar(&opts.expiresIn, "expires-in", 0, "Expire the key after this duration (e.g. 720h)")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("name")

	return cmd
}

func runKeyIssue(ctx context.Context, out io.Writer, opts issueOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, svcs, err := openServices(ctx, nil)
	if err != nil {
		return err
	}
	defer svcs.store.Close()

	req := service.IssueRequest{
		Name:        opts.name,
		Description: opts.description,
		Tier:        model.Tier(strings.ToLower(opts.tier)),
	}
	if opts.dailyLimit > 0 {
		req.DailyLimit = &opts.dailyLimit
	}
	if opts.monthlyLimit > 0 {
		req.MonthlyLimit = &opts.monthlyLimit
	}
	if opts.expiresIn > 0 {
		at := time.Now().Add(opts.expiresIn)
		req.ExpiresAt = &at
	}

	issued, err := svcs.issuer.Issue(ctx, identity.Principal{UserID: opts.user}, req, "")
	if err != nil {
		return describeServiceError(err)
	}

	fmt.Fprintln(out, "API key issued:")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Key:     %s\n", issued.Key)
	fmt.Fprintf(out, "  ID:      %s\n", issued.ID)
	fmt.Fprintf(out, "  Name:    %s\n", issued.Name)
	fmt.Fprintf(out, "  Tier:    %s\n", issued.Tier)
	if issued.ExpiresAt != nil {
		fmt.Fprintf(out, "  Expires: %s\n", issued.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  %s\n", issued.Message)
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		user       string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List a user's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(cmd.Context(), cmd.OutOrStdout(), user, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Owner user id (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("user")

	return cmd
}

func runKeyList(ctx context.Context, out io.Writer, user string, jsonOutput bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, svcs, err := openServices(ctx, nil)
	if err != nil {
		return err
	}
	defer svcs.store.Close()

	keys, err := svcs.keys.List(ctx, user)
	if err != nil {
		return errors.Wrap(err, "list api keys")
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(keys)
	}

	if len(keys) == 0 {
		fmt.Fprintf(out, "No API keys for %s. Use 'gatekeeper key issue' to create one.\n", user)
		return nil
	}

	fmt.Fprintf(out, "%-36s %-12s %-20s %-8s %-9s %-10s\n", "ID", "PREFIX", "NAME", "TIER", "STATUS", "REQUESTS")
	fmt.Fprintf(out, "%-36s %-12s %-20s %-8s %-9s %-10s\n", "--", "------", "----", "----", "------", "--------")
	for _, k := range keys {
		fmt.Fprintf(out, "%-36s %-12s %-20s %-8s %-9s %-10d\n", k.ID, k.KeyPrefix, truncate(k.Name, 20), k.Tier, k.Status, k.RequestCount)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key by id",
		Long:  "Permanently revoke an API key regardless of its owner. Revoked keys cannot be re-enabled.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevoke(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func runKeyRevoke(ctx context.Context, out io.Writer, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, svcs, err := openServices(ctx, nil)
	if err != nil {
		return err
	}
	defer svcs.store.Close()

	key, err := svcs.keys.ForceRevoke(ctx, id)
	if err != nil {
		return describeServiceError(err)
	}

	fmt.Fprintf(out, "Revoked API key %s (%s, owner %s)\n", key.ID, key.KeyPrefix, key.UserID)
	return nil
}

// ---------- key verify ----------

func newKeyVerifyCmd() *cobra.Command {
	var (
		endpoint string
		origin   string
		premium  bool
	)

	cmd := &cobra.Command{
		Use:   "verify [key]",
		Short: "Check whether a key would be accepted",
		Long: `Run the request validation pipeline for a key without recording usage.
When no key argument is given it is read from stdin, hidden when stdin is a terminal.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw string
			if len(args) == 1 {
				raw = args[0]
			} else {
				var err error
				if raw, err = readSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), "API key: "); err != nil {
					return err
				}
			}
			return runKeyVerify(cmd.Context(), cmd.OutOrStdout(), raw, endpoint, origin, premium)
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Endpoint path the key would call")
	cmd.Flags().StringVar(&origin, "origin", "", "Origin header the request would carry")
	cmd.Flags().BoolVar(&premium, "premium", false, "Require a premium key")

	return cmd
}

// readSecret reads one line from in, without echo when in is a terminal.
func readSecret(in io.Reader, prompt io.Writer, label string) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, label)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", errors.Wrap(err, "read key")
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", errors.Wrap(err, "read key")
	}
	return strings.TrimSpace(line), nil
}

func runKeyVerify(ctx context.Context, out io.Writer, raw, endpoint, origin string, premium bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, svcs, err := openServices(ctx, nil)
	if err != nil {
		return err
	}
	defer svcs.store.Close()

	p := service.BasicPolicy()
	if premium {
		p = service.PremiumPolicy()
	}
	p.CheckTierPaths = true

	d, err := svcs.validator.Validate(ctx, service.Credentials{
		Authorization: "Bearer " + raw,
		Origin:        origin,
	}, endpoint, p)
	if err != nil {
		return errors.Wrap(err, "validate api key")
	}

	masked := svcs.validator.Mask(raw)
	if !d.Allowed() {
		return errors.Errorf("%s rejected (%d): %s", masked, d.Reason.HTTPStatus(), d.Reason.Message())
	}

	k := d.Key
	fmt.Fprintln(out, "Key accepted:")
	fmt.Fprintf(out, "  Key:      %s\n", masked)
	fmt.Fprintf(out, "  ID:       %s\n", k.ID)
	fmt.Fprintf(out, "  Owner:    %s\n", k.UserID)
	fmt.Fprintf(out, "  Tier:     %s\n", k.Tier)
	fmt.Fprintf(out, "  Requests: %d%s\n", k.RequestCount, limitSuffix(k.DailyLimit))
	fmt.Fprintf(out, "  Monthly:  %d%s\n", k.MonthlyUsage, limitSuffix(k.MonthlyLimit))
	return nil
}

func limitSuffix(limit *int64) string {
	if limit == nil {
		return " (unlimited)"
	}
	return fmt.Sprintf(" / %d", *limit)
}

// ---------- key usage ----------

func newKeyUsageCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show request counts across a user's keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyUsage(cmd.Context(), cmd.OutOrStdout(), user)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Owner user id (required)")
	cmd.MarkFlagRequired("user")

	return cmd
}

func runKeyUsage(ctx context.Context, out io.Writer, user string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, svcs, err := openServices(ctx, nil)
	if err != nil {
		return err
	}
	defer svcs.store.Close()

	sum, err := svcs.keys.Usage(ctx, user)
	if err != nil {
		return errors.Wrap(err, "usage summary")
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(sum)
}

// describeServiceError turns service errors into operator-facing messages.
func describeServiceError(err error) error {
	var (
		verr *service.ValidationError
		qerr *service.QuotaError
	)
	switch {
	case errors.As(err, &verr):
		return errors.Errorf("invalid %s: %s", verr.Field, verr.Message)
	case errors.As(err, &qerr):
		return errors.Errorf("%s tier allows at most %d keys (user has %d)", qerr.Tier, qerr.Max, qerr.Current)
	case errors.Is(err, service.ErrNotFound):
		return errors.New("api key not found")
	}
	return err
}
