// Command pdksctl inspects and administers the shared admission store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"pdks/pkg/auth"
	"pdks/pkg/devicebind"
	"pdks/pkg/keys"
	"pdks/pkg/offsync"
	"pdks/pkg/reqctx"
	"pdks/pkg/store"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

type openStoreFunc func(ctx context.Context, backend string) (store.Store, func(), error)

// Testable variables for main()
var (
	osExit      = os.Exit
	loadDotenv  = godotenv.Load
	openStoreFn = openStore
)

func main() {
	_ = loadDotenv()
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	root := newRootCmd(out)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)
	return root.Execute()
}

func newRootCmd(out io.Writer) *cobra.Command {
	var backend string
	root := &cobra.Command{
		Use:           "pdksctl",
		Short:         "Inspect and administer PDKS admission state",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&backend, "store", envOr("STORE_BACKEND", "redis"), "store backend (redis, memory)")

	withStore := func(fn func(ctx context.Context, s store.Store, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			s, closeFn, err := openStoreFn(ctx, backend)
			if err != nil {
				return fmt.Errorf("store: %w", err)
			}
			defer closeFn()
			return fn(ctx, s, args)
		}
	}

	root.AddCommand(keysCmd(out))
	root.AddCommand(bindingCmd(out, withStore))
	root.AddCommand(syncCmd(out, withStore))
	root.AddCommand(rateLimitCmd(out, withStore))
	root.AddCommand(deviceCmd(out, withStore))
	root.AddCommand(tokenCmd(out))
	return root
}

type storeRunner func(fn func(ctx context.Context, s store.Store, args []string) error) func(*cobra.Command, []string) error

func keysCmd(out io.Writer) *cobra.Command {
	var tenant, user, display, nonce, offline string
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Print the store keys for a tenant, user, display, nonce and offline id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(out, "replay     %s\n", keys.Replay(tenant, nonce))
			fmt.Fprintf(out, "disp_ip    %s\n", keys.DisplayIP(display))
			fmt.Fprintf(out, "rate_limit %s\n", keys.RateLimit(tenant, user))
			fmt.Fprintf(out, "sync       %s\n", keys.Sync(tenant, offline))
			fmt.Fprintf(out, "emp_dev    %s\n", keys.EmployeeDevice(tenant, user))
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "<tenantId>", "tenant id")
	cmd.Flags().StringVar(&user, "user", "<userId>", "user id")
	cmd.Flags().StringVar(&display, "display", "<displayId>", "display id")
	cmd.Flags().StringVar(&nonce, "nonce", "<nonce>", "nonce")
	cmd.Flags().StringVar(&offline, "offline", "<offlineId>", "offline id")
	return cmd
}

func bindingCmd(out io.Writer, withStore storeRunner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "binding",
		Short: "Show or change a display's network binding",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <display_id>",
		Short: "Show the address a display is bound to",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, s store.Store, args []string) error {
			b, found, err := devicebind.New(s).Lookup(ctx, args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("display %s is not bound", args[0])
			}
			return printJSON(out, map[string]any{"display_id": args[0], "ip": b.IP, "bound_at": b.BoundAt})
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rebind <display_id> <ip>",
		Short: "Replace a display's binding",
		Args:  cobra.ExactArgs(2),
		RunE: withStore(func(ctx context.Context, s store.Store, args []string) error {
			if net.ParseIP(strings.TrimSpace(args[1])) == nil {
				return fmt.Errorf("invalid ip %q", args[1])
			}
			b, err := devicebind.New(s).Rebind(ctx, args[0], strings.TrimSpace(args[1]))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "display %s bound to %s\n", args[0], b.IP)
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "unbind <display_id>",
		Short: "Remove a display's binding; the next check-in rebinds it",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, s store.Store, args []string) error {
			if err := devicebind.New(s).Unbind(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(out, "display %s unbound\n", args[0])
			return nil
		}),
	})
	return cmd
}

func syncCmd(out io.Writer, withStore storeRunner) *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Inspect offline sync markers",
	}
	get := &cobra.Command{
		Use:   "get <offline_id>",
		Short: "Show the event reconciled for an offline id",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, s store.Store, args []string) error {
			ctx = reqctx.With(ctx, reqctx.RequestContext{TenantID: tenant, UserID: "pdksctl"})
			ev, found, err := offsync.New(s, 0).Lookup(ctx, args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no sync marker for %s in tenant %s", args[0], tenant)
			}
			return printJSON(out, ev)
		}),
	}
	get.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	_ = get.MarkFlagRequired("tenant")
	cmd.AddCommand(get)
	return cmd
}

func rateLimitCmd(out io.Writer, withStore storeRunner) *cobra.Command {
	var tenant, user string
	cmd := &cobra.Command{
		Use:     "ratelimit",
		Aliases: []string{"rl"},
		Short:   "Inspect or reset a user's submission counter",
	}
	get := &cobra.Command{
		Use:   "get",
		Short: "Show the current window's count",
		Args:  cobra.NoArgs,
		RunE: withStore(func(ctx context.Context, s store.Store, args []string) error {
			raw, err := s.Get(ctx, keys.RateLimit(tenant, user))
			if errors.Is(err, store.ErrNotFound) {
				raw = "0"
			} else if err != nil {
				return err
			}
			count, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("corrupt counter %q: %w", raw, err)
			}
			fmt.Fprintf(out, "%s %d\n", keys.RateLimit(tenant, user), count)
			return nil
		}),
	}
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Delete the counter so the user starts a fresh window",
		Args:  cobra.NoArgs,
		RunE: withStore(func(ctx context.Context, s store.Store, args []string) error {
			if err := s.Del(ctx, keys.RateLimit(tenant, user)); err != nil {
				return err
			}
			fmt.Fprintf(out, "reset %s\n", keys.RateLimit(tenant, user))
			return nil
		}),
	}
	for _, c := range []*cobra.Command{get, reset} {
		c.Flags().StringVar(&tenant, "tenant", "", "tenant id")
		c.Flags().StringVar(&user, "user", "", "user id")
		_ = c.MarkFlagRequired("tenant")
		_ = c.MarkFlagRequired("user")
		cmd.AddCommand(c)
	}
	return cmd
}

func deviceCmd(out io.Writer, withStore storeRunner) *cobra.Command {
	var tenant, user string
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Inspect or reset the device an employee is pinned to",
	}
	get := &cobra.Command{
		Use:   "get",
		Short: "Show the pinned device fingerprint",
		Args:  cobra.NoArgs,
		RunE: withStore(func(ctx context.Context, s store.Store, args []string) error {
			d, found, err := devicebind.NewEmployeeGate(s).Lookup(ctx, tenant, user)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("user %s in tenant %s has no pinned device", user, tenant)
			}
			return printJSON(out, map[string]any{"user_id": user, "device_fp": d.Fingerprint, "bound_at": d.BoundAt})
		}),
	}
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Drop the pin; the employee's next check-in pins a new device",
		Args:  cobra.NoArgs,
		RunE: withStore(func(ctx context.Context, s store.Store, args []string) error {
			if err := devicebind.NewEmployeeGate(s).Reset(ctx, tenant, user); err != nil {
				return err
			}
			fmt.Fprintf(out, "reset %s\n", keys.EmployeeDevice(tenant, user))
			return nil
		}),
	}
	for _, c := range []*cobra.Command{get, reset} {
		c.Flags().StringVar(&tenant, "tenant", "", "tenant id")
		c.Flags().StringVar(&user, "user", "", "user id")
		_ = c.MarkFlagRequired("tenant")
		_ = c.MarkFlagRequired("user")
		cmd.AddCommand(c)
	}
	return cmd
}

func tokenCmd(out io.Writer) *cobra.Command {
	var (
		subject, tenant, role, issuer, audience string
		superAdmin                              bool
		ttl                                     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue HS256 bearer tokens for local testing",
	}
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a token with AUTH_HS256_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("AUTH_HS256_SECRET")
			if secret == "" {
				return errors.New("AUTH_HS256_SECRET is required")
			}
			claims := auth.Claims{
				Tenant:     tenant,
				Role:       strings.ToUpper(strings.TrimSpace(role)),
				SuperAdmin: superAdmin,
				RegisteredClaims: jwt.RegisteredClaims{
					Subject: subject,
					Issuer:  issuer,
				},
			}
			if audience != "" {
				claims.Audience = jwt.ClaimStrings{audience}
			}
			token, err := auth.IssueHS256(claims, []byte(secret), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, token)
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "sub", "", "user id")
	issue.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	issue.Flags().StringVar(&role, "role", "", "role claim")
	issue.Flags().BoolVar(&superAdmin, "super-admin", false, "grant super admin")
	issue.Flags().StringVar(&issuer, "iss", envOr("AUTH_ISSUER", ""), "issuer")
	issue.Flags().StringVar(&audience, "aud", envOr("AUTH_AUDIENCE", ""), "audience")
	issue.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = issue.MarkFlagRequired("sub")
	cmd.AddCommand(issue)
	return cmd
}

func openStore(ctx context.Context, backend string) (store.Store, func(), error) {
	switch backend {
	case "memory":
		return store.NewMemoryStore(), func() {}, nil
	case "", "redis":
		client, err := store.NewRedis(ctx)
		if err != nil {
			return nil, nil, err
		}
		return store.NewRedisStore(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store backend %q", backend)
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}
