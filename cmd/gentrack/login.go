package main

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/manash/gentrack/internal/keys"
)

const cookieEnvVar = "GENTRACK_COOKIE"

var (
	flagLoginAccount   string
	flagLoginCookie    string
	flagLoginUserAgent string
	flagLoginList      bool
	flagLoginCheck     bool
)

func newLoginCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the session cookie used to reissue generations",
		Long: `Login stores an upstream session cookie for an account. The retry
controller uses it when no request from that account has been captured yet.
The cookie is read from --cookie, then ` + cookieEnvVar + `, then stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, app)
		},
	}
	cmd.Flags().StringVarP(&flagLoginAccount, "account", "a", "", "account id (default credential when empty)")
	cmd.Flags().StringVar(&flagLoginCookie, "cookie", "", "session cookie header value")
	cmd.Flags().StringVar(&flagLoginUserAgent, "user-agent", "", "user agent to send with the cookie")
	cmd.Flags().BoolVarP(&flagLoginList, "list", "l", false, "list stored accounts")
	cmd.Flags().BoolVar(&flagLoginCheck, "check", false, "show which cookie would be used for --account")
	return cmd
}

func runLogin(_ *cobra.Command, app *App) error {
	store, err := app.NewCredentials()
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}

	if flagLoginList {
		accounts, err := store.List()
		if err != nil {
			return err
		}
		if len(accounts) == 0 {
			fmt.Fprintln(app.Out, "No stored credentials.")
			return nil
		}
		for _, id := range accounts {
			cred, err := store.Get(id)
			if err != nil {
				continue
			}
			fmt.Fprintf(app.Out, "%s\t%s\t%s\n", id, keys.Mask(cred.Cookie), cred.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
		return nil
	}

	if flagLoginCheck {
		cookie, source, err := keys.ResolveCookie(flagLoginCookie, store, flagLoginAccount, cookieEnvVar)
		if err != nil {
			return err
		}
		fmt.Fprintf(app.Out, "Using %s from %s\n", keys.Mask(cookie), source)
		return nil
	}

	cookie := flagLoginCookie
	if cookie == "" {
		cookie = app.GetEnv(cookieEnvVar)
	}
	if cookie == "" {
		fmt.Fprint(app.Err, "Cookie: ")
		line, err := bufio.NewReader(app.In).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("no cookie given: use --cookie or set %s", cookieEnvVar)
		}
		cookie = line
	}
	cookie = strings.TrimSpace(cookie)
	if cookie == "" {
		return fmt.Errorf("no cookie given: use --cookie or set %s", cookieEnvVar)
	}

	err = store.Set(flagLoginAccount, keys.Credential{
		Cookie:    cookie,
		UserAgent: strings.TrimSpace(flagLoginUserAgent),
		UpdatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	fmt.Fprintf(app.Out, "Stored %s for %s in %s\n", keys.Mask(cookie), accountLabel(flagLoginAccount), store.Path())
	return nil
}

func newLogoutCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Remove a stored session cookie",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := app.NewCredentials()
			if err != nil {
				return fmt.Errorf("failed to open credential store: %w", err)
			}
			if err := store.Delete(flagLoginAccount); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Removed credential for %s\n", accountLabel(flagLoginAccount))
			return nil
		},
	}
	cmd.Flags().StringVarP(&flagLoginAccount, "account", "a", "", "account id (default credential when empty)")
	return cmd
}

func accountLabel(id string) string {
	if strings.TrimSpace(id) == "" {
		return keys.DefaultAccount
	}
	return id
}
