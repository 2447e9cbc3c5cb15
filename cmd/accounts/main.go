// Package main provides the account pool management CLI.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/opencode-codex/codex-proxy-go/internal/account"
	"github.com/opencode-codex/codex-proxy-go/internal/auth"
	"github.com/opencode-codex/codex-proxy-go/internal/clock"
	"github.com/opencode-codex/codex-proxy-go/internal/config"
	"github.com/opencode-codex/codex-proxy-go/internal/errors"
	"github.com/opencode-codex/codex-proxy-go/internal/selection"
	"github.com/opencode-codex/codex-proxy-go/internal/selection/authlimit"
	"github.com/opencode-codex/codex-proxy-go/internal/storage"
	"github.com/opencode-codex/codex-proxy-go/internal/utils"
)

type cli struct {
	manager       *account.Manager
	authenticator auth.Authenticator
	loginLimiter  *authlimit.Limiter
	clk           clock.Clock
	scanner       *bufio.Scanner
}

func main() {
	args := os.Args[1:]
	command := "list"
	var rest []string
	var projectDir string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--project" && i+1 < len(args):
			projectDir = args[i+1]
			i++
		case !strings.HasPrefix(args[i], "-") && command == "list" && len(rest) == 0:
			command = args[i]
		default:
			rest = append(rest, args[i])
		}
	}

	cfg := config.DefaultConfig()
	if err := cfg.Load(); err != nil {
		fail("invalid configuration: %v", err)
	}

	storagePath, err := storage.ResolveStoragePath(projectDir)
	if err != nil {
		fail("cannot resolve storage path: %v", err)
	}

	clk := clock.System()
	store := storage.NewStore(storagePath)
	c := &cli{
		manager:       account.NewManager(cfg, store, selection.NewEngine(cfg, clk), clk),
		authenticator: auth.NewOAuthAuthenticator(nil),
		loginLimiter:  authlimit.NewLimiter(cfg.AuthLimit, clk),
		clk:           clk,
		scanner:       bufio.NewScanner(os.Stdin),
	}

	switch command {
	case "login", "add":
		err = c.login()
	case "list":
		err = c.list()
	case "remove":
		err = c.remove(rest)
	case "rename":
		err = c.rename(rest)
	case "switch":
		err = c.switchAccount(rest)
	case "export":
		err = c.export(rest)
	case "import":
		err = c.importPool(rest)
	case "health":
		err = c.health(rest)
	case "verify":
		err = c.verify()
	case "recover":
		err = c.recover()
	case "clear":
		err = c.clear()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", command)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fail("%v", err)
	}
}

func usage() {
	fmt.Println(`usage: accounts <command> [args]

commands:
  login              add an account with a refresh token
  list               show the pool
  remove <account>   remove by index, id, email, or label
  rename <account> <label>
  switch <account> [family]
  export <file> [--force]
  import <file>
  health [family]    per-account health report
  verify             check every account's credentials
  recover            import accounts found in opencode state databases
  clear              delete the pool file

flags:
  --project <dir>    use project-local storage`)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func (c *cli) prompt(label string) string {
	fmt.Print(label)
	if !c.scanner.Scan() {
		return ""
	}
	return strings.TrimSpace(c.scanner.Text())
}

func (c *cli) login() error {
	refreshToken := c.prompt("Paste the refresh token: ")
	if refreshToken == "" {
		return errors.NewValidationError("no refresh token provided", "refreshToken", "a non-empty token")
	}

	limitKey := refreshToken
	if err := c.loginLimiter.Check(limitKey); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	creds, err := c.authenticator.Refresh(ctx, refreshToken)
	if err != nil {
		return err
	}

	acc := &storage.Account{
		AccountID:    creds.AccountID,
		Email:        creds.Email,
		RefreshToken: refreshToken,
		AddedAt:      c.clk.Now().UnixMilli(),
	}
	if creds.RefreshToken != "" {
		acc.RefreshToken = creds.RefreshToken
	}
	if claims, err := auth.ParseIDTokenClaims(creds.IDToken); err == nil {
		acc.AccountIDSource = claims.AccountIDSource()
	}
	if label := c.prompt("Label (optional): "); label != "" {
		acc.AccountLabel = label
	}

	idx, err := c.manager.Add(acc)
	if err != nil {
		return err
	}
	fmt.Printf("Added %s at slot %d\n", acc.DisplayName(), idx)
	return nil
}

func (c *cli) list() error {
	pool, err := c.manager.List()
	if err != nil {
		return err
	}
	if len(pool.Accounts) == 0 {
		fmt.Println("No accounts configured. Run `accounts login` to add one.")
		return nil
	}
	nowMs := c.clk.Now().UnixMilli()
	for i, acc := range pool.Accounts {
		marker := " "
		if i == pool.ActiveIndex {
			marker = "*"
		}
		status := "ready"
		switch {
		case acc.IsCoolingDown(nowMs):
			status = fmt.Sprintf("cooling down (%s)", acc.CooldownReason)
		case acc.IsRateLimited(config.ModelFamilyCodex, "", nowMs):
			status = "rate limited"
		}
		fmt.Printf("%s [%d] %-30s token=%s  %s\n",
			marker, i, acc.DisplayName(), utils.MaskValue(acc.RefreshToken), status)
	}
	return nil
}

func (c *cli) remove(args []string) error {
	if len(args) < 1 {
		return errors.NewValidationError("remove needs an account", "account", "an index, id, email, or label")
	}
	if err := c.manager.Remove(args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed %s\n", args[0])
	return nil
}

func (c *cli) rename(args []string) error {
	if len(args) < 2 {
		return errors.NewValidationError("rename needs an account and a label", "args", "<account> <label>")
	}
	if err := c.manager.Rename(args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("Renamed %s to %q\n", args[0], args[1])
	return nil
}

func (c *cli) switchAccount(args []string) error {
	if len(args) < 1 {
		return errors.NewValidationError("switch needs an account", "account", "an index, id, email, or label")
	}
	family := config.ModelFamily("")
	if len(args) > 1 {
		family = config.ModelFamily(args[1])
	}
	if err := c.manager.Switch(args[0], family, storage.SwitchReasonRotation); err != nil {
		return err
	}
	fmt.Printf("Switched active account to %s\n", args[0])
	return nil
}

func (c *cli) export(args []string) error {
	if len(args) < 1 {
		return errors.NewValidationError("export needs a destination file", "file", "a path")
	}
	force := false
	for _, a := range args[1:] {
		if a == "--force" {
			force = true
		}
	}
	if err := c.manager.Store().Export(args[0], force); err != nil {
		return err
	}
	fmt.Printf("Exported pool to %s\n", args[0])
	return nil
}

func (c *cli) importPool(args []string) error {
	if len(args) < 1 {
		return errors.NewValidationError("import needs a source file", "file", "a path")
	}
	result, err := c.manager.Store().Import(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d, skipped %d, pool now holds %d accounts\n",
		result.Imported, result.Skipped, result.Total)
	return nil
}

func (c *cli) health(args []string) error {
	family := config.ModelFamilyCodex
	if len(args) > 0 {
		family = config.ModelFamily(args[0])
	}
	report, err := c.manager.HealthReport(family)
	if err != nil {
		return err
	}
	if len(report) == 0 {
		fmt.Println("No accounts configured.")
		return nil
	}
	fmt.Printf("%-3s %-30s %-7s %-7s %-8s %s\n", "", "account", "health", "tokens", "breaker", "status")
	for _, row := range report {
		marker := " "
		if row.Active {
			marker = "*"
		}
		status := "ready"
		switch {
		case row.CoolingDown:
			status = "cooling down"
		case row.RateLimited:
			status = fmt.Sprintf("rate limited, resets in %s", utils.FormatDuration(row.ResetInMs))
		}
		fmt.Printf("%-3s %-30s %-7.0f %-7d %-8s %s\n",
			marker+fmt.Sprintf("[%d]", row.Index), row.DisplayName, row.Health, row.Tokens, row.BreakerState, status)
	}
	return nil
}

func (c *cli) verify() error {
	pool, err := c.manager.List()
	if err != nil {
		return err
	}
	if len(pool.Accounts) == 0 {
		fmt.Println("No accounts configured.")
		return nil
	}
	failures := 0
	for i, acc := range pool.Accounts {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_, err := c.authenticator.Refresh(ctx, acc.RefreshToken)
		cancel()
		if err != nil {
			failures++
			fmt.Printf("[%d] %-30s FAILED: %v\n", i, acc.DisplayName(), err)
			continue
		}
		fmt.Printf("[%d] %-30s ok\n", i, acc.DisplayName())
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d accounts failed verification", failures, len(pool.Accounts))
	}
	return nil
}

func (c *cli) recover() error {
	recovered := account.RecoverAccounts(c.clk.Now().UnixMilli())
	if len(recovered) == 0 {
		fmt.Println("No recoverable credentials found.")
		return nil
	}
	added := 0
	for _, acc := range recovered {
		if _, err := c.manager.Add(acc); err != nil {
			fmt.Printf("skipping %s: %v\n", acc.DisplayName(), err)
			continue
		}
		added++
	}
	fmt.Printf("Recovered %d accounts\n", added)
	return nil
}

func (c *cli) clear() error {
	answer := c.prompt("Delete the account pool? This cannot be undone (yes/no): ")
	if answer != "yes" {
		fmt.Println("Aborted.")
		return nil
	}
	if err := c.manager.Store().Clear(); err != nil {
		return err
	}
	fmt.Println("Pool cleared.")
	return nil
}
