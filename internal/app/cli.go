package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"golang.org/x/term"

	"github.com/hitoshi/studyquest/internal/auth"
	"github.com/hitoshi/studyquest/internal/config"
	"github.com/hitoshi/studyquest/internal/model"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	// stdout はコマンドの結果の出力先。ログとは分ける。
	stdout io.Writer = os.Stdout

	errUsage = errors.New("invalid usage")
)

// withComponents は保存先を開いて依存関係を組み立て、fnを実行する。
func withComponents(ctx context.Context, cfg *config.Config, fn func(c *components) error) error {
	st, err := openStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open auth storage: %w", err)
	}
	defer st.close()

	c, err := newComponents(cfg, st.repo, slog.Default())
	if err != nil {
		return err
	}
	defer c.close()

	return fn(c)
}

// runLogin はメールアドレスとパスワードでログインし、認証レコードを保存する。
// パスワードは端末からエコーなしで読み取る。
func runLogin(ctx context.Context, cfg *config.Config, args []string) error {
	loginCmd := flag.NewFlagSet("login", flag.ContinueOnError)
	loginCmd.SetOutput(stdout)
	email := loginCmd.String("email", "", "ログインに使うメールアドレス。パスワードは続けて入力する。")

	if err := loginCmd.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		loginCmd.Usage()
		return errUsage
	}

	fmt.Fprint(stdout, "Password: ")
	pwd, err := readPasswordFunc(int(os.Stdin.Fd()))
	fmt.Fprintln(stdout)
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}

	return withComponents(ctx, cfg, func(c *components) error {
		sess, err := c.service.Login(ctx, auth.LoginForm{Email: *email, Password: string(pwd)})
		if err != nil {
			var verr *model.ValidationError
			if errors.As(err, &verr) {
				printFieldErrors(verr)
			}
			return err
		}

		fmt.Fprintf(stdout, "%s (%s) としてログインしました。\n", sess.User.Name, sess.User.Email)
		printStatus(c)
		return nil
	})
}

// runLogout は保存済みの認証レコードを破棄する。
func runLogout(ctx context.Context, cfg *config.Config) error {
	return withComponents(ctx, cfg, func(c *components) error {
		if err := c.store.Restore(ctx); err != nil {
			slog.Warn("保存済みセッションの読み込みに失敗しました", slog.String("error", err.Error()))
		}
		c.service.Logout(ctx)
		fmt.Fprintln(stdout, "ログアウトしました。")
		return nil
	})
}

// runStatus は保存済みセッションの状態を表示する。
// トークンの期限が迫っていれば先にリフレッシュする。
func runStatus(ctx context.Context, cfg *config.Config) error {
	return withComponents(ctx, cfg, func(c *components) error {
		if err := c.store.Restore(ctx); err != nil {
			return fmt.Errorf("failed to restore session: %w", err)
		}
		c.manager.Tick(ctx)
		printStatus(c)
		return nil
	})
}

func printStatus(c *components) {
	if !c.store.IsAuthenticated() {
		fmt.Fprintln(stdout, "ログインしていません。")
		return
	}

	user := c.store.User()
	fmt.Fprintf(stdout, "user:    %s <%s>\n", user.Name, user.Email)
	fmt.Fprintf(stdout, "role:    %s\n", user.Role)
	fmt.Fprintf(stdout, "tier:    %s\n", c.store.Tier())
	if c.store.Tier() == model.TierTrial {
		if c.store.IsTrialExpired() {
			fmt.Fprintln(stdout, "trial:   expired")
		} else {
			fmt.Fprintf(stdout, "trial:   %d days remaining\n", c.store.TrialDaysRemaining())
		}
	}
	fmt.Fprintf(stdout, "ai:      %t\n", c.store.CanUseAIFeatures())
}

func printFieldErrors(verr *model.ValidationError) {
	keys := make([]string, 0, len(verr.Fields))
	for k := range verr.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(stdout, "  %s: %s\n", k, strings.TrimSpace(verr.Fields[k]))
	}
}
