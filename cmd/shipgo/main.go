package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/shipth-is/shipgo/internal/app"
	"github.com/shipth-is/shipgo/internal/domain"
	"github.com/shipth-is/shipgo/internal/failure"
	"github.com/shipth-is/shipgo/pkg/config"
	"github.com/shipth-is/shipgo/pkg/logger"
)

var buildVersion = "dev"

var errSignedOut = errors.New("please login first using 'shipgo login'")

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "logout":
		err = commandLogout(args)
	case "whoami":
		err = commandWhoami(args)
	case "launch":
		err = commandLaunch(args, false)
	case "relaunch":
		err = commandLaunch(args, true)
	case "builds":
		err = commandBuilds(args)
	case "history":
		err = commandHistory(args)
	case "status":
		err = commandStatus(args)
	case "gdpr":
		err = commandGDPR(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", failure.Message(err))
		os.Exit(1)
	}
}

// open loads configuration and wires the application. The returned context
// is cancelled on SIGINT/SIGTERM.
func open() (context.Context, *app.App, func(), error) {
	cfg, err := config.LoadLauncherConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	level := slog.LevelWarn
	if cfg.LogLevel != "" && cfg.LogLevel != "info" {
		level = logger.ParseLevel(cfg.LogLevel)
	}
	log := logger.New("shipgo", level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	a, err := app.New(ctx, cfg, log, "shipgo", buildVersion)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	closeFn := func() {
		a.Close(context.Background())
		stop()
	}
	return ctx, a, closeFn, nil
}

func commandLogin(args []string) error {
	fs := pflag.NewFlagSet("login", pflag.ExitOnError)
	email := fs.String("email", "", "Email address")
	code := fs.String("code", "", "One-time code (supply to skip sending and prompting)")
	fs.Parse(args)

	if strings.TrimSpace(*email) == "" {
		return errors.New("--email is required")
	}

	ctx, a, done, err := open()
	if err != nil {
		return err
	}
	defer done()

	otp := strings.TrimSpace(*code)
	if otp == "" {
		reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := a.Auth.RequestOTP(reqCtx, *email)
		cancel()
		if err != nil {
			return err
		}
		fmt.Printf("A 6-digit code was sent to %s\n", *email)
		otp, err = promptSecret("Code: ")
		if err != nil {
			return err
		}
	}

	verifyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	sess, err := a.Auth.VerifyOTP(verifyCtx, *email, otp)
	if err != nil {
		return err
	}
	fmt.Printf("login successful: %s\n", sess.Email)
	return nil
}

// promptSecret reads a line without echo when stdin is a terminal.
func promptSecret(label string) (string, error) {
	fmt.Print(label)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Print("\n")
		if err != nil {
			return "", fmt.Errorf("read code: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read code: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func commandLogout(args []string) error {
	fs := pflag.NewFlagSet("logout", pflag.ExitOnError)
	fs.Parse(args)

	ctx, a, done, err := open()
	if err != nil {
		return err
	}
	defer done()
	if err := a.Auth.Logout(ctx); err != nil {
		return err
	}
	fmt.Println("logged out")
	return nil
}

func commandWhoami(args []string) error {
	fs := pflag.NewFlagSet("whoami", pflag.ExitOnError)
	offline := fs.Bool("offline", false, "Show the stored identity without contacting the server")
	fs.Parse(args)

	ctx, a, done, err := open()
	if err != nil {
		return err
	}
	defer done()

	sess := a.Sessions.Current()
	if sess == nil {
		return errSignedOut
	}
	if !*offline {
		reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if sess, err = a.Auth.Validate(reqCtx); err != nil {
			return err
		}
	}
	fmt.Printf("%s\t%s\t%s\n", sess.ID, sess.Email, sess.AccountType)
	if !sess.AcceptedTerms() {
		fmt.Println("terms not accepted")
	}
	return nil
}

func commandLaunch(args []string, fromCache bool) error {
	name := "launch"
	if fromCache {
		name = "relaunch"
	}
	fs := pflag.NewFlagSet(name, pflag.ExitOnError)
	detach := fs.Bool("detach", false, "Return once the runtime has started")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: shipgo %s <build-id>", name)
	}
	buildID := strings.TrimSpace(fs.Arg(0))

	ctx, a, done, err := open()
	if err != nil {
		return err
	}
	defer done()
	if a.Sessions.Current() == nil {
		return errSignedOut
	}
	a.Start(ctx)

	updates, unsubscribe := a.Launch.Subscribe()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		last := ""
		for st := range updates {
			if st.Message != "" && st.Message != last {
				fmt.Println(st.Message)
				last = st.Message
			}
		}
	}()

	var st domain.LaunchState
	if fromCache {
		build, cerr := a.Builds.Cached(ctx, buildID)
		if cerr != nil {
			unsubscribe()
			<-printed
			return fmt.Errorf("build %s is not cached: %w", buildID, cerr)
		}
		st, err = a.Launch.LaunchDescriptor(ctx, build)
	} else {
		st, err = a.Launch.Launch(ctx, buildID)
	}
	if err != nil {
		unsubscribe()
		<-printed
		if st.Error != "" {
			return errors.New(st.Error)
		}
		return err
	}
	if *detach {
		unsubscribe()
		<-printed
		return nil
	}

	fmt.Println("runtime running, press Ctrl+C to stop")
	exited := make(chan struct{})
	go func() {
		a.Launch.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Launch.Stop(stopCtx); err != nil {
			fmt.Fprintf(os.Stderr, "stop runtime: %v\n", err)
		}
		<-exited
	}
	unsubscribe()
	<-printed
	if final := a.Launch.State(); final.Error != "" {
		return errors.New(final.Error)
	}
	return nil
}

func commandBuilds(args []string) error {
	fs := pflag.NewFlagSet("builds", pflag.ExitOnError)
	limit := fs.IntP("limit", "n", 10, "Maximum number of cached builds")
	forget := fs.String("forget", "", "Remove a build from the cache")
	fs.Parse(args)

	ctx, a, done, err := open()
	if err != nil {
		return err
	}
	defer done()

	if id := strings.TrimSpace(*forget); id != "" {
		if err := a.Builds.Forget(ctx, id); err != nil {
			return err
		}
		fmt.Printf("forgot %s\n", id)
		return nil
	}
	builds, err := a.Builds.Recent(ctx, *limit)
	if err != nil {
		return err
	}
	for _, b := range builds {
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", b.Build.ID, b.Build.Project.Name, b.Build.EngineVersion(), b.Build.Platform, humanize.Time(b.SavedAt))
	}
	return nil
}

func commandHistory(args []string) error {
	fs := pflag.NewFlagSet("history", pflag.ExitOnError)
	limit := fs.IntP("limit", "n", 10, "Maximum number of launches")
	fs.Parse(args)

	ctx, a, done, err := open()
	if err != nil {
		return err
	}
	defer done()

	recs, err := a.Cache.ListLaunches(ctx, *limit)
	if err != nil {
		return err
	}
	for _, r := range recs {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprint(*r.ExitCode)
		}
		fmt.Printf("%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.BuildID, r.Status, exit, humanize.Time(r.StartedAt), r.Message)
	}
	return nil
}

func commandStatus(args []string) error {
	fs := pflag.NewFlagSet("status", pflag.ExitOnError)
	fs.Parse(args)

	ctx, a, done, err := open()
	if err != nil {
		return err
	}
	defer done()

	if sess := a.Sessions.Current(); sess != nil {
		fmt.Printf("session:\t%s\n", sess.Email)
	} else {
		fmt.Println("session:\tsigned out")
	}
	urls := a.Config.Backend()
	fmt.Printf("api:\t\t%s\n", urls.API)
	fmt.Printf("realtime:\t%s\n", urls.WS)
	fmt.Printf("runtime host:\t%s\n", a.Host.Name())
	if err := a.Health(ctx); err != nil {
		fmt.Printf("host health:\t%v\n", err)
	}

	marker, err := a.Marker.State(ctx)
	if err != nil {
		return err
	}
	last := "-"
	if marker.LastBuildID != nil {
		last = *marker.LastBuildID
	}
	fmt.Printf("last run:\t%s clean=%t\n", last, marker.CleanExit)

	usage, err := a.Workspace.Usage()
	if err != nil {
		return err
	}
	fmt.Printf("content:\t%s (%s)\n", a.Workspace.Root(), humanize.Bytes(uint64(usage)))
	version, err := a.Migrator.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("cache schema:\t%d\n", version)
	return nil
}

func commandGDPR(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: shipgo gdpr [status|export|delete]")
	}
	sub := args[0]
	fs := pflag.NewFlagSet("gdpr "+sub, pflag.ExitOnError)
	yes := fs.Bool("yes", false, "Confirm account deletion")
	fs.Parse(args[1:])

	ctx, a, done, err := open()
	if err != nil {
		return err
	}
	defer done()
	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	switch sub {
	case "status":
		export, deletion, err := a.Auth.GDPRStatus(reqCtx)
		if err != nil {
			return err
		}
		printGDPR("export", export)
		printGDPR("delete", deletion)
		return nil
	case "export":
		if err := a.Auth.RequestExport(reqCtx); err != nil {
			return err
		}
		fmt.Println("data export requested")
		return nil
	case "delete":
		if !*yes {
			return errors.New("account deletion needs --yes")
		}
		if err := a.Auth.RequestDelete(reqCtx); err != nil {
			return err
		}
		fmt.Println("account deletion requested")
		return nil
	default:
		return fmt.Errorf("unknown gdpr command: %s", sub)
	}
}

func printGDPR(label string, r *domain.GDPRRequest) {
	if r == nil {
		fmt.Printf("%s:\tnone\n", label)
		return
	}
	fmt.Printf("%s:\t%s (%s)\n", label, r.Status, humanize.Time(r.CreatedAt))
}

func printUsage() {
	fmt.Printf("shipgo CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	shipgo login --email user@example.com [--code 123456]
	shipgo logout
	shipgo whoami [--offline]
	shipgo launch <build-id> [--detach]
	shipgo relaunch <build-id> [--detach]
	shipgo builds [--limit N] [--forget <build-id>]
	shipgo history [--limit N]
	shipgo status
	shipgo gdpr [status|export|delete --yes]
	shipgo version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
