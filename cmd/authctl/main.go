package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"clinikey.org/internal/app"
	"clinikey.org/internal/audit"
	"clinikey.org/internal/config"
	"clinikey.org/internal/devices"
	"clinikey.org/internal/identity"
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, a *app.App, args []string) error
}

var commands = []command{
	{"login", "login -email <email>", runLogin},
	{"signup", "signup -email <email>", runSignup},
	{"guest", "guest", runGuest},
	{"pin-set", "pin-set", runPINSet},
	{"pin-login", "pin-login [-user <id> | -email <email>]", runPINLogin},
	{"profile", "profile [-name <display name>] [-company <id>] [-refresh]", runProfile},
	{"logout", "logout", runLogout},
	{"delete-account", "delete-account", runDeleteAccount},
	{"whoami", "whoami", runWhoami},
	{"devices", "devices [rm <user id>]", runDevices},
	{"audit", "audit [sync|force-sync|pending|export [-categories profile,clients,analyses,audit]]", runAudit},
	{"watch", "watch", runWatch},
}

func main() {
	configPath := flag.String("config", os.Getenv("CLINIKEY_CONFIG"), "Path to TOML config")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == flag.Arg(0) {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", flag.Arg(0))
		usage()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fail(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, app.WithWarning(func(userID string, remaining time.Duration) {
		fmt.Printf("session for %s expires in %s\n", userID, remaining.Round(time.Second))
	}), app.WithExpired(func(userID string) {
		fmt.Printf("session for %s expired\n", userID)
	}))
	if err != nil {
		fail(err)
	}
	defer a.Close()

	if err := cmd.run(ctx, a, flag.Args()[1:]); err != nil {
		fail(err)
	}
	a.Touch()
	// Push what this command recorded; failures stay queued for the next run.
	syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = a.Audit.Sync(syncCtx)
}

func runLogin(ctx context.Context, a *app.App, args []string) error {
	email, err := emailFlag("login", args)
	if err != nil {
		return err
	}
	password, err := readSecret("Password: ")
	if err != nil {
		return err
	}
	id, err := a.Session.Login(ctx, identity.PasswordCredential(email, password))
	if err != nil {
		return err
	}
	fmt.Printf("signed in as %s (%s)\n", id.Email, id.ID)
	printOnboarding(a.Session.State().Onboarding)
	return nil
}

func runSignup(ctx context.Context, a *app.App, args []string) error {
	email, err := emailFlag("signup", args)
	if err != nil {
		return err
	}
	password, err := readSecret("Password: ")
	if err != nil {
		return err
	}
	confirm, err := readSecret("Repeat password: ")
	if err != nil {
		return err
	}
	if password != confirm {
		return errors.New("passwords do not match")
	}
	id, onboarding, err := a.Session.CreateAccount(ctx, identity.PasswordCredential(email, password))
	if err != nil {
		return err
	}
	fmt.Printf("account created for %s (%s)\n", id.Email, id.ID)
	printOnboarding(onboarding)
	return nil
}

func runGuest(ctx context.Context, a *app.App, _ []string) error {
	id := a.Session.LoginAsGuest(ctx)
	fmt.Printf("continuing as guest (%s)\n", id.ID)
	return nil
}

func runPINSet(ctx context.Context, a *app.App, _ []string) error {
	pin, err := readSecret("New PIN: ")
	if err != nil {
		return err
	}
	confirm, err := readSecret("Repeat PIN: ")
	if err != nil {
		return err
	}
	if pin != confirm {
		return errors.New("PINs do not match")
	}
	if err := a.Session.SetPIN(ctx, pin); err != nil {
		return err
	}
	fmt.Println("PIN saved")
	return nil
}

func runPINLogin(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("pin-login", flag.ContinueOnError)
	userID := fs.String("user", "", "User id")
	email := fs.String("email", "", "Email of a profile on this device")
	if err := fs.Parse(args); err != nil {
		return err
	}
	p, err := pickProfile(ctx, a.Devices, *userID, *email)
	if err != nil {
		return err
	}
	if !a.Session.HasPIN(ctx, p.UserID) {
		return identity.ErrRequiresFullLogin
	}
	gate := a.Session.PINGate(p.UserID, p.Email)
	for {
		pin, err := readSecret("PIN: ")
		if err != nil {
			return err
		}
		id, err := gate.Submit(ctx, pin)
		if err == nil {
			fmt.Printf("signed in as %s (%s)\n", id.Email, id.ID)
			return nil
		}
		if !errors.Is(err, identity.ErrInvalidCredentials) {
			return err
		}
		fmt.Fprintln(os.Stderr, err)
	}
}

func pickProfile(ctx context.Context, store *devices.Store, userID, email string) (devices.Profile, error) {
	profiles, err := store.List(ctx)
	if err != nil {
		return devices.Profile{}, err
	}
	for _, p := range profiles {
		if (userID != "" && p.UserID == userID) || (email != "" && strings.EqualFold(p.Email, email)) {
			return p, nil
		}
	}
	if userID == "" && email == "" && len(profiles) > 0 {
		return profiles[0], nil
	}
	return devices.Profile{}, errors.New("no matching profile on this device; sign in with your password")
}

func runProfile(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("profile", flag.ContinueOnError)
	name := fs.String("name", "", "Display name")
	company := fs.String("company", "", "Company id")
	refresh := fs.Bool("refresh", false, "Reload the profile from the server")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var (
		id  identity.Identity
		err error
	)
	if *refresh {
		id, err = a.Session.RefreshProfile(ctx)
	} else {
		id, err = a.Session.UpdateProfile(ctx, identity.ProfileUpdate{DisplayName: *name, CompanyID: *company})
	}
	if err != nil {
		return err
	}
	printIdentity(id)
	return nil
}

func runLogout(ctx context.Context, a *app.App, _ []string) error {
	if err := a.Session.Logout(ctx); err != nil {
		return err
	}
	fmt.Println("signed out")
	return nil
}

func runDeleteAccount(ctx context.Context, a *app.App, _ []string) error {
	id, ok := a.Session.Current()
	if !ok || id.IsGuest() {
		return identity.ErrNotAuthorized
	}
	answer, err := readLine(fmt.Sprintf("Type %s to delete this account: ", id.Email))
	if err != nil {
		return err
	}
	if !strings.EqualFold(strings.TrimSpace(answer), id.Email) {
		return errors.New("confirmation does not match; nothing deleted")
	}
	if err := a.Session.DeleteAccount(ctx); err != nil {
		return err
	}
	fmt.Println("account deleted")
	return nil
}

func runWhoami(ctx context.Context, a *app.App, _ []string) error {
	st := a.Session.State()
	fmt.Printf("status: %s\n", st.Status)
	if st.Status != identity.StatusSignedOut {
		printIdentity(st.Identity)
		printOnboarding(st.Onboarding)
	}
	return nil
}

func runDevices(ctx context.Context, a *app.App, args []string) error {
	if len(args) == 2 && args[0] == "rm" {
		if err := a.Devices.Remove(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("removed %s from this device\n", args[1])
		return nil
	}
	if len(args) != 0 {
		return errors.New("usage: devices [rm <user id>]")
	}
	profiles, err := a.Devices.List(ctx)
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		fmt.Println("no profiles on this device")
		return nil
	}
	for _, p := range profiles {
		pin := ""
		if a.Session.HasPIN(ctx, p.UserID) {
			pin = " [PIN]"
		}
		fmt.Printf("%s  %s  %s  last login %s%s\n", p.UserID, p.Email, p.DisplayName, p.LastLoginAt.Local().Format(time.RFC822), pin)
	}
	return nil
}

func runAudit(ctx context.Context, a *app.App, args []string) error {
	sub := "pending"
	if len(args) > 0 {
		sub, args = args[0], args[1:]
	}
	switch sub {
	case "sync":
		if err := a.Audit.Sync(ctx); err != nil {
			return err
		}
	case "force-sync":
		if err := a.Audit.ForceSync(ctx); err != nil {
			return err
		}
	case "pending":
	case "export":
		fs := flag.NewFlagSet("audit export", flag.ContinueOnError)
		categories := fs.String("categories", "profile,clients,analyses,audit", "Comma separated sections")
		if err := fs.Parse(args); err != nil {
			return err
		}
		opts, err := parseCategories(*categories)
		if err != nil {
			return err
		}
		out, err := a.Export(ctx, opts)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	default:
		return fmt.Errorf("unknown audit command %q", sub)
	}
	pending, err := a.Audit.Pending(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%d audit events pending upload\n", pending)
	return nil
}

func parseCategories(s string) (audit.ExportOptions, error) {
	var opts audit.ExportOptions
	for _, c := range strings.Split(s, ",") {
		switch strings.TrimSpace(c) {
		case "profile":
			opts.Profile = true
		case "clients":
			opts.Clients = true
		case "analyses":
			opts.Analyses = true
		case "audit":
			opts.AuditLog = true
		case "":
		default:
			return opts, fmt.Errorf("unknown export category %q", c)
		}
	}
	return opts, nil
}

// runWatch keeps the process alive with the sync loop and the inactivity
// timer running, signing out after the configured idle period.
func runWatch(ctx context.Context, a *app.App, _ []string) error {
	states, unsubscribe := a.Session.Subscribe()
	defer unsubscribe()
	go func() {
		for st := range states {
			fmt.Printf("session: %s %s\n", st.Status, st.Identity.ID)
		}
	}()
	fmt.Println("watching; press Enter to register activity, Ctrl-C to stop")
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			a.Touch()
		}
	}()
	return a.Run(ctx)
}

func emailFlag(name string, args []string) (string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	email := fs.String("email", "", "Account email")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if *email == "" {
		return readLine("Email: ")
	}
	return *email, nil
}

func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return readLine(prompt)
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var stdin = bufio.NewReader(os.Stdin)

func readLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func printIdentity(id identity.Identity) {
	fmt.Printf("id: %s\n", id.ID)
	if id.Email != "" {
		fmt.Printf("email: %s\n", id.Email)
	}
	if id.DisplayName != "" {
		fmt.Printf("name: %s\n", id.DisplayName)
	}
	if id.CompanyID != "" {
		fmt.Printf("company: %s (admin: %t)\n", id.CompanyID, id.IsCompanyAdmin)
	}
	fmt.Printf("provider: %s\n", id.Provider)
}

func printOnboarding(o identity.Onboarding) {
	if o.NeedsPIN {
		fmt.Println("next: set a PIN with `authctl pin-set`")
	}
	if o.NeedsProfile {
		fmt.Println("next: set your name with `authctl profile -name ...`")
	}
	if o.NeedsCompany {
		fmt.Println("next: join a company with `authctl profile -company ...`")
	}
}

func fail(err error) {
	msg := err.Error()
	if identity.Known(err) {
		msg = identity.UserMessage(err)
	}
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-config file] <command>\n\ncommands:\n", os.Args[0])
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %s\n", c.usage)
	}
	os.Exit(2)
}
