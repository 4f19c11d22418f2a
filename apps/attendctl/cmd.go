package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/trezcool/kanisa/client/rest"
	"github.com/trezcool/kanisa/client/session"
	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/attendance"
	"github.com/trezcool/kanisa/core/events"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	conf   *core.Config
	logger core.Logger
	out    io.Writer
	in     *bufio.Reader

	client   *rest.Client
	ctrl     *session.Controller
	ministry string
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage: attendctl [-url URL] [-role ROLE] [-username USERNAME] [-ministry MINISTRY] COMMAND")
	fmt.Fprintln(cli.out, "Commands:")
	fmt.Fprintln(cli.out, "  status                  - show who controls attendance collection")
	fmt.Fprintln(cli.out, "  start                   - open a session for ROLE")
	fmt.Fprintln(cli.out, "  close                   - close the session owned by ROLE")
	fmt.Fprintln(cli.out, "  reset                   - delete ALL records and reopen a session for ROLE")
	fmt.Fprintln(cli.out, "  force-close             - terminate the session owned by another role")
	fmt.Fprintln(cli.out, "  records [-session ID] [-o FILE.xlsx] - list or export the records of a session")
	fmt.Fprintln(cli.out, "  qr -o FILE.png          - save the sign-in QR code of the active session")
	fmt.Fprintln(cli.out, "  watch                   - follow the session live until interrupted")
}

func (cli *commandLine) run(ctx context.Context, args []string) error {
	global := flag.NewFlagSet("attendctl", flag.ContinueOnError)
	global.SetOutput(cli.out)
	baseURL := global.String("url", cli.conf.Client.BaseURL, "The API base URL.")
	role := global.String("role", cli.conf.Client.Role, "The leadership role to act for.")
	uname := global.String("username", cli.conf.Client.Username, "The officer's username or email. The password will be prompted next.")
	ministry := global.String("ministry", cli.conf.Client.Ministry, "The ministry sent when opening a session.")

	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}
	if err := global.Parse(args[1:]); err != nil {
		return errHelp
	}
	remaining := global.Args()
	if len(remaining) == 0 || core.CleanString(*role) == "" || core.CleanString(*uname) == "" {
		cli.printUsage()
		return errHelp
	}

	cmd, cmdArgs := remaining[0], remaining[1:]
	switch cmd {
	case "status", "start", "close", "reset", "force-close", "records", "qr", "watch":
	default:
		cli.printUsage()
		return errHelp
	}

	if err := cli.login(ctx, *baseURL, *uname, *role, *ministry); err != nil {
		return err
	}

	switch cmd {
	case "status":
		return cli.status(ctx)
	case "start":
		return cli.mutate(ctx, cli.ctrl.Start)
	case "close":
		return cli.mutate(ctx, cli.ctrl.Close)
	case "force-close":
		return cli.mutate(ctx, cli.ctrl.ForceClose)
	case "reset":
		return cli.reset(ctx)
	case "records":
		return cli.records(ctx, cmdArgs)
	case "qr":
		return cli.qr(ctx, cmdArgs)
	default:
		return cli.watch(ctx)
	}
}

func (cli *commandLine) login(ctx context.Context, baseURL, uname, role, ministry string) error {
	client, err := rest.New(baseURL)
	if err != nil {
		return err
	}

	fmt.Fprint(cli.out, "Password:")
	pwd, err := readPasswordFunc(int(syscall.Stdin))
	fmt.Fprintln(cli.out)
	if err != nil {
		return err
	}
	o, err := client.Login(ctx, uname, string(pwd))
	if err != nil {
		return err
	}
	if !o.CanActFor(role) {
		return fmt.Errorf("%s cannot act for %s", o.Username, role)
	}

	cli.client = client
	cli.ministry = ministry
	cli.ctrl = cli.newController(role)
	return nil
}

func (cli *commandLine) newController(role string, opts ...session.Option) *session.Controller {
	opts = append([]session.Option{
		session.FromConfig(cli.conf),
		session.WithMinistry(cli.ministry),
		session.WithLogger(cli.logger),
	}, opts...)
	return session.New(cli.client, role, opts...)
}

// status polls once and prints the view.
func (cli *commandLine) status(ctx context.Context) error {
	cli.ctrl.Poll(ctx)
	v := cli.ctrl.View()
	cli.printView(v)
	if v.Warning != "" {
		return errors.New(v.Warning)
	}
	return nil
}

// mutate syncs the view with the server, runs op and prints the resulting view.
func (cli *commandLine) mutate(ctx context.Context, op func(context.Context) error) error {
	cli.ctrl.Poll(ctx)
	if err := op(ctx); err != nil {
		var opErr *session.OperationError
		if errors.As(err, &opErr) && (opErr.Kind == session.Precondition || opErr.Kind == session.Superseded) {
			cli.printView(cli.ctrl.View())
		}
		return err
	}
	cli.printView(cli.ctrl.View())
	return nil
}

func (cli *commandLine) reset(ctx context.Context) error {
	phrase := attendance.ResetConfirmationPhrase(cli.ctrl.Role())
	fmt.Fprintln(cli.out, "This deletes the attendance records of EVERY session, of every role. It cannot be undone.")
	fmt.Fprintf(cli.out, "Type %q to confirm: ", phrase)

	line, err := cli.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return err
	}
	confirmation := strings.TrimRight(line, "\r\n")

	return cli.mutate(ctx, func(ctx context.Context) error {
		return cli.ctrl.Reset(ctx, confirmation)
	})
}

func (cli *commandLine) records(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("records", flag.ContinueOnError)
	fs.SetOutput(cli.out)
	sessionID := fs.String("session", "", "The session ID. Defaults to the session owned by the role.")
	output := fs.String("o", "", "Export the records to this xlsx file instead of listing them.")
	if err := fs.Parse(args); err != nil {
		return errHelp
	}

	if *sessionID == "" {
		cli.ctrl.Poll(ctx)
		v := cli.ctrl.View()
		if v.LocalSession == nil {
			return errors.New("no session owned by " + cli.ctrl.Role() + ", use -session")
		}
		*sessionID = v.LocalSession.ID
	}

	if *output != "" {
		data, err := cli.client.ExportRecords(ctx, *sessionID)
		if err != nil {
			return err
		}
		if err = ioutil.WriteFile(*output, data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(cli.out, "exported to %s\n", *output)
		return nil
	}

	records, err := cli.client.Records(ctx, *sessionID)
	if err != nil {
		return err
	}
	cli.printRecords(records)
	return nil
}

func (cli *commandLine) qr(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("qr", flag.ContinueOnError)
	fs.SetOutput(cli.out)
	output := fs.String("o", "", "The PNG file to write.")
	if err := fs.Parse(args); err != nil || *output == "" {
		return errHelp
	}

	data, err := cli.client.SignInQRCode(ctx)
	if err != nil {
		return err
	}
	if err = ioutil.WriteFile(*output, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "saved to %s\n", *output)
	return nil
}

// watch follows the session live: pushed events when the websocket is available, polling regardless.
func (cli *commandLine) watch(ctx context.Context) error {
	stream, err := cli.client.Events(ctx)
	if err != nil {
		cli.logger.Warn("live events unavailable, polling only", err)
	} else {
		defer func() { _ = stream.Close() }()
		cli.ctrl = cli.newController(cli.ctrl.Role(), session.WithEventSource(stream))
	}

	unsubscribe := cli.ctrl.Subscribe(events.KindRecordAdded, func(evt events.Event) {
		var rec attendance.Record
		if evt.Decode(&rec) == nil {
			fmt.Fprintf(cli.out, "+ %s (%s) signed in\n", rec.Name, rec.RegCode)
		}
	})
	defer unsubscribe()

	cli.ctrl.Attach()
	defer cli.ctrl.Detach()

	ticker := time.NewTicker(cli.ctrl.Interval())
	defer ticker.Stop()

	var last string
	for {
		if v := cli.ctrl.View(); summary(v) != last {
			last = summary(v)
			cli.printView(v)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func summary(v session.View) string {
	var id string
	if v.LocalSession != nil {
		id = v.LocalSession.ID
	}
	return fmt.Sprintf("%s|%s|%s|%d|%s", v.State, id, v.BlockedBy, len(v.Records), v.Warning)
}

func (cli *commandLine) printView(v session.View) {
	w := tabwriter.NewWriter(cli.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "role:\t%s\n", cli.ctrl.Role())
	fmt.Fprintf(w, "state:\t%s\n", v.State)
	if v.BlockedBy != "" {
		fmt.Fprintf(w, "blocked by:\t%s\n", v.BlockedBy)
	}
	if s := v.LocalSession; s != nil {
		fmt.Fprintf(w, "session:\t%s\n", s.ID)
		fmt.Fprintf(w, "started:\t%s\n", s.StartedAt.Local().Format(time.RFC1123))
		if s.EndedAt != nil {
			fmt.Fprintf(w, "ended:\t%s\n", s.EndedAt.Local().Format(time.RFC1123))
		}
		fmt.Fprintf(w, "attendees:\t%d\n", attendees(v))
	}
	if v.Warning != "" {
		fmt.Fprintf(w, "warning:\t%s\n", v.Warning)
	}
	_ = w.Flush()
}

func attendees(v session.View) int {
	if v.State == session.OwnedActive {
		return len(v.Records)
	}
	return v.LocalSession.AttendeeCount
}

func (cli *commandLine) printRecords(records []attendance.Record) {
	w := tabwriter.NewWriter(cli.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tNAME\tREG CODE\tYEAR\tMINISTRY\tSIGNED AT")
	for i, rec := range records {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", i+1, rec.Name, rec.RegCode, rec.Year, rec.Ministry, rec.SignedAt.Local().Format("15:04:05"))
	}
	_ = w.Flush()
	fmt.Fprintf(cli.out, "%d record(s)\n", len(records))
}
