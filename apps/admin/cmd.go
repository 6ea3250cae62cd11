package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/jmoiron/sqlx"
	"golang.org/x/term"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/bgsync"
	"github.com/trezcool/masomo-offline/core/cache"
	"github.com/trezcool/masomo-offline/core/queue"
)

var (
	isTerminalFunc  = term.IsTerminal // mockable
	readConfirmFunc = readConfirm     // mockable

	errHelp         = errors.New("help provided")
	errNotConfirmed = errors.New("not confirmed")
	errInvalidKind  = errors.New("invalid kind")
)

type commandLine struct {
	db      *sqlx.DB
	queue   *queue.Service
	trigger *bgsync.Trigger
	cache   *cache.Manager
	out     io.Writer
}

func (cli *commandLine) printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  migrate COMMAND [ARGS] - run a goose migration command (up, down, status, version, ...)")
	fmt.Println("  pending [-kind KIND] - list the pending writes")
	fmt.Println("  clear -kind KIND [-yes] - drop the pending writes of a kind")
	fmt.Println("  sync [-kind KIND] - replay the pending writes now")
	fmt.Println("  purge - delete the cache partitions of previous generations")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}
	ctx := context.Background()

	pendingCmd := flag.NewFlagSet("pending", flag.ExitOnError)
	pendingKind := pendingCmd.String("kind", "", "Only list the writes of this kind.")

	clearCmd := flag.NewFlagSet("clear", flag.ExitOnError)
	clearKind := clearCmd.String("kind", "", "The kind of writes to drop.")
	clearYes := clearCmd.Bool("yes", false, "Do not ask for confirmation.")

	syncCmd := flag.NewFlagSet("sync", flag.ExitOnError)
	syncKind := syncCmd.String("kind", "", "Only replay the writes of this kind.")

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(ctx, args[2:])
	case "pending":
		if err := pendingCmd.Parse(args[2:]); err != nil {
			return err
		}
		return cli.listPending(ctx, *pendingKind)
	case "clear":
		if err := clearCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *clearKind == "" {
			clearCmd.Usage()
			return errHelp
		}
		return cli.clear(ctx, *clearKind, *clearYes)
	case "sync":
		if err := syncCmd.Parse(args[2:]); err != nil {
			return err
		}
		return cli.sync(ctx, *syncKind)
	case "purge":
		return cli.purge(ctx)
	default:
		cli.printUsage()
		return errHelp
	}
}

func cleanKind(kind string) (string, error) {
	kind = core.CleanString(kind, true /* lower */)
	if kind != "" && !core.IsValidKind(kind) {
		return "", errInvalidKind
	}
	return kind, nil
}

func (cli *commandLine) listPending(ctx context.Context, kind string) error {
	kind, err := cleanKind(kind)
	if err != nil {
		return err
	}

	var writes []queue.PendingWrite
	if kind == "" {
		writes, err = cli.queue.ListAll(ctx)
	} else {
		writes, err = cli.queue.ListPending(ctx, kind)
	}
	if err != nil {
		return err
	}

	if len(writes) == 0 {
		_, _ = fmt.Fprintln(cli.out, "no pending writes")
		return nil
	}
	for _, pw := range writes {
		_, _ = fmt.Fprintf(cli.out, "%s  %-12s %-6s %s  %s  (%s)\n",
			pw.ID, pw.Kind, pw.Method, pw.Path,
			humanize.Bytes(uint64(len(pw.Payload))), humanize.Time(pw.CreatedAt))
	}
	_, _ = fmt.Fprintf(cli.out, "%s pending\n", humanize.Comma(int64(len(writes))))
	return nil
}

func (cli *commandLine) clear(ctx context.Context, kind string, yes bool) error {
	kind, err := cleanKind(kind)
	if err != nil {
		return err
	}
	if kind == "" {
		return errInvalidKind
	}
	if !yes {
		if !isTerminalFunc(int(syscall.Stdin)) {
			return errNotConfirmed
		}
		ok, err := readConfirmFunc(fmt.Sprintf("Drop every pending %q write? [y/N] ", kind))
		if err != nil {
			return err
		}
		if !ok {
			return errNotConfirmed
		}
	}

	n, err := cli.queue.Clear(ctx, kind)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cli.out, "%s %s writes dropped\n", humanize.Comma(int64(n)), kind)
	return nil
}

func (cli *commandLine) sync(ctx context.Context, kind string) error {
	kind, err := cleanKind(kind)
	if err != nil {
		return err
	}

	kinds := []string{kind}
	if kind == "" {
		counts, err := cli.queue.Kinds(ctx)
		if err != nil {
			return err
		}
		kinds = kinds[:0]
		for _, kc := range counts {
			kinds = append(kinds, kc.Kind)
		}
	}

	for _, k := range kinds {
		res, err := cli.trigger.Drain(ctx, k)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cli.out, "%s: %d replayed, %d failed\n", bgsync.TagFor(k), res.Replayed, res.Failed)
	}
	return nil
}

func (cli *commandLine) purge(ctx context.Context) error {
	deleted, err := cli.cache.PurgeStale(ctx, cli.cache.CurrentPartitions())
	if err != nil {
		return err
	}
	if len(deleted) == 0 {
		_, _ = fmt.Fprintln(cli.out, "no stale partition")
		return nil
	}
	for _, name := range deleted {
		_, _ = fmt.Fprintf(cli.out, "deleted %s\n", name)
	}
	return nil
}

func readConfirm(prompt string) (bool, error) {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
